// Package budget implements per-key and global monthly token/cost budget
// enforcement, extending the simpler lifetime-cost idiom in
// internal/ratelimit.QuotaTracker with a token dimension, global ceilings,
// and alert thresholds.
package budget

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mistral-labs/gandalf/internal/telemetry"
)

// alertThresholds are checked in descending order; the first one the usage
// percentage has reached is reported.
var alertThresholds = []int{95, 80}

// Decision is the result of a budget check.
type Decision struct {
	Allowed           bool
	Reason            string
	TokenUsagePercent float64
	CostUsagePercent  float64
	AlertThreshold    *int
}

type keyBudget struct {
	mu           sync.Mutex
	tokenLimit   int64 // 0 = unlimited
	costLimit    float64
	tokensUsed   int64
	costUsed     float64
	month        string
}

// Store persists monthly usage increments for a key.
type Store interface {
	IncrementKeyUsage(ctx context.Context, keyID string, tokens int64, costUSD float64, month string) error
}

// Enforcer tracks per-key and global monthly token/cost budgets in memory,
// persisting increments through Store. Counters roll over automatically when
// the wall-clock month changes (lazy reset, no background job required).
type Enforcer struct {
	store   Store
	now     func() time.Time
	metrics *telemetry.Metrics

	mu   sync.Mutex
	keys map[string]*keyBudget

	globalMu         sync.Mutex
	globalTokenLimit int64
	globalCostLimit  float64
	globalTokensUsed int64
	globalCostUsed   float64
	globalMonth      string
}

// Config configures process-wide budget ceilings (0 = unlimited).
type Config struct {
	GlobalMonthlyTokenBudget int64
	GlobalMonthlyCostUSD     float64
}

// NewEnforcer creates an Enforcer. store may be nil for in-memory-only use
// (e.g. tests).
func NewEnforcer(store Store, cfg Config) *Enforcer {
	return &Enforcer{
		store:            store,
		now:              time.Now,
		keys:             make(map[string]*keyBudget),
		globalTokenLimit: cfg.GlobalMonthlyTokenBudget,
		globalCostLimit:  cfg.GlobalMonthlyCostUSD,
		globalMonth:      "",
	}
}

// SetMetrics attaches a telemetry.Metrics instance so rejections are counted.
// Safe to call with nil, which disables metrics recording (the default).
func (e *Enforcer) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

func (e *Enforcer) recordReject(scope, reason string) {
	if e.metrics == nil {
		return
	}
	e.metrics.BudgetRejects.WithLabelValues(scope, reason).Inc()
}

func (e *Enforcer) currentMonth() string {
	return e.now().UTC().Format("2006-01")
}

// SetKeyBudget registers or updates a key's configured limits and seeds its
// counters from already-recorded usage (e.g. loaded from storage at startup).
func (e *Enforcer) SetKeyBudget(keyID string, tokenLimit int64, costLimit float64, tokensUsed int64, costUsed float64, month string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kb, ok := e.keys[keyID]
	if !ok {
		kb = &keyBudget{}
		e.keys[keyID] = kb
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.tokenLimit = tokenLimit
	kb.costLimit = costLimit
	if month == e.currentMonth() {
		kb.tokensUsed = tokensUsed
		kb.costUsed = costUsed
		kb.month = month
	} else {
		kb.tokensUsed = 0
		kb.costUsed = 0
		kb.month = e.currentMonth()
	}
}

func (e *Enforcer) getOrCreateKey(keyID string) *keyBudget {
	e.mu.Lock()
	defer e.mu.Unlock()
	kb, ok := e.keys[keyID]
	if !ok {
		kb = &keyBudget{month: e.currentMonth()}
		e.keys[keyID] = kb
	}
	return kb
}

// CheckBudget reports whether a request for estimatedTokens/estimatedUSD may
// proceed for the given key, checking both the per-key and global monthly
// budgets. Reason strings match spec's case-insensitive substrings
// ("token budget exceeded" / "cost budget exceeded").
func (e *Enforcer) CheckBudget(keyID string, estimatedTokens int64, estimatedUSD float64) Decision {
	month := e.currentMonth()

	// Global check first: a global ceiling protects the whole deployment.
	e.globalMu.Lock()
	if e.globalMonth != month {
		e.globalTokensUsed = 0
		e.globalCostUsed = 0
		e.globalMonth = month
	}
	if e.globalTokenLimit > 0 && e.globalTokensUsed+estimatedTokens > e.globalTokenLimit {
		e.globalMu.Unlock()
		e.recordReject("global", "token")
		return Decision{Allowed: false, Reason: "Global monthly token budget exceeded"}
	}
	if e.globalCostLimit > 0 && e.globalCostUsed+estimatedUSD > e.globalCostLimit {
		e.globalMu.Unlock()
		e.recordReject("global", "cost")
		return Decision{Allowed: false, Reason: "Global monthly cost budget exceeded"}
	}
	e.globalMu.Unlock()

	if keyID == "" {
		return Decision{Allowed: true}
	}

	kb := e.getOrCreateKey(keyID)
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if kb.month != month {
		kb.tokensUsed = 0
		kb.costUsed = 0
		kb.month = month
	}

	if kb.tokenLimit > 0 && kb.tokensUsed+estimatedTokens > kb.tokenLimit {
		e.recordReject("key", "token")
		return Decision{Allowed: false, Reason: "token budget exceeded",
			TokenUsagePercent: pct(kb.tokensUsed, kb.tokenLimit)}
	}
	if kb.costLimit > 0 && kb.costUsed+estimatedUSD > kb.costLimit {
		e.recordReject("key", "cost")
		return Decision{Allowed: false, Reason: "cost budget exceeded",
			CostUsagePercent: pct(kb.costUsed, kb.costLimit)}
	}

	d := Decision{Allowed: true}
	if kb.tokenLimit > 0 {
		d.TokenUsagePercent = pct(kb.tokensUsed, kb.tokenLimit)
	}
	if kb.costLimit > 0 {
		d.CostUsagePercent = pct(kb.costUsed, kb.costLimit)
	}
	d.AlertThreshold = crossedThreshold(max(d.TokenUsagePercent, d.CostUsagePercent))
	return d
}

// RecordUsage atomically adds tokens/costUSD to both the key's and the
// global monthly counters, then persists the increment to the store (if
// set) in the same call; store errors are ignored.
func (e *Enforcer) RecordUsage(ctx context.Context, keyID string, tokens int64, costUSD float64) {
	month := e.currentMonth()

	e.globalMu.Lock()
	if e.globalMonth != month {
		e.globalTokensUsed = 0
		e.globalCostUsed = 0
		e.globalMonth = month
	}
	e.globalTokensUsed += tokens
	e.globalCostUsed += costUSD
	e.globalMu.Unlock()

	if keyID == "" {
		return
	}

	kb := e.getOrCreateKey(keyID)
	kb.mu.Lock()
	if kb.month != month {
		kb.tokensUsed = 0
		kb.costUsed = 0
		kb.month = month
	}
	kb.tokensUsed += tokens
	kb.costUsed += costUSD
	kb.mu.Unlock()

	if e.store != nil {
		if err := e.store.IncrementKeyUsage(ctx, keyID, tokens, costUSD, month); err != nil {
			// Best-effort persistence: in-memory counters already reflect the
			// usage, so a store failure only risks losing the increment across
			// a restart, not under- or over-counting within this process.
			_ = err
		}
	}
}

func pct(used int64, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

func crossedThreshold(usagePercent float64) *int {
	for _, t := range alertThresholds {
		if usagePercent >= float64(t) {
			th := t
			return &th
		}
	}
	return nil
}

// ReasonIsBudgetExceeded reports whether reason indicates a budget rejection,
// matched case-insensitively per spec's error taxonomy.
func ReasonIsBudgetExceeded(reason string) bool {
	l := strings.ToLower(reason)
	return strings.Contains(l, "token budget exceeded") ||
		strings.Contains(l, "cost budget exceeded") ||
		strings.Contains(l, "global monthly")
}
