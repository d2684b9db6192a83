package budget

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mistral-labs/gandalf/internal/telemetry"
)

func TestCheckBudget_UnderBudgetAllowed(t *testing.T) {
	t.Parallel()
	e := NewEnforcer(nil, Config{})
	e.SetKeyBudget("key1", 1000, 1.0, 0, 0, e.currentMonth())

	d := e.CheckBudget("key1", 100, 0.1)
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
}

func TestCheckBudget_OverTokenBudgetRejected(t *testing.T) {
	t.Parallel()
	e := NewEnforcer(nil, Config{})
	e.SetKeyBudget("key1", 100, 0, 90, 0, e.currentMonth())

	d := e.CheckBudget("key1", 50, 0)
	if d.Allowed {
		t.Fatalf("expected rejection, got %+v", d)
	}
	if !strings.Contains(strings.ToLower(d.Reason), "token budget exceeded") {
		t.Errorf("reason = %q, want substring 'token budget exceeded'", d.Reason)
	}
}

func TestCheckBudget_OverCostBudgetRejected(t *testing.T) {
	t.Parallel()
	e := NewEnforcer(nil, Config{})
	e.SetKeyBudget("key1", 0, 1.0, 0, 0.95, e.currentMonth())

	d := e.CheckBudget("key1", 0, 0.1)
	if d.Allowed {
		t.Fatalf("expected rejection, got %+v", d)
	}
	if !strings.Contains(strings.ToLower(d.Reason), "cost budget exceeded") {
		t.Errorf("reason = %q, want substring 'cost budget exceeded'", d.Reason)
	}
}

func TestCheckBudget_NullBudgetNeverRejects(t *testing.T) {
	t.Parallel()
	e := NewEnforcer(nil, Config{})
	d := e.CheckBudget("unknown-key", 1_000_000, 1_000_000)
	if !d.Allowed {
		t.Fatalf("expected allowed with no configured budget, got %+v", d)
	}
}

func TestCheckBudget_AlertThresholdCrossing(t *testing.T) {
	t.Parallel()
	e := NewEnforcer(nil, Config{})
	e.SetKeyBudget("key1", 100, 0, 0, 0, e.currentMonth())

	e.RecordUsage(context.Background(), "key1", 82, 0)
	d := e.CheckBudget("key1", 1, 0)
	if d.AlertThreshold == nil || *d.AlertThreshold != 80 {
		t.Errorf("expected 80%% threshold crossed, got %+v", d.AlertThreshold)
	}

	e.RecordUsage(context.Background(), "key1", 13, 0)
	d = e.CheckBudget("key1", 1, 0)
	if d.AlertThreshold == nil || *d.AlertThreshold != 95 {
		t.Errorf("expected 95%% threshold crossed, got %+v", d.AlertThreshold)
	}
}

type fakeStore struct {
	calls int
	keyID string
	tok   int64
	usd   float64
}

func (f *fakeStore) IncrementKeyUsage(ctx context.Context, keyID string, tokens int64, costUSD float64, month string) error {
	f.calls++
	f.keyID = keyID
	f.tok = tokens
	f.usd = costUSD
	return nil
}

func TestRecordUsage_GlobalEqualsSumOfRecordedCalls(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	e := NewEnforcer(store, Config{GlobalMonthlyTokenBudget: 1000})

	e.RecordUsage(context.Background(), "key1", 100, 0.5)
	e.RecordUsage(context.Background(), "key2", 200, 1.0)

	e.globalMu.Lock()
	total := e.globalTokensUsed
	e.globalMu.Unlock()

	if total != 300 {
		t.Errorf("global tokens used = %d, want 300", total)
	}
	if store.calls != 2 {
		t.Errorf("store.calls = %d, want 2", store.calls)
	}
}

func TestCheckBudget_RejectionIncrementsMetric(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)

	e := NewEnforcer(nil, Config{})
	e.SetMetrics(m)
	e.SetKeyBudget("key1", 100, 0, 90, 0, e.currentMonth())

	if d := e.CheckBudget("key1", 50, 0); d.Allowed {
		t.Fatalf("expected rejection, got %+v", d)
	}
	if got := testutil.ToFloat64(m.BudgetRejects.WithLabelValues("key", "token")); got != 1 {
		t.Errorf("BudgetRejects{key,token} = %v, want 1", got)
	}
}

func TestCheckBudget_GlobalBudgetExceeded(t *testing.T) {
	t.Parallel()
	e := NewEnforcer(nil, Config{GlobalMonthlyTokenBudget: 100})
	e.RecordUsage(context.Background(), "key1", 90, 0)

	d := e.CheckBudget("key1", 20, 0)
	if d.Allowed {
		t.Fatalf("expected global rejection, got %+v", d)
	}
	if !strings.Contains(d.Reason, "Global monthly") {
		t.Errorf("reason = %q, want prefix 'Global monthly'", d.Reason)
	}
}
