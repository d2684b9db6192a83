package provider

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	gateway "github.com/mistral-labs/gandalf/internal"
	"github.com/mistral-labs/gandalf/internal/telemetry"
)

const healthCheckTimeout = 5 * time.Second

// ProviderState is the live health/catalog snapshot for one registered
// provider.
type ProviderState struct {
	Healthy         bool
	LastHealthCheck time.Time
	LatencyMs       float64
	Models          []gateway.ModelInfo
}

// HealthRegistry wraps a Registry with periodic health probing and a model
// catalog cache. Providers start healthy (optimistic) until the first probe.
type HealthRegistry struct {
	reg     *Registry
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	states map[string]*ProviderState
}

// SetMetrics attaches a telemetry.Metrics instance so per-provider health is
// exported as a gauge. Safe to call with nil, which disables metrics
// recording (the default).
func (h *HealthRegistry) SetMetrics(m *telemetry.Metrics) {
	h.metrics = m
}

// NewHealthRegistry wraps reg with health tracking for its currently
// registered providers (and any registered afterwards, picked up lazily).
func NewHealthRegistry(reg *Registry) *HealthRegistry {
	return &HealthRegistry{reg: reg, states: make(map[string]*ProviderState)}
}

// State returns the current health snapshot for name, or a zero-value
// optimistic state if never probed.
func (h *HealthRegistry) State(name string) ProviderState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.states[name]; ok {
		return *s
	}
	return ProviderState{Healthy: true}
}

// AllStates returns a snapshot of every known provider's state, keyed by name.
func (h *HealthRegistry) AllStates() map[string]ProviderState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ProviderState, len(h.states))
	for k, v := range h.states {
		out[k] = *v
	}
	return out
}

// RunHealthChecks probes every registered provider in parallel. A single
// provider's failure (panic, timeout, or error) never prevents the others
// from completing — failure isolation is the point of running each in its
// own goroutine with its own recover.
func (h *HealthRegistry) RunHealthChecks(ctx context.Context) {
	names := h.reg.List()
	var wg sync.WaitGroup
	wg.Add(len(names))
	for _, name := range names {
		go func(name string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.LogAttrs(ctx, slog.LevelError, "health check panicked",
						slog.String("provider", name), slog.Any("recover", r))
				}
			}()
			h.checkOne(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (h *HealthRegistry) checkOne(ctx context.Context, name string) {
	p, err := h.reg.Get(name)
	if err != nil {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	healthErr := p.HealthCheck(checkCtx)
	latency := float64(time.Since(start).Milliseconds())

	h.mu.Lock()
	s, ok := h.states[name]
	if !ok {
		s = &ProviderState{}
		h.states[name] = s
	}
	s.Healthy = healthErr == nil
	s.LastHealthCheck = time.Now()
	s.LatencyMs = latency
	h.mu.Unlock()

	if h.metrics != nil {
		v := 0.0
		if s.Healthy {
			v = 1.0
		}
		h.metrics.ProviderHealthState.WithLabelValues(name).Set(v)
	}

	if healthErr != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "provider unhealthy",
			slog.String("provider", name), slog.String("error", healthErr.Error()))
		return
	}

	infoCtx, cancel2 := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel2()
	models, err := p.ListModelInfo(infoCtx)
	if err != nil {
		// Preserve the previous catalog on a transient refresh failure rather
		// than zeroing it out.
		return
	}
	h.mu.Lock()
	s.Models = models
	h.mu.Unlock()
}

// StartHealthCheckLoop probes immediately, then every interval, until ctx is
// cancelled.
func (h *HealthRegistry) StartHealthCheckLoop(ctx context.Context, interval time.Duration) {
	h.RunHealthChecks(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RunHealthChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// virtualModels is the set of virtual model aliases that the router resolves
// by strategy-based candidate selection. FindProviderForModel does not handle
// them; callers check IsVirtualModel first.
var virtualModels = map[string]bool{"auto": true, "fast": true, "cheap": true, "quality": true}

// IsVirtualModel reports whether modelID is a routing-strategy alias rather
// than a concrete model name.
func IsVirtualModel(modelID string) bool {
	return virtualModels[modelID]
}

// prefixRoute is a single prefix -> ordered-candidate-providers inference rule.
type prefixRoute struct {
	match     func(model string) bool
	providers []string
}

var prefixRoutes = []prefixRoute{
	{func(m string) bool { return strings.HasPrefix(m, "gpt-") || strings.HasPrefix(m, "o1") }, []string{"openai"}},
	{func(m string) bool { return strings.HasPrefix(m, "claude-") }, []string{"anthropic"}},
	{func(m string) bool {
		return strings.Contains(m, "llama") || strings.Contains(m, "mixtral") || strings.Contains(m, "gemma")
	}, []string{"groq", "together", "ollama"}},
}

// FindProviderForModel resolves a concrete (non-virtual) model ID to a
// healthy provider name, in this order: (1) any healthy provider whose
// catalog already lists the model, (2) prefix-based vendor inference
// (gpt-*/o1* -> openai, claude-* -> anthropic, llama|mixtral|gemma ->
// groq, together, ollama in order), (3) fallback to "ollama".
func (h *HealthRegistry) FindProviderForModel(modelID string) (string, bool) {
	h.mu.RLock()
	for name, s := range h.states {
		if !s.Healthy {
			continue
		}
		for _, m := range s.Models {
			if m.ID == modelID {
				h.mu.RUnlock()
				return name, true
			}
		}
	}
	h.mu.RUnlock()

	lower := strings.ToLower(modelID)
	for _, route := range prefixRoutes {
		if !route.match(lower) {
			continue
		}
		for _, candidate := range route.providers {
			if h.State(candidate).Healthy {
				if _, err := h.reg.Get(candidate); err == nil {
					return candidate, true
				}
			}
		}
	}

	if _, err := h.reg.Get("ollama"); err == nil {
		return "ollama", true
	}
	return "", false
}
