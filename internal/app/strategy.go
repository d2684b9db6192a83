package app

import (
	"context"
	"fmt"
	"sort"

	gateway "github.com/mistral-labs/gandalf/internal"
	"github.com/mistral-labs/gandalf/internal/classifier"
	"github.com/mistral-labs/gandalf/internal/provider"
)

// Routing strategy names, selectable via x-routing-strategy or implied by a
// virtual model alias.
const (
	StrategyCost     = "cost"
	StrategyLatency  = "latency"
	StrategyQuality  = "quality"
	StrategyBalanced = "balanced"
)

// virtualModelStrategy maps a virtual model alias to the strategy used when
// the caller doesn't set x-routing-strategy explicitly.
var virtualModelStrategy = map[string]string{
	"auto":    StrategyBalanced,
	"fast":    StrategyLatency,
	"cheap":   StrategyCost,
	"quality": StrategyQuality,
}

// maxVirtualCandidates is how many ranked candidates a virtual model keeps.
const maxVirtualCandidates = 3

// Candidate is a provider/model pair under consideration for strategy-based
// selection, carrying the catalog metadata used to rank it.
type Candidate struct {
	ProviderID string
	Model      string
	Info       gateway.ModelInfo
}

// ResolveCandidates produces an ordered list of failover targets for req.
//
// Concrete (non-virtual) models with a configured alias route resolve via
// ResolveModel as before. A concrete model with no route falls back to
// health-based vendor inference. A virtual model (auto/fast/cheap/quality)
// is resolved by scoring every healthy, capability-matching candidate under
// the requested (or implied) strategy and keeping the top
// maxVirtualCandidates. In every case, x-prefer-provider pins
// that provider to the front of the list if it is healthy; otherwise the
// preference is dropped silently and normal ordering applies.
func (rs *RouterService) ResolveCandidates(ctx context.Context, req *gateway.ChatRequest, class classifier.Classification, health *provider.HealthRegistry) ([]ResolvedTarget, error) {
	model := req.Model

	if !provider.IsVirtualModel(model) {
		targets, err := rs.ResolveModel(ctx, model)
		if err == nil {
			return rs.applyPreference(targets, req.XPreferProvider, health), nil
		}
		if providerID, ok := health.FindProviderForModel(model); ok {
			return rs.applyPreference([]ResolvedTarget{{ProviderID: providerID, Model: model, Priority: 0}}, req.XPreferProvider, health), nil
		}
		return nil, err
	}

	strategy := req.XRoutingStrategy
	if strategy == "" {
		strategy = virtualModelStrategy[model]
	}

	candidates := collectCandidates(health, class.RequiredCapabilities)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no healthy provider satisfies required capabilities", gateway.ErrAllProvidersFailed)
	}
	sortCandidates(candidates, strategy)

	targets := make([]ResolvedTarget, len(candidates))
	for i, c := range candidates {
		targets[i] = ResolvedTarget{ProviderID: c.ProviderID, Model: c.Model, Priority: i}
	}
	targets = rs.applyPreference(targets, req.XPreferProvider, health)
	if len(targets) > maxVirtualCandidates {
		targets = targets[:maxVirtualCandidates]
	}
	return targets, nil
}

// applyPreference moves preferred to the front of targets if it is present
// and healthy. An absent or unhealthy preference is ignored, leaving the
// original ordering untouched — pinning is a hint, not a requirement.
func (rs *RouterService) applyPreference(targets []ResolvedTarget, preferred string, health *provider.HealthRegistry) []ResolvedTarget {
	if preferred == "" {
		return targets
	}
	if !health.State(preferred).Healthy {
		return targets
	}
	for i, t := range targets {
		if t.ProviderID == preferred {
			if i == 0 {
				return targets
			}
			out := make([]ResolvedTarget, 0, len(targets))
			out = append(out, t)
			out = append(out, targets[:i]...)
			out = append(out, targets[i+1:]...)
			for p := range out {
				out[p].Priority = p
			}
			return out
		}
	}
	return targets
}

// collectCandidates gathers every (provider, model) pair from healthy
// providers whose catalog entry satisfies every capability in required.
func collectCandidates(health *provider.HealthRegistry, required []string) []Candidate {
	var out []Candidate
	for providerID, state := range health.AllStates() {
		if !state.Healthy {
			continue
		}
		for _, info := range state.Models {
			if hasAllCapabilities(info.Capabilities, required) {
				out = append(out, Candidate{ProviderID: providerID, Model: info.ID, Info: info})
			}
		}
	}
	return out
}

func hasAllCapabilities(have, required []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}

// sortCandidates orders candidates best-first for the given strategy.
// Ties fall back to quality score, highest first, for a stable and sensible
// default even under an unrecognized strategy name.
func sortCandidates(candidates []Candidate, strategy string) {
	less := func(i, j int) bool {
		a, b := candidates[i].Info, candidates[j].Info
		switch strategy {
		case StrategyCost:
			if a.CostPer1kInput != b.CostPer1kInput {
				return a.CostPer1kInput < b.CostPer1kInput
			}
		case StrategyLatency:
			if a.AvgLatencyMs != b.AvgLatencyMs {
				return a.AvgLatencyMs < b.AvgLatencyMs
			}
		case StrategyQuality:
			if a.QualityScore != b.QualityScore {
				return a.QualityScore > b.QualityScore
			}
		default: // balanced
			sa := a.QualityScore - a.CostPer1kInput - a.AvgLatencyMs/10000
			sb := b.QualityScore - b.CostPer1kInput - b.AvgLatencyMs/10000
			if sa != sb {
				return sa > sb
			}
		}
		return a.QualityScore > b.QualityScore
	}
	sort.SliceStable(candidates, less)
}
