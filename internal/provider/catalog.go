package provider

import (
	"strings"

	gateway "github.com/mistral-labs/gandalf/internal"
	"github.com/mistral-labs/gandalf/internal/tokencount"
)

// staticModel is a catalog entry keyed by model ID prefix match.
type staticModel struct {
	prefix          string
	contextWindow   int
	costPer1kInput  float64
	costPer1kOutput float64
	capabilities    []string
	qualityScore    float64
	avgLatencyMs    float64
}

// catalog holds cost/capability metadata for models this gateway knows about.
// Anthropic relies on this entirely; OpenAI, Ollama and Gemini augment it
// with live ListModels IDs.
var catalog = []staticModel{
	{"gpt-4o-mini", 128000, 0.00015, 0.0006, []string{"general", "instruction-following", "vision", "tools"}, 0.78, 450},
	{"gpt-4o", 128000, 0.0025, 0.01, []string{"general", "instruction-following", "vision", "tools", "code"}, 0.92, 650},
	{"o1-mini", 128000, 0.0011, 0.0044, []string{"general", "reasoning", "code", "math"}, 0.88, 2200},
	{"o1", 200000, 0.015, 0.06, []string{"general", "reasoning", "code", "math"}, 0.97, 4500},
	{"gpt-", 128000, 0.0025, 0.01, []string{"general", "instruction-following", "tools"}, 0.85, 650},

	{"claude-opus", 200000, 0.015, 0.075, []string{"general", "instruction-following", "code", "reasoning", "creative"}, 0.97, 1800},
	{"claude-sonnet", 200000, 0.003, 0.015, []string{"general", "instruction-following", "code", "reasoning"}, 0.93, 900},
	{"claude-haiku", 200000, 0.0008, 0.004, []string{"general", "instruction-following"}, 0.8, 350},
	{"claude-", 200000, 0.003, 0.015, []string{"general", "instruction-following"}, 0.85, 900},

	{"gemini-1.5-pro", 2000000, 0.00125, 0.005, []string{"general", "instruction-following", "code", "vision", "long-context"}, 0.91, 800},
	{"gemini-1.5-flash", 1000000, 0.000075, 0.0003, []string{"general", "instruction-following", "vision", "long-context"}, 0.8, 400},
	{"gemini-2.0-flash", 1000000, 0.0001, 0.0004, []string{"general", "instruction-following", "vision", "tools", "long-context"}, 0.86, 380},
	{"gemini-", 1000000, 0.0002, 0.0008, []string{"general", "instruction-following"}, 0.82, 500},

	{"llama", 8192, 0, 0, []string{"general", "instruction-following", "code"}, 0.7, 600},
	{"mixtral", 32768, 0, 0, []string{"general", "instruction-following", "code"}, 0.72, 700},
	{"gemma", 8192, 0, 0, []string{"general", "instruction-following"}, 0.65, 550},
	{"qwen", 32768, 0, 0, []string{"general", "instruction-following", "code", "math"}, 0.74, 600},
}

// lookupCatalog returns the best-matching static entry for modelID, or a
// conservative zero-cost default if nothing matches (local/unknown models).
func lookupCatalog(modelID string) staticModel {
	m := strings.ToLower(modelID)
	best := staticModel{}
	bestLen := -1
	for _, e := range catalog {
		if strings.HasPrefix(m, e.prefix) && len(e.prefix) > bestLen {
			best = e
			bestLen = len(e.prefix)
		}
	}
	if bestLen < 0 {
		return staticModel{contextWindow: 4096, capabilities: []string{"general", "instruction-following"}, qualityScore: 0.6, avgLatencyMs: 600}
	}
	return best
}

// ModelInfoFor builds a gateway.ModelInfo for modelID under providerName
// using the static catalog.
func ModelInfoFor(providerName, modelID string) gateway.ModelInfo {
	e := lookupCatalog(modelID)
	return gateway.ModelInfo{
		ID:              modelID,
		Provider:        providerName,
		ContextWindow:   e.contextWindow,
		CostPer1kInput:  e.costPer1kInput,
		CostPer1kOutput: e.costPer1kOutput,
		Capabilities:    e.capabilities,
		QualityScore:    e.qualityScore,
		AvgLatencyMs:    e.avgLatencyMs,
	}
}

// ModelInfoForIDs maps ListModels-style IDs to full catalog entries.
func ModelInfoForIDs(providerName string, ids []string) []gateway.ModelInfo {
	out := make([]gateway.ModelInfo, len(ids))
	for i, id := range ids {
		out[i] = ModelInfoFor(providerName, id)
	}
	return out
}

var costCounter = tokencount.NewCounter()

// EstimateChatCost computes a pure, local cost estimate for req using the
// static catalog, expressed in USD per 1k-token units agreed with actual
// usage accounting. Returns zero for models with no known cost (local models).
func EstimateChatCost(req *gateway.ChatRequest) gateway.CostEstimate {
	e := lookupCatalog(req.Model)
	tokens := costCounter.EstimateRequest(req.Model, req.Messages)
	// Assume completion is roughly proportional to MaxTokens if set, else a
	// conservative multiple of the prompt size.
	completionTokens := tokens / 2
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		completionTokens = *req.MaxTokens
	}
	usd := float64(tokens)/1000*e.costPer1kInput + float64(completionTokens)/1000*e.costPer1kOutput
	return gateway.CostEstimate{
		EstimatedTokens: tokens + completionTokens,
		EstimatedUSD:    usd,
	}
}

// ActualCost computes the USD cost of a completed request from its actual
// token usage and the static catalog's per-1k pricing for model. Returns 0
// if usage is nil.
func ActualCost(model string, usage *gateway.Usage) float64 {
	if usage == nil {
		return 0
	}
	e := lookupCatalog(model)
	return float64(usage.PromptTokens)/1000*e.costPer1kInput + float64(usage.CompletionTokens)/1000*e.costPer1kOutput
}
