package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"
	"time"

	gateway "github.com/mistral-labs/gandalf/internal"
	"github.com/mistral-labs/gandalf/internal/telemetry"
)

// DefaultSimilarityThreshold is the cosine-similarity cutoff for a semantic
// near-hit, used unless CACHE_SIMILARITY_THRESHOLD overrides it.
const DefaultSimilarityThreshold = 0.95

// Entry is a cached response together with the embedding used to find
// semantic near-hits.
type Entry struct {
	Fingerprint string
	Model       string
	Embedding   []float64
	Response    []byte
	InsertedAt  time.Time
	HitCount    int64
}

// Embedder computes an embedding vector for a string. Supplied by the caller
// (typically backed by a provider's Embeddings call) so this package stays
// free of a hard dependency on any one provider.
type Embedder func(ctx context.Context, text string) ([]float64, error)

// Semantic wraps an exact-fingerprint Cache with a secondary near-hit index
// keyed by embedding similarity. Streaming responses are never indexed here;
// callers are expected to have already filtered on IsCacheable.
type Semantic struct {
	exact     Cache
	threshold float64
	maxVecs   int
	metrics   *telemetry.Metrics

	mu   sync.Mutex
	vecs []*Entry // bounded; the lowest hits/age score is evicted when maxVecs is exceeded
}

// SetMetrics attaches a telemetry.Metrics instance so near-hits are counted.
// Safe to call with nil, which disables metrics recording (the default).
func (s *Semantic) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// NewSemantic wraps exact with a near-hit index. threshold <= 0 uses
// DefaultSimilarityThreshold. maxVecs bounds the in-memory vector set.
func NewSemantic(exact Cache, threshold float64, maxVecs int) *Semantic {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if maxVecs <= 0 {
		maxVecs = 10000
	}
	return &Semantic{exact: exact, threshold: threshold, maxVecs: maxVecs}
}

// Lookup checks the exact tier first, then — if embed is non-nil — scans
// same-model vectors for the closest one at or above the similarity
// threshold. Returns the matching response bytes and whether it was an exact
// hit (true) or a near-hit (false).
func (s *Semantic) Lookup(ctx context.Context, fingerprint, model, text string, embed Embedder) (data []byte, exactHit bool, found bool) {
	if v, ok := s.exact.Get(ctx, fingerprint); ok {
		return v, true, true
	}
	if embed == nil {
		return nil, false, false
	}

	vec, err := embed(ctx, text)
	if err != nil || len(vec) == 0 {
		return nil, false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Entry
	bestScore := -1.0
	for _, e := range s.vecs {
		if e.Model != model {
			continue
		}
		score := CosineSimilarity(vec, e.Embedding)
		if score > bestScore {
			bestScore = score
			best = e
		}
	}
	if best != nil && bestScore >= s.threshold {
		best.HitCount++
		if s.metrics != nil {
			s.metrics.SemanticCacheNearHits.Inc()
		}
		return best.Response, false, true
	}
	return nil, false, false
}

// Store writes a response to the exact tier and, if vec is non-empty, indexes
// it for future near-hit lookups.
func (s *Semantic) Store(ctx context.Context, fingerprint, model string, vec []float64, data []byte, ttl time.Duration) {
	s.exact.Set(ctx, fingerprint, data, ttl)
	if len(vec) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.vecs) >= s.maxVecs {
		// Evict the lowest insertedAt+hitCount score, approximating the
		// combined recency/frequency rule: fewer hits and older entries go first.
		worst := 0
		worstScore := evictionScore(s.vecs[0])
		for i := 1; i < len(s.vecs); i++ {
			sc := evictionScore(s.vecs[i])
			if sc < worstScore {
				worstScore = sc
				worst = i
			}
		}
		s.vecs = append(s.vecs[:worst], s.vecs[worst+1:]...)
	}
	s.vecs = append(s.vecs, &Entry{
		Fingerprint: fingerprint,
		Model:       model,
		Embedding:   vec,
		Response:    data,
		InsertedAt:  time.Now(),
		HitCount:    0,
	})
}

func evictionScore(e *Entry) float64 {
	age := time.Since(e.InsertedAt).Seconds()
	return float64(e.HitCount)*1000 - age
}

// CosineSimilarity returns the cosine similarity of a and b, in [-1, 1].
// Returns 0 for zero-length vectors, unequal-length vectors, or an all-zero
// vector (undefined direction).
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// stableMessage mirrors the wire shape of gateway.Message for deterministic
// JSON encoding (struct fields marshal in declaration order).
type stableMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Fingerprint computes a deterministic SHA-256 fingerprint for req, covering
// exactly the fields spec'd as cache-key inputs: model, messages, temperature,
// top_p, max_tokens, stop. Unlike the HTTP-layer cache key used for exact
// lookups (which additionally scopes by caller key to prevent cross-tenant
// leakage), this fingerprint is caller-agnostic so that semantically similar
// requests from different callers can still share a near-hit.
func Fingerprint(req *gateway.ChatRequest) string {
	msgs := make([]stableMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = stableMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID}
	}

	type keyed struct {
		Model       string          `json:"model"`
		Messages    []stableMessage `json:"messages"`
		Temperature *float64        `json:"temperature,omitempty"`
		TopP        *float64        `json:"top_p,omitempty"`
		MaxTokens   *int            `json:"max_tokens,omitempty"`
		Stop        json.RawMessage `json:"stop,omitempty"`
	}
	k := keyed{Model: req.Model, Messages: msgs, MaxTokens: req.MaxTokens, Stop: req.Stop}
	if req.Temperature != nil {
		r := roundFloat(*req.Temperature)
		k.Temperature = &r
	}
	if req.TopP != nil {
		r := roundFloat(*req.TopP)
		k.TopP = &r
	}

	data, _ := json.Marshal(k)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func roundFloat(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// IsCacheable mirrors the server-layer eligibility rule: only non-streaming,
// single-choice requests with a low/zero temperature or an explicit seed may
// be cached.
func IsCacheable(req *gateway.ChatRequest) bool {
	if req.Stream || req.N > 1 {
		return false
	}
	if req.Seed != nil {
		return true
	}
	return req.Temperature != nil && *req.Temperature <= 0.3
}
