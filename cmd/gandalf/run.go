package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/mistral-labs/gandalf/internal"
	"github.com/mistral-labs/gandalf/internal/app"
	"github.com/mistral-labs/gandalf/internal/auth"
	"github.com/mistral-labs/gandalf/internal/budget"
	"github.com/mistral-labs/gandalf/internal/cache"
	"github.com/mistral-labs/gandalf/internal/circuitbreaker"
	"github.com/mistral-labs/gandalf/internal/cloudauth"
	"github.com/mistral-labs/gandalf/internal/config"
	"github.com/mistral-labs/gandalf/internal/provider"
	"github.com/mistral-labs/gandalf/internal/provider/anthropic"
	"github.com/mistral-labs/gandalf/internal/provider/gemini"
	"github.com/mistral-labs/gandalf/internal/provider/ollama"
	"github.com/mistral-labs/gandalf/internal/provider/openai"
	"github.com/mistral-labs/gandalf/internal/ratelimit"
	"github.com/mistral-labs/gandalf/internal/server"
	"github.com/mistral-labs/gandalf/internal/storage/sqlite"
	"github.com/mistral-labs/gandalf/internal/telemetry"
	"github.com/mistral-labs/gandalf/internal/tokencount"
	"github.com/mistral-labs/gandalf/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

func run(configPath string) error {
	// Process-environment-only settings (LOG_LEVEL, REDACT_PROMPTS,
	// ENABLE_METRICS, PORT), read before the YAML config since they set up
	// logging itself.
	env := config.LoadEnv()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(env.LogLevel),
	})))

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if env.EnableMetrics {
		cfg.Telemetry.Metrics.Enabled = true
	}
	if env.Port != "" {
		cfg.Server.Addr = overridePort(cfg.Server.Addr, env.Port)
	}

	slog.Info("starting gandalf", "version", version, "addr", cfg.Server.Addr, "log_level", env.LogLevel)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Log seeded API keys (names only, never log key material).
	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("api key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, gateway.APIKeyPrefix)
		slog.Info("api key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Register providers
	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		// Build HTTP client with auth transport chain.
		client, err := buildProviderClient(ctx, p, dnsResolver)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}

		var prov gateway.Provider
		switch p.ResolvedType() {
		case "openai":
			prov = openai.New(p.Name, p.BaseURL, client)
		case "anthropic":
			if p.ResolvedHosting() == "vertex" {
				prov = anthropic.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project)
			} else {
				prov = anthropic.New(p.Name, p.BaseURL, client)
			}
		case "gemini":
			if p.ResolvedHosting() == "vertex" {
				prov = gemini.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project)
			} else {
				prov = gemini.New(p.Name, p.BaseURL, client)
			}
		case "ollama":
			prov = ollama.New(p.Name, p.BaseURL, client)
		default:
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
			continue
		}
		_, hasNative := prov.(gateway.NativeProxy)
		reg.Register(p.Name, prov)
		slog.Info("provider registered",
			"name", p.Name,
			"type", p.ResolvedType(),
			"hosting", p.ResolvedHosting(),
			"auth", p.ResolvedAuthType(),
			"native_proxy", hasNative,
		)
	}

	for _, r := range cfg.Routes {
		targets := make([]string, len(r.Targets))
		for i, t := range r.Targets {
			targets[i] = t.Provider + "/" + t.Model
		}
		slog.Info("route configured", "alias", r.ModelAlias, "targets", targets)
	}
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("gandalf/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	// Wire services
	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	routerSvc := app.NewRouterService(store)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	proxySvc := app.NewProxyService(reg, routerSvc, tracer, breakers)
	keys := app.NewKeyManager(store)

	// Health registry drives virtual-model routing (auto/fast/cheap/quality)
	// and capability-aware candidate selection.
	health := provider.NewHealthRegistry(reg)
	if metrics != nil {
		health.SetMetrics(metrics)
	}
	proxySvc.SetHealth(health)

	// Usage recorder (async batch flush to DB).
	usageRecorder := worker.NewUsageRecorder(store)

	// Rate limiter.
	rateLimiter := ratelimit.NewRegistry()
	slog.Info("rate limits configured",
		"default_rpm", cfg.RateLimits.DefaultRPM,
		"default_tpm", cfg.RateLimits.DefaultTPM,
	)

	// Token counter.
	tokenCounter := tokencount.NewCounter()

	// Response cache.
	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"default_ttl", cfg.Cache.DefaultTTL,
		)
	}

	// Quota tracker.
	quotaTracker := ratelimit.NewQuotaTracker()

	// Workers.
	workers := []worker.Worker{usageRecorder}
	workers = append(workers, worker.NewQuotaSyncWorker(quotaTracker, store))
	workers = append(workers, worker.NewUsageRollupWorker(store))

	runner := worker.NewRunner(workers...)

	// Monthly budget enforcer (global + per-key token/cost ceilings),
	// preloaded from any keys that already carry a configured budget.
	enforcer := budget.NewEnforcer(store, budget.Config{
		GlobalMonthlyTokenBudget: cfg.Budget.GlobalMonthlyToken,
		GlobalMonthlyCostUSD:     cfg.Budget.GlobalMonthlyUSD,
	})
	if metrics != nil {
		enforcer.SetMetrics(metrics)
	}
	budgetedKeys, err := store.ListMonthlyBudgetedKeys(ctx)
	if err != nil {
		return fmt.Errorf("preload budgeted keys: %w", err)
	}
	for _, k := range budgetedKeys {
		var tokenLimit int64
		var costLimit float64
		if k.MonthlyTokenBudget != nil {
			tokenLimit = *k.MonthlyTokenBudget
		}
		if k.MonthlyCostBudgetUsd != nil {
			costLimit = *k.MonthlyCostBudgetUsd
		}
		enforcer.SetKeyBudget(k.ID, tokenLimit, costLimit, k.TokensUsedThisMonth, k.CostUsedThisMonthUsd, k.BudgetMonth)
	}
	slog.Info("budget enforcer ready",
		"budgeted_keys", len(budgetedKeys),
		"global_monthly_tokens", cfg.Budget.GlobalMonthlyToken,
		"global_monthly_cost_usd", cfg.Budget.GlobalMonthlyUSD,
	)

	// Semantic cache wraps the exact-match cache with embedding similarity,
	// so near-duplicate prompts can still hit. Falls back to exact match when
	// no embedding provider is configured.
	var semanticCache *cache.Semantic
	var embedder cache.Embedder
	if cfg.Cache.Enabled && cfg.Cache.SimilarityThreshold > 0 {
		embedProvider, embedModel, ok := resolveEmbeddingProvider(reg, cfg)
		if ok {
			embedder = func(ctx context.Context, text string) ([]float64, error) {
				input, marshalErr := json.Marshal(text)
				if marshalErr != nil {
					return nil, marshalErr
				}
				resp, embedErr := embedProvider.Embeddings(ctx, &gateway.EmbeddingRequest{
					Model: embedModel,
					Input: input,
				})
				if embedErr != nil {
					return nil, embedErr
				}
				var vectors []struct {
					Embedding []float64 `json:"embedding"`
				}
				if err := json.Unmarshal(resp.Data, &vectors); err != nil {
					return nil, fmt.Errorf("decode embedding response: %w", err)
				}
				if len(vectors) == 0 {
					return nil, fmt.Errorf("embedding provider returned no vectors")
				}
				return vectors[0].Embedding, nil
			}
		}
		maxEntries := cfg.Cache.MaxEntries
		if maxEntries == 0 {
			maxEntries = cfg.Cache.MaxSize
		}
		semanticCache = cache.NewSemantic(responseCache, cfg.Cache.SimilarityThreshold, maxEntries)
		if metrics != nil {
			semanticCache.SetMetrics(metrics)
		}
		responseCache = nil
		slog.Info("semantic cache enabled",
			"similarity_threshold", cfg.Cache.SimilarityThreshold,
			"embedder_configured", embedder != nil,
		)
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Proxy:          proxySvc,
		Providers:      reg,
		Router:         routerSvc,
		Keys:           keys,
		Store:          store,
		ReadyCheck:     store.Ping,
		Usage:          usageRecorder,
		RateLimiter:    rateLimiter,
		TokenCounter:   tokenCounter,
		Cache:          responseCache,
		SemanticCache:  semanticCache,
		Embedder:       embedder,
		Quota:          quotaTracker,
		Budget:         enforcer,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	// Background provider health probing drives virtual-model routing.
	go health.StartHealthCheckLoop(workerCtx, 30*time.Second)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/embeddings",
			"GET  /v1/models",
		},
	)
	slog.Info("gandalf ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Cancel workers and wait for drain.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	// Shutdown tracing exporter.
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gandalf stopped")
	return nil
}

// buildProviderClient assembles an *http.Client with the auth transport chain
// for a provider entry. The base transport includes DNS caching and HTTP/2
// (except Ollama which uses HTTP/1.1).
func buildProviderClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver) (*http.Client, error) {
	useHTTP2 := p.ResolvedType() != "ollama"
	base := provider.NewTransport(resolver, useHTTP2)

	var transport http.RoundTripper = base

	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case "api_key":
		apiKey := p.ResolvedAPIKey()
		if apiKey != "" {
			headerName, prefix := authHeaderForType(p.ResolvedType(), p.ResolvedHosting())
			transport = &cloudauth.APIKeyTransport{
				Key:        apiKey,
				HeaderName: headerName,
				Prefix:     prefix,
				Base:       base,
			}
		}
		// Empty API key: no auth transport (e.g. local Ollama).
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", p.ResolvedAuthType())
	}

	client := &http.Client{Transport: transport}
	if p.TimeoutMs > 0 {
		client.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return client, nil
}

// parseLogLevel maps the LOG_LEVEL env var to a slog.Level, defaulting to
// Info on an unrecognized value.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// overridePort replaces the port in a "host:port" address with port, adding
// the default empty host if addr had none.
func overridePort(addr, port string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, port)
}

// resolveEmbeddingProvider looks up the provider configured to serve
// embedding vectors for the semantic cache. Returns ok=false when no
// embedding provider is configured, in which case the semantic cache
// degrades to exact-match lookups only.
func resolveEmbeddingProvider(reg *provider.Registry, cfg *config.Config) (gateway.Provider, string, bool) {
	if cfg.Cache.EmbeddingProvider == "" || cfg.Cache.EmbeddingModel == "" {
		return nil, "", false
	}
	prov, err := reg.Get(cfg.Cache.EmbeddingProvider)
	if err != nil {
		slog.Warn("embedding provider not registered, semantic cache will degrade to exact match",
			"provider", cfg.Cache.EmbeddingProvider, "error", err)
		return nil, "", false
	}
	return prov, cfg.Cache.EmbeddingModel, true
}

// authHeaderForType returns the (headerName, prefix) for API key auth
// based on provider type and hosting mode.
func authHeaderForType(provType, hosting string) (string, string) {
	switch {
	case provType == "openai" && hosting == "azure":
		return "api-key", ""
	case provType == "openai":
		return "Authorization", "Bearer "
	case provType == "anthropic":
		return "x-api-key", ""
	case provType == "gemini":
		return "x-goog-api-key", ""
	case provType == "ollama":
		return "Authorization", "Bearer "
	default:
		return "Authorization", "Bearer "
	}
}
