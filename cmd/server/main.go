package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "watchfinder/discoveryservice/internal/api/http"
	"watchfinder/discoveryservice/internal/app"
	"watchfinder/discoveryservice/internal/catalog"
	"watchfinder/discoveryservice/internal/community"
	"watchfinder/discoveryservice/internal/discovery"
	"watchfinder/discoveryservice/internal/extract"
	"watchfinder/discoveryservice/internal/metrics"
	"watchfinder/discoveryservice/internal/providers/embedding"
	"watchfinder/discoveryservice/internal/providers/llm"
	"watchfinder/discoveryservice/internal/providers/reddit"
	"watchfinder/discoveryservice/internal/providers/tmdb"
	"watchfinder/discoveryservice/internal/providers/websearch"
	"watchfinder/discoveryservice/internal/rerank"
	"watchfinder/discoveryservice/internal/scoring"
	"watchfinder/discoveryservice/internal/telemetry"
)

const serviceName = "watchfinder-discovery"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(serviceName, version))
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("hasTMDBKey", cfg.TMDBAPIKey != ""),
		slog.Bool("hasLLMKey", cfg.LLMAPIKey != ""),
		slog.String("llmModel", cfg.LLMModel),
		slog.String("llmRerankModel", cfg.LLMRerankModel),
		slog.Bool("hasEmbeddings", strings.TrimSpace(cfg.EmbeddingURL) != ""),
		slog.String("redditEndpoint", cfg.RedditEndpoint),
		slog.String("webSearchEndpoint", cfg.WebSearchEndpoint),
		slog.Duration("sessionTTL", cfg.SessionTTL),
	)

	redisClient := connectRedis(cfg, logger)

	tmdbClient := tmdb.NewClient(tmdb.Config{
		APIKey:            cfg.TMDBAPIKey,
		BaseURL:           cfg.TMDBBaseURL,
		Client:            tracedClient(10 * time.Second),
		Redis:             redisClient,
		CacheTTL:          cfg.TMDBCacheTTL,
		RequestsPerSecond: int(math.Ceil(cfg.TMDBRequestsPerS)),
	})
	if !tmdbClient.Enabled() {
		logger.Warn("tmdb api key not configured, catalog calls will fail")
	}
	gateway := catalog.NewGateway(tmdbClient, catalog.NewGenreTable(tmdbClient))

	llmTimeout := int(cfg.LLMTimeout / time.Second)
	extractLLM := llm.NewClient(llm.Config{
		APIKey:         cfg.LLMAPIKey,
		BaseURL:        cfg.LLMBaseURL,
		Model:          cfg.LLMModel,
		TimeoutSeconds: llmTimeout,
		Name:           "extract",
	}, llm.WithHTTPClient(tracedClient(cfg.LLMTimeout)))
	rerankLLM := llm.NewClient(llm.Config{
		APIKey:         cfg.LLMAPIKey,
		BaseURL:        cfg.LLMBaseURL,
		Model:          cfg.LLMRerankModel,
		TimeoutSeconds: llmTimeout,
		Name:           "rerank",
	}, llm.WithHTTPClient(tracedClient(cfg.LLMTimeout)))
	if !extractLLM.Enabled() {
		logger.Warn("llm api key not configured, using default filters and embedding rerank")
	}

	embedder := embedding.NewClient(embedding.Config{
		URL:    cfg.EmbeddingURL,
		Model:  cfg.EmbeddingModel,
		Client: tracedClient(30 * time.Second),
	})
	embeddingOpts := []scoring.EmbeddingCacheOption{scoring.WithNamespace(cfg.EmbeddingModel)}
	if redisClient != nil {
		embeddingOpts = append(embeddingOpts, scoring.WithVectorStore(scoring.NewRedisVectorStore(redisClient, 7*24*time.Hour)))
	}
	embeddings := scoring.NewEmbeddingCache(embedder, embeddingOpts...)

	miner := community.NewMiner(
		reddit.NewProvider(reddit.Config{
			Endpoint:  cfg.RedditEndpoint,
			UserAgent: cfg.UserAgent,
			Client:    tracedClient(cfg.RequestTimeout),
		}),
		websearch.NewProvider(websearch.Config{
			Endpoint:  cfg.WebSearchEndpoint,
			UserAgent: cfg.UserAgent,
			Client:    tracedClient(cfg.RequestTimeout),
		}),
		extract.NewTitleExtractor(extractLLM),
	)

	manager := discovery.NewManager(discovery.Deps{
		Filters:    extract.NewFilterExtractor(extractLLM),
		Miner:      miner,
		Catalog:    gateway,
		Embeddings: embeddings,
		Reranker:   rerank.New(rerankLLM, embedder),
		History:    buildHistoryStore(cfg, redisClient),
	}, discovery.WithSessionTTL(cfg.SessionTTL))

	handler := apihttp.NewServer(manager,
		apihttp.WithLogger(logger),
		apihttp.WithWatchProviders(gateway),
		apihttp.WithSourceHealth(miner),
		apihttp.WithRateLimit(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		apihttp.WithSearchTimeout(cfg.RequestTimeout),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A search runs synchronously within the request.
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	manager.StartBackground(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("discovery service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.RequestTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	manager.Shutdown()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("discovery service stopped")
}

func tracedClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// connectRedis returns nil when Redis is not configured or not reachable;
// every consumer then falls back to process memory.
func connectRedis(cfg app.Config, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory stores only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory stores only", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}

func buildHistoryStore(cfg app.Config, client *redis.Client) discovery.HistoryStore {
	if client == nil {
		return discovery.NewMemoryHistory(cfg.HistoryMaxEntries)
	}
	return discovery.NewRedisHistory(client, cfg.HistoryMaxEntries, cfg.SessionTTL*4)
}
