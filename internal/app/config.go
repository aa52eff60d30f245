package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr          string
	RequestTimeout    time.Duration
	LogLevel          string
	LogFormat         string
	UserAgent         string
	RedisURL          string
	TMDBAPIKey        string
	TMDBBaseURL       string
	TMDBCacheTTL      time.Duration
	TMDBRequestsPerS  float64
	LLMAPIKey         string
	LLMBaseURL        string
	LLMModel          string
	LLMRerankModel    string
	LLMTimeout        time.Duration
	EmbeddingURL      string
	EmbeddingModel    string
	RedditEndpoint    string
	WebSearchEndpoint string
	HistoryMaxEntries int
	SessionTTL        time.Duration
	RateLimitPerSec   float64
	RateLimitBurst    int
}

func LoadConfig() Config {
	llmModel := getEnv("LLM_MODEL", "gpt-4o-mini")
	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8090"),
		RequestTimeout:    time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 90)) * time.Second,
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent:         getEnv("USER_AGENT", "watchfinder-discovery/1.0"),
		RedisURL:          getEnv("REDIS_URL", ""),
		TMDBAPIKey:        strings.TrimSpace(os.Getenv("TMDB_API_KEY")),
		TMDBBaseURL:       getEnv("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
		TMDBCacheTTL:      time.Duration(getEnvInt("TMDB_CACHE_TTL_HOURS", 24)) * time.Hour,
		TMDBRequestsPerS:  getEnvFloat("TMDB_RPS", 20),
		LLMAPIKey:         strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		LLMBaseURL:        getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:          llmModel,
		LLMRerankModel:    getEnv("LLM_RERANK_MODEL", llmModel),
		LLMTimeout:        time.Duration(getEnvInt("LLM_TIMEOUT_SECONDS", 45)) * time.Second,
		EmbeddingURL:      getEnv("EMBEDDING_URL", ""),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", "nomic-embed-text"),
		RedditEndpoint:    getEnv("REDDIT_ENDPOINT", "https://www.reddit.com"),
		WebSearchEndpoint: getEnv("WEBSEARCH_ENDPOINT", "https://html.duckduckgo.com/html/"),
		HistoryMaxEntries: getEnvInt("HISTORY_MAX_ENTRIES", 200),
		SessionTTL:        time.Duration(getEnvInt("SESSION_TTL_MINUTES", 30)) * time.Minute,
		RateLimitPerSec:   getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 20),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
