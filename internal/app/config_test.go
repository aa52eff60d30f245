package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LLM_MODEL", "")
	t.Setenv("LLM_RERANK_MODEL", "")
	t.Setenv("SESSION_TTL_MINUTES", "")
	cfg := LoadConfig()
	if cfg.HTTPAddr != ":8090" || cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LLMRerankModel != cfg.LLMModel {
		t.Fatalf("rerank model should default to the main model, got %q vs %q", cfg.LLMRerankModel, cfg.LLMModel)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("LLM_MODEL", "small")
	t.Setenv("LLM_RERANK_MODEL", "large")
	t.Setenv("TMDB_RPS", "7.5")
	t.Setenv("HISTORY_MAX_ENTRIES", "-3")
	cfg := LoadConfig()
	if cfg.LLMModel != "small" || cfg.LLMRerankModel != "large" {
		t.Fatalf("unexpected models %q %q", cfg.LLMModel, cfg.LLMRerankModel)
	}
	if cfg.TMDBRequestsPerS != 7.5 {
		t.Fatalf("unexpected rps %.2f", cfg.TMDBRequestsPerS)
	}
	if cfg.HistoryMaxEntries != 200 {
		t.Fatalf("invalid values fall back to defaults, got %d", cfg.HistoryMaxEntries)
	}
}
