package community

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"watchfinder/discoveryservice/internal/metrics"
)

const (
	sourceFailureThreshold = 3
	sourceBlockBase        = 2 * time.Minute
	sourceBlockMax         = 15 * time.Minute
)

type sourceHealth struct {
	consecutiveFailures int
	blockedUntil        time.Time
	lastError           string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	totalRequests       int64
	totalFailures       int64
	timeoutCount        int64
}

// SourceDiagnostics is a snapshot of one source's health.
type SourceDiagnostics struct {
	Name                string     `json:"name"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	BlockedUntil        *time.Time `json:"blockedUntil,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs"`
	TotalRequests       int64      `json:"totalRequests"`
	TotalFailures       int64      `json:"totalFailures"`
	TimeoutCount        int64      `json:"timeoutCount"`
}

type healthTracker struct {
	mu     sync.Mutex
	states map[string]*sourceHealth
}

func newHealthTracker() *healthTracker {
	return &healthTracker{states: make(map[string]*sourceHealth)}
}

func (h *healthTracker) isBlocked(source string, now time.Time) (bool, time.Time, string) {
	name := strings.ToLower(strings.TrimSpace(source))
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.states[name]
	if state == nil {
		return false, time.Time{}, ""
	}
	if state.blockedUntil.IsZero() || now.After(state.blockedUntil) {
		return false, time.Time{}, ""
	}
	return true, state.blockedUntil, state.lastError
}

func (h *healthTracker) record(source string, err error, latency time.Duration, now time.Time) {
	name := strings.ToLower(strings.TrimSpace(source))
	if name == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.states[name]
	if state == nil {
		state = &sourceHealth{}
		h.states[name] = state
	}
	state.totalRequests++
	if latency > 0 {
		state.lastLatency = latency
	}
	if isTimeoutLikeError(err) {
		state.timeoutCount++
	}

	if err == nil {
		state.consecutiveFailures = 0
		state.blockedUntil = time.Time{}
		state.lastError = ""
		state.lastSuccessAt = now
		metrics.SourceAvailable.WithLabelValues(name).Set(1)
		return
	}

	state.consecutiveFailures++
	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()
	if state.consecutiveFailures >= sourceFailureThreshold {
		state.blockedUntil = now.Add(exponentialBlockDuration(state.consecutiveFailures))
		metrics.SourceAvailable.WithLabelValues(name).Set(0)
	}
}

func (h *healthTracker) snapshot() []SourceDiagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()

	items := make([]SourceDiagnostics, 0, len(h.states))
	for name, state := range h.states {
		item := SourceDiagnostics{
			Name:                name,
			ConsecutiveFailures: state.consecutiveFailures,
			LastError:           state.lastError,
			LastLatencyMS:       state.lastLatency.Milliseconds(),
			TotalRequests:       state.totalRequests,
			TotalFailures:       state.totalFailures,
			TimeoutCount:        state.timeoutCount,
		}
		if !state.blockedUntil.IsZero() {
			blockedUntil := state.blockedUntil
			item.BlockedUntil = &blockedUntil
		}
		if !state.lastSuccessAt.IsZero() {
			lastSuccessAt := state.lastSuccessAt
			item.LastSuccessAt = &lastSuccessAt
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

// exponentialBlockDuration is sourceBlockBase × 2^(failures - threshold), capped at sourceBlockMax.
func exponentialBlockDuration(consecutiveFailures int) time.Duration {
	exponent := consecutiveFailures - sourceFailureThreshold
	if exponent < 0 {
		exponent = 0
	}
	d := sourceBlockBase
	for i := 0; i < exponent; i++ {
		d *= 2
		if d > sourceBlockMax {
			return sourceBlockMax
		}
	}
	return d
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}
