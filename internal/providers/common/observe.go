package common

import (
	"context"
	"errors"
	"net/http"
	"time"

	"watchfinder/discoveryservice/internal/metrics"
)

// ObserveUpstream records one upstream call in the request counters.
func ObserveUpstream(source string, startedAt time.Time, err error) {
	metrics.UpstreamRequestDuration.WithLabelValues(source).Observe(time.Since(startedAt).Seconds())
	metrics.UpstreamRequestsTotal.WithLabelValues(source, upstreamStatus(err)).Inc()
}

func upstreamStatus(err error) string {
	var statusErr *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &statusErr):
		if statusErr.StatusCode == http.StatusTooManyRequests {
			return "rate_limited"
		}
		return "http_error"
	default:
		return "error"
	}
}
