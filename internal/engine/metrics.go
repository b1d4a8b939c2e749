package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Metrics tracks operational counters across the engine.
var metrics struct {
	TranscriptRequests atomic.Int64
	TranscriptErrors   atomic.Int64
	UpstreamCalls      atomic.Int64
	UpstreamErrors     atomic.Int64
	UpstreamBlocked    atomic.Int64
	ProxyRotations     atomic.Int64
	RateLimited        atomic.Int64
	MalformedPayloads  atomic.Int64
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
}

// metricsExtra lets components append their own lines (pool state, cache size).
var metricsExtra atomic.Pointer[func() string]

// SetMetricsExtra registers a formatter appended to FormatMetrics output.
func SetMetricsExtra(fn func() string) {
	metricsExtra.Store(&fn)
}

var metricKeys = []string{
	"transcript_requests", "transcript_errors",
	"upstream_calls", "upstream_errors", "upstream_blocked",
	"proxy_rotations", "rate_limited", "malformed_payloads",
	"cache_hits", "cache_misses",
}

// GetMetrics returns a snapshot of all counters.
func GetMetrics() map[string]int64 {
	return map[string]int64{
		"transcript_requests": metrics.TranscriptRequests.Load(),
		"transcript_errors":   metrics.TranscriptErrors.Load(),
		"upstream_calls":      metrics.UpstreamCalls.Load(),
		"upstream_errors":     metrics.UpstreamErrors.Load(),
		"upstream_blocked":    metrics.UpstreamBlocked.Load(),
		"proxy_rotations":     metrics.ProxyRotations.Load(),
		"rate_limited":        metrics.RateLimited.Load(),
		"malformed_payloads":  metrics.MalformedPayloads.Load(),
		"cache_hits":          metrics.CacheHits.Load(),
		"cache_misses":        metrics.CacheMisses.Load(),
	}
}

// FormatMetrics returns metrics as a simple text format for HTTP endpoint.
func FormatMetrics() string {
	m := GetMetrics()
	var sb strings.Builder
	for _, k := range metricKeys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	if fn := metricsExtra.Load(); fn != nil {
		sb.WriteString((*fn)())
	}
	return sb.String()
}

func IncrTranscriptRequests() { metrics.TranscriptRequests.Add(1) }
func IncrTranscriptErrors()   { metrics.TranscriptErrors.Add(1) }
func IncrUpstreamCalls()      { metrics.UpstreamCalls.Add(1) }
func IncrUpstreamErrors()     { metrics.UpstreamErrors.Add(1) }
func IncrUpstreamBlocked()    { metrics.UpstreamBlocked.Add(1) }
func IncrProxyRotations()     { metrics.ProxyRotations.Add(1) }
func IncrRateLimited()        { metrics.RateLimited.Add(1) }
func IncrMalformedPayloads()  { metrics.MalformedPayloads.Add(1) }
func IncrCacheHits()          { metrics.CacheHits.Add(1) }
func IncrCacheMisses()        { metrics.CacheMisses.Add(1) }

// TrackOperation logs a warning if an operation takes longer than threshold.
func TrackOperation(ctx context.Context, name string, threshold time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if elapsed > threshold {
		slog.Warn("slow operation", slog.String("op", name), slog.Duration("elapsed", elapsed))
	}
	return err
}
