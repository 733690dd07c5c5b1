package observability

import (
	"strconv"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "tabscribe"

// Segment outcomes reported by the dispatcher.
const (
	OutcomeTranscribed = "transcribed"
	OutcomeTranslated  = "translated"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
)

var latencyBuckets = []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60}

func (p *Provider) registerCollectors(registry *promreg.Registry) error {
	p.httpRequestCounter = promreg.NewCounterVec(
		promreg.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	p.httpRequestLatency = promreg.NewHistogramVec(
		promreg.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   latencyBuckets,
		},
		[]string{"method", "route", "status"},
	)
	p.engineLatencyHist = promreg.NewHistogramVec(
		promreg.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_request_duration_seconds",
			Help:      "Duration of speech engine round trips.",
			Buckets:   latencyBuckets,
		},
		[]string{"mode", "status"},
	)
	p.segmentCounter = promreg.NewCounterVec(
		promreg.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Audio segments handled by the dispatcher, by outcome.",
		},
		[]string{"outcome"},
	)
	p.segmentBytes = promreg.NewHistogram(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "segment_size_bytes",
		Help:      "Size of dispatched audio segments.",
		Buckets:   promreg.ExponentialBuckets(16*1024, 2, 11),
	})
	p.dispatchLatency = promreg.NewHistogram(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Wall clock time from dispatch to result, including validation.",
		Buckets:   latencyBuckets,
	})
	p.activeSessions = promreg.NewGauge(promreg.GaugeOpts{
		Namespace: namespace,
		Name:      "capture_sessions_active",
		Help:      "Capture sessions currently recording.",
	})

	for _, c := range []promreg.Collector{
		p.httpRequestCounter,
		p.httpRequestLatency,
		p.engineLatencyHist,
		p.segmentCounter,
		p.segmentBytes,
		p.dispatchLatency,
		p.activeSessions,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordEngineRequest observes one engine round trip. Status 0 means the engine was unreachable.
func (p *Provider) RecordEngineRequest(mode string, status int, duration time.Duration) {
	if p == nil || p.engineLatencyHist == nil {
		return
	}
	p.engineLatencyHist.WithLabelValues(mode, strconv.Itoa(status)).Observe(duration.Seconds())
}

func (p *Provider) RecordSegment(outcome string, size int64, duration time.Duration) {
	if p == nil || p.segmentCounter == nil {
		return
	}
	p.segmentCounter.WithLabelValues(outcome).Inc()
	if size > 0 {
		p.segmentBytes.Observe(float64(size))
	}
	if duration > 0 {
		p.dispatchLatency.Observe(duration.Seconds())
	}
}

func (p *Provider) SessionStarted() {
	if p == nil || p.activeSessions == nil {
		return
	}
	p.activeSessions.Inc()
}

func (p *Provider) SessionEnded() {
	if p == nil || p.activeSessions == nil {
		return
	}
	p.activeSessions.Dec()
}

// Tracer returns a named tracer from the global provider; a no-op tracer when OTLP is disabled.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
