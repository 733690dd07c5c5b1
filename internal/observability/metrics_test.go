package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/tabscribe/backend/internal/config"
)

func TestSetupDisabledReturnsNil(t *testing.T) {
	provider, err := Setup(context.Background(), config.ObservabilityConfig{})
	require.NoError(t, err)
	require.Nil(t, provider)

	// nil providers are safe to call.
	provider.RecordSegment(OutcomeFailed, 10, time.Second)
	provider.RecordEngineRequest("transcribe", 200, time.Second)
	provider.SessionStarted()
	require.Nil(t, provider.PrometheusHandler())
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestMetricsExposedOnHandler(t *testing.T) {
	provider, err := Setup(context.Background(), config.ObservabilityConfig{EnableMetrics: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	provider.RecordHTTPRequest(context.Background(), http.MethodPost, "/api/transcription/transcribe", 200, 150*time.Millisecond)
	provider.RecordEngineRequest("translate", 0, 2*time.Second)
	provider.RecordSegment(OutcomeTranscribed, 64*1024, 800*time.Millisecond)
	provider.SessionStarted()

	rec := httptest.NewRecorder()
	provider.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	require.Contains(t, text, "tabscribe_http_requests_total")
	require.Contains(t, text, `tabscribe_engine_request_duration_seconds_count{mode="translate",status="0"} 1`)
	require.Contains(t, text, `tabscribe_segments_total{outcome="transcribed"} 1`)
	require.Contains(t, text, "tabscribe_capture_sessions_active 1")
}
