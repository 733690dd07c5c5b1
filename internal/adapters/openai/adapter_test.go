package openai

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/tabscribe/backend/internal/models"
	"github.com/ncecere/tabscribe/backend/internal/providers/fixtures"
)

type capturedForm struct {
	path           string
	model          string
	language       string
	responseFormat string
	filename       string
	payload        []byte
}

func newEngineServer(t *testing.T, status int, body []byte) (*httptest.Server, *capturedForm) {
	t.Helper()
	captured := &capturedForm{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		if err := r.ParseMultipartForm(32 << 20); err == nil {
			captured.model = r.FormValue("model")
			captured.language = r.FormValue("language")
			captured.responseFormat = r.FormValue("response_format")
			if f, fh, err := r.FormFile("file"); err == nil {
				captured.filename = fh.Filename
				captured.payload, _ = io.ReadAll(f)
				f.Close()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(ts.Close)
	return ts, captured
}

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	adapter, err := New(Options{APIKey: "sk-test", BaseURL: baseURL + "/v1", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return adapter
}

func audioRequest(language string) models.AudioTranscriptionRequest {
	payload := []byte("fake-webm-bytes")
	return models.AudioTranscriptionRequest{
		Model: "whisper-1",
		Input: models.AudioInput{
			Reader:      bytes.NewReader(payload),
			Filename:    "segment-0.webm",
			ContentType: "audio/webm",
			Bytes:       int64(len(payload)),
		},
		Language: language,
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestTranscribeSendsMultipartForm(t *testing.T) {
	ts, captured := newEngineServer(t, http.StatusOK, fixtures.MustRead("transcription.json"))
	adapter := newTestAdapter(t, ts.URL)

	resp, err := adapter.Transcribe(context.Background(), audioRequest("fr"))
	require.NoError(t, err)
	require.Equal(t, "hello world", resp.Text)
	require.True(t, strings.HasSuffix(captured.path, "/audio/transcriptions"))
	require.Equal(t, "whisper-1", captured.model)
	require.Equal(t, "fr", captured.language)
	require.Equal(t, "json", captured.responseFormat)
	require.Equal(t, "segment-0.webm", captured.filename)
	require.Equal(t, []byte("fake-webm-bytes"), captured.payload)
}

func TestTranscribeOmitsEmptyLanguage(t *testing.T) {
	ts, captured := newEngineServer(t, http.StatusOK, fixtures.MustRead("transcription.json"))
	adapter := newTestAdapter(t, ts.URL)

	_, err := adapter.Transcribe(context.Background(), audioRequest(""))
	require.NoError(t, err)
	require.Empty(t, captured.language)
}

func TestTranscribeMissingTextIsEmpty(t *testing.T) {
	ts, _ := newEngineServer(t, http.StatusOK, []byte(`{}`))
	adapter := newTestAdapter(t, ts.URL)

	resp, err := adapter.Transcribe(context.Background(), audioRequest(""))
	require.NoError(t, err)
	require.Equal(t, "", resp.Text)
}

func TestResponseFieldsMatchCaseInsensitively(t *testing.T) {
	cases := []struct {
		name string
		body string
		text string
		lang string
	}{
		{"title case", `{"Text":"hello upper","Language":"english"}`, "hello upper", "english"},
		{"upper case", `{"TEXT":"hello caps"}`, "hello caps", ""},
		{"mixed case", `{"tExT":"hello mixed","LANGUAGE":"german"}`, "hello mixed", "german"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts, _ := newEngineServer(t, http.StatusOK, []byte(tc.body))
			adapter := newTestAdapter(t, ts.URL)

			resp, err := adapter.Transcribe(context.Background(), audioRequest(""))
			require.NoError(t, err)
			require.Equal(t, tc.text, resp.Text)
			require.Equal(t, tc.lang, resp.Language)

			translated, err := adapter.Translate(context.Background(), audioRequest(""))
			require.NoError(t, err)
			require.Equal(t, tc.text, translated.Text)
		})
	}
}

func TestTranscribeReportsDetectedLanguage(t *testing.T) {
	ts, _ := newEngineServer(t, http.StatusOK, fixtures.MustRead("transcription_language.json"))
	adapter := newTestAdapter(t, ts.URL)

	resp, err := adapter.Transcribe(context.Background(), audioRequest(""))
	require.NoError(t, err)
	require.Equal(t, "bonjour tout le monde", resp.Text)
	require.Equal(t, "french", resp.Language)
}

func TestTranslateUsesTranslationsEndpoint(t *testing.T) {
	ts, captured := newEngineServer(t, http.StatusOK, fixtures.MustRead("translation.json"))
	adapter := newTestAdapter(t, ts.URL)

	resp, err := adapter.Translate(context.Background(), audioRequest("de"))
	require.NoError(t, err)
	require.Equal(t, "good morning", resp.Text)
	require.True(t, strings.HasSuffix(captured.path, "/audio/translations"))
	require.Empty(t, captured.language)
}

func TestTranscribeMapsUpstreamStatus(t *testing.T) {
	ts, _ := newEngineServer(t, http.StatusInternalServerError, fixtures.MustRead("error_server.json"))
	adapter := newTestAdapter(t, ts.URL)

	_, err := adapter.Transcribe(context.Background(), audioRequest(""))
	require.Error(t, err)
	var upErr *models.UpstreamError
	require.True(t, errors.As(err, &upErr))
	require.Equal(t, http.StatusInternalServerError, upErr.StatusCode)
	require.Equal(t, models.AudioTranscriptionTaskTranscribe, upErr.Task)
	require.Contains(t, upErr.Error(), "500")
	require.Contains(t, upErr.Error(), "boom")
}

func TestTranscribeMapsBadRequest(t *testing.T) {
	ts, _ := newEngineServer(t, http.StatusBadRequest, fixtures.MustRead("error_bad_request.json"))
	adapter := newTestAdapter(t, ts.URL)

	_, err := adapter.Translate(context.Background(), audioRequest(""))
	var upErr *models.UpstreamError
	require.True(t, errors.As(err, &upErr))
	require.Equal(t, http.StatusBadRequest, upErr.StatusCode)
	require.Equal(t, models.AudioTranscriptionTaskTranslate, upErr.Task)
}

func TestTranscribeTransportFailure(t *testing.T) {
	ts, _ := newEngineServer(t, http.StatusOK, fixtures.MustRead("transcription.json"))
	url := ts.URL
	ts.Close()
	adapter := newTestAdapter(t, url)

	_, err := adapter.Transcribe(context.Background(), audioRequest(""))
	var upErr *models.UpstreamError
	require.True(t, errors.As(err, &upErr))
	require.Zero(t, upErr.StatusCode)
}

func TestTranscribeRequiresReader(t *testing.T) {
	adapter := newTestAdapter(t, "http://127.0.0.1:1")
	_, err := adapter.Transcribe(context.Background(), models.AudioTranscriptionRequest{Model: "whisper-1"})
	require.Error(t, err)
}
