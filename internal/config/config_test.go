package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tabscribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TABSCRIBE_ENGINE_API_KEY", "sk-test-123456")
	path := writeConfig(t, "server:\n  listen_addr: \":9090\"\n")

	cfg, err := Load(Options{ConfigFile: path, EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.ListenAddr)
	require.Equal(t, "openai", cfg.Engine.Provider)
	require.Equal(t, "whisper-1", cfg.Engine.Model)
	require.Equal(t, "en", cfg.Engine.TranslationTarget)
	require.Equal(t, 60*time.Second, cfg.Engine.Timeout)
	require.Equal(t, int64(25*1024*1024), cfg.Transcription.MaxUploadBytes())
	require.Equal(t, 30*time.Minute, cfg.Transcription.IdempotencyTTL)
	require.Equal(t, 10*time.Second, cfg.Capture.ChunkInterval)
	require.Equal(t, time.Second, cfg.Capture.Timeslice)
	require.Equal(t, "audio/webm;codecs=opus", cfg.Capture.MimeType)
	require.Equal(t, 4, cfg.Capture.MaxInFlight)
	require.Equal(t, "sk-test-123456", cfg.Engine.APIKey)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TABSCRIBE_ENGINE_API_KEY", "sk-test-123456")
	t.Setenv("TABSCRIBE_CAPTURE_CHUNK_INTERVAL", "5s")
	t.Setenv("TABSCRIBE_CAPTURE_TRANSLATE_TO", "en")
	t.Setenv("TABSCRIBE_REDIS_URL", "redis://localhost:6379/2")
	path := writeConfig(t, "capture:\n  max_in_flight: 2\n")

	cfg, err := Load(Options{ConfigFile: path})
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Capture.ChunkInterval)
	require.Equal(t, "en", cfg.Capture.TranslateTo)
	require.Equal(t, 2, cfg.Capture.MaxInFlight)
	require.Equal(t, "redis://localhost:6379/2", cfg.Redis.URL)
}

func TestLoadRequiresEngineKey(t *testing.T) {
	t.Setenv("TABSCRIBE_ENGINE_API_KEY", "")
	path := writeConfig(t, "log:\n  level: debug\n")

	_, err := Load(Options{ConfigFile: path})
	require.ErrorContains(t, err, "TABSCRIBE_ENGINE_API_KEY")

	cfg, err := Load(Options{ConfigFile: path, SkipEngineKey: true})
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		return Config{
			Server:        ServerConfig{BodyLimitMB: 26},
			Engine:        EngineConfig{APIKey: "k", Model: "whisper-1", Timeout: time.Minute},
			Transcription: TranscriptionConfig{MaxUploadMB: 25},
			Capture:       CaptureConfig{ChunkInterval: 10 * time.Second, Timeslice: time.Second, MaxInFlight: 4},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Engine.Provider = "bedrock"
	require.ErrorContains(t, cfg.Validate(), "not supported")

	cfg = base()
	cfg.Engine.Provider = "openai-compatible"
	require.ErrorContains(t, cfg.Validate(), "base_url")

	cfg = base()
	cfg.Capture.Timeslice = time.Minute
	require.ErrorContains(t, cfg.Validate(), "timeslice")

	cfg = base()
	cfg.Server.BodyLimitMB = 10
	require.ErrorContains(t, cfg.Validate(), "body_limit_mb")
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Config{
		Engine: EngineConfig{APIKey: "sk-abcdefghijkl"},
		Redis:  RedisConfig{URL: "redis://:secret@host:6379"},
	}
	out := cfg.Redacted()
	require.Equal(t, "sk-a****", out.Engine.APIKey)
	require.Equal(t, "redi****", out.Redis.URL)
	require.Equal(t, "sk-abcdefghijkl", cfg.Engine.APIKey)
}
