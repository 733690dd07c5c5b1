package providers

import (
	"context"
	"fmt"
	"strings"

	native "github.com/ncecere/tabscribe/backend/internal/adapters/openai"
	"github.com/ncecere/tabscribe/backend/internal/config"
)

func init() {
	RegisterDefinition(Definition{
		Name:         "openai",
		Description:  "OpenAI native API (audio transcription and translation)",
		Capabilities: []string{"audio_transcription", "audio_translation", "models"},
		Builder:      buildOpenAIEngine,
	})
	RegisterDefinition(Definition{
		Name:         "openai-compatible",
		Description:  "OpenAI API-compatible speech endpoint (custom base URL)",
		Capabilities: []string{"audio_transcription", "audio_translation"},
		Builder:      buildOpenAICompatibleEngine,
	})
}

func buildOpenAIEngine(ctx context.Context, cfg config.EngineConfig) (Engine, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return Engine{}, fmt.Errorf("openai provider requires api key (engine.api_key)")
	}
	opts := native.Options{
		APIKey:       apiKey,
		BaseURL:      strings.TrimSpace(cfg.BaseURL),
		Organization: strings.TrimSpace(cfg.Organization),
		Timeout:      cfg.Timeout,
	}
	adapter, err := native.New(opts)
	if err != nil {
		return Engine{}, err
	}
	md := map[string]string{}
	if opts.BaseURL != "" {
		md["base_url"] = opts.BaseURL
	}
	if opts.Organization != "" {
		md["openai_organization"] = opts.Organization
	}
	return Engine{
		Provider:   "openai",
		Model:      cfg.Model,
		Metadata:   md,
		Transcribe: adapter,
		Translate:  adapter,
		Health:     adapter.HealthCheck,
	}, nil
}

func buildOpenAICompatibleEngine(ctx context.Context, cfg config.EngineConfig) (Engine, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return Engine{}, fmt.Errorf("openai-compatible provider requires base_url")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return Engine{}, fmt.Errorf("openai-compatible provider requires api key")
	}
	adapter, err := native.New(native.Options{
		APIKey:       apiKey,
		BaseURL:      baseURL,
		Organization: strings.TrimSpace(cfg.Organization),
		Timeout:      cfg.Timeout,
	})
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		Provider:   "openai-compatible",
		Model:      cfg.Model,
		Metadata:   map[string]string{"base_url": baseURL},
		Transcribe: adapter,
		Translate:  adapter,
		Health:     adapter.HealthCheck,
	}, nil
}
