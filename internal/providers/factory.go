package providers

import (
	"context"
	"fmt"

	"github.com/ncecere/tabscribe/backend/internal/config"
)

// Builder constructs an Engine from the engine configuration section.
type Builder func(ctx context.Context, cfg config.EngineConfig) (Engine, error)

// Factory builds the engine from configuration using a registry of builders.
type Factory struct {
	cfg      config.EngineConfig
	builders map[string]Builder
}

// NewFactory creates a factory with the default provider registry.
func NewFactory(cfg config.EngineConfig) *Factory {
	return &Factory{cfg: cfg, builders: cloneDefaultBuilders()}
}

// Register allows tests or callers to override provider builders.
func (f *Factory) Register(name string, builder Builder) {
	if f.builders == nil {
		f.builders = make(map[string]Builder)
	}
	f.builders[name] = builder
}

// Build resolves the configured provider and instantiates its adapter.
func (f *Factory) Build(ctx context.Context) (Engine, error) {
	builder, ok := f.builders[f.cfg.Provider]
	if !ok {
		return Engine{}, fmt.Errorf("engine provider %q unsupported", f.cfg.Provider)
	}
	engine, err := builder(ctx, f.cfg)
	if err != nil {
		return Engine{}, fmt.Errorf("engine %q: %w", f.cfg.Provider, err)
	}
	if engine.Transcribe == nil {
		return Engine{}, fmt.Errorf("engine %q: transcription not supported", f.cfg.Provider)
	}
	return engine, nil
}
