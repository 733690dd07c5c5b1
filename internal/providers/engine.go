package providers

import "context"

// Engine is the resolved speech engine a gateway client talks to.
type Engine struct {
	Provider   string
	Model      string
	Metadata   map[string]string
	Transcribe AudioTranscriber
	Translate  AudioTranslator
	Health     func(ctx context.Context) error
}

// SupportsTranslation reports whether the engine exposes a translation mode.
func (e Engine) SupportsTranslation() bool {
	return e.Translate != nil
}
