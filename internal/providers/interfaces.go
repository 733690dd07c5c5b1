package providers

import (
	"context"

	"github.com/ncecere/tabscribe/backend/internal/models"
)

type AudioTranscriber interface {
	Transcribe(ctx context.Context, req models.AudioTranscriptionRequest) (models.AudioTranscriptionResponse, error)
}

type AudioTranslator interface {
	Translate(ctx context.Context, req models.AudioTranscriptionRequest) (models.AudioTranscriptionResponse, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
