// Package transcribe turns recorded speech into text for voice turns.
package transcribe

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"floorbot/internal/domain"
	"floorbot/internal/infra/config"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
)

// New builds the transcriber selected by cfg.Backend.
func New(cfg config.TranscriptionConfig, logger *slog.Logger) (domain.Transcriber, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "whisper":
		return NewWhisper(cfg, logger), nil
	case "realtime":
		return NewRealtime(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", cfg.Backend)
	}
}

func baseURL(cfg config.TranscriptionConfig) string {
	if cfg.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(cfg.BaseURL, "/")
}

func transcriptionError(backend, detail string) error {
	return domain.NewDomainError(backend, domain.ErrTranscription, detail)
}
