package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"floorbot/internal/domain"
	"floorbot/internal/infra/config"
	"floorbot/internal/infra/tracer"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Whisper transcribes a whole recording with one multipart upload to
// the OpenAI-compatible /audio/transcriptions endpoint.
type Whisper struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	logger   *slog.Logger
}

// NewWhisper creates a Whisper transcriber.
func NewWhisper(cfg config.TranscriptionConfig, logger *slog.Logger) *Whisper {
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Whisper{
		endpoint: baseURL(cfg) + "/audio/transcriptions",
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

func (w *Whisper) Name() string { return "whisper" }

// Transcribe implements domain.Transcriber.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte, format, language string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "transcribe.whisper",
		trace.WithAttributes(
			tracer.StringAttr("transcribe.model", w.model),
			tracer.StringAttr("audio.format", format),
		),
	)
	defer span.End()

	if len(audio) == 0 {
		err := transcriptionError("whisper", "empty audio")
		tracer.RecordError(span, err)
		return "", err
	}
	if format == "" {
		format = "wav"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	fields := map[string]string{"model": w.model, "response_format": "json"}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		tracer.RecordError(span, err)
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: whisper: %w", domain.ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: whisper: %w", domain.ErrTranscription, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := transcriptionError("whisper", fmt.Sprintf("API error %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
		tracer.RecordError(span, err)
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		err = transcriptionError("whisper", "decode response: "+err.Error())
		tracer.RecordError(span, err)
		return "", err
	}

	tracer.SetOK(span)
	w.logger.DebugContext(ctx, "audio transcribed",
		"backend", "whisper",
		"bytes", len(audio),
		"chars", len(out.Text),
		"duration", time.Since(start),
	)
	return out.Text, nil
}

var _ domain.Transcriber = (*Whisper)(nil)
