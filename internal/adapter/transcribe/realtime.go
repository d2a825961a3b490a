package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"nhooyr.io/websocket"

	"floorbot/internal/domain"
	"floorbot/internal/infra/config"
	"floorbot/internal/infra/tracer"
)

// Audio is streamed in chunks of this many bytes.
const realtimeChunk = 32 << 10

// Realtime transcribes over the OpenAI Realtime websocket API. It only takes
// 16-bit PCM, raw ("pcm16") or wrapped in a WAV container.
type Realtime struct {
	wsURL   string
	apiKey  string
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRealtime creates a realtime transcriber. The websocket URL is derived
// from the configured base URL (https -> wss, http -> ws).
func NewRealtime(cfg config.TranscriptionConfig, logger *slog.Logger) *Realtime {
	if cfg.Model == "" || cfg.Model == "whisper-1" {
		cfg.Model = "gpt-4o-transcribe"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := baseURL(cfg)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &Realtime{
		wsURL:   base + "/realtime?intent=transcription",
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (r *Realtime) Name() string { return "realtime" }

type realtimeEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Transcribe implements domain.Transcriber.
func (r *Realtime) Transcribe(ctx context.Context, audio []byte, format, language string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "transcribe.realtime",
		trace.WithAttributes(
			tracer.StringAttr("transcribe.model", r.model),
			tracer.StringAttr("audio.format", format),
		),
	)
	defer span.End()

	pcm, err := pcm16(audio, format)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, r.wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {"Bearer " + r.apiKey},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("%w: realtime connect: %w", domain.ErrTranscription, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	transcription := map[string]any{"model": r.model}
	if language != "" {
		transcription["language"] = language
	}
	if err := r.send(ctx, conn, map[string]any{
		"type": "transcription_session.update",
		"session": map[string]any{
			"input_audio_format":        "pcm16",
			"input_audio_transcription": transcription,
			"turn_detection":            nil,
		},
	}); err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	for off := 0; off < len(pcm); off += realtimeChunk {
		end := min(off+realtimeChunk, len(pcm))
		// []byte marshals as base64.
		if err := r.send(ctx, conn, map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": pcm[off:end],
		}); err != nil {
			tracer.RecordError(span, err)
			return "", err
		}
	}
	if err := r.send(ctx, conn, map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	var partial strings.Builder
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			tracer.RecordError(span, err)
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: realtime: %w", domain.ErrTimeout, err)
			}
			return "", fmt.Errorf("%w: realtime read: %w", domain.ErrTranscription, err)
		}

		var ev realtimeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "conversation.item.input_audio_transcription.delta":
			partial.WriteString(ev.Delta)
		case "conversation.item.input_audio_transcription.completed":
			text := ev.Transcript
			if text == "" {
				text = partial.String()
			}
			tracer.SetOK(span)
			r.logger.DebugContext(ctx, "audio transcribed", "backend", "realtime", "bytes", len(pcm), "chars", len(text))
			return text, nil
		case "conversation.item.input_audio_transcription.failed", "error":
			err := transcriptionError("realtime", ev.Error.Message)
			tracer.RecordError(span, err)
			return "", err
		}
	}
}

func (r *Realtime) send(ctx context.Context, conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: realtime write: %w", domain.ErrTranscription, err)
	}
	return nil
}

// pcm16 returns the raw sample bytes of audio.
func pcm16(audio []byte, format string) ([]byte, error) {
	if len(audio) == 0 {
		return nil, transcriptionError("realtime", "empty audio")
	}
	switch strings.ToLower(format) {
	case "pcm", "pcm16", "raw":
		return audio, nil
	case "wav", "wave", "":
		return wavData(audio)
	default:
		return nil, transcriptionError("realtime", fmt.Sprintf("unsupported audio format %q (need pcm16 or wav)", format))
	}
}

// wavData walks the RIFF chunks and returns the payload of "data".
func wavData(b []byte) ([]byte, error) {
	if len(b) < 12 || !bytes.Equal(b[0:4], []byte("RIFF")) || !bytes.Equal(b[8:12], []byte("WAVE")) {
		return nil, transcriptionError("realtime", "not a WAV file")
	}
	for off := 12; off+8 <= len(b); {
		id := b[off : off+4]
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if bytes.Equal(id, []byte("data")) {
			end := min(body+size, len(b))
			return b[body:end], nil
		}
		off = body + size + size%2
	}
	return nil, transcriptionError("realtime", "WAV file has no data chunk")
}

var _ domain.Transcriber = (*Realtime)(nil)
