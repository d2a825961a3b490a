package transcribe

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"floorbot/internal/domain"
	"floorbot/internal/infra/config"
)

// fakeRealtime accepts one session, collects the audio, and answers the
// commit with the given events.
func fakeRealtime(t *testing.T, reply []string, gotAudio *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/realtime", r.URL.Path)
		assert.Equal(t, "transcription", r.URL.Query().Get("intent"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg struct {
				Type  string `json:"type"`
				Audio []byte `json:"audio"`
			}
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch msg.Type {
			case "input_audio_buffer.append":
				*gotAudio = append(*gotAudio, msg.Audio...)
			case "input_audio_buffer.commit":
				for _, ev := range reply {
					if conn.Write(ctx, websocket.MessageText, []byte(ev)) != nil {
						return
					}
				}
			}
		}
	}))
}

func wav(samples []byte) []byte {
	var b []byte
	b = append(b, "RIFF"...)
	b = binary.LittleEndian.AppendUint32(b, uint32(36+len(samples)))
	b = append(b, "WAVE"...)
	b = append(b, "fmt "...)
	b = binary.LittleEndian.AppendUint32(b, 16)
	b = append(b, make([]byte, 16)...)
	b = append(b, "data"...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(samples)))
	return append(b, samples...)
}

func TestRealtimeTranscribe(t *testing.T) {
	var got []byte
	srv := fakeRealtime(t, []string{
		`{"type":"conversation.item.input_audio_transcription.delta","delta":"Oak "}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"Oak flooring please"}`,
	}, &got)
	defer srv.Close()

	rt := NewRealtime(config.TranscriptionConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-test"}, testLogger())
	text, err := rt.Transcribe(context.Background(), wav([]byte{1, 2, 3, 4}), "wav", "en")

	require.NoError(t, err)
	assert.Equal(t, "Oak flooring please", text)
	assert.Equal(t, []byte{1, 2, 3, 4}, got, "WAV header is stripped")
}

func TestRealtimeUsesDeltasWhenTranscriptMissing(t *testing.T) {
	var got []byte
	srv := fakeRealtime(t, []string{
		`{"type":"conversation.item.input_audio_transcription.delta","delta":"grey "}`,
		`{"type":"conversation.item.input_audio_transcription.delta","delta":"carpet"}`,
		`{"type":"conversation.item.input_audio_transcription.completed"}`,
	}, &got)
	defer srv.Close()

	rt := NewRealtime(config.TranscriptionConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-test"}, testLogger())
	text, err := rt.Transcribe(context.Background(), []byte{9, 9}, "pcm16", "")

	require.NoError(t, err)
	assert.Equal(t, "grey carpet", text)
}

func TestRealtimeServerError(t *testing.T) {
	var got []byte
	srv := fakeRealtime(t, []string{`{"type":"error","error":{"message":"invalid_api_key"}}`}, &got)
	defer srv.Close()

	rt := NewRealtime(config.TranscriptionConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-test"}, testLogger())
	_, err := rt.Transcribe(context.Background(), []byte{1, 2}, "pcm16", "en")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTranscription))
	assert.Contains(t, err.Error(), "invalid_api_key")
}

func TestRealtimeURLDerivation(t *testing.T) {
	rt := NewRealtime(config.TranscriptionConfig{}, testLogger())
	assert.Equal(t, "wss://api.openai.com/v1/realtime?intent=transcription", rt.wsURL)
	assert.Equal(t, "gpt-4o-transcribe", rt.model)

	rt = NewRealtime(config.TranscriptionConfig{BaseURL: "http://localhost:9000/v1/"}, testLogger())
	assert.Equal(t, "ws://localhost:9000/v1/realtime?intent=transcription", rt.wsURL)
}

func TestPCM16(t *testing.T) {
	_, err := pcm16([]byte("abc"), "mp3")
	assert.True(t, errors.Is(err, domain.ErrTranscription))

	_, err = pcm16([]byte("not a wav file"), "wav")
	assert.True(t, errors.Is(err, domain.ErrTranscription))

	_, err = pcm16(nil, "pcm16")
	assert.True(t, errors.Is(err, domain.ErrTranscription))

	data, err := pcm16(wav([]byte{7, 7}), "wav")
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, data)
}
