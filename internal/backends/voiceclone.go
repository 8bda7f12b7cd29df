package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

func init() {
	Register("voiceclone", NewVoiceCloneBackend)
	Default.Alias("voice-clone", "voiceclone")
	Default.Alias("custom", "voiceclone")
}

const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"

	defaultLanguage    = "en"
	defaultTemperature = 0.75
)

// cloneRequest is the JSON payload of the voice-cloning engine.
type cloneRequest struct {
	Text           string  `json:"text"`
	SpeakerRefPath string  `json:"speaker_ref_path,omitempty"`
	Language       string  `json:"language"`
	Temperature    float64 `json:"temperature"`
	Speed          float64 `json:"speed,omitempty"`
}

// VoiceCloneBackend talks to a self-hosted voice-cloning engine that
// synthesizes in the voice of a reference recording.
type VoiceCloneBackend struct {
	client      *http.Client
	baseURL     string
	speakerRef  string
	language    string
	temperature float64
}

// NewVoiceCloneBackend builds a VoiceCloneBackend. Parameters: endpoint
// (required, base URL), speaker_ref, language, temperature, timeout.
func NewVoiceCloneBackend(params map[string]string) (Backend, error) {
	p := Params(params)
	base, err := p.Required("voiceclone", "endpoint")
	if err != nil {
		return nil, err
	}
	temp, err := p.Float("temperature", defaultTemperature)
	if err != nil {
		return nil, fmt.Errorf("voiceclone: %w", err)
	}
	if temp < 0 || temp > 2 {
		return nil, fmt.Errorf("voiceclone: temperature must be between 0.0 and 2.0, got %.2f", temp)
	}
	client, err := newHTTPClient(p)
	if err != nil {
		return nil, err
	}

	return &VoiceCloneBackend{
		client:      client,
		baseURL:     strings.TrimRight(base, "/"),
		speakerRef:  p.String("speaker_ref", ""),
		language:    p.String("language", defaultLanguage),
		temperature: temp,
	}, nil
}

// Name implements Backend.
func (b *VoiceCloneBackend) Name() string { return "voiceclone" }

// Synthesize implements Backend. A request voice overrides the configured
// speaker reference.
func (b *VoiceCloneBackend) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	ref := b.speakerRef
	if req.Voice != "" {
		ref = req.Voice
	}
	body, err := json.Marshal(cloneRequest{
		Text:           req.Text,
		SpeakerRefPath: ref,
		Language:       b.language,
		Temperature:    b.temperature,
		Speed:          req.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "audio/wav",
	}
	data, ct, err := doRaw(ctx, b.client, http.MethodPost, b.baseURL+apiGenerateSpeech, headers, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to send request to TTS service at %s: %w", b.baseURL, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("voiceclone TTS: %w", ErrEmptyAudio)
	}
	return &Audio{Data: data, Format: formatFromContentType(ct, "wav")}, nil
}

// Ping implements Backend.
func (b *VoiceCloneBackend) Ping(ctx context.Context) error {
	return ping(ctx, b.client, b.baseURL+apiHealth)
}

// Close implements Backend.
func (b *VoiceCloneBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
