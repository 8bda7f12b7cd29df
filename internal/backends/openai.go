package backends

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

func init() {
	Register("openai", NewOpenAIBackend)
	Default.Alias("openai-compatible", "openai")
}

// OpenAIBackend speaks the OpenAI audio/speech API, which many self-hosted
// servers also implement.
type OpenAIBackend struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  string
	format openai.SpeechResponseFormat
	speed  float64
}

// NewOpenAIBackend builds an OpenAIBackend. Parameters: api_key (required
// unless base_url is set), base_url, model, voice, format, speed.
func NewOpenAIBackend(params map[string]string) (Backend, error) {
	p := Params(params)
	apiKey := p.String("api_key", "")
	baseURL := p.String("base_url", "")
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("openai: %w %q", ErrMissingParam, "api_key")
	}
	speed, err := p.Float("speed", 1.0)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIBackend{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.SpeechModel(p.String("model", string(openai.TTSModel1))),
		voice:  p.String("voice", string(openai.VoiceAlloy)),
		format: openai.SpeechResponseFormat(p.String("format", string(openai.SpeechResponseFormatMp3))),
		speed:  speed,
	}, nil
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return "openai" }

// Synthesize implements Backend.
func (b *OpenAIBackend) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = b.voice
	}
	speed := b.speed
	if req.Speed > 0 {
		speed = req.Speed
	}

	response, err := b.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          b.model,
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: b.format,
		Speed:          speed,
	})
	if err != nil {
		return nil, fmt.Errorf("openai TTS synthesis failed: %w", err)
	}
	defer response.Close() //nolint:errcheck

	data, err := readAudio(response)
	if err != nil {
		return nil, fmt.Errorf("openai TTS: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("openai TTS: %w", ErrEmptyAudio)
	}
	return &Audio{Data: data, Format: string(b.format)}, nil
}

// Ping implements Backend by listing models.
func (b *OpenAIBackend) Ping(ctx context.Context) error {
	if _, err := b.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai health check: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *OpenAIBackend) Close() error { return nil }
