package backends

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

func init() {
	Register("diy", NewDIYBackend)
	Default.Alias("custom-http", "diy")
}

const defaultBodyTemplate = `{"text":"{{text}}","voice":"{{voice}}","speed":{{speed}}}`

// DIYBackend posts a user-defined body template to any endpoint. The
// template placeholders {{text}}, {{voice}} and {{speed}} are substituted
// with JSON-escaped values. When audio_field is set the response is JSON
// and that field holds base64 audio; otherwise the body is the audio.
type DIYBackend struct {
	client     *http.Client
	endpoint   string
	method     string
	template   string
	headers    map[string]string
	audioField string
	voice      string
	format     string
	healthURL  string
}

// NewDIYBackend builds a DIYBackend. Parameters: endpoint (required),
// method, body_template, headers ("k:v;k:v"), audio_field, voice, format,
// health_url, timeout.
func NewDIYBackend(params map[string]string) (Backend, error) {
	p := Params(params)
	endpoint, err := p.Required("diy", "endpoint")
	if err != nil {
		return nil, err
	}
	client, err := newHTTPClient(p)
	if err != nil {
		return nil, err
	}
	tmpl := p.String("body_template", defaultBodyTemplate)
	if !strings.Contains(tmpl, "{{text}}") {
		return nil, fmt.Errorf("diy: body_template must contain {{text}}")
	}

	headers := p.Headers("headers")
	if _, ok := headers["Content-Type"]; !ok {
		headers["Content-Type"] = "application/json"
	}

	return &DIYBackend{
		client:     client,
		endpoint:   endpoint,
		method:     strings.ToUpper(p.String("method", http.MethodPost)),
		template:   tmpl,
		headers:    headers,
		audioField: p.String("audio_field", ""),
		voice:      p.String("voice", ""),
		format:     p.String("format", "wav"),
		healthURL:  p.String("health_url", ""),
	}, nil
}

// Name implements Backend.
func (b *DIYBackend) Name() string { return "diy" }

// Synthesize implements Backend.
func (b *DIYBackend) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = b.voice
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}

	body := b.render(req.Text, voice, speed)
	data, ct, err := doRaw(ctx, b.client, b.method, b.endpoint, b.headers, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("diy TTS: %w", err)
	}

	if b.audioField != "" {
		data, err = extractAudioField(data, b.audioField)
		if err != nil {
			return nil, fmt.Errorf("diy TTS: %w", err)
		}
		ct = ""
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("diy TTS: %w", ErrEmptyAudio)
	}
	return &Audio{Data: data, Format: formatFromContentType(ct, b.format)}, nil
}

func (b *DIYBackend) render(text, voice string, speed float64) string {
	r := strings.NewReplacer(
		"{{text}}", jsonEscape(text),
		"{{voice}}", jsonEscape(voice),
		"{{speed}}", strconv.FormatFloat(speed, 'f', -1, 64),
	)
	return r.Replace(b.template)
}

// Ping implements Backend.
func (b *DIYBackend) Ping(ctx context.Context) error {
	if b.healthURL == "" {
		return nil
	}
	return ping(ctx, b.client, b.healthURL)
}

// Close implements Backend.
func (b *DIYBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// jsonEscape returns s escaped for use inside a JSON string literal.
func jsonEscape(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw[1 : len(raw)-1])
}

func extractAudioField(data []byte, field string) ([]byte, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	raw, ok := payload[field]
	if !ok {
		return nil, fmt.Errorf("response has no field %q", field)
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("field %q is not a string: %w", field, err)
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("field %q is not base64: %w", field, err)
	}
	return audio, nil
}
