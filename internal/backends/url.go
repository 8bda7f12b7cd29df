package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

func init() {
	Register("url", NewURLBackend)
}

// URLBackend calls a plain HTTP endpoint that returns audio for a text
// parameter. GET requests carry the text in the query string, POST requests
// in a JSON body.
type URLBackend struct {
	client     *http.Client
	endpoint   string
	method     string
	textParam  string
	voiceParam string
	speedParam string
	voice      string
	format     string
	healthURL  string
}

// NewURLBackend builds a URLBackend. Parameters: endpoint (required),
// method, text_param, voice_param, speed_param, voice, format, health_path,
// timeout.
func NewURLBackend(params map[string]string) (Backend, error) {
	p := Params(params)
	endpoint, err := p.Required("url", "endpoint")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url: invalid endpoint %q", endpoint)
	}
	method := strings.ToUpper(p.String("method", http.MethodGet))
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("url: unsupported method %q", method)
	}
	client, err := newHTTPClient(p)
	if err != nil {
		return nil, err
	}

	b := &URLBackend{
		client:     client,
		endpoint:   endpoint,
		method:     method,
		textParam:  p.String("text_param", "text"),
		voiceParam: p.String("voice_param", "voice"),
		speedParam: p.String("speed_param", "speed"),
		voice:      p.String("voice", ""),
		format:     p.String("format", "wav"),
	}
	if hp := p.String("health_path", ""); hp != "" {
		b.healthURL = u.Scheme + "://" + u.Host + "/" + strings.TrimPrefix(hp, "/")
	}
	return b, nil
}

// Name implements Backend.
func (b *URLBackend) Name() string { return "url" }

// Synthesize implements Backend.
func (b *URLBackend) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = b.voice
	}

	var (
		data []byte
		ct   string
		err  error
	)
	switch b.method {
	case http.MethodPost:
		body := map[string]any{b.textParam: req.Text}
		if voice != "" {
			body[b.voiceParam] = voice
		}
		if req.Speed > 0 {
			body[b.speedParam] = req.Speed
		}
		raw, mErr := json.Marshal(body)
		if mErr != nil {
			return nil, fmt.Errorf("marshal request: %w", mErr)
		}
		data, ct, err = doRaw(ctx, b.client, http.MethodPost, b.endpoint,
			map[string]string{"Content-Type": "application/json"}, bytes.NewReader(raw))
	default:
		u, _ := url.Parse(b.endpoint)
		q := u.Query()
		q.Set(b.textParam, req.Text)
		if voice != "" {
			q.Set(b.voiceParam, voice)
		}
		if req.Speed > 0 {
			q.Set(b.speedParam, strconv.FormatFloat(req.Speed, 'f', -1, 64))
		}
		u.RawQuery = q.Encode()
		data, ct, err = doRaw(ctx, b.client, http.MethodGet, u.String(), nil, http.NoBody)
	}
	if err != nil {
		return nil, fmt.Errorf("url TTS: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("url TTS: %w", ErrEmptyAudio)
	}
	return &Audio{Data: data, Format: formatFromContentType(ct, b.format)}, nil
}

// Ping implements Backend. Without a health path the endpoint is assumed
// reachable.
func (b *URLBackend) Ping(ctx context.Context) error {
	if b.healthURL == "" {
		return nil
	}
	return ping(ctx, b.client, b.healthURL)
}

// Close implements Backend.
func (b *URLBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
