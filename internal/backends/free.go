package backends

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

func init() {
	Register("free", NewFreeBackend)
	Default.Alias("free-tier", "free")
	Default.Alias("gtts", "free")
}

const (
	defaultFreeEndpoint = "https://translate.google.com/translate_tts"
	freeChunkSize       = 200
)

// FreeBackend uses the keyless translate speech endpoint. The service
// caps text per call and blocks aggressive clients, so text is split into
// chunks and calls are rate limited. MP3 chunks are concatenated.
type FreeBackend struct {
	client      *http.Client
	endpoint    string
	language    string
	slow        bool
	rateLimiter *rate.Limiter
}

// NewFreeBackend builds a FreeBackend. Parameters: language, slow,
// requests_per_minute, endpoint, timeout.
func NewFreeBackend(params map[string]string) (Backend, error) {
	p := Params(params)
	rpm, err := p.Int("requests_per_minute", 50)
	if err != nil {
		return nil, fmt.Errorf("free: %w", err)
	}
	if rpm <= 0 {
		return nil, fmt.Errorf("free: requests_per_minute must be positive, got %d", rpm)
	}
	client, err := newHTTPClient(p)
	if err != nil {
		return nil, err
	}

	return &FreeBackend{
		client:      client,
		endpoint:    p.String("endpoint", defaultFreeEndpoint),
		language:    p.String("language", "en"),
		slow:        p.String("slow", "false") == "true",
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}, nil
}

// Name implements Backend.
func (b *FreeBackend) Name() string { return "free" }

// Synthesize implements Backend. A request voice is used as the language.
func (b *FreeBackend) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	lang := b.language
	if req.Voice != "" {
		lang = req.Voice
	}

	var out bytes.Buffer
	for i, chunk := range splitText(req.Text, freeChunkSize) {
		if err := b.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
		}

		u, err := url.Parse(b.endpoint)
		if err != nil {
			return nil, fmt.Errorf("free: invalid endpoint: %w", err)
		}
		q := u.Query()
		q.Set("ie", "UTF-8")
		q.Set("client", "tw-ob")
		q.Set("tl", lang)
		q.Set("q", chunk)
		if b.slow {
			q.Set("ttsspeed", "0.24")
		}
		u.RawQuery = q.Encode()

		data, _, err := doRaw(ctx, b.client, http.MethodGet, u.String(),
			map[string]string{"User-Agent": "Mozilla/5.0"}, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("free TTS chunk %d: %w", i, err)
		}
		out.Write(data)
	}

	if out.Len() == 0 {
		return nil, fmt.Errorf("free TTS: %w", ErrEmptyAudio)
	}
	return &Audio{Data: out.Bytes(), Format: "mp3"}, nil
}

// Ping implements Backend. The endpoint has no health route, so this only
// confirms the limiter is not exhausted.
func (b *FreeBackend) Ping(context.Context) error {
	if b.rateLimiter.Tokens() < 0 {
		return fmt.Errorf("free: rate limited")
	}
	return nil
}

// Close implements Backend.
func (b *FreeBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// splitText breaks text into chunks of at most size runes, preferring to
// split at whitespace.
func splitText(text string, size int) []string {
	text = strings.TrimSpace(text)
	var chunks []string
	for utf8.RuneCountInString(text) > size {
		runes := []rune(text)
		cut := size
		for i := size; i > size/2; i-- {
			if runes[i] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		text = strings.TrimSpace(string(runes[cut:]))
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
