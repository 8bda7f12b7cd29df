package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// maxAudioSize bounds a single response body.
var maxAudioSize int64 = 50 * 1024 * 1024

// errorResponse is the structured error body many speech services return.
type errorResponse struct {
	Detail    string `json:"detail"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// newHTTPClient returns a client whose timeout comes from the "timeout"
// parameter. Request contexts still bound every call.
func newHTTPClient(p Params) (*http.Client, error) {
	timeout := 60 * time.Second
	if v := p.String("timeout", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", "timeout", err)
		}
		timeout = d
	}
	return &http.Client{Timeout: timeout}, nil
}

// doRaw sends a request and returns the response body and its content type.
func doRaw(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body io.Reader) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", parseErrorResponse(resp)
	}

	data, err := readAudio(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// readAudio reads at most maxAudioSize bytes and fails rather than
// truncating a larger body.
func readAudio(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxAudioSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > maxAudioSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrAudioTooLarge, maxAudioSize)
	}
	return data, nil
}

// ping issues a GET and expects a 2xx answer.
func ping(ctx context.Context, client *http.Client, url string) error {
	_, _, err := doRaw(ctx, client, http.MethodGet, url, nil, http.NoBody)
	if err != nil {
		return fmt.Errorf("health check failed for %s: %w", url, err)
	}
	return nil
}

// parseErrorResponse attempts to decode a structured JSON error, falling
// back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		msg := er.Detail
		if msg == "" {
			msg = er.Error
		}
		if msg != "" {
			if er.ErrorCode != "" {
				return fmt.Errorf("HTTP %s: %s (%s)", resp.Status, msg, er.ErrorCode)
			}
			return fmt.Errorf("HTTP %s: %s", resp.Status, msg)
		}
	}
	return fmt.Errorf("HTTP %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

// formatFromContentType maps a MIME type to a short format name.
func formatFromContentType(contentType, def string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return def
	}
	switch mt {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/ogg", "audio/opus":
		return "opus"
	case "audio/flac":
		return "flac"
	case "audio/aac":
		return "aac"
	case "audio/pcm", "audio/l16":
		return "pcm"
	default:
		return def
	}
}
