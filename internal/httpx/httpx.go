// Package httpx holds the shared streaming HTTP plumbing for provider
// adapters that speak raw SSE instead of going through a vendor SDK.
package httpx

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// maxLineSize caps a single SSE line at 1 MB. The default bufio.Scanner
// limit of 64 KiB is too small for large events such as tool results or
// long completions.
const maxLineSize = 1 * 1024 * 1024

// maxErrorBodySize caps how much of an upstream error body is read back.
const maxErrorBodySize int64 = 10 * 1024 * 1024

// Header is an extra request header, applied after the defaults so it can
// override them.
type Header struct {
	Key   string
	Value string
}

// Bearer is the conventional Authorization header.
func Bearer(token string) Header {
	return Header{Key: "Authorization", Value: "Bearer " + token}
}

// PostStream POSTs a JSON body and returns the response with its body left
// open for SSE consumption. The caller owns the body. On non-2xx the body is
// drained, closed and folded into the returned error.
func PostStream(ctx context.Context, client *http.Client, url string, body any, headers ...Header) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send stream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close() //nolint:errcheck
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if readErr != nil {
			return nil, fmt.Errorf("upstream status %d (failed to read body: %v)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(errBody))
	}

	return resp, nil
}

// Scanner reads Server-Sent Events from a stream body. It skips comments and
// blank lines, joins multi-line data fields, and treats the [DONE] sentinel
// used by OpenAI-compatible APIs as end of stream.
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner wraps a reader in an SSE scanner. Individual lines up to
// maxLineSize are supported; longer lines surface bufio.ErrTooLong through
// Next.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Scanner{scanner: sc}
}

// Next returns the next event's data payload. Consecutive data lines of one
// event are joined with newlines. Returns io.EOF at end of stream or on the
// [DONE] sentinel.
func (s *Scanner) Next() (string, error) {
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// blank line terminates an event
		if line == "" {
			if len(dataLines) > 0 {
				return strings.Join(dataLines, "\n"), nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return "", io.EOF
			}
			dataLines = append(dataLines, data)
			continue
		}

		// other fields (event:, id:, retry:) carry nothing we need; the
		// payloads all repeat their type inside the JSON body
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("sse scan: %w", err)
	}
	if len(dataLines) > 0 {
		return strings.Join(dataLines, "\n"), nil
	}
	return "", io.EOF
}
