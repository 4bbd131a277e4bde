package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBodyBytes bounds how much of a provider response is read.
const maxBodyBytes = 2 << 20

func httpClientOr(hc *http.Client) *http.Client {
	if hc != nil {
		return hc
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// doRequest performs one round trip and maps the outcome onto the error
// taxonomy. The returned body is only valid for 2xx responses.
func doRequest(ctx context.Context, hc *http.Client, provider string, req *http.Request) ([]byte, error) {
	resp, err := httpClientOr(hc).Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, provider, fmt.Errorf("read body: %w", err))
	}
	if err := classifyStatus(provider, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func classifyStatus(provider string, status int, body []byte) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ProviderError{Provider: provider, Kind: ErrAuth, Status: status}
	case status == http.StatusTooManyRequests:
		return &ProviderError{Provider: provider, Kind: ErrRateLimited, Status: status}
	case status >= 500:
		return &ProviderError{Provider: provider, Kind: ErrTransient, Status: status}
	default:
		return &ProviderError{Provider: provider, Kind: ErrMalformedResponse, Status: status, Sample: sample(body)}
	}
}

func classifyTransportError(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Provider: provider, Kind: ErrTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", provider, context.Canceled)
	}
	return &ProviderError{Provider: provider, Kind: ErrTransient, Err: err}
}

func decodeJSON(provider string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &ProviderError{Provider: provider, Kind: ErrMalformedResponse, Sample: sample(body), Err: err}
	}
	return nil
}

func malformed(provider string, body []byte, format string, args ...any) error {
	return &ProviderError{Provider: provider, Kind: ErrMalformedResponse, Sample: sample(body), Err: fmt.Errorf(format, args...)}
}

func requireText(provider string, req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%s: %w: empty text", provider, ErrInvalidQuery)
	}
	return nil
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
