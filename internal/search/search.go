package search

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Categories understood by the query optimizer and by providers that
// support topical search.
const (
	CategoryGeneral  = "general"
	CategoryNews     = "news"
	CategoryAcademic = "academic"
	CategoryCode     = "code"
)

// Query is one logical search request. It is immutable once handed to the
// manager.
type Query struct {
	Text       string
	Category   string
	MaxResults int
	Timeout    time.Duration
	// Providers restricts the candidate set. Empty means every configured provider.
	Providers []string
	// NonBlocking fails a provider with ErrThrottled when its rate budget is
	// spent instead of waiting for a token.
	NonBlocking bool
}

// Validate checks the invariants a query must hold before dispatch.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidQuery)
	}
	if q.MaxResults <= 0 {
		return fmt.Errorf("%w: max results must be positive, got %d", ErrInvalidQuery, q.MaxResults)
	}
	if q.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidQuery, q.Timeout)
	}
	return nil
}

// Request is what a single provider receives.
type Request struct {
	Text     string
	Limit    int
	Category string
}

// RawHit is a provider-native result mapped into the shared shape, before
// URL canonicalisation and scoring.
type RawHit struct {
	Title    string
	URL      string
	Snippet  string
	Provider string
	// Rank is the 1-based position the provider returned the hit at.
	Rank     int
	Score    float64
	HasScore bool
}

// Result is a normalized hit as returned to callers.
type Result struct {
	Title     string   `json:"title"`
	URL       string   `json:"url"`
	Snippet   string   `json:"snippet"`
	Provider  string   `json:"provider"`
	Providers []string `json:"providers"`
	Score     float64  `json:"score"`
	Rank      int      `json:"rank"`
}

// ProviderStatus records what happened to one provider during a search.
type ProviderStatus struct {
	OK       bool          `json:"ok"`
	Latency  time.Duration `json:"latency"`
	Kind     ErrorKind     `json:"kind"`
	Error    string        `json:"error,omitempty"`
	Hits     int           `json:"hits"`
	Attempts int           `json:"attempts"`
}

// Response is the aggregated outcome of one search.
type Response struct {
	RequestID string                    `json:"request_id"`
	Query     string                    `json:"query"`
	Category  string                    `json:"category,omitempty"`
	Results   []Result                  `json:"results"`
	Status    map[string]ProviderStatus `json:"status"`
}

// Provider is implemented by every backend client.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, req Request) ([]RawHit, error)
}

// ProviderInfo is the static profile of a configured provider.
type ProviderInfo struct {
	Name       string
	MaxResults int
	Weight     float64
	// Timeout is the per-call ceiling; the effective deadline is the shorter
	// of this and the query timeout.
	Timeout time.Duration
	// Retries is the number of extra attempts after an ErrTransient.
	Retries int
}
