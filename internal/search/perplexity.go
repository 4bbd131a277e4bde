package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const perplexityDefaultBaseURL = "https://api.perplexity.ai"

// Perplexity uses the Perplexity Search API, which returns ranked web
// results without a numeric score.
type Perplexity struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// MaxTokensPerPage bounds snippet extraction on the provider side.
	MaxTokensPerPage int
}

func (p *Perplexity) Name() string { return "perplexity" }

type perplexityRequest struct {
	Query            string `json:"query"`
	MaxResults       int    `json:"max_results"`
	MaxTokensPerPage int    `json:"max_tokens_per_page,omitempty"`
}

type perplexityResponse struct {
	ID      string `json:"id"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"results"`
}

func (p *Perplexity) Fetch(ctx context.Context, req Request) ([]RawHit, error) {
	if err := requireText(p.Name(), req); err != nil {
		return nil, err
	}
	if p.APIKey == "" {
		return nil, &ProviderError{Provider: p.Name(), Kind: ErrAuth, Err: fmt.Errorf("PERPLEXITY_API_KEY not set")}
	}
	limit := limitOr(req.Limit, 10)
	// The API caps max_results at 20.
	if limit > 20 {
		limit = 20
	}
	base := p.BaseURL
	if base == "" {
		base = perplexityDefaultBaseURL
	}
	payload, err := json.Marshal(perplexityRequest{Query: req.Text, MaxResults: limit, MaxTokensPerPage: p.MaxTokensPerPage})
	if err != nil {
		return nil, fmt.Errorf("perplexity: encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("perplexity: new request: %w", err)
	}
	hreq.Header.Set("Authorization", "Bearer "+p.APIKey)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	body, err := doRequest(ctx, p.HTTPClient, p.Name(), hreq)
	if err != nil {
		return nil, err
	}
	var pr perplexityResponse
	if err := decodeJSON(p.Name(), body, &pr); err != nil {
		return nil, err
	}
	if pr.Results == nil {
		return nil, malformed(p.Name(), body, "missing results field")
	}
	out := make([]RawHit, 0, len(pr.Results))
	for _, r := range pr.Results {
		link := strings.TrimSpace(r.URL)
		if link == "" {
			continue
		}
		out = append(out, RawHit{
			Title:    strings.TrimSpace(r.Title),
			URL:      link,
			Snippet:  strings.TrimSpace(r.Snippet),
			Provider: p.Name(),
			Rank:     len(out) + 1,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
