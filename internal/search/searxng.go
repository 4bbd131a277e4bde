package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// SearxNG implements Provider against a SearxNG instance's /search endpoint.
type SearxNG struct {
	BaseURL    string
	APIKey     string // optional
	HTTPClient *http.Client
	UserAgent  string // optional custom UA
}

func (s *SearxNG) Name() string { return "searxng" }

func (s *SearxNG) Fetch(ctx context.Context, req Request) ([]RawHit, error) {
	if err := requireText(s.Name(), req); err != nil {
		return nil, err
	}
	if s.BaseURL == "" {
		return nil, &ProviderError{Provider: s.Name(), Kind: ErrAuth, Err: fmt.Errorf("missing searxng base url")}
	}
	limit := limitOr(req.Limit, 10)
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, &ProviderError{Provider: s.Name(), Kind: ErrAuth, Err: err}
	}
	// Ensure path
	if !strings.HasSuffix(u.Path, "/search") {
		u.Path = strings.TrimRight(u.Path, "/") + "/search"
	}
	q := u.Query()
	q.Set("q", req.Text)
	q.Set("format", "json")
	q.Set("language", "auto")
	q.Set("safesearch", "1")
	q.Set("categories", searxCategory(req.Category))
	q.Set("count", fmt.Sprintf("%d", limit))
	if s.APIKey != "" {
		q.Set("apikey", s.APIKey)
	}
	u.RawQuery = q.Encode()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: new request: %w", err)
	}
	hreq.Header.Set("Accept", "application/json")
	if s.UserAgent != "" {
		hreq.Header.Set("User-Agent", s.UserAgent)
	}
	body, err := doRequest(ctx, s.HTTPClient, s.Name(), hreq)
	if err != nil {
		return nil, err
	}
	var sr searxResponse
	if err := decodeJSON(s.Name(), body, &sr); err != nil {
		return nil, err
	}
	out := make([]RawHit, 0, len(sr.Results))
	for _, r := range sr.Results {
		if r.URL == "" || r.Title == "" {
			continue
		}
		out = append(out, RawHit{
			Title:    strings.TrimSpace(r.Title),
			URL:      strings.TrimSpace(r.URL),
			Snippet:  strings.TrimSpace(r.Content),
			Provider: s.Name(),
			Rank:     len(out) + 1,
			Score:    r.Score,
			HasScore: r.Score > 0,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func searxCategory(category string) string {
	switch category {
	case CategoryNews:
		return "news"
	case CategoryAcademic:
		return "science"
	case CategoryCode:
		return "it"
	}
	return "general"
}

type searxResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}
