package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const tavilyDefaultBaseURL = "https://api.tavily.com"

// Tavily queries the Tavily search API. It is the only hosted provider that
// reports a relevance score in [0,1].
type Tavily struct {
	APIKey      string
	BaseURL     string
	SearchDepth string // "basic" (default) or "advanced"
	HTTPClient  *http.Client
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth,omitempty"`
	Topic         string `json:"topic,omitempty"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Query   string `json:"query"`
	Results []struct {
		Title   string   `json:"title"`
		URL     string   `json:"url"`
		Content string   `json:"content"`
		Score   *float64 `json:"score"`
	} `json:"results"`
}

func (t *Tavily) Fetch(ctx context.Context, req Request) ([]RawHit, error) {
	if err := requireText(t.Name(), req); err != nil {
		return nil, err
	}
	if t.APIKey == "" {
		return nil, &ProviderError{Provider: t.Name(), Kind: ErrAuth, Err: fmt.Errorf("TAVILY_API_KEY not set")}
	}
	limit := limitOr(req.Limit, 10)
	base := t.BaseURL
	if base == "" {
		base = tavilyDefaultBaseURL
	}
	topic := "general"
	if req.Category == CategoryNews {
		topic = "news"
	}
	depth := t.SearchDepth
	if depth == "" {
		depth = "basic"
	}
	payload, err := json.Marshal(tavilyRequest{Query: req.Text, MaxResults: limit, SearchDepth: depth, Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("tavily: encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tavily: new request: %w", err)
	}
	hreq.Header.Set("Authorization", "Bearer "+t.APIKey)
	hreq.Header.Set("Content-Type", "application/json")

	body, err := doRequest(ctx, t.HTTPClient, t.Name(), hreq)
	if err != nil {
		return nil, err
	}
	var tr tavilyResponse
	if err := decodeJSON(t.Name(), body, &tr); err != nil {
		return nil, err
	}
	if tr.Results == nil {
		return nil, malformed(t.Name(), body, "missing results field")
	}
	out := make([]RawHit, 0, len(tr.Results))
	for _, r := range tr.Results {
		link := strings.TrimSpace(r.URL)
		if link == "" {
			continue
		}
		hit := RawHit{
			Title:    strings.TrimSpace(r.Title),
			URL:      link,
			Snippet:  strings.TrimSpace(r.Content),
			Provider: t.Name(),
			Rank:     len(out) + 1,
		}
		if r.Score != nil {
			hit.Score, hit.HasScore = *r.Score, true
		}
		out = append(out, hit)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
