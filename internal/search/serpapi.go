package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const serpAPIDefaultBaseURL = "https://serpapi.com"

// SerpAPI queries Google (or another engine) through serpapi.com. The API
// reports positions but no relevance score.
type SerpAPI struct {
	APIKey     string
	Engine     string // default "google"
	BaseURL    string
	HTTPClient *http.Client
}

func (s *SerpAPI) Name() string { return "serpapi" }

type serpAPIResponse struct {
	OrganicResults []struct {
		Position int    `json:"position"`
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
	} `json:"organic_results"`
	SearchMetadata struct {
		Status string `json:"status"`
	} `json:"search_metadata"`
	Error string `json:"error"`
}

func (s *SerpAPI) Fetch(ctx context.Context, req Request) ([]RawHit, error) {
	if err := requireText(s.Name(), req); err != nil {
		return nil, err
	}
	if s.APIKey == "" {
		return nil, &ProviderError{Provider: s.Name(), Kind: ErrAuth, Err: fmt.Errorf("SERPAPI_API_KEY not set")}
	}
	limit := limitOr(req.Limit, 10)
	engine := s.Engine
	if engine == "" {
		engine = "google"
	}
	base := s.BaseURL
	if base == "" {
		base = serpAPIDefaultBaseURL
	}

	params := url.Values{}
	params.Set("engine", engine)
	params.Set("q", req.Text)
	params.Set("api_key", s.APIKey)
	params.Set("num", strconv.Itoa(limit))
	if req.Category == CategoryNews && engine == "google" {
		params.Set("tbm", "nws")
	}
	endpoint := strings.TrimRight(base, "/") + "/search.json?" + params.Encode()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("serpapi: new request: %w", err)
	}
	body, err := doRequest(ctx, s.HTTPClient, s.Name(), hreq)
	if err != nil {
		return nil, err
	}
	var payload serpAPIResponse
	if err := decodeJSON(s.Name(), body, &payload); err != nil {
		return nil, err
	}
	if payload.Error != "" && len(payload.OrganicResults) == 0 {
		// SerpAPI reports "no results" as an error string on a 200.
		if strings.Contains(strings.ToLower(payload.Error), "hasn't returned any results") {
			return []RawHit{}, nil
		}
		return nil, malformed(s.Name(), body, "api error: %s", payload.Error)
	}

	out := make([]RawHit, 0, len(payload.OrganicResults))
	for i, r := range payload.OrganicResults {
		link := strings.TrimSpace(r.Link)
		if link == "" {
			continue
		}
		rank := r.Position
		if rank <= 0 {
			rank = i + 1
		}
		out = append(out, RawHit{
			Title:    strings.TrimSpace(r.Title),
			URL:      link,
			Snippet:  strings.TrimSpace(r.Snippet),
			Provider: s.Name(),
			Rank:     rank,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
