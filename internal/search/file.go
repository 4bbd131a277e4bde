package search

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// FileProvider loads search results from a local JSON file for offline/testing use.
// The JSON file format is an array of objects: {"title": "...", "url": "...", "snippet": "...", "score": 0.5}.
type FileProvider struct {
	Path string
}

func (f *FileProvider) Name() string { return "file" }

type fileEntry struct {
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Snippet string   `json:"snippet"`
	Score   *float64 `json:"score,omitempty"`
}

func (f *FileProvider) Fetch(ctx context.Context, req Request) ([]RawHit, error) {
	if err := requireText(f.Name(), req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.Path) == "" {
		return nil, &ProviderError{Provider: f.Name(), Kind: ErrAuth, Err: errors.New("file provider path is empty")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, &ProviderError{Provider: f.Name(), Kind: ErrTransient, Err: err}
	}
	var raw []fileEntry
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &ProviderError{Provider: f.Name(), Kind: ErrMalformedResponse, Sample: sample(b), Err: err}
	}
	q := strings.ToLower(strings.TrimSpace(req.Text))
	out := make([]RawHit, 0, len(raw))
	for _, r := range raw {
		if r.URL == "" || r.Title == "" {
			continue
		}
		if !matchesAnyTerm(q, r.Title, r.Snippet) {
			continue
		}
		hit := RawHit{Title: r.Title, URL: r.URL, Snippet: r.Snippet, Provider: f.Name(), Rank: len(out) + 1}
		if r.Score != nil {
			hit.Score, hit.HasScore = *r.Score, true
		}
		out = append(out, hit)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// matchesAnyTerm reports whether any whitespace-separated term of q occurs in
// one of the fields.
func matchesAnyTerm(q string, fields ...string) bool {
	if q == "" {
		return true
	}
	for _, term := range strings.Fields(q) {
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), term) {
				return true
			}
		}
	}
	return false
}
