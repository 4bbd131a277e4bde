package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const duckDuckGoDefaultBaseURL = "https://html.duckduckgo.com"

// DuckDuckGo scrapes the keyless HTML endpoint. No API key is needed, so it
// is always available.
type DuckDuckGo struct {
	BaseURL    string
	SafeSearch string // strict, moderate (default) or off
	UserAgent  string
	HTTPClient *http.Client
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Fetch(ctx context.Context, req Request) ([]RawHit, error) {
	if err := requireText(d.Name(), req); err != nil {
		return nil, err
	}
	limit := limitOr(req.Limit, 10)
	base := d.BaseURL
	if base == "" {
		base = duckDuckGoDefaultBaseURL
	}
	form := url.Values{}
	form.Set("q", req.Text)
	form.Set("kp", safeSearchParam(d.SafeSearch))
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/html/", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ua := d.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (compatible; searchd/1.0)"
	}
	hreq.Header.Set("User-Agent", ua)

	body, err := doRequest(ctx, d.HTTPClient, d.Name(), hreq)
	if err != nil {
		return nil, err
	}
	return parseDuckDuckGoHTML(d.Name(), body, limit)
}

func parseDuckDuckGoHTML(provider string, body []byte, limit int) ([]RawHit, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, malformed(provider, body, "parse html: %v", err)
	}
	// The bot challenge is served with a 200/202 and no results.
	if doc.Find(".anomaly-modal, #challenge-form").Length() > 0 {
		return nil, &ProviderError{Provider: provider, Kind: ErrRateLimited, Err: fmt.Errorf("bot challenge served")}
	}
	container := doc.Find("#links, .results")
	if container.Length() == 0 && doc.Find(".no-results").Length() == 0 {
		return nil, malformed(provider, body, "result container not found")
	}

	out := make([]RawHit, 0, limit)
	seen := make(map[string]bool)
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.HasClass("result--ad") {
			return true
		}
		a := s.Find("a.result__a").First()
		href, ok := a.Attr("href")
		if !ok {
			return true
		}
		link := unwrapDuckDuckGoLink(href)
		if link == "" || seen[link] {
			return true
		}
		seen[link] = true
		out = append(out, RawHit{
			Title:    strings.TrimSpace(a.Text()),
			URL:      link,
			Snippet:  strings.TrimSpace(s.Find(".result__snippet").First().Text()),
			Provider: provider,
			Rank:     len(out) + 1,
		})
		return len(out) < limit
	})
	return out, nil
}

// unwrapDuckDuckGoLink resolves "//duckduckgo.com/l/?uddg=<target>" redirect
// links to their target.
func unwrapDuckDuckGoLink(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func safeSearchParam(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "strict", "on":
		return "1"
	case "off":
		return "-2"
	}
	return "-1"
}
