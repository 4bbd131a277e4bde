package aggregate

import (
	"math"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"

	"github.com/hyperifyio/searchd/internal/search"
)

// trackingParams are stripped from every canonical URL.
var trackingParams = []string{"gclid", "fbclid", "msclkid", "mc_cid", "mc_eid"}

// CanonicalURL returns the dedup key for raw: lower-cased scheme and host
// (IDN hosts in ASCII form), default port, fragment and trailing slash
// removed, tracking parameters dropped and the query sorted. ok is false for
// anything that is not an absolute http(s) URL.
func CanonicalURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	normalizeURL(u)
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return u.String(), true
}

func normalizeURL(u *url.URL) {
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.Punycode.ToASCII(host); err == nil {
		host = ascii
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	for _, p := range trackingParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false
}

// Normalize maps one provider's hits to results with canonical URLs and a
// composite score in [0, weight]. Raw scores are rescaled over the range
// [min(0, min raw), max(1, max raw)] observed in this batch. When any hit
// lacks a score the whole batch is scored by provider rank as (n-rank+1)/n,
// where n is the largest rank in the batch. Hits whose URL cannot be
// canonicalised are dropped.
func Normalize(hits []search.RawHit, weight float64) []search.Result {
	type kept struct {
		hit search.RawHit
		url string
	}
	valid := make([]kept, 0, len(hits))
	scored := true
	for _, h := range hits {
		u, ok := CanonicalURL(h.URL)
		if !ok {
			continue
		}
		if !h.HasScore || math.IsNaN(h.Score) || math.IsInf(h.Score, 0) {
			scored = false
		}
		valid = append(valid, kept{hit: h, url: u})
	}
	if len(valid) == 0 {
		return nil
	}

	ranks := make([]int, len(valid))
	n := len(valid)
	for i, k := range valid {
		ranks[i] = k.hit.Rank
		if ranks[i] <= 0 {
			ranks[i] = i + 1
		}
		n = max(n, ranks[i])
	}
	raw := make([]float64, len(valid))
	for i, k := range valid {
		if scored {
			raw[i] = k.hit.Score
		} else {
			raw[i] = float64(n-ranks[i]+1) / float64(n)
		}
	}
	lo, hi := 0.0, 1.0
	for _, r := range raw {
		lo = math.Min(lo, r)
		hi = math.Max(hi, r)
	}

	out := make([]search.Result, 0, len(valid))
	for i, k := range valid {
		out = append(out, search.Result{
			Title:     k.hit.Title,
			URL:       k.url,
			Snippet:   k.hit.Snippet,
			Provider:  k.hit.Provider,
			Providers: []string{k.hit.Provider},
			Score:     weight * (raw[i] - lo) / (hi - lo),
			Rank:      ranks[i],
		})
	}
	return out
}

// Ranker orders results deterministically. Priority maps a provider name to
// its position in the candidate order; unknown providers sort last.
type Ranker struct {
	Priority map[string]int
}

func (r Ranker) priority(provider string) int {
	if p, ok := r.Priority[provider]; ok {
		return p
	}
	return math.MaxInt32
}

// Less reports whether a should appear before b: higher score, then lower
// rank, then higher provider priority, then canonical URL.
func (r Ranker) Less(a, b search.Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	if pa, pb := r.priority(a.Provider), r.priority(b.Provider); pa != pb {
		return pa < pb
	}
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	return a.URL < b.URL
}

// MergeAndRank de-duplicates normalized results by URL, keeping the best
// entry and merging attribution, then sorts and truncates to limit (no limit
// when limit <= 0). Input URLs must already be canonical.
func (r Ranker) MergeAndRank(groups [][]search.Result, limit int) []search.Result {
	byURL := make(map[string][]search.Result)
	order := make([]string, 0, 64)
	for _, g := range groups {
		for _, res := range g {
			if res.URL == "" {
				continue
			}
			if _, ok := byURL[res.URL]; !ok {
				order = append(order, res.URL)
			}
			byURL[res.URL] = append(byURL[res.URL], res)
		}
	}

	out := make([]search.Result, 0, len(order))
	for _, u := range order {
		out = append(out, r.mergeDuplicates(byURL[u]))
	}
	sort.SliceStable(out, func(i, j int) bool { return r.Less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r Ranker) mergeDuplicates(dups []search.Result) search.Result {
	sort.SliceStable(dups, func(i, j int) bool { return r.Less(dups[i], dups[j]) })
	best := dups[0]

	seen := map[string]bool{best.Provider: true}
	rest := make([]string, 0, len(dups))
	for _, d := range dups {
		for _, p := range append([]string{d.Provider}, d.Providers...) {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			rest = append(rest, p)
		}
		if best.Title == "" {
			best.Title = d.Title
		}
		if best.Snippet == "" {
			best.Snippet = d.Snippet
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		pi, pj := r.priority(rest[i]), r.priority(rest[j])
		if pi != pj {
			return pi < pj
		}
		return rest[i] < rest[j]
	})
	best.Providers = append([]string{best.Provider}, rest...)
	return best
}
