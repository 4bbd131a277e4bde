// Package robots decides whether fetch_page may retrieve a URL, based on
// the host's robots.txt. Rules are kept in memory only.
package robots

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrDisallowed is returned by Check when robots.txt forbids the URL.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// ErrPrivateHost is returned for loopback, private and link-local hosts
// unless AllowPrivateHosts is set.
var ErrPrivateHost = errors.New("private host not allowed")

const maxRobotsBytes = 512 << 10

type Source int

const (
	SourceNetwork Source = iota
	SourceMemory
)

type Rules struct {
	Groups []Group
	// DisallowAll is set when robots.txt could not be read because of a
	// server error, auth failure or timeout.
	DisallowAll bool
}

type Group struct {
	Agents     []string
	Allow      []string
	Disallow   []string
	CrawlDelay *time.Duration
}

// Checker fetches and caches robots.txt per origin.
type Checker struct {
	HTTPClient        *http.Client
	UserAgent         string
	EntryExpiry       time.Duration
	AllowPrivateHosts bool

	mu  sync.Mutex
	mem map[string]memEntry
	now func() time.Time
}

type memEntry struct {
	rules  Rules
	expiry time.Time
}

// Check returns nil when rawURL may be fetched, ErrDisallowed when
// robots.txt forbids it and ErrPrivateHost for internal hosts.
func (c *Checker) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if !isHTTPScheme(u) || u.Host == "" {
		return fmt.Errorf("unsupported url: %q", rawURL)
	}
	robotsURL := (&url.URL{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Host), Path: "/robots.txt"}).String()
	rules, _, err := c.Get(ctx, robotsURL)
	if err != nil {
		return err
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if !rules.IsAllowed(c.UserAgent, path) {
		return fmt.Errorf("%s: %w", rawURL, ErrDisallowed)
	}
	return nil
}

// Get returns the parsed robots.txt at robotsURL. A 404 or other 4xx yields
// empty rules (allow all); 401, 403, 5xx and timeouts yield DisallowAll.
// Both outcomes are remembered until EntryExpiry.
func (c *Checker) Get(ctx context.Context, robotsURL string) (Rules, Source, error) {
	u, err := url.Parse(robotsURL)
	if err != nil {
		return Rules{}, SourceNetwork, fmt.Errorf("parse url: %w", err)
	}
	if !isHTTPScheme(u) {
		return Rules{}, SourceNetwork, fmt.Errorf("unsupported url scheme: %q", robotsURL)
	}
	host := u.Hostname()
	if !c.AllowPrivateHosts && isLocalOrPrivateHost(host) {
		return Rules{}, SourceNetwork, fmt.Errorf("%s: %w", host, ErrPrivateHost)
	}

	c.mu.Lock()
	if c.now == nil {
		c.now = time.Now
	}
	if c.mem == nil {
		c.mem = make(map[string]memEntry)
	}
	if ent, ok := c.mem[robotsURL]; ok && c.now().Before(ent.expiry) {
		c.mu.Unlock()
		return ent.rules, SourceMemory, nil
	}
	c.mu.Unlock()

	rules, err := c.fetch(ctx, robotsURL)
	if err != nil {
		return Rules{}, SourceNetwork, err
	}
	c.storeMem(robotsURL, rules)
	return rules, SourceNetwork, nil
}

func (c *Checker) fetch(ctx context.Context, robotsURL string) (Rules, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return Rules{}, fmt.Errorf("new request: %w", err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		// The caller gave up; nothing to remember.
		if ctx.Err() != nil {
			return Rules{}, ctx.Err()
		}
		return Rules{DisallowAll: true}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Rules{DisallowAll: true}, nil
	case resp.StatusCode >= 500:
		return Rules{DisallowAll: true}, nil
	case resp.StatusCode >= 400:
		return Rules{}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Rules{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return Rules{}, fmt.Errorf("read robots: %w", err)
	}
	return parseRobots(string(data)), nil
}

func (c *Checker) storeMem(key string, rules Rules) {
	exp := c.EntryExpiry
	if exp <= 0 {
		exp = 30 * time.Minute
	}
	c.mu.Lock()
	c.mem[key] = memEntry{rules: rules, expiry: c.now().Add(exp)}
	c.mu.Unlock()
}

func parseRobots(text string) Rules {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var groups []Group
	current := Group{}
	flush := func() {
		if len(current.Agents) == 0 && len(current.Allow) == 0 && len(current.Disallow) == 0 && current.CrawlDelay == nil {
			return
		}
		groups = append(groups, current)
		current = Group{}
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		switch key {
		case "user-agent", "useragent":
			if len(current.Agents) > 0 && (len(current.Allow) > 0 || len(current.Disallow) > 0 || current.CrawlDelay != nil) {
				flush()
			}
			current.Agents = append(current.Agents, strings.ToLower(val))
		case "allow":
			current.Allow = append(current.Allow, val)
		case "disallow":
			current.Disallow = append(current.Disallow, val)
		case "crawl-delay", "crawldelay":
			if val != "" {
				if d, err := time.ParseDuration(val + "s"); err == nil {
					current.CrawlDelay = &d
				}
			}
		}
	}
	flush()
	return Rules{Groups: groups}
}

// IsAllowed evaluates whether path (which may include a query string) may
// be fetched by userAgent.
//
// The most specific matching User-agent group wins, exact names beating "*".
// Within it the matching directive with the longest pattern (ignoring '*'
// and a trailing '$') decides; on a tie Allow beats Disallow. No match
// means allowed.
func (r Rules) IsAllowed(userAgent string, path string) bool {
	if r.DisallowAll {
		return false
	}
	grpIdx := r.selectGroupIndex(userAgent)
	if grpIdx < 0 {
		return true
	}
	grp := r.Groups[grpIdx]

	bestScore := -1
	bestAllow := true
	evaluate := func(patterns []string, isAllow bool) {
		for _, p := range patterns {
			if p == "" {
				continue
			}
			if !patternMatches(p, path) {
				continue
			}
			score := patternSpecificity(p)
			if score > bestScore || (score == bestScore && isAllow && !bestAllow) {
				bestScore = score
				bestAllow = isAllow
			}
		}
	}
	evaluate(grp.Disallow, false)
	evaluate(grp.Allow, true)
	return bestAllow
}

// CrawlDelayFor returns the crawl delay of the group matching userAgent, or nil.
func (r Rules) CrawlDelayFor(userAgent string) *time.Duration {
	grpIdx := r.selectGroupIndex(userAgent)
	if grpIdx < 0 {
		return nil
	}
	return r.Groups[grpIdx].CrawlDelay
}

// selectGroupIndex picks the group whose agent token is the longest
// substring of userAgent; "*" matches anything with the lowest score.
func (r Rules) selectGroupIndex(userAgent string) int {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	bestIdx := -1
	bestScore := -1
	for i, g := range r.Groups {
		for _, a := range g.Agents {
			token := strings.TrimSpace(a)
			var score int
			switch {
			case token == "":
				continue
			case token == "*":
				score = 0
			case strings.Contains(ua, token):
				score = len(token)
			default:
				continue
			}
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
	}
	return bestIdx
}

// patternMatches reports whether a robots pattern matches path. '*' matches
// any sequence and a trailing '$' anchors the end; matching is anchored at
// the start.
func patternMatches(pattern, path string) bool {
	anchorEnd := strings.HasSuffix(pattern, "$")
	p := strings.TrimSuffix(pattern, "$")
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(p, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	if anchorEnd {
		b.WriteString("$")
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

func patternSpecificity(pattern string) int {
	return len(strings.ReplaceAll(strings.TrimSuffix(pattern, "$"), "*", ""))
}

func isHTTPScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func isLocalOrPrivateHost(host string) bool {
	h := strings.ToLower(strings.Trim(strings.TrimSpace(host), "[]"))
	if h == "localhost" || h == "localhost.localdomain" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
	}
	return false
}
