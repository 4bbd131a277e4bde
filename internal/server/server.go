// Package server exposes the search manager as MCP tools over stdio.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/searchd/internal/extract"
	"github.com/hyperifyio/searchd/internal/fetch"
	"github.com/hyperifyio/searchd/internal/manager"
	"github.com/hyperifyio/searchd/internal/search"
)

// Name is the implementation name announced to MCP clients.
const Name = "searchd"

// Search modes accepted by the search tool.
const (
	ModeAggregate = "aggregate"
	ModeFallback  = "fallback"
)

// ErrUnknownTool is returned by CallTool for names that are not registered.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidParams marks tool arguments that fail validation.
var ErrInvalidParams = errors.New("invalid parameters")

// Searcher is the subset of manager.Manager the tools need.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Response, error)
	SearchWithFallback(ctx context.Context, q search.Query) (*search.Response, error)
	Providers() []manager.ProviderSummary
}

// PageFetcher retrieves a page body for fetch_page.
type PageFetcher interface {
	Get(ctx context.Context, rawURL string) (*fetch.Page, error)
}

// RobotsChecker vets a URL before fetch_page retrieves it.
type RobotsChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// SearchInput is the argument schema of the search tool.
type SearchInput struct {
	Query       string   `json:"query" jsonschema:"the search query"`
	Category    string   `json:"category,omitempty" jsonschema:"optional category: general, news, academic or code"`
	MaxResults  int      `json:"max_results,omitempty" jsonschema:"maximum number of merged results, default 10"`
	TimeoutMS   int      `json:"timeout_ms,omitempty" jsonschema:"overall deadline in milliseconds, default 30000"`
	Providers   []string `json:"providers,omitempty" jsonschema:"restrict the search to these providers"`
	Mode        string   `json:"mode,omitempty" jsonschema:"aggregate (default) queries providers in parallel; fallback tries them in order"`
	NonBlocking bool     `json:"non_blocking,omitempty" jsonschema:"skip providers whose rate budget is spent instead of waiting"`
}

// ListProvidersInput takes no arguments.
type ListProvidersInput struct{}

// ListProvidersOutput reports each provider's configuration and health.
type ListProvidersOutput struct {
	Providers []manager.ProviderSummary `json:"providers" jsonschema:"configured providers and their circuit state"`
}

// FetchPageInput is the argument schema of the fetch_page tool.
type FetchPageInput struct {
	URL string `json:"url" jsonschema:"absolute http or https URL of the page to read"`
}

// Server bridges MCP clients to the search manager.
type Server struct {
	mcp       *mcp.Server
	searcher  Searcher
	fetcher   PageFetcher
	extractor extract.Extractor
	robots    RobotsChecker
	version   string
}

// New registers the tools on a fresh MCP server. fetcher may be nil, in which
// case fetch_page reports an error.
func New(searcher Searcher, fetcher PageFetcher, extractor extract.Extractor, version string) (*Server, error) {
	if searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if extractor == nil {
		extractor = extract.HeuristicExtractor{}
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		searcher:  searcher,
		fetcher:   fetcher,
		extractor: extractor,
		version:   version,
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: Name, Version: version}, nil)
	s.registerTools()
	return s, nil
}

// SetRobots makes fetch_page honour robots.txt. nil disables the check.
func (s *Server) SetRobots(r RobotsChecker) {
	s.robots = r
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Search the web through every configured provider and return merged, deduplicated results with per-provider status.",
	}, s.mcpSearchHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_providers",
		Description: "List search providers with their configuration and circuit state.",
	}, s.mcpListProvidersHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "fetch_page",
		Description: "Fetch a web page and return its title, main text and language.",
	}, s.mcpFetchPageHandler)
	log.Debug().Int("count", 3).Msg("mcp tools registered")
}

// Serve runs the server on stdin/stdout until ctx is done or the client
// disconnects.
func (s *Server) Serve(ctx context.Context) error {
	log.Info().Str("version", s.version).Msg("mcp server starting on stdio")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("mcp server stopped")
		return err
	}
	log.Info().Msg("mcp server stopped")
	return nil
}

// CallTool invokes a tool by name with JSON-style arguments, bypassing the
// transport.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "search":
		var in SearchInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.Search(ctx, in)
	case "list_providers":
		return s.ListProviders(), nil
	case "fetch_page":
		var in FetchPageInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.FetchPage(ctx, in)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

func decodeArgs(args map[string]any, dst any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Search runs one query in the requested mode.
func (s *Server) Search(ctx context.Context, in SearchInput) (*search.Response, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidParams)
	}
	if in.MaxResults < 0 || in.TimeoutMS < 0 {
		return nil, fmt.Errorf("%w: max_results and timeout_ms must not be negative", ErrInvalidParams)
	}
	q := search.Query{
		Text:        in.Query,
		Category:    in.Category,
		MaxResults:  in.MaxResults,
		Timeout:     time.Duration(in.TimeoutMS) * time.Millisecond,
		Providers:   in.Providers,
		NonBlocking: in.NonBlocking,
	}
	start := time.Now()
	var (
		resp *search.Response
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(in.Mode)) {
	case "", ModeAggregate:
		resp, err = s.searcher.Search(ctx, q)
	case ModeFallback:
		resp, err = s.searcher.SearchWithFallback(ctx, q)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidParams, in.Mode)
	}
	if err != nil {
		log.Warn().Err(err).Str("kind", string(search.KindOf(err))).Dur("latency", time.Since(start)).Msg("search tool failed")
		return nil, err
	}
	log.Info().Str("request_id", resp.RequestID).Int("results", len(resp.Results)).Dur("latency", time.Since(start)).Msg("search tool completed")
	return resp, nil
}

// ListProviders reports every provider the manager knows about.
func (s *Server) ListProviders() ListProvidersOutput {
	return ListProvidersOutput{Providers: s.searcher.Providers()}
}

// FetchPage downloads rawURL and extracts its readable content.
func (s *Server) FetchPage(ctx context.Context, in FetchPageInput) (extract.PageContent, error) {
	if strings.TrimSpace(in.URL) == "" {
		return extract.PageContent{}, fmt.Errorf("%w: url is required", ErrInvalidParams)
	}
	if s.fetcher == nil {
		return extract.PageContent{}, errors.New("page fetching is not configured")
	}
	if s.robots != nil {
		if err := s.robots.Check(ctx, in.URL); err != nil {
			return extract.PageContent{}, fmt.Errorf("fetch %s: %w", in.URL, err)
		}
	}
	page, err := s.fetcher.Get(ctx, in.URL)
	if err != nil {
		return extract.PageContent{}, fmt.Errorf("fetch %s: %w", in.URL, err)
	}
	content := s.extractor.Extract(page.URL, page.Body)
	log.Debug().Str("url", page.URL).Int("words", content.WordCount).Str("language", content.Language).Msg("page extracted")
	return content, nil
}

// mcpSearchHandler reports an all-providers failure as a tool error whose
// structured content still carries every provider's status.
func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, search.Response, error) {
	resp, err := s.Search(ctx, in)
	var all *search.AllProvidersFailedError
	switch {
	case errors.As(err, &all):
		res := &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: failureText(all)}},
		}
		return res, search.Response{Query: in.Query, Results: []search.Result{}, Status: all.Status}, nil
	case err != nil:
		return nil, search.Response{}, err
	}
	return nil, *resp, nil
}

// failureText lists each provider's kind and message, one per line.
func failureText(all *search.AllProvidersFailedError) string {
	names := make([]string, 0, len(all.Status))
	for name := range all.Status {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(search.ErrAllProvidersFailed.Error())
	for _, name := range names {
		st := all.Status[name]
		fmt.Fprintf(&b, "\n%s: %s (attempts %d, %s)", name, st.Kind, st.Attempts, st.Latency.Round(time.Millisecond))
		if st.Error != "" {
			fmt.Fprintf(&b, ": %s", st.Error)
		}
	}
	return b.String()
}

func (s *Server) mcpListProvidersHandler(_ context.Context, _ *mcp.CallToolRequest, _ ListProvidersInput) (*mcp.CallToolResult, ListProvidersOutput, error) {
	return nil, s.ListProviders(), nil
}

func (s *Server) mcpFetchPageHandler(ctx context.Context, _ *mcp.CallToolRequest, in FetchPageInput) (*mcp.CallToolResult, extract.PageContent, error) {
	content, err := s.FetchPage(ctx, in)
	if err != nil {
		return nil, extract.PageContent{}, err
	}
	return nil, content, nil
}
