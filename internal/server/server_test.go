package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/searchd/internal/extract"
	"github.com/hyperifyio/searchd/internal/fetch"
	"github.com/hyperifyio/searchd/internal/manager"
	"github.com/hyperifyio/searchd/internal/search"
)

type fakeSearcher struct {
	lastQuery search.Query
	mode      string
	err       error
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) (*search.Response, error) {
	f.lastQuery, f.mode = q, ModeAggregate
	return f.respond(q)
}

func (f *fakeSearcher) SearchWithFallback(_ context.Context, q search.Query) (*search.Response, error) {
	f.lastQuery, f.mode = q, ModeFallback
	return f.respond(q)
}

func (f *fakeSearcher) respond(q search.Query) (*search.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &search.Response{
		RequestID: "req-1",
		Query:     q.Text,
		Results: []search.Result{
			{Title: "A", URL: "https://a.example/", Provider: "duckduckgo", Providers: []string{"duckduckgo"}, Score: 1, Rank: 1},
		},
		Status: map[string]search.ProviderStatus{"duckduckgo": {OK: true, Kind: search.KindNone, Hits: 1, Attempts: 1}},
	}, nil
}

func (f *fakeSearcher) Providers() []manager.ProviderSummary {
	return []manager.ProviderSummary{
		{Name: "duckduckgo", Configured: true, Available: true, State: "closed", Weight: 1, MaxResults: 10},
		{Name: "serpapi", Configured: false, Available: true, State: "closed", Weight: 1, MaxResults: 10},
	}
}

type fakeFetcher struct {
	page *fetch.Page
	err  error
	got  string
}

func (f *fakeFetcher) Get(_ context.Context, rawURL string) (*fetch.Page, error) {
	f.got = rawURL
	return f.page, f.err
}

func newTestServer(t *testing.T, s Searcher, f PageFetcher) *Server {
	t.Helper()
	srv, err := New(s, f, nil, "test")
	require.NoError(t, err)
	require.NotNil(t, srv.MCPServer())
	return srv
}

func TestNew_RequiresSearcher(t *testing.T) {
	_, err := New(nil, nil, nil, "")
	require.Error(t, err)
}

func TestSearch_MapsInputToQuery(t *testing.T) {
	fs := &fakeSearcher{}
	srv := newTestServer(t, fs, nil)

	resp, err := srv.Search(context.Background(), SearchInput{
		Query:      "climate policy",
		Category:   "news",
		MaxResults: 5,
		TimeoutMS:  1500,
		Providers:  []string{"serpapi", "tavily"},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, ModeAggregate, fs.mode)
	assert.Equal(t, search.Query{
		Text:       "climate policy",
		Category:   "news",
		MaxResults: 5,
		Timeout:    1500 * time.Millisecond,
		Providers:  []string{"serpapi", "tavily"},
	}, fs.lastQuery)
}

func TestSearch_FallbackMode(t *testing.T) {
	fs := &fakeSearcher{}
	srv := newTestServer(t, fs, nil)

	_, err := srv.Search(context.Background(), SearchInput{Query: "q", Mode: "Fallback"})
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, fs.mode)
}

func TestSearch_RejectsBadInput(t *testing.T) {
	srv := newTestServer(t, &fakeSearcher{}, nil)
	cases := map[string]SearchInput{
		"empty query":      {Query: "  "},
		"negative results": {Query: "q", MaxResults: -1},
		"negative timeout": {Query: "q", TimeoutMS: -5},
		"unknown mode":     {Query: "q", Mode: "roundrobin"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := srv.Search(context.Background(), in)
			require.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestSearch_PropagatesManagerError(t *testing.T) {
	fs := &fakeSearcher{err: &search.AllProvidersFailedError{}}
	srv := newTestServer(t, fs, nil)

	_, err := srv.Search(context.Background(), SearchInput{Query: "q"})
	require.ErrorIs(t, err, search.ErrAllProvidersFailed)
}

func TestSearch_PassesNonBlocking(t *testing.T) {
	fs := &fakeSearcher{}
	srv := newTestServer(t, fs, nil)

	_, err := srv.CallTool(context.Background(), "search", map[string]any{"query": "q", "non_blocking": true})
	require.NoError(t, err)
	assert.True(t, fs.lastQuery.NonBlocking)
}

func TestSearchHandler_AllFailedReturnsStatus(t *testing.T) {
	fs := &fakeSearcher{err: &search.AllProvidersFailedError{Status: map[string]search.ProviderStatus{
		"serpapi":    {Kind: search.KindAuth, Error: "serpapi: invalid api key", Attempts: 1},
		"duckduckgo": {Kind: search.KindThrottled, Error: "duckduckgo: throttled: rate budget spent"},
	}}}
	srv := newTestServer(t, fs, nil)

	res, out, err := srv.mcpSearchHandler(context.Background(), nil, SearchInput{Query: "q"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Equal(t, "q", out.Query)
	assert.Empty(t, out.Results)
	require.Len(t, out.Status, 2)
	assert.Equal(t, search.KindAuth, out.Status["serpapi"].Kind)
	assert.Equal(t, "serpapi: invalid api key", out.Status["serpapi"].Error)

	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "serpapi: auth")
	assert.Contains(t, text.Text, "invalid api key")
	assert.Less(t, strings.Index(text.Text, "duckduckgo"), strings.Index(text.Text, "serpapi"))
}

func TestSearchHandler_InvalidInputIsProtocolError(t *testing.T) {
	srv := newTestServer(t, &fakeSearcher{}, nil)
	res, _, err := srv.mcpSearchHandler(context.Background(), nil, SearchInput{Query: " "})
	require.ErrorIs(t, err, ErrInvalidParams)
	assert.Nil(t, res)
}

func TestCallTool_DecodesArguments(t *testing.T) {
	fs := &fakeSearcher{}
	srv := newTestServer(t, fs, nil)

	out, err := srv.CallTool(context.Background(), "search", map[string]any{
		"query":       "golang generics",
		"max_results": float64(3),
		"providers":   []any{"duckduckgo"},
		"mode":        "fallback",
	})
	require.NoError(t, err)
	resp, ok := out.(*search.Response)
	require.True(t, ok)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, 3, fs.lastQuery.MaxResults)
	assert.Equal(t, []string{"duckduckgo"}, fs.lastQuery.Providers)
	assert.Equal(t, ModeFallback, fs.mode)
}

func TestCallTool_BadArgumentType(t *testing.T) {
	srv := newTestServer(t, &fakeSearcher{}, nil)
	_, err := srv.CallTool(context.Background(), "search", map[string]any{"query": 42})
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestCallTool_UnknownTool(t *testing.T) {
	srv := newTestServer(t, &fakeSearcher{}, nil)
	_, err := srv.CallTool(context.Background(), "delete_everything", nil)
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestCallTool_ListProviders(t *testing.T) {
	srv := newTestServer(t, &fakeSearcher{}, nil)
	out, err := srv.CallTool(context.Background(), "list_providers", map[string]any{})
	require.NoError(t, err)
	list, ok := out.(ListProvidersOutput)
	require.True(t, ok)
	require.Len(t, list.Providers, 2)
	assert.Equal(t, "duckduckgo", list.Providers[0].Name)
	assert.False(t, list.Providers[1].Configured)
}

func TestFetchPage_ExtractsContent(t *testing.T) {
	ff := &fakeFetcher{page: &fetch.Page{
		URL:         "https://example.com/doc",
		ContentType: "text/html",
		Body:        []byte(`<html lang="en"><head><title>Doc</title></head><body><main><p>Hello there world</p></main></body></html>`),
	}}
	srv := newTestServer(t, &fakeSearcher{}, ff)

	content, err := srv.FetchPage(context.Background(), FetchPageInput{URL: "https://example.com/doc"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/doc", ff.got)
	assert.Equal(t, "Doc", content.Title)
	assert.Equal(t, "en", content.Language)
	assert.Contains(t, content.Text, "Hello there world")
	assert.Equal(t, 3, content.WordCount)
}

func TestFetchPage_Errors(t *testing.T) {
	srv := newTestServer(t, &fakeSearcher{}, nil)
	_, err := srv.FetchPage(context.Background(), FetchPageInput{})
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = srv.FetchPage(context.Background(), FetchPageInput{URL: "https://example.com"})
	require.Error(t, err)

	ff := &fakeFetcher{err: fetch.ErrHostUnavailable}
	srv = newTestServer(t, &fakeSearcher{}, ff)
	_, err = srv.FetchPage(context.Background(), FetchPageInput{URL: "https://example.com"})
	require.True(t, errors.Is(err, fetch.ErrHostUnavailable))
}

func TestFetchPage_CustomExtractor(t *testing.T) {
	ff := &fakeFetcher{page: &fetch.Page{URL: "https://example.com", Body: []byte("<p>x</p>")}}
	srv, err := New(&fakeSearcher{}, ff, stubExtractor{}, "test")
	require.NoError(t, err)

	content, err := srv.FetchPage(context.Background(), FetchPageInput{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "stub", content.Title)
}

type denyRobots struct{ checked []string }

func (d *denyRobots) Check(_ context.Context, rawURL string) error {
	d.checked = append(d.checked, rawURL)
	if strings.Contains(rawURL, "/private") {
		return errDenied
	}
	return nil
}

var errDenied = errors.New("disallowed by robots.txt")

func TestFetchPage_HonoursRobots(t *testing.T) {
	ff := &fakeFetcher{page: &fetch.Page{URL: "https://example.com/public", Body: []byte("<p>ok</p>")}}
	srv := newTestServer(t, &fakeSearcher{}, ff)
	rb := &denyRobots{}
	srv.SetRobots(rb)

	_, err := srv.FetchPage(context.Background(), FetchPageInput{URL: "https://example.com/private/x"})
	require.ErrorIs(t, err, errDenied)
	assert.Empty(t, ff.got, "disallowed page must not be fetched")

	_, err = srv.FetchPage(context.Background(), FetchPageInput{URL: "https://example.com/public"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/private/x", "https://example.com/public"}, rb.checked)
}

type stubExtractor struct{}

func (stubExtractor) Extract(pageURL string, _ []byte) extract.PageContent {
	return extract.PageContent{URL: pageURL, Title: "stub", Language: "und"}
}
