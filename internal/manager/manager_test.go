package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/searchd/internal/circuit"
	"github.com/hyperifyio/searchd/internal/optimizer"
	"github.com/hyperifyio/searchd/internal/ratelimit"
	"github.com/hyperifyio/searchd/internal/search"
)

type fakeProvider struct {
	name  string
	fetch func(ctx context.Context, req search.Request) ([]search.RawHit, error)
	calls atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Fetch(ctx context.Context, req search.Request) ([]search.RawHit, error) {
	f.calls.Add(1)
	return f.fetch(ctx, req)
}

func returns(hits ...search.RawHit) func(context.Context, search.Request) ([]search.RawHit, error) {
	return func(context.Context, search.Request) ([]search.RawHit, error) {
		out := make([]search.RawHit, len(hits))
		copy(out, hits)
		return out, nil
	}
}

func fails(kind error) func(context.Context, search.Request) ([]search.RawHit, error) {
	return func(context.Context, search.Request) ([]search.RawHit, error) {
		return nil, &search.ProviderError{Provider: "fake", Kind: kind}
	}
}

func blocks(ctx context.Context, _ search.Request) ([]search.RawHit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func scored(url string, rank int, score float64) search.RawHit {
	return search.RawHit{Title: url, URL: url, Rank: rank, Score: score, HasScore: true}
}

func backend(p search.Provider) Backend {
	return Backend{Provider: p, Info: search.ProviderInfo{Weight: 1, MaxResults: 10}, Configured: true}
}

func TestSearch_ClimatePolicyScenario(t *testing.T) {
	a := &fakeProvider{name: "a", fetch: returns(
		scored("https://example.org/climate", 1, 0.9),
		scored("https://example.org/policy", 2, 0.7),
	)}
	b := &fakeProvider{name: "b", fetch: returns(scored("https://EXAMPLE.org/climate/", 1, 0.8))}
	m := New([]Backend{backend(a), backend(b)}, Options{})

	resp, err := m.Search(context.Background(), search.Query{Text: "climate policy", MaxResults: 10, Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	top := resp.Results[0]
	assert.Equal(t, "https://example.org/climate", top.URL)
	assert.InDelta(t, 0.9, top.Score, 1e-9)
	assert.Equal(t, "a", top.Provider)
	assert.Equal(t, []string{"a", "b"}, top.Providers)
	assert.InDelta(t, 0.7, resp.Results[1].Score, 1e-9)

	assert.True(t, resp.Status["a"].OK)
	assert.True(t, resp.Status["b"].OK)
	assert.Equal(t, search.KindNone, resp.Status["a"].Kind)
	assert.NotEmpty(t, resp.RequestID)
}

func TestSearch_AllTransient(t *testing.T) {
	a := &fakeProvider{name: "a", fetch: fails(search.ErrTransient)}
	b := &fakeProvider{name: "b", fetch: fails(search.ErrTransient)}
	m := New([]Backend{backend(a), backend(b)}, Options{})

	_, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second})
	require.ErrorIs(t, err, search.ErrAllProvidersFailed)
	var all *search.AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Status, 2)
	for name, st := range all.Status {
		assert.Equal(t, search.KindTransient, st.Kind, name)
		assert.False(t, st.OK, name)
	}
}

func TestSearch_PerCallTimeout(t *testing.T) {
	slow := &fakeProvider{name: "slow", fetch: blocks}
	fast := &fakeProvider{name: "fast", fetch: returns(scored("https://fast.example/x", 1, 0.5))}
	slowBackend := backend(slow)
	slowBackend.Info.Timeout = 50 * time.Millisecond
	m := New([]Backend{slowBackend, backend(fast)}, Options{})

	start := time.Now()
	resp, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "fast", resp.Results[0].Provider)
	assert.Equal(t, search.KindTimeout, resp.Status["slow"].Kind)
	assert.False(t, resp.Status["slow"].OK)
}

func TestSearch_GlobalDeadlineDiscardsPending(t *testing.T) {
	slow := &fakeProvider{name: "slow", fetch: blocks}
	fast := &fakeProvider{name: "fast", fetch: returns(scored("https://fast.example/x", 1, 0.5))}
	m := New([]Backend{backend(slow), backend(fast)}, Options{})

	resp, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: 60 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, search.KindTimeout, resp.Status["slow"].Kind)
	for _, r := range resp.Results {
		assert.NotEqual(t, "slow", r.Provider)
	}
}

func TestSearch_DedupLengthAndIdempotence(t *testing.T) {
	var ha, hb []search.RawHit
	for i := 0; i < 20; i++ {
		ha = append(ha, search.RawHit{Title: "a", URL: fmt.Sprintf("https://site%d.example/", i), Rank: i + 1})
		hb = append(hb, search.RawHit{Title: "b", URL: fmt.Sprintf("https://site%d.example/?utm_source=b", 19-i), Rank: i + 1})
	}
	a := &fakeProvider{name: "a", fetch: returns(ha...)}
	b := &fakeProvider{name: "b", fetch: returns(hb...)}
	m := New([]Backend{
		{Provider: a, Info: search.ProviderInfo{Weight: 1, MaxResults: 20}, Configured: true},
		{Provider: b, Info: search.ProviderInfo{Weight: 1, MaxResults: 20}, Configured: true},
	}, Options{})

	q := search.Query{Text: "q", MaxResults: 7, Timeout: time.Second}
	first, err := m.Search(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, first.Results, 7)
	seen := map[string]bool{}
	for _, r := range first.Results {
		assert.False(t, seen[r.URL], "duplicate %s", r.URL)
		seen[r.URL] = true
	}
	for i := 0; i < 5; i++ {
		again, err := m.Search(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, first.Results, again.Results)
	}
}

func TestSearch_OpenCircuitSkipsNetwork(t *testing.T) {
	bad := &fakeProvider{name: "bad", fetch: fails(search.ErrTransient)}
	good := &fakeProvider{name: "good", fetch: returns(scored("https://good.example", 1, 1))}
	policy := circuit.New([]string{"bad", "good"}, circuit.Config{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Hour, MaxCooldown: time.Hour})
	m := New([]Backend{backend(bad), backend(good)}, Options{Circuit: policy})

	q := search.Query{Text: "q", MaxResults: 5, Timeout: time.Second}
	for i := 0; i < 2; i++ {
		_, err := m.Search(context.Background(), q)
		require.NoError(t, err)
	}
	require.Equal(t, circuit.StateOpen, policy.State("bad"))
	calls := bad.calls.Load()

	resp, err := m.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, calls, bad.calls.Load(), "no network attempt while open")
	assert.Equal(t, search.KindCircuitOpen, resp.Status["bad"].Kind)
	assert.Equal(t, 0, resp.Status["bad"].Attempts)
}

func TestSearch_AuthDisablesProvider(t *testing.T) {
	bad := &fakeProvider{name: "bad", fetch: fails(search.ErrAuth)}
	good := &fakeProvider{name: "good", fetch: returns(scored("https://good.example", 1, 1))}
	policy := circuit.New([]string{"bad", "good"}, circuit.DefaultConfig())
	m := New([]Backend{backend(bad), backend(good)}, Options{Circuit: policy})

	resp, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, search.KindAuth, resp.Status["bad"].Kind)

	resp, err = m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, search.KindCircuitOpen, resp.Status["bad"].Kind)
	assert.Equal(t, int32(1), bad.calls.Load())

	for _, s := range m.Providers() {
		if s.Name == "bad" {
			assert.False(t, s.Available)
			assert.Equal(t, "disabled", s.State)
		}
	}
}

func TestSearch_RateLimitedNeverOpensCircuit(t *testing.T) {
	limited := &fakeProvider{name: "limited", fetch: fails(search.ErrRateLimited)}
	good := &fakeProvider{name: "good", fetch: returns(scored("https://good.example", 1, 1))}
	policy := circuit.New([]string{"limited", "good"}, circuit.Config{FailureThreshold: 1})
	m := New([]Backend{backend(limited), backend(good)}, Options{Circuit: policy})

	for i := 0; i < 5; i++ {
		resp, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second})
		require.NoError(t, err)
		assert.Equal(t, search.KindRateLimited, resp.Status["limited"].Kind)
	}
	assert.Equal(t, circuit.StateClosed, policy.State("limited"))
	assert.Equal(t, int32(5), limited.calls.Load())
}

func TestSearch_RetriesTransient(t *testing.T) {
	var n atomic.Int32
	flaky := &fakeProvider{name: "flaky", fetch: func(ctx context.Context, req search.Request) ([]search.RawHit, error) {
		if n.Add(1) == 1 {
			return nil, &search.ProviderError{Provider: "flaky", Kind: search.ErrTransient, Status: 502}
		}
		return []search.RawHit{scored("https://flaky.example", 1, 0.5)}, nil
	}}
	b := backend(flaky)
	b.Info.Retries = 2
	m := New([]Backend{b}, Options{RetryBackoff: time.Millisecond})

	resp, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Status["flaky"].Attempts)
	assert.True(t, resp.Status["flaky"].OK)
	assert.Len(t, resp.Results, 1)
}

func TestSearch_MalformedIsNotRetried(t *testing.T) {
	broken := &fakeProvider{name: "broken", fetch: fails(search.ErrMalformedResponse)}
	good := &fakeProvider{name: "good", fetch: returns(scored("https://good.example", 1, 1))}
	b := backend(broken)
	b.Info.Retries = 3
	m := New([]Backend{b, backend(good)}, Options{RetryBackoff: time.Millisecond})

	resp, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Status["broken"].Attempts)
	assert.Equal(t, search.KindMalformed, resp.Status["broken"].Kind)
}

func TestSearch_CancellationRestoresToken(t *testing.T) {
	p := &fakeProvider{name: "p", fetch: returns(scored("https://p.example", 1, 1))}
	limiter := ratelimit.New(map[string]ratelimit.Limit{"p": {Capacity: 1, Refill: 0.01}}, 0)
	m := New([]Backend{backend(p)}, Options{Limiter: limiter})

	_, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second})
	require.NoError(t, err)
	before := limiter.Tokens("p")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err = m.Search(ctx, search.Query{Text: "q", MaxResults: 5, Timeout: 5 * time.Second})
	require.ErrorIs(t, err, context.Canceled)
	assert.InDelta(t, before, limiter.Tokens("p"), 0.01)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestSearch_AllowListAndNoProviders(t *testing.T) {
	a := &fakeProvider{name: "a", fetch: returns(scored("https://a.example", 1, 1))}
	b := &fakeProvider{name: "b", fetch: returns(scored("https://b.example", 1, 1))}
	m := New([]Backend{backend(a), backend(b)}, Options{})

	resp, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second, Providers: []string{"B"}})
	require.NoError(t, err)
	assert.Len(t, resp.Status, 1)
	assert.Equal(t, int32(0), a.calls.Load())

	_, err = m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second, Providers: []string{"nope"}})
	require.ErrorIs(t, err, search.ErrNoProvidersAvailable)
}

func TestSearch_UnconfiguredProviderIsReported(t *testing.T) {
	a := &fakeProvider{name: "a", fetch: returns(scored("https://a.example", 1, 1))}
	keyless := &fakeProvider{name: "keyless", fetch: returns()}
	m := New([]Backend{backend(a), {Provider: keyless}}, Options{})

	resp, err := m.Search(context.Background(), search.Query{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, search.KindAuth, resp.Status["keyless"].Kind)
	assert.Equal(t, int32(0), keyless.calls.Load())
}

func TestSearch_InvalidQuery(t *testing.T) {
	m := New([]Backend{backend(&fakeProvider{name: "a", fetch: returns()})}, Options{})
	_, err := m.Search(context.Background(), search.Query{Text: "   "})
	require.ErrorIs(t, err, search.ErrInvalidQuery)
	_, err = m.Search(context.Background(), search.Query{Text: "q", MaxResults: -1})
	require.ErrorIs(t, err, search.ErrInvalidQuery)
}

func TestSearch_OptimizerRewritesQuery(t *testing.T) {
	var got search.Request
	a := &fakeProvider{name: "a", fetch: func(ctx context.Context, req search.Request) ([]search.RawHit, error) {
		got = req
		return nil, nil
	}}
	m := New([]Backend{backend(a)}, Options{Optimizer: &optimizer.Optimizer{}})

	resp, err := m.Search(context.Background(), search.Query{Text: "fusion energy?", Category: "news"})
	require.NoError(t, err)
	assert.Equal(t, "fusion energy latest news", resp.Query)
	assert.Equal(t, "fusion energy latest news", got.Text)
	assert.Equal(t, "news", got.Category)
	assert.Empty(t, resp.Results)
}

func TestSearchWithFallback_FirstSuccessWins(t *testing.T) {
	a := &fakeProvider{name: "a", fetch: fails(search.ErrTransient)}
	b := &fakeProvider{name: "b", fetch: returns(scored("https://b.example", 1, 1))}
	c := &fakeProvider{name: "c", fetch: returns(scored("https://c.example", 1, 1))}
	m := New([]Backend{backend(c), backend(b), backend(a)}, Options{FallbackChain: []string{"a", "b", "c"}})

	resp, err := m.SearchWithFallback(context.Background(), search.Query{Text: "q"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "b", resp.Results[0].Provider)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(0), c.calls.Load())
	assert.Equal(t, search.KindTransient, resp.Status["a"].Kind)
	assert.NotContains(t, resp.Status, "c")
}

func TestSearchWithFallback_AllFail(t *testing.T) {
	a := &fakeProvider{name: "a", fetch: fails(search.ErrTransient)}
	b := &fakeProvider{name: "b", fetch: fails(search.ErrMalformedResponse)}
	m := New([]Backend{backend(a), backend(b)}, Options{FallbackChain: []string{"b", "a"}})

	_, err := m.SearchWithFallback(context.Background(), search.Query{Text: "q"})
	var all *search.AllProvidersFailedError
	require.True(t, errors.As(err, &all))
	assert.Len(t, all.Status, 2)
}

func TestProviders_ListsConfigurationOrder(t *testing.T) {
	a := &fakeProvider{name: "a", fetch: returns()}
	b := &fakeProvider{name: "b", fetch: returns()}
	m := New([]Backend{backend(a), {Provider: b, Info: search.ProviderInfo{Weight: 0.5}}}, Options{})

	list := m.Providers()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.True(t, list[0].Available)
	assert.False(t, list[1].Available)
	assert.Equal(t, 0.5, list[1].Weight)
	assert.Equal(t, "closed", list[1].State)
}

func TestCollect_TakesOutcomesReadyAtDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		results := make(chan outcome, 3)
		results <- outcome{idx: 0, status: search.ProviderStatus{OK: true}}
		results <- outcome{idx: 2, status: search.ProviderStatus{OK: true}}

		got := collect(ctx, results, 3)
		require.NotNil(t, got[0])
		require.NotNil(t, got[2])
		assert.Nil(t, got[1])
	}
}

func TestSearch_NonBlockingReportsThrottled(t *testing.T) {
	p := &fakeProvider{name: "p", fetch: returns(scored("https://p.example", 1, 1))}
	limiter := ratelimit.New(map[string]ratelimit.Limit{"p": {Capacity: 1, Refill: 0.01}}, 0)
	policy := circuit.New([]string{"p"}, circuit.Config{FailureThreshold: 1})
	m := New([]Backend{backend(p)}, Options{Limiter: limiter, Circuit: policy})

	q := search.Query{Text: "q", MaxResults: 5, Timeout: time.Second, NonBlocking: true}
	_, err := m.Search(context.Background(), q)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Search(context.Background(), q)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "non-blocking search must not wait for a token")
	var all *search.AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, search.KindThrottled, all.Status["p"].Kind)
	assert.Equal(t, 0, all.Status["p"].Attempts)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, circuit.StateClosed, policy.State("p"))
}

func TestSearch_TimeoutIsNotRetriedAsTransient(t *testing.T) {
	slow := &fakeProvider{name: "slow", fetch: func(ctx context.Context, _ search.Request) ([]search.RawHit, error) {
		<-ctx.Done()
		return nil, &search.ProviderError{Provider: "slow", Kind: search.ErrTransient, Err: errors.New("connection reset")}
	}}
	b := backend(slow)
	b.Info.Timeout = 20 * time.Millisecond
	b.Info.Retries = 2
	m := New([]Backend{b}, Options{RetryBackoff: time.Millisecond})

	_, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second})
	var all *search.AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, search.KindTimeout, all.Status["slow"].Kind)
	assert.Equal(t, 1, all.Status["slow"].Attempts)
	assert.Equal(t, int32(1), slow.calls.Load())
}

func TestProviders_ReportsHealth(t *testing.T) {
	ok := &fakeProvider{name: "ok", fetch: returns(scored("https://ok.example", 1, 1))}
	bad := &fakeProvider{name: "bad", fetch: fails(search.ErrTransient)}
	policy := circuit.New([]string{"ok", "bad"}, circuit.Config{FailureThreshold: 1, Cooldown: time.Minute})
	m := New([]Backend{backend(ok), backend(bad)}, Options{Circuit: policy})

	_, err := m.Search(context.Background(), search.Query{Text: "q", MaxResults: 5, Timeout: time.Second})
	require.NoError(t, err)

	list := m.Providers()
	require.Len(t, list, 2)
	require.NotNil(t, list[0].LastSuccess)
	assert.Nil(t, list[0].OpenUntil)
	assert.Equal(t, 0, list[0].ConsecutiveFailures)

	assert.Equal(t, "open", list[1].State)
	assert.Equal(t, 1, list[1].ConsecutiveFailures)
	assert.Nil(t, list[1].LastSuccess)
	require.NotNil(t, list[1].OpenUntil)
	assert.True(t, list[1].Available, "an open circuit is still configured and not disabled")
}
