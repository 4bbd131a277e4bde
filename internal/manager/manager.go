// Package manager fans a search out to the configured providers and merges
// their answers into one ranked response.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hyperifyio/searchd/internal/aggregate"
	"github.com/hyperifyio/searchd/internal/circuit"
	"github.com/hyperifyio/searchd/internal/optimizer"
	"github.com/hyperifyio/searchd/internal/search"
	"github.com/hyperifyio/searchd/internal/tracer"
)

// Limiter gates outbound calls per provider.
type Limiter interface {
	Acquire(ctx context.Context, provider string) error
	// TryAcquire never blocks; it returns search.ErrThrottled when no token
	// is available.
	TryAcquire(provider string) error
}

// Circuit tracks provider health.
type Circuit interface {
	Allow(provider string) (circuit.Done, error)
	Available(provider string) bool
	State(provider string) circuit.State
	Snapshot() map[string]circuit.Health
}

// Backend is a provider together with its static profile.
type Backend struct {
	Provider search.Provider
	Info     search.ProviderInfo
	// Configured is false when the provider's credential is missing. Such
	// providers are listed but never called.
	Configured bool
}

// Options are the collaborators and defaults of a Manager.
type Options struct {
	Limiter   Limiter
	Circuit   Circuit
	Optimizer *optimizer.Optimizer
	// DefaultMaxResults and DefaultTimeout fill zero query fields.
	DefaultMaxResults int
	DefaultTimeout    time.Duration
	// FallbackChain is the provider order for SearchWithFallback. Empty
	// means DefaultFallbackChain; providers outside the chain are not tried.
	FallbackChain []string
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

// Manager is safe for concurrent use. Its backend list is fixed at
// construction.
type Manager struct {
	backends []Backend
	byName   map[string]int
	opts     Options
}

// DefaultFallbackChain orders free providers before paid ones.
var DefaultFallbackChain = []string{"duckduckgo", "serpapi", "perplexity", "tavily", "claude"}

func New(backends []Backend, opts Options) *Manager {
	if opts.DefaultMaxResults <= 0 {
		opts.DefaultMaxResults = 10
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if len(opts.FallbackChain) == 0 {
		opts.FallbackChain = DefaultFallbackChain
	}
	m := &Manager{backends: make([]Backend, 0, len(backends)), byName: make(map[string]int, len(backends)), opts: opts}
	for _, b := range backends {
		name := b.Provider.Name()
		if _, dup := m.byName[name]; dup {
			continue
		}
		b.Info.Name = name
		if b.Info.Weight <= 0 {
			b.Info.Weight = 1
		}
		m.byName[name] = len(m.backends)
		m.backends = append(m.backends, b)
	}
	return m
}

// plan is a prepared query with its ordered candidates.
type plan struct {
	requestID  string
	query      search.Query
	candidates []Backend
	priority   map[string]int
	status     map[string]search.ProviderStatus
}

// Search runs q against every available candidate concurrently and returns
// the merged, de-duplicated and ranked results. Individual provider failures
// are reported in Response.Status. When every candidate fails the error is
// an *search.AllProvidersFailedError.
func (m *Manager) Search(ctx context.Context, q search.Query) (*search.Response, error) {
	p, err := m.prepare(q, nil)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.StartSpan(ctx, "search.aggregate",
		attribute.String("request_id", p.requestID),
		attribute.String("category", p.query.Category),
		attribute.Int("candidates", len(p.candidates)))
	resp, err := m.fanOut(ctx, p)
	tracer.End(span, err)
	return resp, err
}

type outcome struct {
	idx    int
	hits   []search.RawHit
	status search.ProviderStatus
}

func (m *Manager) fanOut(parent context.Context, p *plan) (*search.Response, error) {
	start := time.Now()
	log.Debug().Str("request_id", p.requestID).Str("query", p.query.Text).Int("candidates", len(p.candidates)).Msg("search start")

	ctx, cancel := context.WithTimeout(parent, p.query.Timeout)
	defer cancel()

	results := make(chan outcome, len(p.candidates))
	var g errgroup.Group
	for i, b := range p.candidates {
		g.Go(func() error {
			hits, st := m.call(ctx, b, p)
			results <- outcome{idx: i, hits: hits, status: st}
			return nil
		})
	}

	outcomes := collect(ctx, results, len(p.candidates))
	cancel()
	_ = g.Wait()

	if err := parent.Err(); errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("search %s: %w", p.requestID, err)
	}
	// Providers that answered after the global deadline are timeouts and
	// their hits are discarded.
	late := make(map[int]outcome)
drain:
	for {
		select {
		case o := <-results:
			late[o.idx] = o
		default:
			break drain
		}
	}

	groups := make([][]search.Result, 0, len(p.candidates))
	anyOK := false
	for i, b := range p.candidates {
		name := b.Info.Name
		o := outcomes[i]
		if o == nil {
			st := search.ProviderStatus{
				Kind:    search.KindTimeout,
				Error:   fmt.Sprintf("%s: global deadline of %s exceeded", name, p.query.Timeout),
				Latency: time.Since(start),
			}
			if lo, ok := late[i]; ok {
				st.Attempts = lo.status.Attempts
			}
			p.status[name] = st
			continue
		}
		st := o.status
		if st.OK {
			anyOK = true
			normalized := aggregate.Normalize(o.hits, b.Info.Weight)
			st.Hits = len(normalized)
			groups = append(groups, normalized)
		}
		p.status[name] = st
	}

	if !anyOK {
		log.Warn().Str("request_id", p.requestID).Int("providers", len(p.candidates)).Msg("all providers failed")
		return nil, &search.AllProvidersFailedError{Status: p.status}
	}

	ranker := aggregate.Ranker{Priority: p.priority}
	resp := &search.Response{
		RequestID: p.requestID,
		Query:     p.query.Text,
		Category:  p.query.Category,
		Results:   ranker.MergeAndRank(groups, p.query.MaxResults),
		Status:    p.status,
	}
	log.Info().Str("request_id", p.requestID).Int("results", len(resp.Results)).Dur("latency", time.Since(start)).Msg("search done")
	return resp, nil
}

// collect gathers up to n outcomes until ctx is done. Outcomes already
// delivered when ctx ends are still taken.
func collect(ctx context.Context, results <-chan outcome, n int) []*outcome {
	outcomes := make([]*outcome, n)
	for received := 0; received < n; {
		select {
		case o := <-results:
			outcomes[o.idx] = &o
			received++
		case <-ctx.Done():
			for ; received < n; received++ {
				select {
				case o := <-results:
					outcomes[o.idx] = &o
				default:
					return outcomes
				}
			}
			return outcomes
		}
	}
	return outcomes
}

// SearchWithFallback tries candidates one at a time in fallback-chain order
// and returns the first provider that answers without error.
func (m *Manager) SearchWithFallback(ctx context.Context, q search.Query) (*search.Response, error) {
	p, err := m.prepare(q, m.opts.FallbackChain)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.StartSpan(ctx, "search.fallback",
		attribute.String("request_id", p.requestID),
		attribute.Int("candidates", len(p.candidates)))
	resp, err := m.fallback(ctx, p)
	tracer.End(span, err)
	return resp, err
}

func (m *Manager) fallback(parent context.Context, p *plan) (*search.Response, error) {
	ctx, cancel := context.WithTimeout(parent, p.query.Timeout)
	defer cancel()

	for _, b := range p.candidates {
		name := b.Info.Name
		if ctx.Err() != nil {
			if errors.Is(parent.Err(), context.Canceled) {
				return nil, fmt.Errorf("search %s: %w", p.requestID, parent.Err())
			}
			p.status[name] = search.ProviderStatus{Kind: search.KindTimeout, Error: fmt.Sprintf("%s: not tried before the deadline", name)}
			continue
		}
		hits, st := m.call(ctx, b, p)
		if !st.OK {
			p.status[name] = st
			log.Debug().Str("request_id", p.requestID).Str("provider", name).Str("kind", string(st.Kind)).Msg("fallback to next provider")
			continue
		}
		normalized := aggregate.Normalize(hits, b.Info.Weight)
		st.Hits = len(normalized)
		p.status[name] = st
		ranker := aggregate.Ranker{Priority: p.priority}
		return &search.Response{
			RequestID: p.requestID,
			Query:     p.query.Text,
			Category:  p.query.Category,
			Results:   ranker.MergeAndRank([][]search.Result{normalized}, p.query.MaxResults),
			Status:    p.status,
		}, nil
	}
	if errors.Is(parent.Err(), context.Canceled) {
		return nil, fmt.Errorf("search %s: %w", p.requestID, parent.Err())
	}
	return nil, &search.AllProvidersFailedError{Status: p.status}
}

// prepare fills defaults, validates, optionally rewrites the query and
// resolves the ordered candidate set. order, when set, replaces the
// optimizer's priority hint.
func (m *Manager) prepare(q search.Query, order []string) (*plan, error) {
	if q.MaxResults == 0 {
		q.MaxResults = m.opts.DefaultMaxResults
	}
	if q.Timeout == 0 {
		q.Timeout = m.opts.DefaultTimeout
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	q.Text = strings.TrimSpace(q.Text)

	var hint []string
	if m.opts.Optimizer != nil && q.Category != "" {
		rw := m.opts.Optimizer.Optimize(q.Text, q.Category)
		if rw.Text != "" {
			q.Text = rw.Text
		}
		q.Category = rw.Category
		hint = rw.Providers
	}
	if order != nil {
		hint = order
	}

	p := &plan{
		requestID: uuid.NewString(),
		query:     q,
		priority:  make(map[string]int),
		status:    make(map[string]search.ProviderStatus),
	}
	allowed := func(string) bool { return true }
	if len(q.Providers) > 0 {
		set := make(map[string]bool, len(q.Providers))
		for _, name := range q.Providers {
			set[strings.ToLower(strings.TrimSpace(name))] = true
		}
		allowed = func(name string) bool { return set[name] }
	}

	for _, b := range m.ordered(hint, order != nil) {
		name := b.Info.Name
		if !allowed(name) {
			continue
		}
		if !b.Configured {
			p.status[name] = search.ProviderStatus{Kind: search.KindAuth, Error: fmt.Sprintf("%s: credential not configured", name)}
			continue
		}
		if m.opts.Circuit != nil && !m.opts.Circuit.Available(name) {
			p.status[name] = search.ProviderStatus{
				Kind:  search.KindCircuitOpen,
				Error: fmt.Sprintf("%s: circuit %s", name, m.opts.Circuit.State(name)),
			}
			continue
		}
		p.priority[name] = len(p.candidates)
		p.candidates = append(p.candidates, b)
	}
	if len(p.candidates) == 0 {
		return nil, fmt.Errorf("%w: %d configured, allow-list %v", search.ErrNoProvidersAvailable, len(m.backends), q.Providers)
	}
	return p, nil
}

// ordered returns backends with the hinted names first, in hint order,
// followed by the rest in configuration order. With strict set, backends
// missing from the hint are left out.
func (m *Manager) ordered(hint []string, strict bool) []Backend {
	out := make([]Backend, 0, len(m.backends))
	used := make(map[string]bool, len(m.backends))
	for _, name := range hint {
		idx, ok := m.byName[name]
		if !ok || used[name] {
			continue
		}
		used[name] = true
		out = append(out, m.backends[idx])
	}
	if strict {
		return out
	}
	for _, b := range m.backends {
		if !used[b.Info.Name] {
			out = append(out, b)
		}
	}
	return out
}

// call runs one provider through the circuit, the limiter and its retry
// budget. It never returns hits together with a failed status.
func (m *Manager) call(ctx context.Context, b Backend, p *plan) ([]search.RawHit, search.ProviderStatus) {
	name := b.Info.Name
	start := time.Now()
	var st search.ProviderStatus
	finish := func(hits []search.RawHit, err error) ([]search.RawHit, search.ProviderStatus) {
		st.Latency = time.Since(start)
		st.Kind = search.KindOf(err)
		if err != nil {
			st.Error = err.Error()
			ev := log.Debug()
			if st.Kind == search.KindMalformed {
				ev = log.Warn()
				var pe *search.ProviderError
				if errors.As(err, &pe) {
					ev = ev.Str("sample", pe.Sample)
				}
			}
			ev.Str("request_id", p.requestID).Str("provider", name).Str("kind", string(st.Kind)).Dur("latency", st.Latency).Err(err).Msg("provider failed")
			return nil, st
		}
		st.OK = true
		st.Hits = len(hits)
		log.Debug().Str("request_id", p.requestID).Str("provider", name).Int("hits", len(hits)).Dur("latency", st.Latency).Msg("provider ok")
		return hits, st
	}

	done := circuit.Done(func(error) {})
	if m.opts.Circuit != nil {
		d, err := m.opts.Circuit.Allow(name)
		if err != nil {
			return finish(nil, err)
		}
		done = d
	}

	limit := p.query.MaxResults
	if b.Info.MaxResults > 0 && b.Info.MaxResults < limit {
		limit = b.Info.MaxResults
	}
	req := search.Request{Text: p.query.Text, Limit: limit, Category: p.query.Category}

	var (
		hits []search.RawHit
		err  error
	)
	for attempt := 0; attempt <= b.Info.Retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * m.opts.RetryBackoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				done(err)
				return finish(nil, err)
			}
		}
		if m.opts.Limiter != nil {
			var lerr error
			if p.query.NonBlocking {
				lerr = m.opts.Limiter.TryAcquire(name)
			} else {
				lerr = m.opts.Limiter.Acquire(ctx, name)
			}
			if lerr != nil {
				// Waiting on the local budget says nothing about provider health.
				done(search.ErrThrottled)
				switch {
				case errors.Is(lerr, context.DeadlineExceeded):
					lerr = fmt.Errorf("%s: %w: waiting for rate limit", name, search.ErrTimeout)
				case errors.Is(lerr, search.ErrThrottled):
					lerr = fmt.Errorf("%s: %w: rate budget spent", name, lerr)
				}
				return finish(nil, lerr)
			}
		}
		st.Attempts++
		hits, err = m.fetch(ctx, b, req, p.query.Timeout)
		if search.KindOf(err) != search.KindTransient {
			break
		}
	}
	done(err)
	return finish(hits, err)
}

// fetch performs one provider call under the shorter of the query timeout
// and the provider's ceiling.
func (m *Manager) fetch(ctx context.Context, b Backend, req search.Request, queryTimeout time.Duration) ([]search.RawHit, error) {
	timeout := queryTimeout
	if b.Info.Timeout > 0 && b.Info.Timeout < timeout {
		timeout = b.Info.Timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cctx, span := tracer.StartSpan(cctx, "provider.fetch", attribute.String("provider", b.Info.Name))

	hits, err := b.Provider.Fetch(cctx, req)
	if err != nil && !errors.Is(err, search.ErrTimeout) && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &search.ProviderError{Provider: b.Info.Name, Kind: search.ErrTimeout, Err: err}
	}
	if err == nil {
		for i := range hits {
			hits[i].Provider = b.Info.Name
		}
		if len(hits) > req.Limit {
			hits = hits[:req.Limit]
		}
	}
	span.SetAttributes(attribute.Int("hits", len(hits)), attribute.String("kind", string(search.KindOf(err))))
	tracer.End(span, err)
	return hits, err
}

// ProviderSummary describes one configured provider.
type ProviderSummary struct {
	Name       string        `json:"name"`
	Configured bool          `json:"configured"`
	Available  bool          `json:"available"`
	State      string        `json:"state"`
	Weight     float64       `json:"weight"`
	MaxResults int           `json:"max_results"`
	Timeout    time.Duration `json:"timeout"`
	Retries    int           `json:"retries"`

	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
}

// Providers lists every configured provider in configuration order.
func (m *Manager) Providers() []ProviderSummary {
	var health map[string]circuit.Health
	if m.opts.Circuit != nil {
		health = m.opts.Circuit.Snapshot()
	}
	out := make([]ProviderSummary, 0, len(m.backends))
	for _, b := range m.backends {
		s := ProviderSummary{
			Name:       b.Info.Name,
			Configured: b.Configured,
			State:      circuit.StateClosed.String(),
			Weight:     b.Info.Weight,
			MaxResults: b.Info.MaxResults,
			Timeout:    b.Info.Timeout,
			Retries:    b.Info.Retries,
		}
		if h, ok := health[b.Info.Name]; ok {
			s.State = h.StateName
			s.Available = b.Configured && !h.Disabled
			s.ConsecutiveFailures = h.ConsecutiveFailures
			if !h.LastSuccess.IsZero() {
				ls := h.LastSuccess
				s.LastSuccess = &ls
			}
			if !h.OpenUntil.IsZero() {
				ou := h.OpenUntil
				s.OpenUntil = &ou
			}
		} else {
			s.Available = b.Configured
		}
		out = append(out, s)
	}
	return out
}
