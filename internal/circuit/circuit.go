// Package circuit tracks per-provider health and fails fast on providers
// that keep failing.
package circuit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hyperifyio/searchd/internal/search"
)

// State represents the circuit state of one provider.
type State int

const (
	// StateClosed is the normal state where calls are allowed.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen
	// StateHalfOpen allows a single trial call.
	StateHalfOpen
	// StateDisabled is terminal: the provider rejected its credentials.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Config holds the thresholds shared by every provider.
type Config struct {
	// FailureThreshold consecutive counted failures open the circuit.
	FailureThreshold int
	// Window bounds how far apart the first and last of the latest
	// FailureThreshold failures may be.
	Window time.Duration
	// Cooldown is the initial open period. It doubles on every failed trial
	// up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultConfig returns 5 failures in 60s, 30s cooldown capped at 5m.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Window: time.Minute, Cooldown: 30 * time.Second, MaxCooldown: 5 * time.Minute}
}

// Done reports the outcome of an allowed call. Calling it more than once has
// no effect.
type Done func(err error)

// Health is a point-in-time view of one provider.
type Health struct {
	State               State         `json:"-"`
	StateName           string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
	OpenUntil           time.Time     `json:"open_until,omitempty"`
	Disabled            bool          `json:"disabled"`
}

type breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	// recent holds the times of the latest consecutive failures, at most
	// FailureThreshold of them, oldest first.
	recent        []time.Time
	lastSuccess   time.Time
	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool
}

// Policy holds one breaker per provider. The map is built by New and never
// modified afterwards.
type Policy struct {
	cfg      Config
	now      func() time.Time
	breakers map[string]*breaker
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		p.now = now
	}
}

// New creates a policy for the named providers. Zero config fields take
// their DefaultConfig values.
func New(providers []string, cfg Config, opts ...Option) *Policy {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	p := &Policy{cfg: cfg, now: time.Now, breakers: make(map[string]*breaker, len(providers))}
	for _, opt := range opts {
		opt(p)
	}
	for _, name := range providers {
		p.breakers[name] = &breaker{state: StateClosed, cooldown: cfg.Cooldown}
	}
	return p
}

// Allow asks whether provider may be called now. On success the caller must
// report the outcome through the returned Done. An open, disabled or busy
// half-open circuit yields search.ErrCircuitOpen. Unknown providers are
// always allowed.
func (p *Policy) Allow(provider string) (Done, error) {
	b := p.breakers[provider]
	if b == nil {
		return func(error) {}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := p.now()
	b.advance(now)
	switch b.state {
	case StateClosed:
	case StateHalfOpen:
		if b.trialInFlight {
			return nil, fmt.Errorf("%s: %w: trial in progress", provider, search.ErrCircuitOpen)
		}
		b.trialInFlight = true
	case StateDisabled:
		return nil, fmt.Errorf("%s: %w: disabled", provider, search.ErrCircuitOpen)
	default:
		return nil, fmt.Errorf("%s: %w", provider, search.ErrCircuitOpen)
	}

	trial := b.state == StateHalfOpen
	var once sync.Once
	return func(err error) {
		once.Do(func() { p.record(b, trial, err) })
	}, nil
}

// Available reports whether Allow would currently admit a call.
func (p *Policy) Available(provider string) bool {
	b := p.breakers[provider]
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(p.now())
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.trialInFlight
	}
	return false
}

// State returns the current state of provider. Unknown providers are closed.
func (p *Policy) State(provider string) State {
	b := p.breakers[provider]
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(p.now())
	return b.state
}

// Snapshot returns the health of every provider.
func (p *Policy) Snapshot() map[string]Health {
	names := make([]string, 0, len(p.breakers))
	for name := range p.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	now := p.now()
	out := make(map[string]Health, len(names))
	for _, name := range names {
		b := p.breakers[name]
		b.mu.Lock()
		b.advance(now)
		h := Health{
			State:               b.state,
			StateName:           b.state.String(),
			ConsecutiveFailures: b.failures,
			LastSuccess:         b.lastSuccess,
			Cooldown:            b.cooldown,
			Disabled:            b.state == StateDisabled,
		}
		if b.state == StateOpen {
			h.OpenUntil = b.openedAt.Add(b.cooldown)
		}
		b.mu.Unlock()
		out[name] = h
	}
	return out
}

// advance moves an open circuit to half-open once its cooldown has elapsed.
// Caller holds b.mu.
func (b *breaker) advance(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.cooldown)) {
		b.state = StateHalfOpen
		b.trialInFlight = false
	}
}

func (p *Policy) record(b *breaker, trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := p.now()
	if trial {
		b.trialInFlight = false
	}
	if b.state == StateDisabled {
		return
	}

	kind := search.KindOf(err)
	switch {
	case kind == search.KindNone:
		b.state = StateClosed
		b.failures = 0
		b.recent = b.recent[:0]
		b.cooldown = p.cfg.Cooldown
		b.lastSuccess = now
	case kind == search.KindAuth:
		b.state = StateDisabled
	case !kind.CountsAsFailure():
		// Rate limits, cancellations and local rejections leave health as is.
	case trial:
		b.cooldown *= 2
		if b.cooldown > p.cfg.MaxCooldown {
			b.cooldown = p.cfg.MaxCooldown
		}
		b.state = StateOpen
		b.openedAt = now
	default:
		b.failures++
		b.recent = append(b.recent, now)
		if n := len(b.recent); n > p.cfg.FailureThreshold {
			b.recent = append(b.recent[:0], b.recent[n-p.cfg.FailureThreshold:]...)
		}
		if b.state == StateClosed && len(b.recent) == p.cfg.FailureThreshold && now.Sub(b.recent[0]) <= p.cfg.Window {
			b.state = StateOpen
			b.openedAt = now
			b.recent = b.recent[:0]
		}
	}
}
