// Package proxies owns the outbound egress endpoints and their health state.
// Endpoint state is mutated only through Pool.Report; each endpoint carries
// its own lock so concurrent retrievals never serialize on unrelated proxies.
package proxies

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anatolykoptev/go_caption/internal/engine"
)

// State is the health state of one endpoint.
type State int

const (
	Healthy State = iota
	Cooling
	Disabled
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Cooling:
		return "cooling"
	case Disabled:
		return "disabled"
	}
	return "unknown"
}

// Outcome is what a retrieval reports after using an endpoint.
type Outcome int

const (
	Success Outcome = iota
	Failure         // transient upstream/network failure
	Blocked         // upstream rejected this egress; penalized harder
)

// DirectID names the endpoint used when no proxy is configured.
const DirectID = "direct"

// recentWindow is the number of outcomes kept in each endpoint's rolling counters.
const recentWindow = 32

// Settings controls health transitions.
type Settings struct {
	FailureThreshold int           // consecutive failures before cooling down
	BaseCooldown     time.Duration // cooldown at the threshold, doubled per further failure
	MaxCooldown      time.Duration
	BlockedPenalty   int // failures charged for one Blocked outcome
	DisableAfter     int // consecutive failures before permanent disable, 0 = never
	Timeout          time.Duration
}

// SettingsFromConfig maps engine configuration onto pool settings.
func SettingsFromConfig(c engine.Config) Settings {
	return Settings{
		FailureThreshold: c.ProxyFailureThreshold,
		BaseCooldown:     c.ProxyBaseCooldown,
		MaxCooldown:      c.ProxyMaxCooldown,
		BlockedPenalty:   c.ProxyBlockedPenalty,
		DisableAfter:     c.ProxyDisableAfter,
		Timeout:          c.FetchTimeout,
	}
}

// Endpoint is one egress point. Callers use ID and Client; health fields are
// private to the pool.
type Endpoint struct {
	id     string
	client *http.Client

	mu          sync.Mutex
	state       State
	resumeAt    time.Time
	consecutive int
	recent      [recentWindow]bool // true = success
	recentN     int
	recentPos   int
	lastUsed    time.Time
}

// ID is the stable, credential-free identifier of the endpoint.
func (e *Endpoint) ID() string { return e.id }

// Client returns an HTTP client whose traffic egresses through this endpoint.
func (e *Endpoint) Client() *http.Client { return e.client }

// Stats is a read-only snapshot of one endpoint.
type Stats struct {
	ID                  string
	State               State
	ResumeAt            time.Time
	ConsecutiveFailures int
	RecentSuccesses     int
	RecentFailures      int
	LastUsed            time.Time
}

// Pool hands out healthy endpoints round-robin.
type Pool struct {
	endpoints []*Endpoint
	byID      map[string]*Endpoint
	next      atomic.Uint64
	settings  Settings
	now       func() time.Time
}

// New builds a pool over proxyURLs. With no URLs the pool holds a single
// direct endpoint. Invalid URLs are a ConfigurationError.
func New(proxyURLs []string, s Settings) (*Pool, error) {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 1
	}
	if s.BlockedPenalty < 1 {
		s.BlockedPenalty = 1
	}
	if s.BaseCooldown <= 0 {
		return nil, engine.Errorf(engine.KindConfiguration, "proxies.new", "base cooldown must be positive")
	}
	if s.MaxCooldown < s.BaseCooldown {
		s.MaxCooldown = s.BaseCooldown
	}

	p := &Pool{settings: s, now: time.Now, byID: make(map[string]*Endpoint)}
	if len(proxyURLs) == 0 {
		ep := &Endpoint{id: DirectID, client: newClient(nil, s.Timeout)}
		p.endpoints = []*Endpoint{ep}
		p.byID[ep.id] = ep
		return p, nil
	}

	for _, raw := range proxyURLs {
		u, err := ParseURL(raw)
		if err != nil {
			return nil, engine.NewError(engine.KindConfiguration, "proxies.new", err)
		}
		id := Redact(u)
		if _, dup := p.byID[id]; dup {
			slog.Warn("proxies: duplicate endpoint ignored", slog.String("proxy", id))
			continue
		}
		ep := &Endpoint{id: id, client: newClient(u, s.Timeout)}
		p.endpoints = append(p.endpoints, ep)
		p.byID[id] = ep
	}
	return p, nil
}

// ParseURL validates a proxy URL. Supported schemes: http, https, socks5.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, errors.New("proxy URL needs host and port")
	}
	return u, nil
}

// Redact renders u without credentials, for ids and logs.
func Redact(u *url.URL) string {
	return u.Scheme + "://" + net.JoinHostPort(u.Hostname(), u.Port())
}

func newClient(proxyURL *url.URL, timeout time.Duration) *http.Client {
	tr := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     60 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if proxyURL != nil {
		tr.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return nil
		},
	}
}

// Len returns the number of configured endpoints.
func (p *Pool) Len() int { return len(p.endpoints) }

// Get returns the endpoint with the given id.
func (p *Pool) Get(id string) (*Endpoint, bool) {
	ep, ok := p.byID[id]
	return ep, ok
}

// Acquire returns one eligible endpoint, rotating round-robin. Endpoints whose
// ids appear in skip are only returned when no other endpoint is eligible.
func (p *Pool) Acquire(skip ...string) (*Endpoint, error) {
	n := len(p.endpoints)
	now := p.now()
	start := int(p.next.Add(1) - 1)

	var fallback *Endpoint
	for i := 0; i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		if !ep.eligible(now) {
			continue
		}
		if slices.Contains(skip, ep.id) {
			if fallback == nil {
				fallback = ep
			}
			continue
		}
		ep.touch(now)
		return ep, nil
	}
	if fallback != nil {
		fallback.touch(now)
		return fallback, nil
	}
	return nil, engine.Errorf(engine.KindPoolExhausted, "proxies.acquire", "no healthy endpoint among %d", n)
}

// Report records the outcome of one upstream interaction through ep.
func (p *Pool) Report(ep *Endpoint, o Outcome) {
	if ep == nil {
		return
	}
	now := p.now()
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.state == Disabled {
		return
	}
	ep.record(o == Success)

	if o == Success {
		ep.consecutive = 0
		ep.state = Healthy
		ep.resumeAt = time.Time{}
		return
	}

	charge := 1
	if o == Blocked {
		charge = p.settings.BlockedPenalty
	}
	ep.consecutive += charge

	if p.settings.DisableAfter > 0 && ep.consecutive >= p.settings.DisableAfter {
		ep.state = Disabled
		slog.Warn("proxies: endpoint disabled", slog.String("proxy", ep.id),
			slog.Int("consecutive_failures", ep.consecutive))
		return
	}
	if ep.consecutive >= p.settings.FailureThreshold {
		cd := p.cooldown(ep.consecutive)
		ep.state = Cooling
		ep.resumeAt = now.Add(cd)
		slog.Warn("proxies: endpoint cooling down", slog.String("proxy", ep.id),
			slog.Int("consecutive_failures", ep.consecutive), slog.Duration("cooldown", cd))
	}
}

// cooldown doubles from BaseCooldown for every failure past the threshold.
func (p *Pool) cooldown(consecutive int) time.Duration {
	d := p.settings.BaseCooldown
	for i := p.settings.FailureThreshold; i < consecutive; i++ {
		d *= 2
		if d >= p.settings.MaxCooldown {
			return p.settings.MaxCooldown
		}
	}
	return min(d, p.settings.MaxCooldown)
}

// Snapshot returns the current state of every endpoint.
func (p *Pool) Snapshot() []Stats {
	now := p.now()
	out := make([]Stats, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		st := ep.state
		if st == Cooling && !now.Before(ep.resumeAt) {
			st = Healthy
		}
		s := Stats{
			ID:                  ep.id,
			State:               st,
			ResumeAt:            ep.resumeAt,
			ConsecutiveFailures: ep.consecutive,
			LastUsed:            ep.lastUsed,
		}
		for i := 0; i < ep.recentN; i++ {
			if ep.recent[i] {
				s.RecentSuccesses++
			} else {
				s.RecentFailures++
			}
		}
		ep.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// FormatStats renders Snapshot for the metrics endpoint.
func (p *Pool) FormatStats() string {
	var b []byte
	for _, s := range p.Snapshot() {
		b = fmt.Appendf(b, "proxy{id=%q,state=%q} consecutive_failures=%d recent_ok=%d recent_fail=%d\n",
			s.ID, s.State, s.ConsecutiveFailures, s.RecentSuccesses, s.RecentFailures)
	}
	return string(b)
}

// eligible reports whether ep can be handed out at now. A cooling endpoint
// whose resume time has passed turns healthy again but keeps its failure
// count, so the next failure cools it down for twice as long.
func (e *Endpoint) eligible(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Healthy:
		return true
	case Cooling:
		if !now.Before(e.resumeAt) {
			e.state = Healthy
			return true
		}
	}
	return false
}

func (e *Endpoint) touch(now time.Time) {
	e.mu.Lock()
	e.lastUsed = now
	e.mu.Unlock()
}

// record appends one outcome to the rolling window. Caller holds e.mu.
func (e *Endpoint) record(ok bool) {
	e.recent[e.recentPos] = ok
	e.recentPos = (e.recentPos + 1) % recentWindow
	if e.recentN < recentWindow {
		e.recentN++
	}
}
