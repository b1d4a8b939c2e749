// Package retrieval composes the pool, quota guard, upstream client, decoder
// and cache into the single getTranscript operation.
//
// One retrieval walks the states
//
//	CacheCheck → QuotaCheck → ProxySelect → TrackDiscovery → PayloadFetch → Decode → CacheStore → Done
//
// and ends in Failed(kind) from any of them. ProxySelect is re-entered for each
// upstream step and again on every rotation.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/anatolykoptev/go_caption/internal/engine"
	"github.com/anatolykoptev/go_caption/internal/engine/cache"
	"github.com/anatolykoptev/go_caption/internal/engine/captions"
	"github.com/anatolykoptev/go_caption/internal/engine/proxies"
	"github.com/anatolykoptev/go_caption/internal/engine/quota"
	"github.com/anatolykoptev/go_caption/internal/engine/youtube"
)

// State is one step of a retrieval.
type State int

const (
	StateCacheCheck State = iota
	StateQuotaCheck
	StateProxySelect
	StateTrackDiscovery
	StatePayloadFetch
	StateDecode
	StateCacheStore
	StateDone
	StateFailed
)

var stateNames = [...]string{
	"cache_check", "quota_check", "proxy_select", "track_discovery",
	"payload_fetch", "decode", "cache_store", "done", "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Deps are the components a retrieval is composed of.
type Deps struct {
	Cache    *cache.Cache
	Pool     *proxies.Pool
	Quota    *quota.Guard
	Upstream youtube.Upstream
}

// Orchestrator serves getTranscript. Safe for concurrent use.
type Orchestrator struct {
	cfg      engine.Config
	cache    *cache.Cache
	pool     *proxies.Pool
	guard    *quota.Guard
	upstream youtube.Upstream
	decode   func(engine.Payload) ([]engine.Cue, error)
	flights  singleflight.Group
}

// New wires an orchestrator. Missing dependencies are a ConfigurationError.
func New(cfg engine.Config, d Deps) (*Orchestrator, error) {
	if d.Cache == nil || d.Pool == nil || d.Quota == nil || d.Upstream == nil {
		return nil, engine.Errorf(engine.KindConfiguration, "retrieval.new", "cache, pool, quota and upstream are required")
	}
	if cfg.MaxProxyAttempts < 1 {
		cfg.MaxProxyAttempts = 1
	}
	return &Orchestrator{
		cfg:      cfg,
		cache:    d.Cache,
		pool:     d.Pool,
		guard:    d.Quota,
		upstream: d.Upstream,
		decode:   captions.Decode,
	}, nil
}

// run carries per-retrieval logging context. Each flight owns its own run.
type run struct {
	ref   engine.VideoRef
	log   *slog.Logger
	state State
}

func (r *run) enter(s State) {
	r.state = s
	r.log.Debug("retrieval: state", slog.String("state", s.String()))
}

// GetTranscript returns the transcript of ref, from cache when possible.
// An empty ref.Language means the configured default language.
func (o *Orchestrator) GetTranscript(ctx context.Context, ref engine.VideoRef) (engine.Transcript, error) {
	engine.IncrTranscriptRequests()
	if ref.Language == "" {
		ref.Language = o.cfg.DefaultLanguage
	}
	r := &run{
		ref: ref,
		log: slog.With(slog.String("request_id", uuid.NewString()), slog.String("video", ref.String())),
	}

	r.enter(StateCacheCheck)
	if t, ok := o.cache.Get(ctx, ref); ok {
		r.enter(StateDone)
		return t, nil
	}

	key := cache.Key(ref)
	for {
		ch := o.flights.DoChan(key, func() (any, error) {
			fr := &run{ref: r.ref, log: r.log}
			t, err := o.retrieve(ctx, fr)
			if err != nil {
				fr.log.Debug("retrieval: flight failed", slog.String("failed_in", fr.state.String()))
				fr.enter(StateFailed)
			}
			return t, err
		})
		select {
		case <-ctx.Done():
			return engine.Transcript{}, o.fail(r, ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				// The leader was cancelled but this caller was not: lead a new flight.
				if isContextErr(res.Err) && ctx.Err() == nil {
					continue
				}
				return engine.Transcript{}, o.fail(r, res.Err)
			}
			if res.Shared {
				r.log.Debug("retrieval: shared in-flight result")
			}
			return res.Val.(engine.Transcript), nil
		}
	}
}

// Evict drops the cached transcript of ref so the next request goes upstream.
// An empty ref.Language means the configured default language.
func (o *Orchestrator) Evict(ctx context.Context, ref engine.VideoRef) {
	if ref.Language == "" {
		ref.Language = o.cfg.DefaultLanguage
	}
	o.cache.Delete(ctx, ref)
	slog.Info("retrieval: cache entry evicted", slog.String("video", ref.String()))
}

// retrieve runs the upstream part of the state machine for one flight.
func (o *Orchestrator) retrieve(ctx context.Context, r *run) (engine.Transcript, error) {
	r.enter(StateQuotaCheck)
	permit, err := o.acquireGlobal(ctx, r)
	if err != nil {
		return engine.Transcript{}, err
	}
	defer permit.Release()

	var list engine.TrackList
	err = o.withProxy(ctx, r, StateTrackDiscovery, func(ep *proxies.Endpoint) error {
		var err error
		list, err = o.upstream.ListTracks(ctx, r.ref, ep)
		if err == nil && len(list.Tracks) == 0 {
			err = engine.Errorf(engine.KindCaptionsDisabled, "retrieval.discover", "no caption tracks")
		}
		return err
	})
	if err != nil {
		return engine.Transcript{}, err
	}

	track, substituted := youtube.SelectTrack(list.Tracks, r.ref.Language)
	r.log.Debug("retrieval: track selected",
		slog.String("language", track.Language),
		slog.Bool("generated", track.Generated),
		slog.Bool("substituted", substituted))

	cues, err := o.fetchAndDecode(ctx, r, track)
	if err != nil {
		return engine.Transcript{}, err
	}

	t := engine.NewTranscript(r.ref, track, substituted, cues)
	t.Video = list.Video
	r.enter(StateCacheStore)
	o.cache.Put(ctx, t, o.cfg.CacheTTL)
	r.enter(StateDone)
	r.log.Info("retrieval: transcript ready",
		slog.String("language", t.Language), slog.Int("cues", len(t.Cues)))
	return t, nil
}

// acquireGlobal takes the global permit, waiting out RateLimited with backoff
// only while the caller's deadline leaves room for it. Successive waits never
// shrink, whatever the retry hints say.
func (o *Orchestrator) acquireGlobal(ctx context.Context, r *run) (*quota.Permit, error) {
	rc := o.cfg.QuotaRetry
	var prev time.Duration
	for attempt := 0; ; attempt++ {
		p, err := o.guard.TryAcquire(quota.Global())
		if err == nil {
			return p, nil
		}
		engine.IncrRateLimited()
		if attempt >= rc.MaxRetries {
			return nil, err
		}
		wait := rc.NextDelay(prev, attempt, engine.RetryAfterOf(err))
		prev = wait
		if !engine.FitsDeadline(ctx, wait) {
			return nil, err
		}
		r.log.Debug("retrieval: waiting for quota", slog.Duration("wait", wait), slog.Int("attempt", attempt+1))
		if err := engine.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// fetchAndDecode downloads and decodes the chosen track. A MalformedPayload
// earns a bounded number of fresh fetches.
func (o *Orchestrator) fetchAndDecode(ctx context.Context, r *run, track engine.Track) ([]engine.Cue, error) {
	for attempt := 0; ; attempt++ {
		var payload engine.Payload
		err := o.withProxy(ctx, r, StatePayloadFetch, func(ep *proxies.Endpoint) error {
			var err error
			payload, err = o.upstream.FetchPayload(ctx, track, ep)
			return err
		})
		if err == nil {
			r.enter(StateDecode)
			var cues []engine.Cue
			if cues, err = o.decode(payload); err == nil {
				return cues, nil
			}
		}
		if engine.KindOf(err) != engine.KindMalformedPayload {
			return nil, err
		}
		engine.IncrMalformedPayloads()
		if attempt >= o.cfg.MaxMalformedRetries {
			return nil, err
		}
		r.log.Debug("retrieval: malformed payload, fetching again", slog.Any("error", err))
	}
}

// withProxy runs step through a pool endpoint, rotating to another endpoint
// on UpstreamBlocked, UpstreamUnavailable or a per-proxy quota denial, at
// most MaxProxyAttempts times. Outcomes are reported to the pool; a
// cancelled caller never penalises the endpoint it was using.
func (o *Orchestrator) withProxy(ctx context.Context, r *run, s State, step func(*proxies.Endpoint) error) error {
	var (
		tried   []string
		lastErr error
	)
	for attempt := 0; attempt < o.cfg.MaxProxyAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.enter(StateProxySelect)
		ep, err := o.pool.Acquire(tried...)
		if err != nil {
			if lastErr != nil {
				// Rotation ran dry: the upstream failure is what the caller needs to see.
				r.log.Debug("retrieval: no endpoint left to rotate to", slog.Any("error", err))
				return lastErr
			}
			return err
		}
		if attempt > 0 {
			engine.IncrProxyRotations()
		}
		if !slices.Contains(tried, ep.ID()) {
			tried = append(tried, ep.ID())
		}

		permit, err := o.guard.TryAcquire(quota.PerProxy(ep.ID()))
		if err != nil {
			engine.IncrRateLimited()
			r.log.Debug("retrieval: proxy over quota, rotating", slog.String("proxy", ep.ID()))
			lastErr = err
			continue
		}

		r.enter(s)
		err = step(ep)
		permit.Release()

		if err == nil {
			o.pool.Report(ep, proxies.Success)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch engine.KindOf(err) {
		case engine.KindUpstreamBlocked:
			o.pool.Report(ep, proxies.Blocked)
		case engine.KindUpstreamUnavailable:
			o.pool.Report(ep, proxies.Failure)
		default:
			// The endpoint delivered an answer; the failure is about the video or payload.
			o.pool.Report(ep, proxies.Success)
			return err
		}
		r.log.Warn("retrieval: upstream attempt failed",
			slog.String("proxy", ep.ID()),
			slog.String("state", s.String()),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		lastErr = err
	}
	return lastErr
}

// fail records a terminal failure and tags it with the video id.
func (o *Orchestrator) fail(r *run, err error) error {
	engine.IncrTranscriptErrors()
	kind := engine.KindOf(err)
	attrs := []any{slog.String("kind", kind.String()), slog.Any("error", err)}
	switch {
	case isContextErr(err):
		r.log.Debug("retrieval: cancelled", attrs...)
		return err
	case kind == engine.KindVideoNotFound || kind == engine.KindCaptionsDisabled:
		r.log.Info("retrieval: failed", attrs...)
	default:
		r.log.Warn("retrieval: failed", attrs...)
	}
	var e *engine.Error
	if errors.As(err, &e) && e.VideoID == "" {
		return e.WithVideo(r.ref.ID)
	}
	return err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
