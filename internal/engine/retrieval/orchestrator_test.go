package retrieval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_caption/internal/engine"
	"github.com/anatolykoptev/go_caption/internal/engine/cache"
	"github.com/anatolykoptev/go_caption/internal/engine/proxies"
	"github.com/anatolykoptev/go_caption/internal/engine/quota"
)

const (
	videoWithTracks = "abc123abc12"
	videoNoCaptions = "xyz999xyz99"
)

const englishPayload = `<transcript>` +
	`<text start="0" dur="1.5">Hello</text>` +
	`<text start="1.5" dur="2">world</text>` +
	`</transcript>`

var (
	enManual = engine.Track{Language: "en", Name: "English", Handle: "en-manual"}
	esAuto   = engine.Track{Language: "es", Generated: true, Handle: "es-asr"}

	fakeVideo = engine.VideoDetails{Title: "Hello World", Author: "Greeter", ViewCount: "1500"}
)

// fakeUpstream answers from fixed tables unless a hook overrides a call.
type fakeUpstream struct {
	listFn  func(ctx context.Context, ref engine.VideoRef, ep *proxies.Endpoint) ([]engine.Track, error)
	fetchFn func(ctx context.Context, track engine.Track, ep *proxies.Endpoint) (engine.Payload, error)

	listCalls  atomic.Int32
	fetchCalls atomic.Int32

	mu        sync.Mutex
	endpoints []string
}

func (f *fakeUpstream) ListTracks(ctx context.Context, ref engine.VideoRef, ep *proxies.Endpoint) (engine.TrackList, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	f.endpoints = append(f.endpoints, ep.ID())
	f.mu.Unlock()
	if f.listFn != nil {
		tracks, err := f.listFn(ctx, ref, ep)
		if err != nil {
			return engine.TrackList{}, err
		}
		return engine.TrackList{Video: fakeVideo, Tracks: tracks}, nil
	}
	switch ref.ID {
	case videoNoCaptions:
		return engine.TrackList{}, engine.Errorf(engine.KindCaptionsDisabled, "fake", "no caption tracks")
	default:
		return engine.TrackList{Video: fakeVideo, Tracks: []engine.Track{esAuto, enManual}}, nil
	}
}

func (f *fakeUpstream) FetchPayload(ctx context.Context, track engine.Track, ep *proxies.Endpoint) (engine.Payload, error) {
	f.fetchCalls.Add(1)
	if f.fetchFn != nil {
		return f.fetchFn(ctx, track, ep)
	}
	return engine.Payload{Format: engine.FormatSrv1, Data: []byte(englishPayload)}, nil
}

func (f *fakeUpstream) usedEndpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.endpoints...)
}

// testConfig has no quota limits and cheap cooldowns.
func testConfig() engine.Config {
	c := engine.DefaultConfig()
	c.GlobalRate, c.GlobalConcurrency = 0, 0
	c.ProxyRate, c.ProxyConcurrency = 0, 0
	c.QuotaRetry.MaxRetries = 0
	return c
}

type harness struct {
	o    *Orchestrator
	up   *fakeUpstream
	pool *proxies.Pool
}

func newHarness(t *testing.T, cfg engine.Config, up *fakeUpstream, proxyURLs ...string) *harness {
	t.Helper()
	c, err := cache.New(cfg.CacheTTL, cfg.CacheMaxEntries)
	require.NoError(t, err)
	pool, err := proxies.New(proxyURLs, proxies.SettingsFromConfig(cfg))
	require.NoError(t, err)
	o, err := New(cfg, Deps{Cache: c, Pool: pool, Quota: quota.FromConfig(cfg), Upstream: up})
	require.NoError(t, err)
	return &harness{o: o, up: up, pool: pool}
}

func videoRef(t *testing.T, id, lang string) engine.VideoRef {
	t.Helper()
	r, err := engine.NewVideoRef(id, lang)
	require.NoError(t, err)
	return r
}

var threeProxies = []string{"http://p1.example:8080", "http://p2.example:8080", "http://p3.example:8080"}

func TestGetTranscript_ExactLanguage(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeUpstream{})

	tr, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.NoError(t, err)

	assert.Equal(t, videoWithTracks, tr.VideoID)
	assert.Equal(t, "en", tr.Language)
	assert.Equal(t, "en", tr.Requested)
	assert.False(t, tr.Substituted)
	assert.False(t, tr.Generated)
	assert.Equal(t, fakeVideo, tr.Video, "video details from discovery are carried")
	assert.Equal(t, []engine.Cue{
		{Start: 0, Duration: 1500 * time.Millisecond, Text: "Hello"},
		{Start: 1500 * time.Millisecond, Duration: 2 * time.Second, Text: "world"},
	}, tr.Cues)
}

func TestGetTranscript_SubstitutesAbsentLanguage(t *testing.T) {
	var fetched engine.Track
	up := &fakeUpstream{fetchFn: func(_ context.Context, track engine.Track, _ *proxies.Endpoint) (engine.Payload, error) {
		fetched = track
		return engine.Payload{Data: []byte(englishPayload)}, nil
	}}
	h := newHarness(t, testConfig(), up)

	tr, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "fr"))
	require.NoError(t, err, "an absent language is a substitution, not an error")
	assert.Equal(t, "en", tr.Language)
	assert.Equal(t, "fr", tr.Requested)
	assert.True(t, tr.Substituted)
	assert.Equal(t, enManual, fetched, "manual track preferred over machine track")
}

func TestGetTranscript_DefaultLanguage(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultLanguage = "es"
	h := newHarness(t, cfg, &fakeUpstream{})

	tr, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, ""))
	require.NoError(t, err)
	assert.Equal(t, "es", tr.Requested)
	assert.Equal(t, "es", tr.Language)
	assert.True(t, tr.Generated)
}

func TestGetTranscript_CaptionsDisabledDoesNotRotate(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeUpstream{}, threeProxies...)

	_, err := h.o.GetTranscript(context.Background(), videoRef(t, videoNoCaptions, "en"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrCaptionsDisabled))
	assert.Contains(t, err.Error(), videoNoCaptions)
	assert.Equal(t, int32(1), h.up.listCalls.Load(), "video facts are not retried on another proxy")
	assert.Zero(t, h.up.fetchCalls.Load())

	for _, s := range h.pool.Snapshot() {
		assert.Equal(t, proxies.Healthy, s.State)
		assert.Zero(t, s.ConsecutiveFailures)
	}
}

func TestGetTranscript_PoolExhaustedMakesNoUpstreamCall(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyFailureThreshold = 1
	h := newHarness(t, cfg, &fakeUpstream{}, threeProxies...)
	for _, raw := range threeProxies {
		ep, ok := h.pool.Get(raw)
		require.True(t, ok)
		h.pool.Report(ep, proxies.Failure)
	}

	_, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.Error(t, err)
	assert.Equal(t, engine.KindPoolExhausted, engine.KindOf(err))
	assert.Zero(t, h.up.listCalls.Load())
	assert.Zero(t, h.up.fetchCalls.Load())
}

func TestGetTranscript_CacheIdempotence(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeUpstream{})
	ref := videoRef(t, videoWithTracks, "en")

	first, err := h.o.GetTranscript(context.Background(), ref)
	require.NoError(t, err)
	second, err := h.o.GetTranscript(context.Background(), ref)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), h.up.listCalls.Load())
	assert.Equal(t, int32(1), h.up.fetchCalls.Load())
}

func TestGetTranscript_RotatesOnBlocked(t *testing.T) {
	cfg := testConfig()
	var calls atomic.Int32
	up := &fakeUpstream{}
	up.listFn = func(_ context.Context, _ engine.VideoRef, _ *proxies.Endpoint) ([]engine.Track, error) {
		if calls.Add(1) == 1 {
			return nil, engine.Errorf(engine.KindUpstreamBlocked, "fake", "HTTP 429")
		}
		return []engine.Track{enManual}, nil
	}
	h := newHarness(t, cfg, up, threeProxies...)

	_, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.NoError(t, err)

	used := up.usedEndpoints()
	require.Len(t, used, 2)
	assert.NotEqual(t, used[0], used[1], "rotation picks a different endpoint")

	blocked, ok := h.pool.Get(used[0])
	require.True(t, ok)
	for _, s := range h.pool.Snapshot() {
		if s.ID == blocked.ID() {
			assert.Equal(t, cfg.ProxyBlockedPenalty, s.ConsecutiveFailures)
		}
	}
}

func TestGetTranscript_UnavailableExhaustsAttempts(t *testing.T) {
	cfg := testConfig()
	up := &fakeUpstream{listFn: func(context.Context, engine.VideoRef, *proxies.Endpoint) ([]engine.Track, error) {
		return nil, engine.Errorf(engine.KindUpstreamUnavailable, "fake", "HTTP 503")
	}}
	h := newHarness(t, cfg, up, threeProxies...)

	_, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.Error(t, err)
	assert.Equal(t, engine.KindUpstreamUnavailable, engine.KindOf(err))
	assert.Equal(t, int32(cfg.MaxProxyAttempts), up.listCalls.Load())
	assert.ElementsMatch(t, threeProxies, up.usedEndpoints())

	for _, s := range h.pool.Snapshot() {
		assert.Equal(t, 1, s.ConsecutiveFailures)
	}
}

func TestGetTranscript_BlockedDirectKeepsUpstreamError(t *testing.T) {
	cfg := testConfig()
	up := &fakeUpstream{listFn: func(context.Context, engine.VideoRef, *proxies.Endpoint) ([]engine.Track, error) {
		return nil, engine.Errorf(engine.KindUpstreamBlocked, "fake", "HTTP 429")
	}}
	h := newHarness(t, cfg, up)

	_, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.Error(t, err)
	assert.Equal(t, engine.KindUpstreamBlocked, engine.KindOf(err),
		"the endpoint cooling down mid-rotation must not mask the upstream failure")
	assert.Equal(t, int32(2), up.listCalls.Load())
	assert.Equal(t, []string{proxies.DirectID, proxies.DirectID}, up.usedEndpoints())

	st := h.pool.Snapshot()
	require.Len(t, st, 1)
	assert.Equal(t, proxies.Cooling, st[0].State)
}

func TestGetTranscript_GlobalRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalRate, cfg.GlobalBurst = 0.01, 1
	h := newHarness(t, cfg, &fakeUpstream{})

	_, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.NoError(t, err)

	_, err = h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "de"))
	require.Error(t, err)
	assert.Equal(t, engine.KindRateLimited, engine.KindOf(err))
	assert.Greater(t, engine.RetryAfterOf(err), time.Duration(0))
	assert.Equal(t, int32(1), h.up.listCalls.Load(), "a denied retrieval never reaches upstream")

	_, err = h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	assert.NoError(t, err, "cache hits do not consume quota")
}

func TestGetTranscript_QuotaWaitsWithinDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalRate, cfg.GlobalBurst = 5, 1
	cfg.QuotaRetry = engine.RetryConfig{MaxRetries: 3, InitialWait: 10 * time.Millisecond, MaxWait: time.Second, Multiplier: 2}
	h := newHarness(t, cfg, &fakeUpstream{})

	_, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.NoError(t, err)

	_, err = h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "de"))
	require.Error(t, err, "no deadline: RateLimited surfaces at once")
	assert.Equal(t, engine.KindRateLimited, engine.KindOf(err))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h.o.GetTranscript(ctx, videoRef(t, videoWithTracks, "fr"))
	assert.NoError(t, err, "deadline leaves room to wait for a token")
}

func TestGetTranscript_PerProxyQuotaRotatesWithoutPenalty(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyRate, cfg.ProxyBurst = 0.001, 1
	h := newHarness(t, cfg, &fakeUpstream{}, threeProxies[:2]...)

	// discovery and fetch each spend one proxy token
	_, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.NoError(t, err)

	_, err = h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "de"))
	require.Error(t, err)
	assert.Equal(t, engine.KindRateLimited, engine.KindOf(err))
	assert.Equal(t, int32(1), h.up.listCalls.Load())

	for _, s := range h.pool.Snapshot() {
		assert.Equal(t, proxies.Healthy, s.State)
		assert.Zero(t, s.ConsecutiveFailures, "quota denial is not the proxy's fault")
	}
}

func TestGetTranscript_MalformedPayloadRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	up := &fakeUpstream{fetchFn: func(context.Context, engine.Track, *proxies.Endpoint) (engine.Payload, error) {
		if calls.Add(1) == 1 {
			return engine.Payload{Format: engine.FormatSrv1, Data: []byte(`<transcript><text start="oops">`)}, nil
		}
		return engine.Payload{Format: engine.FormatSrv1, Data: []byte(englishPayload)}, nil
	}}
	h := newHarness(t, testConfig(), up)

	tr, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.NoError(t, err)
	assert.Len(t, tr.Cues, 2)
	assert.Equal(t, int32(2), up.fetchCalls.Load())
}

func TestGetTranscript_MalformedPayloadFails(t *testing.T) {
	up := &fakeUpstream{fetchFn: func(context.Context, engine.Track, *proxies.Endpoint) (engine.Payload, error) {
		return engine.Payload{Data: []byte("not captions")}, nil
	}}
	h := newHarness(t, testConfig(), up)

	_, err := h.o.GetTranscript(context.Background(), videoRef(t, videoWithTracks, "en"))
	require.Error(t, err)
	assert.Equal(t, engine.KindMalformedPayload, engine.KindOf(err))
	assert.Equal(t, int32(2), up.fetchCalls.Load())

	ref := videoRef(t, videoWithTracks, "en")
	_, cached := h.o.cache.Get(context.Background(), ref)
	assert.False(t, cached, "failures are not cached")
}

func TestGetTranscript_CancellationDoesNotPenalise(t *testing.T) {
	started := make(chan struct{})
	up := &fakeUpstream{listFn: func(ctx context.Context, _ engine.VideoRef, _ *proxies.Endpoint) ([]engine.Track, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, testConfig(), up, threeProxies...)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.o.GetTranscript(ctx, videoRef(t, videoWithTracks, "en"))
		errc <- err
	}()
	<-started
	cancel()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("retrieval did not stop after cancellation")
	}

	// wait for the flight goroutine to unwind before inspecting the pool
	require.Eventually(t, func() bool { return h.up.listCalls.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	for _, s := range h.pool.Snapshot() {
		assert.Zero(t, s.ConsecutiveFailures)
		assert.Equal(t, proxies.Healthy, s.State)
	}
}

func TestGetTranscript_ConcurrentMissesShareOneFlight(t *testing.T) {
	release := make(chan struct{})
	up := &fakeUpstream{}
	up.listFn = func(context.Context, engine.VideoRef, *proxies.Endpoint) ([]engine.Track, error) {
		<-release
		return []engine.Track{enManual}, nil
	}
	h := newHarness(t, testConfig(), up)
	ref := videoRef(t, videoWithTracks, "en")

	const callers = 10
	var wg sync.WaitGroup
	results := make([]engine.Transcript, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.o.GetTranscript(context.Background(), ref)
		}(i)
	}
	require.Eventually(t, func() bool { return up.listCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), up.listCalls.Load())
	assert.Equal(t, int32(1), up.fetchCalls.Load())
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	require.Error(t, err)
	assert.Equal(t, engine.KindConfiguration, engine.KindOf(err))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "cache_check", StateCacheCheck.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
