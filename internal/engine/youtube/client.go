// Package youtube talks to the upstream video platform: caption track
// discovery and caption payload download, each routed through a proxy endpoint.
//
// Discovery scrapes the watch page for ytInitialPlayerResponse and falls back
// to the ANDROID Innertube /player endpoint when the page carries no usable
// tracks. Every failure is classified into an engine.Kind so the orchestrator
// can tell video facts (not found, captions disabled) from proxy trouble
// (blocked, unavailable).
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stealth "github.com/anatolykoptev/go-stealth"

	"github.com/anatolykoptev/go_caption/internal/engine"
	"github.com/anatolykoptev/go_caption/internal/engine/proxies"
)

const (
	maxWatchPage   = 6 << 20
	maxPlayerBody  = 3 << 20
	maxPayloadBody = 4 << 20
)

// Upstream is the contract the orchestrator retrieves through.
type Upstream interface {
	ListTracks(ctx context.Context, ref engine.VideoRef, ep *proxies.Endpoint) (engine.TrackList, error)
	FetchPayload(ctx context.Context, track engine.Track, ep *proxies.Endpoint) (engine.Payload, error)
}

// Client is the HTTP implementation of Upstream.
type Client struct {
	baseURL  string
	fallback *http.Client // used when no endpoint is given
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another host (tests, mirrors).
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient sets the client used for calls made without an endpoint.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.fallback = hc }
}

// New creates an upstream client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:  defaultBaseURL,
		fallback: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Upstream = (*Client)(nil)

// ListTracks discovers the caption tracks of ref through ep.
func (c *Client) ListTracks(ctx context.Context, ref engine.VideoRef, ep *proxies.Endpoint) (engine.TrackList, error) {
	const op = "youtube.list_tracks"

	list, err := c.scrapeWatch(ctx, ref, ep)
	if err == nil {
		return list, nil
	}
	if ctx.Err() != nil {
		return engine.TrackList{}, ctx.Err()
	}
	switch engine.KindOf(err) {
	case engine.KindVideoNotFound:
		return engine.TrackList{}, c.count(op, ref.ID, err)
	case engine.KindUpstreamBlocked:
		if !errors.Is(err, errPoTokenRequired) {
			return engine.TrackList{}, c.count(op, ref.ID, err)
		}
	}
	slog.Debug("youtube: watch page gave no usable tracks, trying player",
		slog.String("video", ref.ID), slog.String("proxy", endpointID(ep)), slog.Any("error", err))

	list, err = c.player(ctx, ref, ep)
	if err != nil {
		if ctx.Err() != nil {
			return engine.TrackList{}, ctx.Err()
		}
		return engine.TrackList{}, c.count(op, ref.ID, err)
	}
	return list, nil
}

// FetchPayload downloads the caption body of track through ep.
func (c *Client) FetchPayload(ctx context.Context, track engine.Track, ep *proxies.Endpoint) (engine.Payload, error) {
	const op = "youtube.fetch_payload"

	if track.Handle == "" {
		return engine.Payload{}, engine.Errorf(engine.KindUpstreamUnavailable, op, "track %s has no handle", track.Language)
	}
	target := track.Handle
	if strings.HasPrefix(target, "/") {
		target = c.baseURL + target
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return engine.Payload{}, engine.NewError(engine.KindUpstreamUnavailable, op, err)
	}
	req.Header.Set("User-Agent", stealth.RandomUserAgent())
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	body, err := c.do(ctx, ep, req, op, engine.KindUpstreamUnavailable, maxPayloadBody)
	if err != nil {
		if ctx.Err() != nil {
			return engine.Payload{}, ctx.Err()
		}
		return engine.Payload{}, c.count(op, "", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return engine.Payload{}, c.count(op, "", engine.Errorf(engine.KindUpstreamUnavailable, op, "empty caption payload"))
	}
	return engine.Payload{Format: formatOf(target), Data: body}, nil
}

// scrapeWatch extracts caption tracks from the watch page player response.
func (c *Client) scrapeWatch(ctx context.Context, ref engine.VideoRef, ep *proxies.Endpoint) (engine.TrackList, error) {
	const op = "youtube.watch"

	watchURL := c.baseURL + "/watch?v=" + url.QueryEscape(ref.ID) + "&hl=en"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, watchURL, nil)
	if err != nil {
		return engine.TrackList{}, engine.NewError(engine.KindUpstreamUnavailable, op, err)
	}
	for k, v := range stealth.ChromeHeaders() {
		req.Header.Set(k, v)
	}
	// net/http only decodes gzip transparently when it set Accept-Encoding itself.
	req.Header.Del("Accept-Encoding")
	req.Header.Set("User-Agent", stealth.RandomUserAgent())
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.AddCookie(&http.Cookie{Name: "CONSENT", Value: "YES+cb"})

	body, err := c.do(ctx, ep, req, op, engine.KindVideoNotFound, maxWatchPage)
	if err != nil {
		return engine.TrackList{}, err
	}
	if isChallenge(body) {
		return engine.TrackList{}, engine.Errorf(engine.KindUpstreamBlocked, op, "captcha challenge on watch page")
	}

	idx := bytes.Index(body, []byte(playerResponseMarker))
	if idx < 0 {
		slog.Debug("youtube: watch page without player response",
			slog.String("video", ref.ID), slog.String("preview", engine.Preview(string(body), 200)))
		return engine.TrackList{}, engine.Errorf(engine.KindUpstreamUnavailable, op, "ytInitialPlayerResponse not found in watch page")
	}
	jsonData := extractJSON(bytes.TrimLeft(body[idx+len(playerResponseMarker):], " \t"))
	if jsonData == nil {
		return engine.TrackList{}, engine.Errorf(engine.KindUpstreamUnavailable, op, "truncated ytInitialPlayerResponse")
	}
	var pr playerResponse
	if err := json.Unmarshal(jsonData, &pr); err != nil {
		return engine.TrackList{}, engine.NewError(engine.KindUpstreamUnavailable, op, fmt.Errorf("decode ytInitialPlayerResponse: %w", err))
	}
	return tracksFromPlayer(op, &pr)
}

// player uses the ANDROID Innertube /player endpoint.
func (c *Client) player(ctx context.Context, ref engine.VideoRef, ep *proxies.Endpoint) (engine.TrackList, error) {
	const op = "youtube.player"

	reqBody, err := json.Marshal(innertubeReq{
		VideoID: ref.ID,
		Context: innertubeCtx{
			Client: innertubeClient{
				ClientName:        "ANDROID",
				ClientVersion:     androidVersion,
				AndroidSdkVersion: 30,
				Hl:                "en",
				Gl:                "US",
			},
		},
		RacyCheckOk:    true,
		ContentCheckOk: true,
	})
	if err != nil {
		return engine.TrackList{}, engine.NewError(engine.KindUpstreamUnavailable, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+playerPath+"?prettyPrint=false", bytes.NewReader(reqBody))
	if err != nil {
		return engine.TrackList{}, engine.NewError(engine.KindUpstreamUnavailable, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", androidUA)
	req.Header.Set("X-Youtube-Client-Name", "3")
	req.Header.Set("X-Youtube-Client-Version", androidVersion)

	body, err := c.do(ctx, ep, req, op, engine.KindVideoNotFound, maxPlayerBody)
	if err != nil {
		return engine.TrackList{}, err
	}
	var pr playerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return engine.TrackList{}, engine.NewError(engine.KindUpstreamUnavailable, op, fmt.Errorf("decode player: %w", err))
	}
	return tracksFromPlayer(op, &pr)
}

// do sends req through ep and returns the body of a 2xx response.
// notFound is the kind reported for 404/410 and other non-retryable 4xx.
// Context cancellation is returned unwrapped.
func (c *Client) do(ctx context.Context, ep *proxies.Endpoint, req *http.Request, op string, notFound engine.Kind, limit int64) ([]byte, error) {
	engine.IncrUpstreamCalls()
	resp, err := c.httpClient(ep).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewError(engine.KindUpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(op, resp.StatusCode, notFound); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewError(engine.KindUpstreamUnavailable, op, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > limit {
		return nil, engine.Errorf(engine.KindMalformedPayload, op, "response exceeds %d bytes", limit)
	}
	return body, nil
}

func (c *Client) httpClient(ep *proxies.Endpoint) *http.Client {
	if ep != nil && ep.Client() != nil {
		return ep.Client()
	}
	return c.fallback
}

// count records upstream error metrics and tags err with the video id.
func (c *Client) count(op, videoID string, err error) error {
	engine.IncrUpstreamErrors()
	var e *engine.Error
	if !errors.As(err, &e) {
		return engine.NewError(engine.KindUpstreamUnavailable, op, err)
	}
	if e.Kind == engine.KindUpstreamBlocked {
		engine.IncrUpstreamBlocked()
	}
	if videoID != "" && e.VideoID == "" {
		return e.WithVideo(videoID)
	}
	return err
}

// classifyStatus maps an HTTP status to an error kind, nil for 2xx. Only
// 404 and 410 speak about the resource; any other status is upstream trouble.
func classifyStatus(op string, code int, notFound engine.Kind) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code == http.StatusForbidden:
		return engine.Errorf(engine.KindUpstreamBlocked, op, "HTTP %d", code)
	case code == http.StatusNotFound, code == http.StatusGone:
		return engine.Errorf(notFound, op, "HTTP %d", code)
	case code >= 500, stealth.IsRetryableStatus(code):
		return engine.Errorf(engine.KindUpstreamUnavailable, op, "HTTP %d", code)
	}
	return engine.Errorf(engine.KindUpstreamUnavailable, op, "unexpected HTTP %d", code)
}

// isChallenge detects the bot-check interstitial served instead of a watch page.
func isChallenge(body []byte) bool {
	head := body[:min(len(body), 64<<10)]
	return bytes.Contains(head, []byte(`class="g-recaptcha"`)) ||
		bytes.Contains(head, []byte("www.google.com/sorry/"))
}

// formatOf reads the requested timed-text format from a caption URL.
// Empty lets the decoder sniff.
func formatOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	switch f := u.Query().Get("fmt"); f {
	case engine.FormatSrv1, engine.FormatSrv3, engine.FormatJSON3:
		return f
	}
	return ""
}

func endpointID(ep *proxies.Endpoint) string {
	if ep == nil {
		return proxies.DirectID
	}
	return ep.ID()
}
