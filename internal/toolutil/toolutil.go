// Package toolutil holds the request/response shapes shared by the MCP tool
// and the HTTP API, so both transports validate and render identically.
package toolutil

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/go_caption/internal/engine"
	"github.com/anatolykoptev/go_caption/internal/engine/proxies"
)

// TranscriptInput is the caller's request. Exactly one of VideoID and VideoURL is set.
type TranscriptInput struct {
	VideoID  string `json:"video_id,omitempty" jsonschema:"11-character YouTube video id (e.g. dQw4w9WgXcQ). Mutually exclusive with video_url"`
	VideoURL string `json:"video_url,omitempty" jsonschema:"YouTube URL: youtube.com/watch?v=, youtu.be/, /shorts/, /embed/ or /live/. Mutually exclusive with video_id"`
	Language string `json:"language,omitempty" jsonschema:"Preferred caption language as a BCP-47 tag (e.g. en, es, pt-BR). Default: en"`
}

// ResolveVideoRef validates in and builds the video reference.
func ResolveVideoRef(in TranscriptInput) (engine.VideoRef, error) {
	id, url := strings.TrimSpace(in.VideoID), strings.TrimSpace(in.VideoURL)
	switch {
	case id != "" && url != "":
		return engine.VideoRef{}, engine.Errorf(engine.KindInvalidInput, "input",
			"Cannot provide both video_id and video_url. Use one or the other.")
	case id == "" && url == "":
		return engine.VideoRef{}, engine.Errorf(engine.KindInvalidInput, "input",
			"Must provide either video_id or video_url.")
	case url != "":
		parsed, err := engine.ParseVideoInput(url)
		if err != nil {
			return engine.VideoRef{}, err
		}
		id = parsed
	}
	return engine.NewVideoRef(id, in.Language)
}

// Snippet is one rendered cue.
type Snippet struct {
	Start    string  `json:"start"`    // "mm:ss" or "hh:mm:ss"
	Offset   float64 `json:"offset"`   // seconds
	Duration float64 `json:"duration"` // seconds
	Text     string  `json:"text"`
}

// TranscriptOutput is the success response of both transports.
type TranscriptOutput struct {
	ID                string    `json:"id"`
	Language          string    `json:"language"`
	RequestedLanguage string    `json:"requested_language,omitempty"`
	Substituted       bool      `json:"substituted"`
	Generated         bool      `json:"generated"`
	TrackName         string    `json:"track_name,omitempty"`
	Title             string    `json:"title,omitempty"`
	Author            string    `json:"author,omitempty"`
	Views             string    `json:"views,omitempty"` // "1.2M"
	Transcript        []Snippet `json:"transcript"`
	Text              string    `json:"text"`
}

// BuildOutput renders a transcript for callers. Speaker markers are removed
// and whitespace collapsed; cues left empty by that are dropped.
func BuildOutput(t engine.Transcript) TranscriptOutput {
	out := TranscriptOutput{
		ID:                t.VideoID,
		Language:          t.Language,
		RequestedLanguage: t.Requested,
		Substituted:       t.Substituted,
		Generated:         t.Generated,
		TrackName:         t.TrackName,
		Title:             t.Video.Title,
		Author:            t.Video.Author,
		Views:             FormatViews(t.Video.ViewCount),
		Transcript:        make([]Snippet, 0, len(t.Cues)),
	}
	texts := make([]string, 0, len(t.Cues))
	for _, c := range t.Cues {
		text := engine.NormalizeCueText(c.Text)
		if text == "" {
			continue
		}
		out.Transcript = append(out.Transcript, Snippet{
			Start:    FormatTimestamp(c.Start),
			Offset:   c.Start.Seconds(),
			Duration: c.Duration.Seconds(),
			Text:     text,
		})
		texts = append(texts, text)
	}
	out.Text = strings.Join(texts, " ")
	return out
}

// FormatTimestamp renders d as "mm:ss", or "hh:mm:ss" from one hour on.
// Fractions of a second are truncated.
func FormatTimestamp(d time.Duration) string {
	total := int64(max(d, 0) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// FormatViews abbreviates a view count: "1234567" becomes "1.2M", "1000"
// becomes "1K". Counts under a thousand and non-numeric input pass through.
func FormatViews(views string) string {
	n, err := strconv.ParseUint(views, 10, 64)
	if err != nil {
		return views
	}
	var (
		value  float64
		suffix string
	)
	switch {
	case n >= 1_000_000_000:
		value, suffix = float64(n)/1e9, "B"
	case n >= 1_000_000:
		value, suffix = float64(n)/1e6, "M"
	case n >= 1_000:
		value, suffix = float64(n)/1e3, "K"
	default:
		return strconv.FormatUint(n, 10)
	}
	return strings.TrimSuffix(strconv.FormatFloat(value, 'f', 1, 64), ".0") + suffix
}

// ErrorBody is the machine-readable error response.
type ErrorBody struct {
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"` // seconds
}

// BuildError renders err for callers. Invalid input carries its message
// verbatim; every other kind carries the full error chain.
func BuildError(err error) ErrorBody {
	kind := engine.KindOf(err)
	body := ErrorBody{Code: kind.String(), Message: err.Error()}
	var e *engine.Error
	if kind == engine.KindInvalidInput && errors.As(err, &e) && e.Err != nil {
		body.Message = e.Err.Error()
	}
	if ra := engine.RetryAfterOf(err); ra > 0 {
		body.RetryAfter = ra.Seconds()
	}
	return body
}

// Transcriber is the retrieval operation both transports serve.
type Transcriber interface {
	GetTranscript(ctx context.Context, ref engine.VideoRef) (engine.Transcript, error)
}

// Evicter drops a cached transcript.
type Evicter interface {
	Evict(ctx context.Context, ref engine.VideoRef)
}

// ProxyStatus is one pool endpoint as shown to operators.
type ProxyStatus struct {
	ID                  string     `json:"id"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RecentSuccesses     int        `json:"recent_successes"`
	RecentFailures      int        `json:"recent_failures"`
	ResumeAt            *time.Time `json:"resume_at,omitempty"`
}

// PoolStatusOutput lists every endpoint of the proxy pool.
type PoolStatusOutput struct {
	Healthy   int           `json:"healthy"`
	Total     int           `json:"total"`
	Endpoints []ProxyStatus `json:"endpoints"`
}

// BuildPoolStatus renders a pool snapshot. Proxy credentials never appear:
// endpoint ids are already redacted.
func BuildPoolStatus(stats []proxies.Stats) PoolStatusOutput {
	out := PoolStatusOutput{Total: len(stats), Endpoints: make([]ProxyStatus, 0, len(stats))}
	for _, s := range stats {
		ps := ProxyStatus{
			ID:                  s.ID,
			State:               s.State.String(),
			ConsecutiveFailures: s.ConsecutiveFailures,
			RecentSuccesses:     s.RecentSuccesses,
			RecentFailures:      s.RecentFailures,
		}
		switch s.State {
		case proxies.Healthy:
			out.Healthy++
		case proxies.Cooling:
			at := s.ResumeAt
			ps.ResumeAt = &at
		}
		out.Endpoints = append(out.Endpoints, ps)
	}
	return out
}
