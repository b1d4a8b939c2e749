package engine

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a retrieval failure by what it is attributable to.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindVideoNotFound
	KindCaptionsDisabled
	KindUpstreamBlocked
	KindUpstreamUnavailable
	KindMalformedPayload
	KindPoolExhausted
	KindRateLimited
	KindConfiguration
)

var kindCodes = map[Kind]string{
	KindUnknown:             "internal_error",
	KindInvalidInput:        "invalid_input",
	KindVideoNotFound:       "video_not_found",
	KindCaptionsDisabled:    "captions_disabled",
	KindUpstreamBlocked:     "upstream_blocked",
	KindUpstreamUnavailable: "upstream_unavailable",
	KindMalformedPayload:    "malformed_payload",
	KindPoolExhausted:       "pool_exhausted",
	KindRateLimited:         "rate_limited",
	KindConfiguration:       "configuration_error",
}

// String returns the machine-readable code used by the transports.
func (k Kind) String() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindUnknown]
}

// Retryable reports whether a failure of this kind may succeed on another attempt.
// Video- and configuration-attributable kinds never are.
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstreamBlocked, KindUpstreamUnavailable, KindMalformedPayload,
		KindPoolExhausted, KindRateLimited:
		return true
	}
	return false
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrVideoNotFound       = &Error{Kind: KindVideoNotFound}
	ErrCaptionsDisabled    = &Error{Kind: KindCaptionsDisabled}
	ErrUpstreamBlocked     = &Error{Kind: KindUpstreamBlocked}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrMalformedPayload    = &Error{Kind: KindMalformedPayload}
	ErrPoolExhausted       = &Error{Kind: KindPoolExhausted}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
)

// Error is the failure type carried out of every component.
type Error struct {
	Kind       Kind
	Op         string        // component operation, e.g. "youtube.list_tracks"
	VideoID    string        // empty when not tied to a video
	RetryAfter time.Duration // set for KindRateLimited
	Err        error
}

// NewError wraps err with a kind and the operation that produced it.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is NewError with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// RateLimited builds a KindRateLimited error carrying the retry-after hint.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.VideoID != "" {
		msg += " [" + e.VideoID + "]"
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels: a bare *Error (no op, no cause) equals any error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Err == nil && t.VideoID == "" {
		return t.Kind == e.Kind
	}
	return t == e
}

// WithVideo returns a copy of e tagged with the video id.
func (e *Error) WithVideo(id string) *Error {
	cp := *e
	cp.VideoID = id
	return &cp
}

// KindOf extracts the kind of err, KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
