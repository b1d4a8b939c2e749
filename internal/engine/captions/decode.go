// Package captions decodes upstream timed-text payloads into cues.
//
// Three encodings are understood:
//
//	srv1  <transcript><text start="1.2" dur="3.4">…</text></transcript>   seconds
//	srv3  <timedtext format="3"><body><p t="1200" d="3400">…</p></body>    milliseconds
//	json3 {"events":[{"tStartMs":1200,"dDurationMs":3400,"segs":[…]}]}    milliseconds
//
// The decoder reports faithfully: cue order is kept as delivered, and cues
// with zero duration or empty text are returned, not dropped.
package captions

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/anatolykoptev/go_caption/internal/engine"
)

const op = "captions.decode"

// Decode parses p into cues. Any structural problem is a MalformedPayload.
func Decode(p engine.Payload) ([]engine.Cue, error) {
	format := p.Format
	if format == "" {
		format = Sniff(p.Data)
	}
	var (
		cues []engine.Cue
		err  error
	)
	switch format {
	case engine.FormatSrv1:
		cues, err = decodeSrv1(p.Data)
	case engine.FormatSrv3:
		cues, err = decodeSrv3(p.Data)
	case engine.FormatJSON3:
		cues, err = decodeJSON3(p.Data)
	default:
		err = errors.New("unrecognized timed-text format")
	}
	if err != nil {
		return nil, engine.NewError(engine.KindMalformedPayload, op, err)
	}
	return cues, nil
}

// Sniff guesses the payload format from its leading bytes.
func Sniff(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '{' {
		return engine.FormatJSON3
	}
	head := trimmed[:min(len(trimmed), 512)]
	switch {
	case bytes.Contains(head, []byte("<transcript")):
		return engine.FormatSrv1
	case bytes.Contains(head, []byte("<timedtext")):
		return engine.FormatSrv3
	}
	return ""
}

func newXMLDecoder(data []byte) *xml.Decoder {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.Entity = xml.HTMLEntity
	return d
}

// --- srv1 ---

type srv1Doc struct {
	XMLName xml.Name   `xml:"transcript"`
	Texts   []srv1Text `xml:"text"`
}

type srv1Text struct {
	Start string `xml:"start,attr"`
	Dur   string `xml:"dur,attr"`
	Inner string `xml:",innerxml"`
}

func decodeSrv1(data []byte) ([]engine.Cue, error) {
	var doc srv1Doc
	if err := newXMLDecoder(data).Decode(&doc); err != nil {
		return nil, fmt.Errorf("srv1: %w", err)
	}
	cues := make([]engine.Cue, 0, len(doc.Texts))
	for i, t := range doc.Texts {
		start, err := parseSeconds(t.Start)
		if err != nil {
			return nil, fmt.Errorf("srv1 cue %d start: %w", i, err)
		}
		dur, err := optional(t.Dur, parseSeconds)
		if err != nil {
			return nil, fmt.Errorf("srv1 cue %d dur: %w", i, err)
		}
		// srv1 text is escaped twice: once for XML, once more for HTML.
		// Only recognised markup is stripped between the two passes, so a
		// singly escaped "x < 5 and y > 3" keeps its text.
		text := html.UnescapeString(stripMarkup(html.UnescapeString(t.Inner)))
		cues = append(cues, engine.Cue{Start: start, Duration: dur, Text: strings.TrimSpace(text)})
	}
	return cues, nil
}

// markupTagRe matches the formatting tags srv1 cues carry, with key=value
// attributes only.
var markupTagRe = regexp.MustCompile(`(?i)</?(?:font|b|i|u|s|c|br|span)(?:\s+[a-z-]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s"'<>]+))*\s*/?>`)

func stripMarkup(s string) string {
	return markupTagRe.ReplaceAllString(s, "")
}

// --- srv3 ---

type srv3Doc struct {
	XMLName xml.Name `xml:"timedtext"`
	Body    struct {
		Paragraphs []srv3P `xml:"p"`
	} `xml:"body"`
}

type srv3P struct {
	T     string `xml:"t,attr"`
	D     string `xml:"d,attr"`
	Inner string `xml:",innerxml"`
}

func decodeSrv3(data []byte) ([]engine.Cue, error) {
	var doc srv3Doc
	if err := newXMLDecoder(data).Decode(&doc); err != nil {
		return nil, fmt.Errorf("srv3: %w", err)
	}
	cues := make([]engine.Cue, 0, len(doc.Body.Paragraphs))
	for i, p := range doc.Body.Paragraphs {
		start, err := parseMillis(p.T)
		if err != nil {
			return nil, fmt.Errorf("srv3 cue %d t: %w", i, err)
		}
		dur, err := optional(p.D, parseMillis)
		if err != nil {
			return nil, fmt.Errorf("srv3 cue %d d: %w", i, err)
		}
		text := html.UnescapeString(engine.CleanHTML(p.Inner))
		cues = append(cues, engine.Cue{Start: start, Duration: dur, Text: strings.TrimSpace(text)})
	}
	return cues, nil
}

// --- json3 ---

type json3Doc struct {
	Events *[]json3Event `json:"events"`
}

type json3Event struct {
	TStartMs    json.RawMessage `json:"tStartMs"`
	DDurationMs json.RawMessage `json:"dDurationMs"`
	Segs        *[]struct {
		UTF8 string `json:"utf8"`
	} `json:"segs"`
}

func decodeJSON3(data []byte) ([]engine.Cue, error) {
	var doc json3Doc
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("json3: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("json3: trailing data after document")
	}
	if doc.Events == nil {
		return nil, errors.New("json3: missing events")
	}
	cues := make([]engine.Cue, 0, len(*doc.Events))
	for i, ev := range *doc.Events {
		// Events without segs define windows and pens, not text.
		if ev.Segs == nil {
			continue
		}
		start, err := rawMillis(ev.TStartMs)
		if err != nil {
			return nil, fmt.Errorf("json3 event %d tStartMs: %w", i, err)
		}
		var dur time.Duration
		if len(ev.DDurationMs) > 0 && string(ev.DDurationMs) != "null" {
			if dur, err = rawMillis(ev.DDurationMs); err != nil {
				return nil, fmt.Errorf("json3 event %d dDurationMs: %w", i, err)
			}
		}
		var sb strings.Builder
		for _, s := range *ev.Segs {
			sb.WriteString(s.UTF8)
		}
		cues = append(cues, engine.Cue{Start: start, Duration: dur, Text: strings.TrimSpace(sb.String())})
	}
	return cues, nil
}

// rawMillis accepts a JSON number or a quoted timestamp.
func rawMillis(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	}
	return parseMillis(s)
}

// --- timestamps ---

func optional(s string, parse func(string) (time.Duration, error)) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return parse(s)
}

// parseSeconds accepts "12.5", "12,5" and clock forms "00:00:12.500".
func parseSeconds(s string) (time.Duration, error) {
	return parseTimestamp(s, float64(time.Second))
}

// parseMillis accepts "12500", "12500.0" and clock forms "00:00:12.500".
func parseMillis(s string) (time.Duration, error) {
	return parseTimestamp(s, float64(time.Millisecond))
}

func parseTimestamp(s string, unit float64) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("missing")
	}
	if strings.Contains(s, ":") {
		return parseClock(s)
	}
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return toDuration(v * unit)
}

// parseClock parses [hh:]mm:ss[.fff] with '.' or ',' as fraction separator.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("bad clock timestamp %q", s)
	}
	var total float64
	for i, p := range parts {
		last := i == len(parts)-1
		if last {
			p = strings.Replace(p, ",", ".", 1)
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || (!last && v != math.Trunc(v)) {
			return 0, fmt.Errorf("bad clock timestamp %q", s)
		}
		total = total*60 + v
	}
	return toDuration(total * float64(time.Second))
}

func toDuration(ns float64) (time.Duration, error) {
	if math.IsNaN(ns) || math.IsInf(ns, 0) || ns < 0 || ns > math.MaxInt64 {
		return 0, errors.New("timestamp out of range")
	}
	return time.Duration(math.Round(ns)), nil
}
