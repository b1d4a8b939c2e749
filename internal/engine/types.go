package engine

import (
	"cmp"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// --- Video references ---

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// VideoRef identifies one upstream video plus an optional preferred caption language.
// Construct it with NewVideoRef; the zero value is not valid.
type VideoRef struct {
	ID       string
	Language string // canonical BCP-47 tag, empty = no preference
}

// NewVideoRef validates id and canonicalises lang.
func NewVideoRef(id, lang string) (VideoRef, error) {
	id = strings.TrimSpace(id)
	if len(id) != 11 {
		return VideoRef{}, Errorf(KindInvalidInput, "video_ref", "video_id must be exactly 11 characters")
	}
	if !videoIDRe.MatchString(id) {
		return VideoRef{}, Errorf(KindInvalidInput, "video_ref", "video_id contains invalid characters: %q", id)
	}
	canon, err := CanonicalLanguage(lang)
	if err != nil {
		return VideoRef{}, err
	}
	return VideoRef{ID: id, Language: canon}, nil
}

func (r VideoRef) String() string {
	if r.Language == "" {
		return r.ID
	}
	return r.ID + "/" + r.Language
}

// CanonicalLanguage normalises a caption language tag ("EN-us" → "en-US").
// Empty input stays empty.
func CanonicalLanguage(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", nil
	}
	t, err := language.Parse(tag)
	if err != nil {
		return "", Errorf(KindInvalidInput, "video_ref", "invalid language tag %q", tag)
	}
	return t.String(), nil
}

// SameBaseLanguage reports whether two tags share a base language ("en-GB" ~ "en").
func SameBaseLanguage(a, b string) bool {
	ta, err := language.Parse(a)
	if err != nil {
		return false
	}
	tb, err := language.Parse(b)
	if err != nil {
		return false
	}
	ba, _ := ta.Base()
	bb, _ := tb.Base()
	return ba == bb
}

// ParseVideoInput accepts a bare video id or a YouTube URL and returns the id.
// Supported URL shapes: youtube.com/watch?v=, youtu.be/, /shorts/, /embed/, /live/.
func ParseVideoInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if videoIDRe.MatchString(input) {
		return input, nil
	}
	if !strings.Contains(input, "youtube.com") && !strings.Contains(input, "youtu.be") {
		return "", Errorf(KindInvalidInput, "video_input", "invalid YouTube URL: must be youtube.com/watch or youtu.be URL")
	}
	raw := input
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", Errorf(KindInvalidInput, "video_input", "invalid YouTube URL: %v", err)
	}

	var id string
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtu.be":
		id = strings.Trim(u.Path, "/")
	case strings.HasSuffix(host, "youtube.com"):
		if v := u.Query().Get("v"); v != "" {
			id = v
			break
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 && (parts[0] == "shorts" || parts[0] == "embed" || parts[0] == "live") {
			id = parts[1]
		}
	}
	if !videoIDRe.MatchString(id) {
		return "", Errorf(KindInvalidInput, "video_input", "invalid YouTube URL: could not extract valid video ID")
	}
	return id, nil
}

// --- Caption tracks and payloads ---

// Track describes one caption track offered by the upstream for a video.
// Handle is short-lived; never persist a Track beyond one retrieval.
type Track struct {
	Language     string
	Name         string
	Generated    bool // machine-generated (ASR)
	Translatable bool
	Handle       string
}

// VideoDetails are the descriptive facts the upstream returns alongside the track list.
type VideoDetails struct {
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
	ViewCount string `json:"view_count,omitempty"` // decimal digits as delivered
}

// TrackList is the result of track discovery for one video.
type TrackList struct {
	Video  VideoDetails
	Tracks []Track
}

// Payload formats understood by the caption decoder.
const (
	FormatSrv1  = "srv1"  // <transcript><text start= dur=>
	FormatSrv3  = "srv3"  // <timedtext format="3"><body><p t= d=>
	FormatJSON3 = "json3" // {"events":[...]}
)

// Payload is the undecoded caption body of one track.
type Payload struct {
	Format string
	Data   []byte
}

// --- Transcripts ---

// Cue is one timed unit of text.
type Cue struct {
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
	Text     string        `json:"text"`
}

// Transcript is the decoded result of one retrieval. Treat it as immutable.
type Transcript struct {
	VideoID     string    `json:"video_id"`
	Language    string    `json:"language"`
	Requested   string    `json:"requested_language,omitempty"`
	Substituted bool      `json:"substituted"`
	Generated   bool      `json:"generated"`
	TrackName   string       `json:"track_name,omitempty"`
	Video       VideoDetails `json:"video"`
	Cues        []Cue        `json:"cues"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// NewTranscript builds a transcript for ref from the delivered track and its cues.
// Cues are copied and stably ordered by start offset; duplicates are kept.
func NewTranscript(ref VideoRef, track Track, substituted bool, cues []Cue) Transcript {
	cp := slices.Clone(cues)
	if cp == nil {
		cp = []Cue{}
	}
	slices.SortStableFunc(cp, func(a, b Cue) int { return cmp.Compare(a.Start, b.Start) })
	return Transcript{
		VideoID:     ref.ID,
		Language:    track.Language,
		Requested:   ref.Language,
		Substituted: substituted,
		Generated:   track.Generated,
		TrackName:   track.Name,
		Cues:        cp,
		FetchedAt:   time.Now().UTC(),
	}
}

// Text flattens the cues into one space-separated string, skipping empty cues.
func (t Transcript) Text() string {
	var sb strings.Builder
	for _, c := range t.Cues {
		if c.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// Duration is the end offset of the last cue.
func (t Transcript) Duration() time.Duration {
	var end time.Duration
	for _, c := range t.Cues {
		end = max(end, c.Start+c.Duration)
	}
	return end
}
