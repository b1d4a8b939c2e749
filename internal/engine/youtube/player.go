package youtube

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anatolykoptev/go_caption/internal/engine"
)

// YouTube Innertube: constants, wire types and player-response classification.

const (
	defaultBaseURL = "https://www.youtube.com"
	playerPath     = "/youtubei/v1/player"
	androidVersion = "20.10.38"
	androidUA      = "com.google.android.youtube/" + androidVersion + " (Linux; U; Android 11) gzip"

	// playerResponseMarker marks the start of the player response JSON in watch page HTML.
	playerResponseMarker = "ytInitialPlayerResponse = "
)

// --- ANDROID client types (/player endpoint) ---

type innertubeReq struct {
	VideoID        string       `json:"videoId"`
	Context        innertubeCtx `json:"context"`
	RacyCheckOk    bool         `json:"racyCheckOk"`
	ContentCheckOk bool         `json:"contentCheckOk"`
}

type innertubeCtx struct {
	Client innertubeClient `json:"client"`
}

type innertubeClient struct {
	ClientName        string `json:"clientName"`
	ClientVersion     string `json:"clientVersion"`
	AndroidSdkVersion int    `json:"androidSdkVersion,omitempty"`
	Hl                string `json:"hl,omitempty"`
	Gl                string `json:"gl,omitempty"`
}

type playerResponse struct {
	Captions *struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
	PlayabilityStatus *struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	VideoDetails struct {
		Title     string `json:"title"`
		Author    string `json:"author"`
		ViewCount string `json:"viewCount"`
	} `json:"videoDetails"`
}

type captionTrack struct {
	BaseURL        string    `json:"baseUrl"`
	LanguageCode   string    `json:"languageCode"`
	Kind           string    `json:"kind"` // "asr" = auto-generated
	Name           trackName `json:"name"`
	IsTranslatable bool      `json:"isTranslatable"`
}

type trackName struct {
	SimpleText string `json:"simpleText"`
	Runs       []struct {
		Text string `json:"text"`
	} `json:"runs"`
}

func (n trackName) String() string {
	if n.SimpleText != "" {
		return n.SimpleText
	}
	var sb strings.Builder
	for _, r := range n.Runs {
		sb.WriteString(r.Text)
	}
	return sb.String()
}

// errPoTokenRequired marks a track list made unusable by PoToken gating. The
// watch page hits this far more often than the ANDROID client does.
var errPoTokenRequired = errors.New("caption tracks require a PoToken")

// needsPoToken reports whether a caption track URL requires a PoToken (browser-only).
// Tracks with &exp=xpe cannot be fetched server-side.
func needsPoToken(baseURL string) bool {
	return strings.Contains(baseURL, "&exp=xpe")
}

// classifyPlayability maps a playabilityStatus to an error kind, nil when playable.
func classifyPlayability(op, status, reason string) error {
	switch status {
	case "", "OK":
		return nil
	case "LOGIN_REQUIRED":
		if strings.Contains(strings.ToLower(reason), "bot") {
			return engine.Errorf(engine.KindUpstreamBlocked, op, "login required: %s", reason)
		}
		return engine.Errorf(engine.KindVideoNotFound, op, "login required: %s", reason)
	case "ERROR", "UNPLAYABLE", "LIVE_STREAM_OFFLINE", "AGE_CHECK_REQUIRED", "CONTENT_CHECK_REQUIRED":
		return engine.Errorf(engine.KindVideoNotFound, op, "%s: %s", strings.ToLower(status), reason)
	}
	return engine.Errorf(engine.KindUpstreamUnavailable, op, "unexpected playability %s: %s", status, reason)
}

// tracksFromPlayer converts a player response into track descriptors and
// video details, dropping tracks that cannot be fetched without a PoToken.
func tracksFromPlayer(op string, pr *playerResponse) (engine.TrackList, error) {
	if ps := pr.PlayabilityStatus; ps != nil {
		if err := classifyPlayability(op, ps.Status, ps.Reason); err != nil {
			return engine.TrackList{}, err
		}
	}
	if pr.Captions == nil || len(pr.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks) == 0 {
		return engine.TrackList{}, engine.Errorf(engine.KindCaptionsDisabled, op, "no caption tracks")
	}
	raw := pr.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks
	tracks := make([]engine.Track, 0, len(raw))
	for _, t := range raw {
		if t.BaseURL == "" || needsPoToken(t.BaseURL) {
			continue
		}
		lang, err := engine.CanonicalLanguage(t.LanguageCode)
		if err != nil {
			lang = t.LanguageCode
		}
		tracks = append(tracks, engine.Track{
			Language:     lang,
			Name:         t.Name.String(),
			Generated:    t.Kind == "asr",
			Translatable: t.IsTranslatable,
			Handle:       t.BaseURL,
		})
	}
	if len(tracks) == 0 {
		return engine.TrackList{}, engine.NewError(engine.KindUpstreamBlocked, op, fmt.Errorf("%w: all %d tracks", errPoTokenRequired, len(raw)))
	}
	vd := pr.VideoDetails
	return engine.TrackList{
		Video:  engine.VideoDetails{Title: vd.Title, Author: vd.Author, ViewCount: vd.ViewCount},
		Tracks: tracks,
	}, nil
}

// extractJSON returns the balanced JSON object at the start of b, nil if unterminated.
func extractJSON(b []byte) []byte {
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	depth := 0
	inStr, escaped := false, false
	for i, c := range b {
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[:i+1]
			}
		}
	}
	return nil
}
