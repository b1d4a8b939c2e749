package youtube

import (
	"strings"

	"github.com/anatolykoptev/go_caption/internal/engine"
)

// SelectTrack applies the track selection policy for a requested language:
//
//  1. exact language match, manual before generated
//  2. same base language ("en-GB" for "en"), manual tracks only
//  3. first manual track
//  4. first track
//
// substituted reports whether the chosen track's language differs from lang.
// An empty lang skips straight to step 3 and is never a substitution.
// tracks must not be empty.
func SelectTrack(tracks []engine.Track, lang string) (track engine.Track, substituted bool) {
	if len(tracks) == 0 {
		return engine.Track{}, lang != ""
	}
	if lang != "" {
		if t, ok := pick(tracks, func(t engine.Track) bool { return strings.EqualFold(t.Language, lang) }); ok {
			return t, false
		}
		for _, t := range tracks {
			if !t.Generated && engine.SameBaseLanguage(t.Language, lang) {
				return t, true
			}
		}
	}
	t, ok := pick(tracks, func(t engine.Track) bool { return !t.Generated })
	if !ok {
		t = tracks[0]
	}
	return t, lang != "" && !strings.EqualFold(t.Language, lang)
}

// pick returns the first manual track matching, else the first generated one.
func pick(tracks []engine.Track, match func(engine.Track) bool) (engine.Track, bool) {
	var generated *engine.Track
	for i := range tracks {
		if !match(tracks[i]) {
			continue
		}
		if !tracks[i].Generated {
			return tracks[i], true
		}
		if generated == nil {
			generated = &tracks[i]
		}
	}
	if generated != nil {
		return *generated, true
	}
	return engine.Track{}, false
}
