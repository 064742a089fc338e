// Package lipsync turns a synthesis query into timed mouth shapes and plays
// them against an avatar channel.
package lipsync

import (
	"time"

	"github.com/loqalabs/loqa-mascot/internal/avatar"
	"github.com/loqalabs/loqa-mascot/internal/speech"
)

// WAVHeaderSize is the canonical RIFF/fmt/data header length the backend emits.
const WAVHeaderSize = 44

// Timing opens the mouth on Vowel at Start seconds into the audio.
type Timing struct {
	Vowel avatar.Vowel
	Start float64
}

// Duration estimates the playback length in seconds of a 16-bit PCM WAV
// buffer rendered from query. Malformed input yields 0, never a negative.
func Duration(wav []byte, query speech.AudioQuery) float64 {
	if len(wav) <= WAVHeaderSize {
		return 0
	}
	rate := query.OutputSamplingRate
	if rate <= 0 {
		return 0
	}
	bytesPerSecond := float64(rate * query.Channels() * 2)
	return float64(len(wav)-WAVHeaderSize) / bytesPerSecond
}

// Timings spreads all moras evenly over duration and keeps the ones that
// carry an open vowel. Mora i starts at i*duration/N where N counts every
// mora, so skipped moras (N, cl, pau) still take their slot.
func Timings(query speech.AudioQuery, duration float64) []Timing {
	moras := query.Moras()
	n := len(moras)
	if n == 0 {
		return nil
	}
	step := duration / float64(n)
	var out []Timing
	for i, m := range moras {
		v, ok := avatar.ParseVowel(m.Vowel)
		if !ok {
			continue
		}
		out = append(out, Timing{Vowel: v, Start: float64(i) * step})
	}
	return out
}

// Cue is a timing resolved to an offset from the start of playback.
type Cue struct {
	Vowel  avatar.Vowel
	Offset time.Duration
}

// Cues shifts every timing by startOffset, the lag between launching the
// player and hearing the first sample.
func Cues(timings []Timing, startOffset time.Duration) []Cue {
	out := make([]Cue, 0, len(timings))
	for _, t := range timings {
		out = append(out, Cue{
			Vowel:  t.Vowel,
			Offset: time.Duration(t.Start*float64(time.Second)) + startOffset,
		})
	}
	return out
}
