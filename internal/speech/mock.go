package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	mockSampleRate = 24000
	mockMoraLength = 0.12
)

var mockVowels = []string{"a", "i", "u", "e", "o"}

// MockBackend synthesizes a quiet tone with one mora per rune of text. It
// produces a real 16-bit PCM WAV so the rest of the pipeline runs unchanged.
type MockBackend struct {
	SampleRate int
}

// NewMockBackend renders at 24 kHz.
func NewMockBackend() *MockBackend {
	return &MockBackend{SampleRate: mockSampleRate}
}

func (m *MockBackend) AudioQuery(ctx context.Context, text string) (AudioQuery, error) {
	if err := ctx.Err(); err != nil {
		return AudioQuery{}, NewUnknownError(err.Error(), err)
	}
	var phrase AccentPhrase
	i := 0
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			continue
		}
		phrase.Moras = append(phrase.Moras, Mora{
			Text:        string(r),
			Vowel:       mockVowels[i%len(mockVowels)],
			VowelLength: mockMoraLength,
			Pitch:       5.5,
		})
		i++
	}
	q := AudioQuery{OutputSamplingRate: m.sampleRate()}
	if len(phrase.Moras) > 0 {
		q.AccentPhrases = []AccentPhrase{phrase}
	}
	return q, nil
}

func (m *MockBackend) Synthesize(ctx context.Context, query AudioQuery) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewUnknownError(err.Error(), err)
	}
	rateHz := query.OutputSamplingRate
	if rateHz <= 0 {
		rateHz = m.sampleRate()
	}
	channels := query.Channels()
	frames := int(float64(len(query.Moras())) * mockMoraLength * float64(rateHz))

	data := make([]int, frames*channels)
	for f := 0; f < frames; f++ {
		v := int(600 * math.Sin(2*math.Pi*220*float64(f)/float64(rateHz)))
		for c := 0; c < channels; c++ {
			data[f*channels+c] = v
		}
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rateHz},
		Data:           data,
		SourceBitDepth: 16,
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, rateHz, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, NewUnknownError(fmt.Sprintf("write wav: %v", err), err)
	}
	if err := enc.Close(); err != nil {
		return nil, NewUnknownError(fmt.Sprintf("close wav encoder: %v", err), err)
	}
	return out.buf, nil
}

func (m *MockBackend) sampleRate() int {
	if m.SampleRate > 0 {
		return m.SampleRate
	}
	return mockSampleRate
}

// seekBuffer is the in-memory io.WriteSeeker the wav encoder needs to patch
// its header sizes on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(s.pos) + offset
	case io.SeekEnd:
		next = int64(len(s.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	s.pos = int(next)
	return next, nil
}
