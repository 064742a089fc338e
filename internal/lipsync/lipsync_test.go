package lipsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/avatar"
	"github.com/loqalabs/loqa-mascot/internal/avatar/avatartest"
	"github.com/loqalabs/loqa-mascot/internal/speech"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func queryWithVowels(rate int, stereo bool, phrases ...[]string) speech.AudioQuery {
	q := speech.AudioQuery{OutputSamplingRate: rate, OutputStereo: stereo}
	for _, vowels := range phrases {
		var p speech.AccentPhrase
		for _, v := range vowels {
			p.Moras = append(p.Moras, speech.Mora{Text: v, Vowel: v})
		}
		q.AccentPhrases = append(q.AccentPhrases, p)
	}
	return q
}

func TestDuration(t *testing.T) {
	q := queryWithVowels(24000, false)
	if d := Duration(make([]byte, 44+48000), q); math.Abs(d-1.0) > 1e-9 {
		t.Fatalf("expected 1s mono, got %v", d)
	}
	stereo := queryWithVowels(24000, true)
	if d := Duration(make([]byte, 44+48000), stereo); math.Abs(d-0.5) > 1e-9 {
		t.Fatalf("expected 0.5s stereo, got %v", d)
	}
	if d := Duration(make([]byte, 44), q); d != 0 {
		t.Fatalf("expected 0 for header-only buffer, got %v", d)
	}
	if d := Duration(make([]byte, 10), q); d != 0 {
		t.Fatalf("expected 0 for short buffer, got %v", d)
	}
	if d := Duration(make([]byte, 1000), queryWithVowels(0, false)); d != 0 {
		t.Fatalf("expected 0 for missing sample rate, got %v", d)
	}
}

func TestTimingsEvenDivision(t *testing.T) {
	q := queryWithVowels(24000, false, []string{"o", "N"}, []string{"n", "i", "cl", "ch", "i", "w", "a"})
	timings := Timings(q, 1.8)

	moras := q.Moras()
	if len(timings) > len(moras) {
		t.Fatalf("timings exceed moras: %d > %d", len(timings), len(moras))
	}
	want := []struct {
		vowel avatar.Vowel
		index int
	}{
		{avatar.VowelO, 0},
		{avatar.VowelI, 3},
		{avatar.VowelI, 6},
		{avatar.VowelA, 8},
	}
	if len(timings) != len(want) {
		t.Fatalf("expected %d timings, got %d: %+v", len(want), len(timings), timings)
	}
	step := 1.8 / float64(len(moras))
	for i, w := range want {
		if timings[i].Vowel != w.vowel {
			t.Fatalf("timing %d: expected vowel %s, got %s", i, w.vowel, timings[i].Vowel)
		}
		if math.Abs(timings[i].Start-float64(w.index)*step) > 1e-9 {
			t.Fatalf("timing %d: expected start %v, got %v", i, float64(w.index)*step, timings[i].Start)
		}
		if i > 0 && timings[i].Start < timings[i-1].Start {
			t.Fatalf("timings not monotonic at %d", i)
		}
	}
}

func TestTimingsDevoicedVowel(t *testing.T) {
	q := queryWithVowels(24000, false, []string{"e", "U"})
	timings := Timings(q, 1.0)
	if len(timings) != 2 || timings[1].Vowel != avatar.VowelU || timings[1].Start != 0.5 {
		t.Fatalf("expected devoiced U to map to u at 0.5s, got %+v", timings)
	}
}

func TestTimingsNoMoras(t *testing.T) {
	if got := Timings(queryWithVowels(24000, false), 2.0); len(got) != 0 {
		t.Fatalf("expected no timings, got %+v", got)
	}
}

func TestCuesApplyStartOffset(t *testing.T) {
	cues := Cues([]Timing{{Vowel: avatar.VowelA, Start: 0}, {Vowel: avatar.VowelI, Start: 0.25}}, 150*time.Millisecond)
	if cues[0].Offset != 150*time.Millisecond || cues[1].Offset != 400*time.Millisecond {
		t.Fatalf("unexpected offsets %+v", cues)
	}
}

func TestSchedulerEmptyStillClosesMouth(t *testing.T) {
	rec := &avatartest.Recorder{}
	NewScheduler(rec, testLogger()).Run(context.Background(), nil)
	got := rec.Commands()
	if len(got) != 1 || got[0] != "vowel:null" {
		t.Fatalf("expected exactly one close command, got %v", got)
	}
}

func TestSchedulerFiresInOrderThenCloses(t *testing.T) {
	rec := &avatartest.Recorder{}
	cues := []Cue{
		{Vowel: avatar.VowelA, Offset: 0},
		{Vowel: avatar.VowelI, Offset: 20 * time.Millisecond},
		{Vowel: avatar.VowelU, Offset: 40 * time.Millisecond},
	}
	start := time.Now()
	NewScheduler(rec, testLogger()).Run(context.Background(), cues)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned before last cue: %v", elapsed)
	}
	got := rec.Commands()
	want := []avatartest.Command{"vowel:a", "vowel:i", "vowel:u", "vowel:null"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSchedulerSwallowsSendErrors(t *testing.T) {
	rec := &avatartest.Recorder{Fail: errors.New("renderer gone")}
	NewScheduler(rec, testLogger()).Run(context.Background(), []Cue{{Vowel: avatar.VowelE}})
	if rec.Count("vowel:null") != 1 {
		t.Fatalf("expected close command despite failures, got %v", rec.Commands())
	}
}

func TestSchedulerCancelledSkipsCuesButCloses(t *testing.T) {
	rec := &avatartest.Recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	NewScheduler(rec, testLogger()).Run(ctx, []Cue{{Vowel: avatar.VowelO, Offset: 5 * time.Second}})
	if time.Since(start) > 2*time.Second {
		t.Fatal("scheduler did not stop on cancellation")
	}
	got := rec.Commands()
	if len(got) != 1 || got[0] != "vowel:null" {
		t.Fatalf("expected only the close command, got %v", got)
	}
}
