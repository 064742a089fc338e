// Package avatartest provides an avatar.Channel that records every command.
package avatartest

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-mascot/internal/avatar"
)

// Command is one recorded call, rendered as "vowel:a", "vowel:null",
// "emotion:happy", "speak:text|emotion" or "animation:wave".
type Command string

type Recorder struct {
	mu       sync.Mutex
	commands []Command

	// Fail, when set, is returned from every call after it is recorded.
	Fail error
}

func (r *Recorder) record(c Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)
	return r.Fail
}

func (r *Recorder) SetVowel(_ context.Context, v avatar.Vowel) error {
	return r.record(Command("vowel:" + v.String()))
}

func (r *Recorder) SetEmotion(_ context.Context, e avatar.Emotion) error {
	return r.record(Command("emotion:" + string(e)))
}

func (r *Recorder) NotifySpeak(_ context.Context, text string, e avatar.Emotion) error {
	return r.record(Command(fmt.Sprintf("speak:%s|%s", text, e)))
}

func (r *Recorder) PlayAnimation(_ context.Context, a avatar.Animation) error {
	return r.record(Command("animation:" + string(a)))
}

func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// Count returns how many recorded commands equal c.
func (r *Recorder) Count(c Command) int {
	n := 0
	for _, got := range r.Commands() {
		if got == c {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}
