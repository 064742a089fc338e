// Package stage runs the avatar's rendering-side state: which clip is
// playing, crossfades between clips, idle variation, mouth shapes and facial
// expressions. Renderers draw whatever Snapshot reports.
package stage

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/avatar"
	"github.com/loqalabs/loqa-mascot/internal/stage/manifest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Blend shape names for the five mouth shapes, in avatar.Vowels order.
var mouthShapes = map[avatar.Vowel]string{
	avatar.VowelA: "aa",
	avatar.VowelI: "ih",
	avatar.VowelU: "ou",
	avatar.VowelE: "ee",
	avatar.VowelO: "oh",
}

// Expressions the face can show. Neutral is the absence of all of them.
var expressions = []avatar.Emotion{
	avatar.EmotionHappy,
	avatar.EmotionAngry,
	avatar.EmotionSad,
	avatar.EmotionRelaxed,
	avatar.EmotionSurprised,
}

// DefaultLerpFactor is how far mouth weights move toward their target per tick.
const DefaultLerpFactor = 0.2

// Options tunes a Machine. Zero values get defaults.
type Options struct {
	LerpFactor float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	// AfterFunc schedules f after d and returns a function that cancels it.
	// Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
	// OnChange receives a snapshot after every state change. It is called
	// without the machine's lock held.
	OnChange func(Snapshot)
}

// Snapshot is the full renderable state.
type Snapshot struct {
	Animation   string             `json:"animation"`
	Previous    string             `json:"previous,omitempty"`
	Blend       float64            `json:"blend"`
	Elapsed     float64            `json:"elapsed"`
	DefaultPose bool               `json:"default_pose"`
	Mouth       map[string]float64 `json:"mouth"`
	Expressions map[string]float64 `json:"expressions"`
	Emotion     string             `json:"emotion"`
	LastSpeech  string             `json:"last_speech,omitempty"`
	Revision    uint64             `json:"revision"`
}

// Machine is the renderer state: the playing clip and any crossfade, the
// mouth and the face. It is safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	manifest manifest.Manifest
	opts     Options
	logger   *slog.Logger

	current     string
	previous    string
	fade        float64
	fadeElapsed float64
	elapsed     float64
	defaultPose bool

	mouthTarget map[string]float64
	mouth       map[string]float64
	faces       map[string]float64
	emotion     avatar.Emotion
	lastSpeech  string
	revision    uint64

	idleGen  uint64
	idleStop func() bool
	started  bool
	closed   bool

	switches metric.Int64Counter
}

// New builds a Machine over m. Nothing plays until Start.
func New(m manifest.Manifest, opts Options, log *slog.Logger) *Machine {
	if opts.LerpFactor <= 0 || opts.LerpFactor > 1 {
		opts.LerpFactor = DefaultLerpFactor
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	sm := &Machine{
		manifest:    m,
		opts:        opts,
		logger:      log.With(slog.String("component", "stage")),
		mouthTarget: make(map[string]float64, len(mouthShapes)),
		mouth:       make(map[string]float64, len(mouthShapes)),
		faces:       make(map[string]float64, len(expressions)),
		emotion:     avatar.EmotionNeutral,
	}
	for _, shape := range mouthShapes {
		sm.mouthTarget[shape] = 0
		sm.mouth[shape] = 0
	}
	for _, e := range expressions {
		sm.faces[string(e)] = 0
	}
	meter := otel.Meter("github.com/loqalabs/loqa-mascot/stage")
	var err error
	if sm.switches, err = meter.Int64Counter("mascot.stage.animation_switches", metric.WithDescription("Animation changes on stage")); err != nil {
		sm.logger.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	return sm
}

// Start rests the avatar on idle, or on its default pose when the manifest
// has no idle clip, and arms idle variation.
func (m *Machine) Start() {
	m.mu.Lock()
	m.started = true
	if _, ok := m.manifest.Lookup(manifest.IdleName); ok {
		m.playLocked(manifest.IdleName, false)
	} else {
		m.defaultPose = true
		m.logger.Info("no idle animation, holding default pose")
	}
	m.scheduleIdleLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

// Close disarms idle variation. The machine ignores timers that fire later.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopIdleLocked()
}

// PlayAnimation switches to the named clip. Unknown names are ignored and
// replaying the current clip is a no-op. resetTimer restarts the idle
// variation countdown.
func (m *Machine) PlayAnimation(name string, resetTimer bool) {
	m.mu.Lock()
	changed := m.playLocked(name, resetTimer)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if changed {
		m.emit(snap)
	}
}

func (m *Machine) playLocked(name string, resetTimer bool) bool {
	clip, ok := m.manifest.Lookup(name)
	if !ok {
		m.logger.Warn("animation not found", slog.String("animation", name))
		return false
	}
	if m.current == name {
		return false
	}
	if m.current == "" {
		m.previous = ""
		m.fade = 0
	} else {
		m.previous = m.current
		m.fade = clip.FadeTime
	}
	m.fadeElapsed = 0
	m.elapsed = 0
	m.current = name
	m.defaultPose = false
	m.revision++
	if m.switches != nil {
		m.switches.Add(context.Background(), 1, metric.WithAttributes(attribute.String("animation", name)))
	}
	m.logger.Debug("playing animation", slog.String("animation", name), slog.String("previous", m.previous))
	if resetTimer {
		m.scheduleIdleLocked()
	}
	return true
}

// Finished reports that the renderer reached the end of a clip. Clips that
// return to idle go back to it.
func (m *Machine) Finished(name string) {
	m.mu.Lock()
	changed := m.finishLocked(name)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if changed {
		m.emit(snap)
	}
}

func (m *Machine) finishLocked(name string) bool {
	if name != m.current {
		return false
	}
	clip, ok := m.manifest.Lookup(name)
	if !ok || clip.Loop || !clip.ReturnToIdle {
		return false
	}
	if _, ok := m.manifest.Lookup(manifest.IdleName); !ok {
		return false
	}
	return m.playLocked(manifest.IdleName, true)
}

// SetVowel targets one mouth shape and relaxes the rest. Tick moves the
// actual weights.
func (m *Machine) SetVowel(v avatar.Vowel) {
	m.mu.Lock()
	for vowel, shape := range mouthShapes {
		if vowel == v {
			m.mouthTarget[shape] = 1
		} else {
			m.mouthTarget[shape] = 0
		}
	}
	if v != avatar.VowelNone {
		m.scheduleIdleLocked()
	}
	m.revision++
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

// SetEmotion shows one expression at full weight. Neutral clears them all.
func (m *Machine) SetEmotion(e avatar.Emotion) {
	m.mu.Lock()
	m.setEmotionLocked(e)
	m.scheduleIdleLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

func (m *Machine) setEmotionLocked(e avatar.Emotion) {
	for _, face := range expressions {
		m.faces[string(face)] = 0
	}
	if e != avatar.EmotionNeutral {
		m.faces[string(e)] = 1
	}
	m.emotion = e
	m.revision++
}

// NotifySpeak records an utterance and shows its emotion.
func (m *Machine) NotifySpeak(text string, e avatar.Emotion) {
	m.mu.Lock()
	m.lastSpeech = text
	m.setEmotionLocked(e)
	m.scheduleIdleLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

// Tick advances time by dt seconds: mouth weights ease toward their targets,
// crossfades progress, and timed clips that return to idle do so once their
// duration has passed.
func (m *Machine) Tick(dt float64) {
	if dt < 0 {
		dt = 0
	}
	m.mu.Lock()
	for shape, target := range m.mouthTarget {
		m.mouth[shape] = lerp(m.mouth[shape], target, m.opts.LerpFactor)
	}
	m.elapsed += dt
	if m.previous != "" {
		m.fadeElapsed += dt
		if m.fade <= 0 || m.fadeElapsed >= m.fade {
			m.previous = ""
			m.fade = 0
			m.fadeElapsed = 0
		}
	}
	if clip, ok := m.manifest.Lookup(m.current); ok && clip.Duration > 0 && m.elapsed >= clip.Duration {
		m.finishLocked(clip.Name)
	}
	m.revision++
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

func lerp(from, to, t float64) float64 {
	return from + (to-from)*t
}

// Reload swaps in a new manifest. If the current clip no longer exists the
// avatar goes back to idle.
func (m *Machine) Reload(next manifest.Manifest) {
	m.mu.Lock()
	m.manifest = next
	if _, ok := next.Lookup(m.current); !ok {
		m.current = ""
		m.previous = ""
		if _, ok := next.Lookup(manifest.IdleName); ok {
			m.playLocked(manifest.IdleName, false)
		} else {
			m.defaultPose = true
		}
	}
	if m.started {
		m.scheduleIdleLocked()
	}
	m.revision++
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

// scheduleIdleLocked restarts the idle variation countdown with a random
// delay in [delayMin, delayMax).
func (m *Machine) scheduleIdleLocked() {
	iv := m.manifest.Config.IdleVariation
	if m.closed || !m.started || !iv.Enabled || len(iv.Animations) == 0 {
		return
	}
	m.stopIdleLocked()
	delayMS := float64(iv.DelayMin) + m.opts.Rand()*float64(iv.DelayMax-iv.DelayMin)
	m.idleGen++
	gen := m.idleGen
	m.idleStop = m.opts.AfterFunc(time.Duration(delayMS*float64(time.Millisecond)), func() {
		m.idleFired(gen)
	})
}

func (m *Machine) stopIdleLocked() {
	if m.idleStop != nil {
		m.idleStop()
		m.idleStop = nil
	}
	m.idleGen++
}

func (m *Machine) idleFired(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.idleGen {
		m.mu.Unlock()
		return
	}
	m.idleStop = nil
	changed := false
	if m.current == manifest.IdleName {
		choices := m.manifest.Config.IdleVariation.Animations
		i := int(m.opts.Rand() * float64(len(choices)))
		if i >= len(choices) {
			i = len(choices) - 1
		}
		m.logger.Info("idle variation", slog.String("animation", choices[i]))
		changed = m.playLocked(choices[i], false)
	}
	m.scheduleIdleLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if changed {
		m.emit(snap)
	}
}

// Current returns the playing clip name, empty while on the default pose.
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Snapshot copies the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Animation:   m.current,
		Previous:    m.previous,
		Blend:       1,
		Elapsed:     m.elapsed,
		DefaultPose: m.defaultPose,
		Mouth:       make(map[string]float64, len(m.mouth)),
		Expressions: make(map[string]float64, len(m.faces)),
		Emotion:     string(m.emotion),
		LastSpeech:  m.lastSpeech,
		Revision:    m.revision,
	}
	if m.previous != "" && m.fade > 0 {
		snap.Blend = m.fadeElapsed / m.fade
	}
	for k, v := range m.mouth {
		snap.Mouth[k] = v
	}
	for k, v := range m.faces {
		snap.Expressions[k] = v
	}
	return snap
}

func (m *Machine) emit(snap Snapshot) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(snap)
	}
}
