package avatar

import (
	"fmt"
	"strings"
)

// Vowel is a mouth shape. VowelNone closes the mouth.
type Vowel string

const (
	VowelNone Vowel = ""
	VowelA    Vowel = "a"
	VowelI    Vowel = "i"
	VowelU    Vowel = "u"
	VowelE    Vowel = "e"
	VowelO    Vowel = "o"
)

// Vowels lists the open mouth shapes in blend-shape order.
var Vowels = []Vowel{VowelA, VowelI, VowelU, VowelE, VowelO}

// ParseVowel matches case-insensitively, so devoiced moras ("U") still map.
// Anything that is not one of the five vowels, including "N" and "cl",
// reports false.
func ParseVowel(s string) (Vowel, bool) {
	switch v := Vowel(strings.ToLower(strings.TrimSpace(s))); v {
	case VowelA, VowelI, VowelU, VowelE, VowelO:
		return v, true
	}
	return VowelNone, false
}

// Ptr returns the wire form: nil for VowelNone.
func (v Vowel) Ptr() *string {
	if v == VowelNone {
		return nil
	}
	s := string(v)
	return &s
}

func (v Vowel) String() string {
	if v == VowelNone {
		return "null"
	}
	return string(v)
}

type Emotion string

const (
	EmotionNeutral   Emotion = "neutral"
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionAngry     Emotion = "angry"
	EmotionRelaxed   Emotion = "relaxed"
	EmotionSurprised Emotion = "surprised"
)

var Emotions = []Emotion{EmotionNeutral, EmotionHappy, EmotionSad, EmotionAngry, EmotionRelaxed, EmotionSurprised}

// ParseEmotion never fails: unknown or empty values become neutral.
func ParseEmotion(s string) Emotion {
	e := Emotion(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Emotions {
		if e == known {
			return e
		}
	}
	return EmotionNeutral
}

type Animation string

const (
	AnimationWave      Animation = "wave"
	AnimationNod       Animation = "nod"
	AnimationShake     Animation = "shake"
	AnimationThink     Animation = "think"
	AnimationClap      Animation = "clap"
	AnimationAngry     Animation = "angry"
	AnimationHappy     Animation = "happy"
	AnimationSurprised Animation = "surprised"
	AnimationShy       Animation = "shy"
	AnimationCheer     Animation = "cheer"
)

var Animations = []Animation{
	AnimationWave, AnimationNod, AnimationShake, AnimationThink, AnimationClap,
	AnimationAngry, AnimationHappy, AnimationSurprised, AnimationShy, AnimationCheer,
}

func ParseAnimation(s string) (Animation, error) {
	a := Animation(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Animations {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown animation %q", s)
}

func EmotionNames() []string {
	out := make([]string, len(Emotions))
	for i, e := range Emotions {
		out[i] = string(e)
	}
	return out
}

func AnimationNames() []string {
	out := make([]string, len(Animations))
	for i, a := range Animations {
		out[i] = string(a)
	}
	return out
}
