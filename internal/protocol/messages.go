package protocol

import "time"

// VowelCommand opens the mouth on a vowel. A nil Vowel closes it.
type VowelCommand struct {
	Vowel *string `json:"vowel"`
}

type EmotionCommand struct {
	Emotion string `json:"emotion"`
}

// SpeakNotice tells the renderer what is about to be said.
type SpeakNotice struct {
	Text    string `json:"text"`
	Emotion string `json:"emotion,omitempty"`
}

type AnimationCommand struct {
	Animation string `json:"animation"`
}

// AnimationFinished is reported by the renderer when a non-looping clip ends.
type AnimationFinished struct {
	Animation string    `json:"animation"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceAnnounce is published by a node when it joins the bus.
type PresenceAnnounce struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAvatarVowel     = "avatar.vowel"
	SubjectAvatarEmotion   = "avatar.emotion"
	SubjectAvatarSpeak     = "avatar.speak"
	SubjectAvatarAnimation = "avatar.animation"
	SubjectAvatarFinished  = "avatar.animation.finished"

	SubjectPresenceAnnounce        = "ctrl.node.announce"
	SubjectPresenceHeartbeatPrefix = "ctrl.node.heartbeat"

	RoleRenderer = "renderer"
	RoleSpeaker  = "speaker"
)
