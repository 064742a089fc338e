package speech

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Mora is one phonetic unit of an accent phrase. Only Vowel is used for
// lip-sync; consonant and vowel lengths are carried but ignored.
type Mora struct {
	Text            string   `json:"text"`
	Consonant       *string  `json:"consonant,omitempty"`
	ConsonantLength *float64 `json:"consonant_length,omitempty"`
	Vowel           string   `json:"vowel"`
	VowelLength     float64  `json:"vowel_length"`
	Pitch           float64  `json:"pitch"`
}

type AccentPhrase struct {
	Moras []Mora `json:"moras"`
}

// AudioQuery is the backend's phonetic breakdown of a text. The runtime reads
// a few fields and sends the original document back to the synthesis endpoint
// unchanged, so fields this type does not model are never lost.
type AudioQuery struct {
	AccentPhrases      []AccentPhrase `json:"accent_phrases"`
	OutputSamplingRate int            `json:"outputSamplingRate"`
	OutputStereo       bool           `json:"outputStereo"`

	raw json.RawMessage
}

func (q *AudioQuery) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	type plain AudioQuery
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*q = AudioQuery(p)
	q.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (q AudioQuery) MarshalJSON() ([]byte, error) {
	if len(q.raw) > 0 {
		return q.raw, nil
	}
	type plain AudioQuery
	return json.Marshal(plain(q))
}

// Moras flattens the accent phrases in phrase order, then in-phrase order.
func (q AudioQuery) Moras() []Mora {
	var out []Mora
	for _, phrase := range q.AccentPhrases {
		out = append(out, phrase.Moras...)
	}
	return out
}

// Channels returns 2 for stereo output and 1 otherwise.
func (q AudioQuery) Channels() int {
	if q.OutputStereo {
		return 2
	}
	return 1
}

// ParseAudioQuery decodes a backend response body.
func ParseAudioQuery(data []byte) (AudioQuery, error) {
	var q AudioQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return AudioQuery{}, err
	}
	if q.raw == nil {
		return AudioQuery{}, errors.New("audio query is empty")
	}
	return q, nil
}
