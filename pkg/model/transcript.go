package model

import "encoding/json"

// TranscriptEvent is one partial or final piece delivered by the speech recognizer.
// Interim events carry the full interim string, not a delta.
type TranscriptEvent struct {
	Text     string `json:"text"`
	IsFinal  bool   `json:"is_final"`
	Sequence int    `json:"sequence"`
}

// UnmarshalJSON accepts both is_final and isFinal
func (e *TranscriptEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Text      string `json:"text"`
		IsFinal   *bool  `json:"is_final"`
		IsFinalJS *bool  `json:"isFinal"`
		Sequence  int    `json:"sequence"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Text = raw.Text
	e.Sequence = raw.Sequence
	e.IsFinal = false
	switch {
	case raw.IsFinal != nil:
		e.IsFinal = *raw.IsFinal
	case raw.IsFinalJS != nil:
		e.IsFinal = *raw.IsFinalJS
	}
	return nil
}

// Utterance is a finalized transcript segment
type Utterance struct {
	Text string
}
