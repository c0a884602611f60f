package session

import (
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/usecase/reply"
)

// State is a snapshot of everything the presentation layer renders
type State struct {
	Listening     bool
	Supported     bool
	APIKeyPresent bool

	LastObjection     *model.ObjectionRecord
	CurrentReply      string
	CurrentConfidence int
	Generating        bool
	// Pending is the objection text being requested, empty when idle
	Pending string
	// Preview is the live interim transcript
	Preview string

	// History is newest first
	History      []model.ObjectionRecord
	HistoryCount int
}

// Clone returns a deep copy so that snapshots handed out never alias session state
func (s State) Clone() State {
	if s.LastObjection != nil {
		rec := *s.LastObjection
		s.LastObjection = &rec
	}
	if s.History != nil {
		s.History = append([]model.ObjectionRecord(nil), s.History...)
	}
	return s
}

func (s State) withSlot(slot reply.Slot) State {
	s.LastObjection = slot.LastObjection
	s.CurrentReply = slot.Reply
	s.CurrentConfidence = slot.Confidence
	s.Generating = slot.Generating
	s.Pending = slot.Pending
	return s
}

func (s State) withHistory(records []model.ObjectionRecord) State {
	s.History = records
	s.HistoryCount = len(records)
	return s
}

func (s State) withListening(on bool) State {
	s.Listening = on
	if !on {
		s.Preview = ""
	}
	return s
}

func (s State) withPreview(text string) State {
	s.Preview = text
	return s
}

func (s State) withUnsupported() State {
	s.Supported = false
	return s.withListening(false)
}

func (s State) withCredential(present bool) State {
	s.APIKeyPresent = present
	return s
}
