package segment

import (
	"strings"

	"github.com/m-mizutani/vibe/pkg/model"
)

// Segmenter turns the interim/final event stream of a recognizer into finalized
// utterances. It is not safe for concurrent use; the session intake loop owns it.
type Segmenter struct {
	preview    string
	previewSeq int
	hasPreview bool

	// sequence of the last final event in the current recognizer run
	lastFinalSeq int
	hasFinal     bool

	// text of the last emitted utterance, kept across restarts
	lastEmitted string
	// set by Restart, cleared by the first final event of the next run
	afterRestart bool
	// last final sequence of the run before the restart
	replayUpTo int
}

func New() *Segmenter {
	return &Segmenter{}
}

// OnChunk consumes one transcript event. For a final event with non-empty text it
// returns the utterance and true.
func (s *Segmenter) OnChunk(ev model.TranscriptEvent) (model.Utterance, bool) {
	if s.hasFinal && ev.Sequence <= s.lastFinalSeq {
		return model.Utterance{}, false
	}

	if !ev.IsFinal {
		if s.hasPreview && ev.Sequence < s.previewSeq {
			return model.Utterance{}, false
		}
		s.preview = ev.Text
		s.previewSeq = ev.Sequence
		s.hasPreview = true
		return model.Utterance{}, false
	}

	s.lastFinalSeq = ev.Sequence
	s.hasFinal = true
	s.clearPreview()

	replayed := s.afterRestart
	s.afterRestart = false

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return model.Utterance{}, false
	}
	// a repeat numbered past the previous run's last final is new speech
	if replayed && ev.Sequence <= s.replayUpTo && text == s.lastEmitted {
		return model.Utterance{}, false
	}

	s.lastEmitted = text
	return model.Utterance{Text: text}, true
}

// Restart marks a recognizer restart boundary. Sequence numbers of the new run start
// over, and the preview is rebuilt from the next interim event.
func (s *Segmenter) Restart() {
	s.clearPreview()
	s.afterRestart = s.lastEmitted != ""
	if s.hasFinal {
		s.replayUpTo = s.lastFinalSeq
	}
	s.hasFinal = false
	s.lastFinalSeq = 0
}

// Reset forgets everything, including the last emitted utterance
func (s *Segmenter) Reset() {
	*s = Segmenter{}
}

// Preview returns the live interim transcript
func (s *Segmenter) Preview() string {
	return s.preview
}

func (s *Segmenter) clearPreview() {
	s.preview = ""
	s.previewSeq = 0
	s.hasPreview = false
}
