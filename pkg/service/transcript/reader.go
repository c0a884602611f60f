package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
)

// Reader is a recognizer over a line-oriented stream such as stdin or a file. Each
// line is either a JSON TranscriptEvent or plain text, which becomes a final event.
// At the end of input it reports model.ErrSourceExhausted.
type Reader struct {
	src  io.Reader
	once sync.Once

	mu        sync.Mutex
	running   bool
	exhausted bool
	sequence  int

	onResult func(model.TranscriptEvent)
	onError  func(error)
	onEnd    func()
}

var _ interfaces.Recognizer = (*Reader)(nil)

func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

func (r *Reader) OnResult(fn func(model.TranscriptEvent)) { r.onResult = fn }
func (r *Reader) OnError(fn func(error))                  { r.onError = fn }
func (r *Reader) OnEnd(fn func())                         { r.onEnd = fn }

// Start resumes delivery. The underlying stream is read by a single goroutine for the
// lifetime of the Reader; lines read while stopped are dropped.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.exhausted {
		r.mu.Unlock()
		return goerr.Wrap(model.ErrSourceExhausted, "transcript input already consumed")
	}
	r.running = true
	r.mu.Unlock()

	r.once.Do(func() {
		go r.pump()
	})
	return nil
}

func (r *Reader) Stop() error {
	r.mu.Lock()
	wasRunning := r.running
	r.running = false
	r.mu.Unlock()

	if wasRunning && r.onEnd != nil {
		r.onEnd()
	}
	return nil
}

func (r *Reader) pump() {
	scanner := bufio.NewScanner(r.src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ev, err := r.parse(line)
		if err != nil {
			r.emitError(err)
			continue
		}
		r.emit(ev)
	}

	r.mu.Lock()
	r.exhausted = true
	r.mu.Unlock()

	if err := scanner.Err(); err != nil {
		r.emitError(goerr.Wrap(model.ErrSourceExhausted, "failed to read transcript input", goerr.V("cause", err.Error())))
	} else {
		r.emitError(goerr.Wrap(model.ErrSourceExhausted, "end of transcript input"))
	}
	r.Stop()
}

func (r *Reader) parse(line string) (model.TranscriptEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.HasPrefix(line, "{") {
		var ev model.TranscriptEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return model.TranscriptEvent{}, goerr.Wrap(err, "invalid transcript event", goerr.V("line", line))
		}
		if ev.Sequence == 0 {
			r.sequence++
			ev.Sequence = r.sequence
		} else {
			r.sequence = ev.Sequence
		}
		return ev, nil
	}

	r.sequence++
	return model.TranscriptEvent{Text: line, IsFinal: true, Sequence: r.sequence}, nil
}

func (r *Reader) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reader) emit(ev model.TranscriptEvent) {
	if r.active() && r.onResult != nil {
		r.onResult(ev)
	}
}

func (r *Reader) emitError(err error) {
	if r.active() && r.onError != nil {
		r.onError(err)
	}
}
