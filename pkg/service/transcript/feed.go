package transcript

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
)

// Feed is a recognizer driven by its owner: the interactive prompt pushes typed
// lines into it, and tests use it to script recognizer behavior. Pushes made while
// the feed is not running are dropped.
type Feed struct {
	mu       sync.Mutex
	running  bool
	startErr error
	starts   int

	onResult func(model.TranscriptEvent)
	onError  func(error)
	onEnd    func()
}

var _ interfaces.Recognizer = (*Feed)(nil)

func NewFeed() *Feed {
	return &Feed{}
}

func (f *Feed) OnResult(fn func(model.TranscriptEvent)) { f.onResult = fn }
func (f *Feed) OnError(fn func(error))                  { f.onError = fn }
func (f *Feed) OnEnd(fn func())                         { f.onEnd = fn }

// FailStart makes subsequent Start calls return err. Pass nil to clear it.
func (f *Feed) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return goerr.New("feed is already running")
	}
	f.running = true
	return nil
}

// Stop ends the current run and reports OnEnd if it was running
func (f *Feed) Stop() error {
	f.End()
	return nil
}

// Starts returns how many times Start has been called
func (f *Feed) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Running reports whether the feed is between Start and its end
func (f *Feed) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Push delivers ev if the feed is running and reports whether it was delivered
func (f *Feed) Push(ev model.TranscriptEvent) bool {
	if !f.Running() {
		return false
	}
	if f.onResult != nil {
		f.onResult(ev)
	}
	return true
}

// Fail reports err through OnError
func (f *Feed) Fail(err error) {
	if f.onError != nil {
		f.onError(err)
	}
}

// End finishes the current run as if the engine had stopped on its own
func (f *Feed) End() {
	f.mu.Lock()
	wasRunning := f.running
	f.running = false
	f.mu.Unlock()

	if wasRunning && f.onEnd != nil {
		f.onEnd()
	}
}
