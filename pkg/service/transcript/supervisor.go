package transcript

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/utils/logging"
)

// DefaultRestartDelay is how long the supervisor waits before re-arming a recognizer
// that ended while still listening
const DefaultRestartDelay = 100 * time.Millisecond

type EventKind int

const (
	// EventTranscript carries one transcript event
	EventTranscript EventKind = iota
	// EventRestart marks a recognizer restart boundary
	EventRestart
	// EventError carries a transient recognizer error
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventRestart:
		return "restart"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is what the supervisor hands to its consumer
type Event struct {
	Kind       EventKind
	Transcript model.TranscriptEvent
	Err        error
}

type signalKind int

const (
	signalResult signalKind = iota
	signalError
	signalEnd
)

type signal struct {
	kind  signalKind
	event model.TranscriptEvent
	err   error
}

// Supervisor keeps a recognizer running while listening. It re-arms the recognizer
// after it ends, and turns its callbacks into a clean, ordered event stream.
type Supervisor struct {
	rec   interfaces.Recognizer
	delay time.Duration

	mu     sync.Mutex
	queue  []signal
	notify chan struct{}
}

type SupervisorOption func(*Supervisor)

func WithRestartDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.delay = d
	}
}

// NewSupervisor registers its callbacks on rec. rec must not be shared.
func NewSupervisor(rec interfaces.Recognizer, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		rec:    rec,
		delay:  DefaultRestartDelay,
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	rec.OnResult(func(ev model.TranscriptEvent) {
		s.push(signal{kind: signalResult, event: ev})
	})
	rec.OnError(func(err error) {
		s.push(signal{kind: signalError, err: err})
	})
	rec.OnEnd(func() {
		s.push(signal{kind: signalEnd})
	})
	return s
}

// callbacks never block the recognizer
func (s *Supervisor) push(sig signal) {
	s.mu.Lock()
	s.queue = append(s.queue, sig)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Supervisor) drain() []signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// Run starts the recognizer and calls handle for every event, in delivery order, from
// the calling goroutine. It returns nil when ctx is cancelled, after stopping the
// recognizer; events not yet handled at that point are discarded. It returns an error
// wrapping model.ErrUnsupported or model.ErrSourceExhausted when the recognizer
// cannot go on.
func (s *Supervisor) Run(ctx context.Context, handle func(Event)) error {
	logger := logging.From(ctx)

	// leftovers of a previous run
	s.drain()

	var restart <-chan time.Time
	start := func() error {
		err := s.rec.Start(ctx)
		if err == nil {
			return nil
		}
		if isTerminal(err) {
			return goerr.Wrap(err, "failed to start recognizer")
		}
		logger.Warn("failed to start recognizer, will retry", "error", err)
		handle(Event{Kind: EventError, Err: err})
		restart = time.After(s.delay)
		return nil
	}

	if err := start(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.stop(ctx)
			return nil

		case <-restart:
			restart = nil
			if ctx.Err() != nil {
				continue
			}
			logger.Debug("restarting recognizer")
			handle(Event{Kind: EventRestart})
			if err := start(); err != nil {
				return err
			}

		case <-s.notify:
			for _, sig := range s.drain() {
				if ctx.Err() != nil {
					break
				}

				switch sig.kind {
				case signalResult:
					handle(Event{Kind: EventTranscript, Transcript: sig.event})

				case signalError:
					if isTerminal(sig.err) {
						s.stop(ctx)
						return goerr.Wrap(sig.err, "recognizer stopped")
					}
					logger.Warn("recognizer error", "error", sig.err)
					handle(Event{Kind: EventError, Err: sig.err})

				case signalEnd:
					if restart == nil {
						restart = time.After(s.delay)
					}
				}
			}
		}
	}
}

func (s *Supervisor) stop(ctx context.Context) {
	if err := s.rec.Stop(); err != nil {
		logging.From(ctx).Warn("failed to stop recognizer", "error", err)
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, model.ErrUnsupported) || errors.Is(err, model.ErrSourceExhausted)
}
