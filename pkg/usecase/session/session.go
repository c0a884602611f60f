package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/policy"
	"github.com/m-mizutani/vibe/pkg/repository"
	"github.com/m-mizutani/vibe/pkg/service/transcript"
	"github.com/m-mizutani/vibe/pkg/usecase/credential"
	"github.com/m-mizutani/vibe/pkg/usecase/detect"
	"github.com/m-mizutani/vibe/pkg/usecase/history"
	"github.com/m-mizutani/vibe/pkg/usecase/reply"
	"github.com/m-mizutani/vibe/pkg/usecase/segment"
	"github.com/m-mizutani/vibe/pkg/utils/logging"
)

// Session composes the pipeline: transcript intake, segmentation, detection, the
// optional accept policy, reply generation and the persisted history.
type Session struct {
	id string

	coord     *reply.Coordinator
	history   *history.Store
	creds     *credential.Store
	detector  *detect.Detector
	policy    *policy.Policy
	segmenter *segment.Segmenter
	sup       *transcript.Supervisor

	observers []func(State)
	notifiers []func(Notice)

	// emitMu keeps observer calls in the order of the transitions
	emitMu sync.Mutex
	mu     sync.Mutex
	state  State

	// intake loop of the current listening run, nil when stopped
	cancel context.CancelFunc
	done   chan struct{}
	// closed when the most recent intake loop has returned
	last chan struct{}
}

type options struct {
	recognizer   interfaces.Recognizer
	restartDelay time.Duration
	detector     *detect.Detector
	policy       *policy.Policy
	override     string
	noGate       bool
	capacity     int
	replyOptions []reply.Option
	observers    []func(State)
	notifiers    []func(Notice)
}

type Option func(*options)

// WithRecognizer sets the transcript source. Without it listening is unsupported.
func WithRecognizer(rec interfaces.Recognizer) Option {
	return func(o *options) {
		o.recognizer = rec
	}
}

func WithRestartDelay(d time.Duration) Option {
	return func(o *options) {
		o.restartDelay = d
	}
}

func WithDetector(d *detect.Detector) Option {
	return func(o *options) {
		o.detector = d
	}
}

// WithPolicy sets an accept policy consulted for every detected objection
func WithPolicy(p *policy.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithCredentialOverride supplies an API key that takes precedence over the stored one
func WithCredentialOverride(key string) Option {
	return func(o *options) {
		o.override = key
	}
}

// WithoutCredentialGate is for oracles that authenticate on their own
func WithoutCredentialGate() Option {
	return func(o *options) {
		o.noGate = true
	}
}

func WithHistoryCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

func WithReplyOptions(opts ...reply.Option) Option {
	return func(o *options) {
		o.replyOptions = append(o.replyOptions, opts...)
	}
}

// WithObserver registers fn to receive every state change. fn must not call methods
// that change the session.
func WithObserver(fn func(State)) Option {
	return func(o *options) {
		o.observers = append(o.observers, fn)
	}
}

func WithNotifier(fn func(Notice)) Option {
	return func(o *options) {
		o.notifiers = append(o.notifiers, fn)
	}
}

// New builds a session and loads the persisted history and credential state
func New(ctx context.Context, oracle interfaces.Oracle, repo repository.Repository, opts ...Option) (*Session, error) {
	o := &options{
		restartDelay: transcript.DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Session{
		id:        uuid.NewString(),
		detector:  o.detector,
		policy:    o.policy,
		segmenter: segment.New(),
		observers: o.observers,
		notifiers: o.notifiers,
	}
	if s.detector == nil {
		s.detector = detect.New()
	}
	ctx = s.withLogger(ctx)

	var historyOpts []history.Option
	if o.capacity > 0 {
		historyOpts = append(historyOpts, history.WithCapacity(o.capacity))
	}
	s.history = history.New(repo, historyOpts...)
	if err := s.history.Load(ctx); err != nil {
		return nil, goerr.Wrap(err, "failed to load objection history")
	}

	var credOpts []credential.Option
	if o.override != "" {
		credOpts = append(credOpts, credential.WithOverride(o.override))
	}
	s.creds = credential.New(repo, credOpts...)
	present, err := s.creds.Present(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read API credential")
	}

	replyOpts := []reply.Option{
		reply.WithOnChange(func(slot reply.Slot) {
			records := s.history.List()
			s.apply(func(st State) State {
				return st.withSlot(slot).withHistory(records)
			})
		}),
	}
	if !o.noGate {
		replyOpts = append(replyOpts, reply.WithCredentialProvider(s.creds))
	}
	replyOpts = append(replyOpts, o.replyOptions...)
	s.coord = reply.New(oracle, s.history, replyOpts...)

	if o.recognizer != nil {
		s.sup = transcript.NewSupervisor(o.recognizer, transcript.WithRestartDelay(o.restartDelay))
	}

	s.state = State{
		Supported:     s.sup != nil,
		APIKeyPresent: present,
	}.withHistory(s.history.List())

	logging.From(ctx).Debug("session created",
		"history", s.state.HistoryCount,
		"api_key_present", present,
		"policy", s.policy != nil)

	return s, nil
}

// ID identifies the session in logs
func (s *Session) ID() string {
	return s.id
}

// State returns a snapshot of the session
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// StartListening starts the intake loop. It does nothing if already listening and
// fails with model.ErrUnsupported when the transcript source can not be used. If a
// previous run is still finishing its last reply, it waits for that first.
func (s *Session) StartListening(ctx context.Context) error {
	ctx = s.withLogger(ctx)

	s.mu.Lock()
	supported := s.state.Supported && s.sup != nil
	s.mu.Unlock()
	if !supported {
		return goerr.Wrap(model.ErrUnsupported, "listening is not available")
	}

	// a stopped run may still be inside the supervisor
	for {
		s.mu.Lock()
		if s.cancel != nil {
			s.mu.Unlock()
			return nil
		}
		prev := s.last
		if prev != nil {
			select {
			case <-prev:
				prev = nil
			default:
			}
		}
		if prev == nil {
			break
		}
		s.mu.Unlock()

		select {
		case <-prev:
		case <-ctx.Done():
			return goerr.Wrap(ctx.Err(), "gave up waiting for the previous listening run")
		}
	}

	ictx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.last = done
	s.segmenter.Reset()
	s.mu.Unlock()

	s.apply(func(st State) State {
		return st.withListening(true).withPreview("")
	})
	logging.From(ctx).Info("listening started")

	go func() {
		defer close(done)
		err := s.sup.Run(ictx, func(ev transcript.Event) {
			s.onEvent(ictx, ev)
		})
		s.finishListening(ictx, done, err)
	}()

	return nil
}

// StopListening halts intake. A reply already being generated is still applied.
func (s *Session) StopListening() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.apply(func(st State) State {
		return st.withListening(false)
	})
}

// Close stops listening and waits for the intake loop to return
func (s *Session) Close() {
	s.StopListening()

	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil {
		<-last
	}
}

func (s *Session) finishListening(ctx context.Context, done chan struct{}, err error) {
	logger := logging.From(ctx)

	s.mu.Lock()
	current := s.done == done
	if current {
		s.cancel()
		s.cancel = nil
		s.done = nil
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		logger.Info("listening stopped")

	case errors.Is(err, model.ErrUnsupported):
		logger.Warn("transcript source is unsupported", "error", err)
		s.apply(func(st State) State {
			return st.withUnsupported()
		})
		s.notify(Notice{
			Level:   slog.LevelError,
			Kind:    NoticeUnsupported,
			Message: "speech recognition is not supported by this transcript source",
			Err:     err,
		})
		return

	case errors.Is(err, model.ErrSourceExhausted):
		logger.Info("transcript source exhausted")
		s.notify(Notice{
			Level:   slog.LevelInfo,
			Message: "transcript source has ended",
		})

	default:
		logger.Error("listening stopped by error", "error", err)
		s.notify(Notice{
			Level:   slog.LevelError,
			Message: "listening stopped",
			Err:     err,
		})
	}

	if current {
		s.apply(func(st State) State {
			return st.withListening(false)
		})
	}
}

// onEvent runs on the intake goroutine only
func (s *Session) onEvent(ctx context.Context, ev transcript.Event) {
	switch ev.Kind {
	case transcript.EventTranscript:
		utt, ok := s.segmenter.OnChunk(ev.Transcript)
		preview := s.segmenter.Preview()
		s.apply(func(st State) State {
			return st.withPreview(preview)
		})
		if ok {
			// errors are already reported as notices
			_, _ = s.handleUtterance(ctx, utt.Text)
		}

	case transcript.EventRestart:
		s.segmenter.Restart()
		s.apply(func(st State) State {
			return st.withPreview("")
		})

	case transcript.EventError:
		s.notify(Notice{
			Level:   slog.LevelWarn,
			Message: "speech recognition error, retrying",
			Err:     ev.Err,
		})
	}
}

// HandleUtterance runs one finalized utterance through detection, the accept policy
// and reply generation. It returns nil without error when the utterance is not
// treated as an objection.
func (s *Session) HandleUtterance(ctx context.Context, text string) (*model.ReplyResult, error) {
	return s.handleUtterance(s.withLogger(ctx), text)
}

func (s *Session) handleUtterance(ctx context.Context, text string) (*model.ReplyResult, error) {
	logger := logging.From(ctx)

	text = strings.TrimSpace(text)
	if !s.detector.Detect(text) {
		logger.Debug("utterance is not an objection", "utterance", text)
		return nil, nil
	}

	decision, err := s.policy.Evaluate(ctx, policy.Input{
		Text:    text,
		History: s.history.List(),
	})
	if err != nil {
		logger.Warn("accept policy failed, accepting objection", "error", err)
		s.notify(Notice{
			Level:   slog.LevelWarn,
			Message: "accept policy failed",
			Err:     err,
		})
	} else if !decision.Accept {
		logger.Debug("objection rejected by policy", "utterance", text, "reason", decision.Reason)
		return nil, nil
	}

	logger.Info("objection detected", "utterance", text)
	res, err := s.coord.Handle(ctx, text)
	s.report(ctx, res, err)
	return res, err
}

// Regenerate asks for a new reply to the last objection
func (s *Session) Regenerate(ctx context.Context) (*model.ReplyResult, error) {
	ctx = s.withLogger(ctx)
	res, err := s.coord.Regenerate(ctx)
	s.report(ctx, res, err)
	return res, err
}

// Replay asks for a new reply to a record from the history
func (s *Session) Replay(ctx context.Context, rec model.ObjectionRecord) (*model.ReplyResult, error) {
	ctx = s.withLogger(ctx)
	res, err := s.coord.Replay(ctx, rec)
	s.report(ctx, res, err)
	return res, err
}

func (s *Session) ClearHistory(ctx context.Context) error {
	ctx = s.withLogger(ctx)
	if err := s.history.Clear(ctx); err != nil {
		return err
	}
	s.apply(func(st State) State {
		return st.withHistory(nil)
	})
	logging.From(ctx).Info("history cleared")
	return nil
}

// SetCredential validates and stores an API key
func (s *Session) SetCredential(ctx context.Context, key string) error {
	ctx = s.withLogger(ctx)
	if err := s.creds.Set(ctx, key); err != nil {
		return err
	}
	return s.refreshCredential(ctx)
}

func (s *Session) ClearCredential(ctx context.Context) error {
	ctx = s.withLogger(ctx)
	if err := s.creds.Clear(ctx); err != nil {
		return err
	}
	return s.refreshCredential(ctx)
}

func (s *Session) refreshCredential(ctx context.Context) error {
	present, err := s.creds.Present(ctx)
	if err != nil {
		return err
	}
	s.apply(func(st State) State {
		return st.withCredential(present)
	})
	return nil
}

// report turns a coordinator outcome into notices
func (s *Session) report(ctx context.Context, res *model.ReplyResult, err error) {
	logger := logging.From(ctx)

	switch {
	case err == nil:
		return

	case errors.Is(err, model.ErrBusy):
		logger.Debug("request ignored while generating", "error", err)

	case errors.Is(err, model.ErrMissingCredential):
		s.notify(Notice{
			Level:   slog.LevelError,
			Kind:    NoticeCredentialRequired,
			Message: "an API key is required to generate replies",
			Err:     err,
		})

	case errors.Is(err, model.ErrNoObjection):
		s.notify(Notice{
			Level:   slog.LevelInfo,
			Message: "there is no objection to regenerate yet",
			Err:     err,
		})

	case res != nil:
		logger.Warn("reply shown but history was not saved", "error", err)
		s.notify(Notice{
			Level:   slog.LevelWarn,
			Kind:    NoticeHistoryNotSaved,
			Message: "reply generated but the history could not be saved",
			Err:     err,
		})

	case errors.Is(err, context.Canceled):
		logger.Debug("request abandoned", "error", err)

	default:
		logger.Error("failed to generate reply", "error", err)
		s.notify(Notice{
			Level:   slog.LevelError,
			Message: "failed to generate a reply",
			Err:     err,
		})
	}
}

func (s *Session) apply(fn func(State) State) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.state = fn(s.state)
	snapshot := s.state.Clone()
	s.mu.Unlock()

	for _, obs := range s.observers {
		obs(snapshot.Clone())
	}
}

func (s *Session) notify(n Notice) {
	for _, fn := range s.notifiers {
		fn(n)
	}
}

func (s *Session) withLogger(ctx context.Context) context.Context {
	return logging.With(ctx, logging.From(ctx).With("session_id", s.id))
}
