package reply

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/usecase/history"
	"github.com/m-mizutani/vibe/pkg/utils/logging"
)

// DefaultTimeout bounds one oracle call
const DefaultTimeout = 60 * time.Second

// Slot is the coordinator's view of the current objection and reply
type Slot struct {
	// LastObjection is the record of the most recent successful cycle
	LastObjection *model.ObjectionRecord
	Reply         string
	Confidence    int
	Generating    bool
	// Pending is the objection text being requested, empty when idle
	Pending string
}

// Coordinator runs classify-and-reply cycles against the oracle, at most one at a time
type Coordinator struct {
	oracle  interfaces.Oracle
	creds   interfaces.CredentialProvider
	history *history.Store
	timeout time.Duration
	now     func() time.Time

	// one-slot semaphore held for the whole cycle
	inflight chan struct{}

	mu       sync.Mutex
	slot     Slot
	onChange func(Slot)
}

type Option func(*Coordinator)

// WithCredentialProvider sets where the API key comes from. Without it the oracle is
// expected to authenticate on its own and the credential gate is skipped.
func WithCredentialProvider(p interfaces.CredentialProvider) Option {
	return func(c *Coordinator) {
		c.creds = p
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithOnChange registers a callback invoked with a copy of the slot after every
// change. It is called without internal locks held.
func WithOnChange(fn func(Slot)) Option {
	return func(c *Coordinator) {
		c.onChange = fn
	}
}

func New(oracle interfaces.Oracle, store *history.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		oracle:   oracle,
		history:  store,
		timeout:  DefaultTimeout,
		now:      time.Now,
		inflight: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Slot returns a copy of the current slot
func (c *Coordinator) Slot() Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySlot(c.slot)
}

// Handle requests a reply for a newly accepted objection. It waits until any cycle
// in flight has finished. The record is stamped with the time Handle was called.
//
// A non-nil result together with an error means the reply was published but the
// history could not be saved.
func (c *Coordinator) Handle(ctx context.Context, text string) (*model.ReplyResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, goerr.New("objection text is empty")
	}
	detectedAt := c.now().UTC()

	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, goerr.Wrap(ctx.Err(), "gave up waiting for the reply in flight", goerr.V("objection", text))
	}
	defer c.release()

	return c.run(ctx, text, func(ctx context.Context, res *model.ReplyResult) (model.ObjectionRecord, error) {
		rec := model.ObjectionRecord{
			Text:      text,
			Timestamp: detectedAt,
		}.WithResult(res)
		return rec, c.history.Add(ctx, rec)
	})
}

// Regenerate requests a new reply for the last objection. The stored record keeps
// its original timestamp and moves to the front of the history. It returns
// model.ErrBusy without any effect while a cycle is in flight.
func (c *Coordinator) Regenerate(ctx context.Context) (*model.ReplyResult, error) {
	if !c.tryAcquire() {
		return nil, goerr.Wrap(model.ErrBusy, "regenerate ignored")
	}
	defer c.release()

	c.mu.Lock()
	last := c.slot.LastObjection
	c.mu.Unlock()
	if last == nil {
		return nil, goerr.Wrap(model.ErrNoObjection, "regenerate ignored")
	}
	base := *last

	return c.run(ctx, base.Text, func(ctx context.Context, res *model.ReplyResult) (model.ObjectionRecord, error) {
		rec := base.WithResult(res)
		return rec, c.history.Add(ctx, rec)
	})
}

// Replay requests a new reply for a record picked from the history. On success the
// stored record with the same text is updated in place; if it has been evicted in the
// meantime nothing is re-added. It returns model.ErrBusy while a cycle is in flight.
func (c *Coordinator) Replay(ctx context.Context, rec model.ObjectionRecord) (*model.ReplyResult, error) {
	rec = rec.Normalize()
	if rec.Text == "" {
		return nil, goerr.New("objection text is empty")
	}
	if !c.tryAcquire() {
		return nil, goerr.Wrap(model.ErrBusy, "replay ignored", goerr.V("objection", rec.Text))
	}
	defer c.release()

	if stored, ok := c.history.Find(rec.Text); ok {
		rec = stored
	}

	return c.run(ctx, rec.Text, func(ctx context.Context, res *model.ReplyResult) (model.ObjectionRecord, error) {
		updated := rec.WithResult(res)
		found, err := c.history.Update(ctx, updated)
		if err == nil && !found {
			logging.From(ctx).Debug("replayed objection is no longer in history", "objection", rec.Text)
		}
		return updated, err
	})
}

// run executes one cycle. The caller must hold the in-flight slot. record builds the
// resulting record and saves it; it gets a context that outlives the caller's.
func (c *Coordinator) run(ctx context.Context, text string, record func(context.Context, *model.ReplyResult) (model.ObjectionRecord, error)) (*model.ReplyResult, error) {
	logger := logging.From(ctx)

	req, err := c.buildRequest(ctx, text)
	if err != nil {
		return nil, err
	}

	c.update(func(s *Slot) {
		s.Generating = true
		s.Pending = text
	})

	// Stopping the caller must not discard a reply that is already being generated
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	started := c.now()
	raw, err := c.oracle.Complete(octx, req)
	if err == nil && strings.TrimSpace(raw) == "" {
		err = goerr.Wrap(model.ErrEmptyReply, "oracle returned only whitespace")
	}
	if err != nil {
		c.update(func(s *Slot) {
			s.Generating = false
			s.Pending = ""
		})
		return nil, goerr.Wrap(err, "failed to generate reply", goerr.V("objection", text))
	}

	if verr := Conforms(raw); verr != nil {
		logger.Debug("oracle payload is not strictly structured", "error", verr)
	}
	res := Parse(raw)

	rec, saveErr := record(octx, res)
	rec = rec.Normalize()
	c.update(func(s *Slot) {
		s.LastObjection = &rec
		s.Reply = res.Reply
		s.Confidence = res.Confidence
		s.Generating = false
		s.Pending = ""
	})

	logger.Info("reply generated",
		"objection", text,
		"category", res.Category,
		"subcategory", res.Subcategory,
		"confidence", res.Confidence,
		"elapsed", c.now().Sub(started))

	if saveErr != nil {
		return res, goerr.Wrap(saveErr, "reply generated but history was not saved", goerr.V("objection", text))
	}
	return res, nil
}

func (c *Coordinator) buildRequest(ctx context.Context, text string) (*interfaces.OracleRequest, error) {
	var apiKey string
	if c.creds != nil {
		key, err := c.creds.Credential(ctx)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to get API credential")
		}
		if key == "" {
			return nil, goerr.Wrap(model.ErrMissingCredential, "reply not requested", goerr.V("objection", text))
		}
		apiKey = key
	}

	system, err := SystemPrompt()
	if err != nil {
		return nil, err
	}
	prompt, err := UserPrompt(text)
	if err != nil {
		return nil, err
	}

	return &interfaces.OracleRequest{
		APIKey: apiKey,
		System: system,
		Prompt: prompt,
		Schema: Schema(),
	}, nil
}

func (c *Coordinator) tryAcquire() bool {
	select {
	case c.inflight <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Coordinator) release() {
	<-c.inflight
}

func (c *Coordinator) update(fn func(*Slot)) {
	c.mu.Lock()
	fn(&c.slot)
	snapshot := copySlot(c.slot)
	c.mu.Unlock()

	if c.onChange != nil {
		c.onChange(snapshot)
	}
}

func copySlot(s Slot) Slot {
	if s.LastObjection != nil {
		rec := *s.LastObjection
		s.LastObjection = &rec
	}
	return s
}
