package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/policy"
	"github.com/m-mizutani/vibe/pkg/repository"
	"github.com/m-mizutani/vibe/pkg/service/transcript"
	"github.com/m-mizutani/vibe/pkg/usecase/session"
)

const budgetReply = `{"reply":"I hear you. Let's look at the return you'd see in the first quarter.","confidence":9,"category":"Budget","subcategory":"Price"}`

type mockOracle struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	gate      chan struct{}
	started   chan struct{}
}

func newMockOracle(responses ...string) *mockOracle {
	return &mockOracle{
		responses: responses,
		started:   make(chan struct{}, 16),
	}
}

func (m *mockOracle) Complete(ctx context.Context, req *interfaces.OracleRequest) (string, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	gate := m.gate
	m.mu.Unlock()

	m.started <- struct{}{}
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < len(m.errs) && m.errs[idx] != nil {
		return "", m.errs[idx]
	}
	if idx >= len(m.responses) {
		return "", goerr.New("no response queued")
	}
	return m.responses[idx], nil
}

func (m *mockOracle) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []session.Notice
}

func (r *noticeRecorder) add(n session.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) list() []session.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Notice(nil), r.notices...)
}

func (r *noticeRecorder) count(kind session.NoticeKind) int {
	n := 0
	for _, notice := range r.list() {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fixture struct {
	sess    *session.Session
	feed    *transcript.Feed
	oracle  *mockOracle
	repo    *repository.Memory
	notices *noticeRecorder
}

func setup(t *testing.T, oracle *mockOracle, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{
		feed:    transcript.NewFeed(),
		oracle:  oracle,
		repo:    repository.NewMemory(),
		notices: &noticeRecorder{},
	}

	base := []session.Option{
		session.WithRecognizer(f.feed),
		session.WithRestartDelay(time.Millisecond),
		session.WithNotifier(f.notices.add),
	}
	sess, err := session.New(context.Background(), oracle, f.repo, append(base, opts...)...)
	gt.NoError(t, err)
	f.sess = sess
	t.Cleanup(sess.Close)
	return f
}

func (f *fixture) listen(t *testing.T) {
	t.Helper()
	gt.NoError(t, f.sess.StartListening(context.Background()))
	waitFor(t, f.feed.Running)
}

func (f *fixture) say(t *testing.T, text string) {
	t.Helper()
	gt.True(t, f.feed.Push(model.TranscriptEvent{Text: text, IsFinal: true}))
}

func TestScenarioFromTranscript(t *testing.T) {
	f := setup(t, newMockOracle(budgetReply), session.WithCredentialOverride("sk-test"))
	f.listen(t)

	f.say(t, "Is this too expensive for our budget?")
	waitFor(t, func() bool { return f.sess.State().HistoryCount == 1 })

	st := f.sess.State()
	gt.True(t, st.Listening)
	gt.False(t, st.Generating)
	gt.Equal(t, st.CurrentConfidence, 9)
	gt.S(t, st.CurrentReply).Contains("first quarter")
	gt.V(t, st.LastObjection).NotNil()
	gt.Equal(t, st.LastObjection.Text, "Is this too expensive for our budget?")
	gt.Equal(t, st.History[0].Category, model.CategoryBudget)
	gt.Equal(t, st.History[0].Confidence, 9)

	// persisted for the next session
	sess, err := session.New(context.Background(), newMockOracle(), f.repo)
	gt.NoError(t, err)
	gt.Equal(t, sess.State().HistoryCount, 1)
}

func TestNonObjectionIsIgnored(t *testing.T) {
	f := setup(t, newMockOracle(budgetReply), session.WithCredentialOverride("sk-test"))

	res, err := f.sess.HandleUtterance(context.Background(), "Sounds good to me.")
	gt.NoError(t, err)
	gt.True(t, res == nil)
	gt.Equal(t, f.oracle.Calls(), 0)

	res, err = f.sess.HandleUtterance(context.Background(), "   ")
	gt.NoError(t, err)
	gt.True(t, res == nil)
	gt.Equal(t, f.oracle.Calls(), 0)
}

func TestPreviewFollowsInterimText(t *testing.T) {
	f := setup(t, newMockOracle(), session.WithCredentialOverride("sk-test"))
	f.listen(t)

	gt.True(t, f.feed.Push(model.TranscriptEvent{Text: "we were", Sequence: 1}))
	gt.True(t, f.feed.Push(model.TranscriptEvent{Text: "we were thinking", Sequence: 2}))
	waitFor(t, func() bool { return f.sess.State().Preview == "we were thinking" })

	gt.True(t, f.feed.Push(model.TranscriptEvent{Text: "we were thinking of it.", IsFinal: true, Sequence: 3}))
	waitFor(t, func() bool { return f.sess.State().Preview == "" })
	gt.Equal(t, f.oracle.Calls(), 0)
}

func TestMissingCredential(t *testing.T) {
	f := setup(t, newMockOracle(budgetReply))

	_, err := f.sess.HandleUtterance(context.Background(), "Is this too expensive?")
	gt.True(t, errors.Is(err, model.ErrMissingCredential))
	gt.Equal(t, f.oracle.Calls(), 0)
	gt.Equal(t, f.notices.count(session.NoticeCredentialRequired), 1)

	st := f.sess.State()
	gt.False(t, st.APIKeyPresent)
	gt.Equal(t, st.HistoryCount, 0)
}

func TestWithoutCredentialGate(t *testing.T) {
	f := setup(t, newMockOracle(budgetReply), session.WithoutCredentialGate())

	res, err := f.sess.HandleUtterance(context.Background(), "Is this too expensive?")
	gt.NoError(t, err)
	gt.Equal(t, res.Category, model.CategoryBudget)
}

func TestInvalidCredentialOverride(t *testing.T) {
	_, err := session.New(context.Background(), newMockOracle(), repository.NewMemory(),
		session.WithCredentialOverride("bogus-token"))
	gt.True(t, errors.Is(err, model.ErrInvalidCredential))
}

func TestCredentialLifecycle(t *testing.T) {
	f := setup(t, newMockOracle())
	ctx := context.Background()

	err := f.sess.SetCredential(ctx, "not-a-key")
	gt.True(t, errors.Is(err, model.ErrInvalidCredential))
	gt.False(t, f.sess.State().APIKeyPresent)

	gt.NoError(t, f.sess.SetCredential(ctx, "  sk-abcdef  "))
	gt.True(t, f.sess.State().APIKeyPresent)

	gt.NoError(t, f.sess.ClearCredential(ctx))
	gt.False(t, f.sess.State().APIKeyPresent)
}

func TestLateReplyAfterStopIsApplied(t *testing.T) {
	oracle := newMockOracle(budgetReply)
	oracle.gate = make(chan struct{})
	f := setup(t, oracle, session.WithCredentialOverride("sk-test"))
	f.listen(t)

	f.say(t, "Is this too expensive for our budget?")
	<-oracle.started
	waitFor(t, func() bool { return f.sess.State().Generating })
	gt.Equal(t, f.sess.State().Pending, "Is this too expensive for our budget?")

	f.sess.StopListening()
	gt.False(t, f.sess.State().Listening)

	close(oracle.gate)
	waitFor(t, func() bool { return f.sess.State().HistoryCount == 1 })

	st := f.sess.State()
	gt.False(t, st.Listening)
	gt.False(t, st.Generating)
	gt.Equal(t, st.CurrentConfidence, 9)
}

func TestStartStopIdempotent(t *testing.T) {
	f := setup(t, newMockOracle())
	ctx := context.Background()

	gt.NoError(t, f.sess.StartListening(ctx))
	gt.NoError(t, f.sess.StartListening(ctx))
	waitFor(t, f.feed.Running)
	gt.Equal(t, f.feed.Starts(), 1)

	f.sess.StopListening()
	f.sess.StopListening()
	gt.False(t, f.sess.State().Listening)
	waitFor(t, func() bool { return !f.feed.Running() })

	// listening again after a stop
	f.listen(t)
	gt.True(t, f.sess.State().Listening)
}

func TestRecognizerRestartsAfterEnd(t *testing.T) {
	f := setup(t, newMockOracle(budgetReply), session.WithCredentialOverride("sk-test"))
	f.listen(t)

	f.feed.End()
	waitFor(t, func() bool { return f.feed.Starts() >= 2 && f.feed.Running() })
	gt.True(t, f.sess.State().Listening)

	f.say(t, "Is this too expensive for our budget?")
	waitFor(t, func() bool { return f.sess.State().HistoryCount == 1 })
}

func TestUnsupportedSource(t *testing.T) {
	f := setup(t, newMockOracle())
	f.feed.FailStart(goerr.Wrap(model.ErrUnsupported, "no speech engine"))

	gt.NoError(t, f.sess.StartListening(context.Background()))
	waitFor(t, func() bool { return !f.sess.State().Supported })

	st := f.sess.State()
	gt.False(t, st.Listening)
	gt.Equal(t, f.notices.count(session.NoticeUnsupported), 1)

	err := f.sess.StartListening(context.Background())
	gt.True(t, errors.Is(err, model.ErrUnsupported))
	gt.Equal(t, f.notices.count(session.NoticeUnsupported), 1)
	gt.Equal(t, f.feed.Starts(), 1)
}

func TestNoRecognizer(t *testing.T) {
	sess, err := session.New(context.Background(), newMockOracle(), repository.NewMemory())
	gt.NoError(t, err)
	defer sess.Close()

	gt.False(t, sess.State().Supported)
	gt.True(t, errors.Is(sess.StartListening(context.Background()), model.ErrUnsupported))
}

func TestSourceExhaustedStopsListening(t *testing.T) {
	f := setup(t, newMockOracle())
	f.listen(t)

	f.feed.Fail(goerr.Wrap(model.ErrSourceExhausted, "end of input"))
	waitFor(t, func() bool { return !f.sess.State().Listening })
	gt.True(t, f.sess.State().Supported)
}

func TestTransientErrorBecomesNotice(t *testing.T) {
	f := setup(t, newMockOracle())
	f.listen(t)

	f.feed.Fail(goerr.New("network hiccup"))
	waitFor(t, func() bool { return len(f.notices.list()) == 1 })

	st := f.sess.State()
	gt.True(t, st.Listening)
	gt.True(t, st.Supported)
}

func TestTransportFailure(t *testing.T) {
	oracle := newMockOracle(budgetReply, "")
	oracle.errs = []error{nil, goerr.New("502 bad gateway")}
	f := setup(t, oracle, session.WithCredentialOverride("sk-test"))
	ctx := context.Background()

	_, err := f.sess.HandleUtterance(ctx, "Is this too expensive for our budget?")
	gt.NoError(t, err)

	_, err = f.sess.HandleUtterance(ctx, "I'm not sure the timing works.")
	gt.Error(t, err)

	st := f.sess.State()
	gt.False(t, st.Generating)
	gt.Equal(t, st.CurrentConfidence, 9)
	gt.Equal(t, st.HistoryCount, 1)
	gt.Equal(t, st.LastObjection.Text, "Is this too expensive for our budget?")
	gt.A(t, f.notices.list()).Length(1)
}

func TestRegenerateAndReplay(t *testing.T) {
	oracle := newMockOracle(
		budgetReply,
		`{"reply":"Timing is fair to raise.","confidence":6,"category":"Timing","subcategory":"Quarter end"}`,
		`{"reply":"Another angle on price.","confidence":7,"category":"Budget","subcategory":"Discount"}`,
		`{"reply":"Revisited.","confidence":8,"category":"Budget","subcategory":"Price"}`,
	)
	f := setup(t, oracle, session.WithCredentialOverride("sk-test"))
	ctx := context.Background()

	_, err := f.sess.Regenerate(ctx)
	gt.True(t, errors.Is(err, model.ErrNoObjection))

	_, err = f.sess.HandleUtterance(ctx, "Is this too expensive for our budget?")
	gt.NoError(t, err)
	_, err = f.sess.HandleUtterance(ctx, "I'm not sure the timing works.")
	gt.NoError(t, err)

	res, err := f.sess.Regenerate(ctx)
	gt.NoError(t, err)
	gt.Equal(t, res.Subcategory, "Discount")
	st := f.sess.State()
	gt.Equal(t, st.HistoryCount, 2)
	gt.Equal(t, st.History[0].Text, "I'm not sure the timing works.")
	gt.Equal(t, st.History[0].Category, model.CategoryBudget)

	res, err = f.sess.Replay(ctx, st.History[1])
	gt.NoError(t, err)
	gt.Equal(t, res.Reply, "Revisited.")

	st = f.sess.State()
	gt.Equal(t, st.CurrentReply, "Revisited.")
	gt.Equal(t, st.LastObjection.Text, "Is this too expensive for our budget?")
	// updated in place
	gt.Equal(t, st.History[1].Text, "Is this too expensive for our budget?")
	gt.Equal(t, st.History[1].Confidence, 8)
}

func TestClearHistory(t *testing.T) {
	f := setup(t, newMockOracle(budgetReply), session.WithCredentialOverride("sk-test"))
	ctx := context.Background()

	_, err := f.sess.HandleUtterance(ctx, "Is this too expensive for our budget?")
	gt.NoError(t, err)
	gt.NoError(t, f.sess.ClearHistory(ctx))

	st := f.sess.State()
	gt.Equal(t, st.HistoryCount, 0)
	gt.A(t, st.History).Length(0)
	// the current slot is independent of history membership
	gt.Equal(t, st.CurrentConfidence, 9)

	data, err := f.repo.GetBlob(ctx, repository.KeyHistory)
	gt.NoError(t, err)
	gt.Equal(t, string(data), "[]")
}

func TestPolicyRejects(t *testing.T) {
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "objection.rego"), []byte(`package objection

default accept := true

accept := false if {
	startswith(lower(input.text), "thanks")
}
`), 0600))
	p, err := policy.Load(context.Background(), dir)
	gt.NoError(t, err)

	f := setup(t, newMockOracle(budgetReply), session.WithCredentialOverride("sk-test"), session.WithPolicy(p))
	ctx := context.Background()

	res, err := f.sess.HandleUtterance(ctx, "Thanks, but we're good?")
	gt.NoError(t, err)
	gt.True(t, res == nil)
	gt.Equal(t, f.oracle.Calls(), 0)

	res, err = f.sess.HandleUtterance(ctx, "Is this too expensive for our budget?")
	gt.NoError(t, err)
	gt.Equal(t, res.Confidence, 9)
}

func TestObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []session.State
	f := setup(t, newMockOracle(budgetReply),
		session.WithCredentialOverride("sk-test"),
		session.WithObserver(func(st session.State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, st)
		}),
	)

	_, err := f.sess.HandleUtterance(context.Background(), "Is this too expensive for our budget?")
	gt.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	gt.A(t, states).Length(2)
	gt.True(t, states[0].Generating)
	gt.Equal(t, states[0].CurrentReply, "")
	gt.False(t, states[1].Generating)
	gt.Equal(t, states[1].HistoryCount, 1)
}
