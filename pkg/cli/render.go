package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/usecase/session"
)

// renderer prints session changes as they happen. It is registered as the session
// observer and notifier.
type renderer struct {
	w    io.Writer
	spin *spinner.Spinner

	mu   sync.Mutex
	prev session.State
	// receives once per listening run that ended
	ended chan struct{}
}

func newRenderer(w io.Writer) *renderer {
	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	return &renderer{
		w:     w,
		spin:  spin,
		ended: make(chan struct{}, 1),
	}
}

func (r *renderer) observe(st session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.prev
	r.prev = st

	if st.Generating && !prev.Generating {
		r.spin.Suffix = fmt.Sprintf(" replying to %q", st.Pending)
		r.spin.Start()
	}
	if !st.Generating && prev.Generating {
		r.spin.Stop()
	}

	if st.CurrentReply != "" && (st.CurrentReply != prev.CurrentReply || !sameRecord(st.LastObjection, prev.LastObjection)) {
		printReply(r.w, st)
	}

	if prev.Listening && !st.Listening {
		select {
		case r.ended <- struct{}{}:
		default:
		}
	}
}

func (r *renderer) notice(n session.Notice) {
	prefix := "!"
	switch {
	case n.Level >= slog.LevelError:
		prefix = "✗"
	case n.Level <= slog.LevelInfo:
		prefix = "·"
	}

	msg := n.Message
	if n.Kind == session.NoticeCredentialRequired {
		msg += " (run `vibe key set sk-...` or type `/key sk-...`)"
	}
	if n.Err != nil && n.Level >= slog.LevelWarn {
		msg += ": " + n.Err.Error()
	}
	fmt.Fprintf(r.w, "%s %s\n", prefix, msg)
}

func sameRecord(a, b *model.ObjectionRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Text == b.Text && a.Category == b.Category && a.Subcategory == b.Subcategory && a.Confidence == b.Confidence
}

func printReply(w io.Writer, st session.State) {
	if st.LastObjection != nil {
		rec := st.LastObjection
		label := string(rec.Category)
		if rec.Subcategory != "" {
			label += " / " + rec.Subcategory
		}
		fmt.Fprintf(w, "\n[%s] confidence %d/%d\n", label, st.CurrentConfidence, model.MaxConfidence)
		fmt.Fprintf(w, "  customer: %q\n", rec.Text)
	}
	fmt.Fprintf(w, "  reply:    %s\n\n", st.CurrentReply)
}

func printHistory(w io.Writer, records []model.ObjectionRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No objections recorded")
		return
	}
	for i, rec := range records {
		fmt.Fprintf(w, "%2d  %s  %-10s %2d/%d  %s\n",
			i+1,
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			rec.Category,
			rec.Confidence,
			model.MaxConfidence,
			rec.Text,
		)
	}
}
