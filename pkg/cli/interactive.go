package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/repository"
	"github.com/m-mizutani/vibe/pkg/service/transcript"
	"github.com/m-mizutani/vibe/pkg/usecase/credential"
	"github.com/m-mizutani/vibe/pkg/usecase/session"
	"github.com/m-mizutani/vibe/pkg/utils/logging"
)

const interactiveHelp = `Type what the customer says and press Enter. Commands:
  /regenerate     another reply for the last objection
  /history        list recent objections
  /replay N       new reply for history entry N
  /clear          delete the history
  /key sk-...     store the API key
  /key clear      delete the stored API key
  /stop, /start   pause or resume listening
  /state          show the current status
  /help           show this help
  /quit           leave`

// runInteractive reads the conversation from the terminal. Typed lines are fed to the
// session as finalized transcript events; lines starting with "/" are commands.
func runInteractive(ctx context.Context, cfg *config, repo repository.Repository) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "› ",
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return goerr.Wrap(err, "failed to open terminal")
	}
	defer rl.Close()

	out := rl.Stdout()
	feed := transcript.NewFeed()
	r := newRenderer(out)
	sess, err := cfg.newSession(ctx, repo,
		session.WithRecognizer(feed),
		session.WithObserver(r.observe),
		session.WithNotifier(r.notice),
	)
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Fprintln(out, interactiveHelp)
	if err := sess.StartListening(ctx); err != nil {
		return err
	}

	// the feed does not number events; the segmenter needs increasing sequences
	var sequence int
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}
		if ctx.Err() != nil {
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			sequence++
			if !feed.Push(model.TranscriptEvent{Text: line, IsFinal: true, Sequence: sequence}) {
				fmt.Fprintln(out, "· not listening, type /start to resume")
			}
			continue
		}

		quit, err := runCommand(ctx, sess, out, line)
		if err != nil {
			logging.From(ctx).Debug("interactive command failed", "command", line, "error", err)
			fmt.Fprintf(out, "✗ %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func runCommand(ctx context.Context, sess *session.Session, out io.Writer, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(out, interactiveHelp)

	case "/regenerate", "/r":
		if _, err := sess.Regenerate(ctx); errors.Is(err, model.ErrBusy) {
			fmt.Fprintln(out, "· still generating, try again in a moment")
		}

	case "/history", "/h":
		printHistory(out, sess.State().History)

	case "/replay":
		if len(args) != 1 {
			return false, goerr.New("usage: /replay N")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, goerr.Wrap(err, "history entry must be a number", goerr.V("arg", args[0]))
		}
		records := sess.State().History
		if n < 1 || n > len(records) {
			return false, goerr.New("no such history entry", goerr.V("entry", n), goerr.V("count", len(records)))
		}
		if _, err := sess.Replay(ctx, records[n-1]); errors.Is(err, model.ErrBusy) {
			fmt.Fprintln(out, "· still generating, try again in a moment")
		}

	case "/clear":
		if err := sess.ClearHistory(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "· history cleared")

	case "/key":
		if len(args) != 1 {
			return false, goerr.New("usage: /key sk-... or /key clear")
		}
		if args[0] == "clear" {
			if err := sess.ClearCredential(ctx); err != nil {
				return false, err
			}
			fmt.Fprintln(out, "· API key removed")
			return false, nil
		}
		if err := sess.SetCredential(ctx, args[0]); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "· API key %s saved\n", credential.Mask(args[0]))

	case "/stop":
		sess.StopListening()
		fmt.Fprintln(out, "· listening paused")

	case "/start":
		if err := sess.StartListening(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "· listening")

	case "/state":
		printState(out, sess.State())

	default:
		return false, goerr.New("unknown command, type /help", goerr.V("command", name))
	}

	return false, nil
}

func printState(w io.Writer, st session.State) {
	fmt.Fprintf(w, "listening: %t  supported: %t  api key: %t  generating: %t  history: %d\n",
		st.Listening, st.Supported, st.APIKeyPresent, st.Generating, st.HistoryCount)
	if st.CurrentReply != "" {
		printReply(w, st)
	}
}
