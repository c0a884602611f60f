package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/service/transcript"
	"github.com/m-mizutani/vibe/pkg/usecase/session"
	"github.com/urfave/cli/v3"
)

func listenCommand() *cli.Command {
	var (
		cfg     config
		source  string
		wsURL   string
		wsToken string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "source",
			Aliases:     []string{"s"},
			Usage:       "Transcript source (interactive, stdin, websocket)",
			Value:       "interactive",
			Sources:     cli.EnvVars("VIBE_SOURCE"),
			Destination: &source,
		},
		&cli.StringFlag{
			Name:        "ws-url",
			Usage:       "WebSocket endpoint that streams transcript events",
			Sources:     cli.EnvVars("VIBE_WS_URL"),
			Destination: &wsURL,
		},
		&cli.StringFlag{
			Name:        "ws-token",
			Usage:       "Bearer token for the WebSocket endpoint",
			Sources:     cli.EnvVars("VIBE_WS_TOKEN"),
			Destination: &wsToken,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, detectFlags(&cfg)...)

	return &cli.Command{
		Name:  "listen",
		Usage: "Listen to a conversation and suggest replies to objections",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx)
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			if source == "interactive" {
				return runInteractive(ctx, &cfg, repo)
			}

			var rec interfaces.Recognizer
			switch source {
			case "stdin":
				rec = transcript.NewReader(os.Stdin)
			case "websocket":
				if wsURL == "" {
					return goerr.New("ws-url is required for the websocket source")
				}
				var opts []transcript.WebSocketOption
				if wsToken != "" {
					opts = append(opts, transcript.WithHeader("Authorization", "Bearer "+wsToken))
				}
				rec = transcript.NewWebSocket(wsURL, opts...)
			default:
				return goerr.New("unsupported source",
					goerr.V("source", source),
					goerr.V("supported", []string{"interactive", "stdin", "websocket"}))
			}

			out := c.Root().Writer
			r := newRenderer(out)
			sess, err := cfg.newSession(ctx, repo,
				session.WithRecognizer(rec),
				session.WithObserver(r.observe),
				session.WithNotifier(r.notice),
			)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.StartListening(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "Listening on %s. Press Ctrl-C to stop.\n", source)

			select {
			case <-ctx.Done():
			case <-r.ended:
			}
			return nil
		},
	}
}
