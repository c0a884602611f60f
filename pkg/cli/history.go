package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/usecase/history"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var cfg config

	listFlags := globalFlags(&cfg)
	replayFlags := append(globalFlags(&cfg), llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "history",
		Usage: "Show or manage recorded objections",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recent objections, newest first",
				Flags: listFlags,
				Action: func(ctx context.Context, c *cli.Command) error {
					ctx = cfg.withLogger(ctx)
					repo, closeRepo, err := cfg.newRepository(ctx)
					if err != nil {
						return err
					}
					defer closeRepo()

					store := history.New(repo)
					if err := store.Load(ctx); err != nil {
						return goerr.Wrap(err, "failed to load history")
					}
					printHistory(c.Root().Writer, store.List())
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "Delete all recorded objections",
				Flags: listFlags,
				Action: func(ctx context.Context, c *cli.Command) error {
					ctx = cfg.withLogger(ctx)
					repo, closeRepo, err := cfg.newRepository(ctx)
					if err != nil {
						return err
					}
					defer closeRepo()

					if err := history.New(repo).Clear(ctx); err != nil {
						return goerr.Wrap(err, "failed to clear history")
					}
					fmt.Fprintln(c.Root().Writer, "History cleared")
					return nil
				},
			},
			{
				Name:      "replay",
				Usage:     "Generate a new reply for a recorded objection",
				ArgsUsage: "<N>",
				Flags:     replayFlags,
				Action: func(ctx context.Context, c *cli.Command) error {
					ctx = cfg.withLogger(ctx)
					n, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return goerr.Wrap(err, "history entry number is required", goerr.V("arg", c.Args().First()))
					}

					repo, closeRepo, err := cfg.newRepository(ctx)
					if err != nil {
						return err
					}
					defer closeRepo()

					sess, err := cfg.newSession(ctx, repo)
					if err != nil {
						return err
					}
					defer sess.Close()

					records := sess.State().History
					if n < 1 || n > len(records) {
						return goerr.New("no such history entry", goerr.V("entry", n), goerr.V("count", len(records)))
					}
					if _, err := sess.Replay(ctx, records[n-1]); err != nil {
						return err
					}
					printReply(c.Root().Writer, sess.State())
					return nil
				},
			},
		},
	}
}
