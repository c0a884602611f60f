package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/usecase/credential"
	"github.com/urfave/cli/v3"
)

func keyCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	open := func(ctx context.Context) (*credential.Store, func(), error) {
		repo, closeRepo, err := cfg.newRepository(ctx)
		if err != nil {
			return nil, nil, err
		}
		return credential.New(repo), closeRepo, nil
	}

	return &cli.Command{
		Name:  "key",
		Usage: "Manage the stored API key",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store an API key (must start with sk-)",
				ArgsUsage: "<sk-...>",
				Flags:     flags,
				Action: func(ctx context.Context, c *cli.Command) error {
					ctx = cfg.withLogger(ctx)
					if c.Args().Len() != 1 {
						return goerr.New("exactly one API key is required")
					}
					store, closeRepo, err := open(ctx)
					if err != nil {
						return err
					}
					defer closeRepo()

					key := c.Args().First()
					if err := store.Set(ctx, key); err != nil {
						return err
					}
					fmt.Fprintf(c.Root().Writer, "API key %s saved\n", credential.Mask(key))
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "Delete the stored API key",
				Flags: flags,
				Action: func(ctx context.Context, c *cli.Command) error {
					ctx = cfg.withLogger(ctx)
					store, closeRepo, err := open(ctx)
					if err != nil {
						return err
					}
					defer closeRepo()

					if err := store.Clear(ctx); err != nil {
						return err
					}
					fmt.Fprintln(c.Root().Writer, "API key removed")
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Show whether an API key is stored",
				Flags: flags,
				Action: func(ctx context.Context, c *cli.Command) error {
					ctx = cfg.withLogger(ctx)
					store, closeRepo, err := open(ctx)
					if err != nil {
						return err
					}
					defer closeRepo()

					key, err := store.Credential(ctx)
					if err != nil {
						return err
					}
					if key == "" {
						fmt.Fprintln(c.Root().Writer, "No API key stored")
						return nil
					}
					fmt.Fprintf(c.Root().Writer, "API key %s\n", credential.Mask(key))
					return nil
				},
			},
		},
	}
}
