package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func detectCommand() *cli.Command {
	var cfg config
	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Aliases:     []string{"l"},
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("VIBE_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
	}, detectFlags(&cfg)...)

	return &cli.Command{
		Name:      "detect",
		Usage:     "Check utterances for objection signals without generating replies",
		ArgsUsage: "[utterance...]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx)
			detector, err := cfg.newDetector()
			if err != nil {
				return err
			}

			check := func(text string) {
				mark := "-"
				if detector.Detect(text) {
					mark = "objection"
				}
				fmt.Fprintf(c.Root().Writer, "%s\t%s\n", mark, text)
			}

			if c.Args().Present() {
				check(strings.Join(c.Args().Slice(), " "))
				return nil
			}

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if line := strings.TrimSpace(scanner.Text()); line != "" {
					check(line)
				}
			}
			if err := scanner.Err(); err != nil {
				return goerr.Wrap(err, "failed to read utterances")
			}
			return nil
		},
	}
}
