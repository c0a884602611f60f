package cli

import (
	"context"

	"github.com/m-mizutani/vibe/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// version is overwritten at build time
var version = "dev"

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:    "vibe",
		Usage:   "Live assistant that spots sales objections and suggests replies",
		Version: version,
		Commands: []*cli.Command{
			listenCommand(),
			historyCommand(),
			keyCommand(),
			detectCommand(),
			mcpCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
