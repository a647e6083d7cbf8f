// Package cli implements the agent-controlplane command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Run dispatches args to a subcommand. stdout receives command output;
// stderr receives logs.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stdout)
		return nil
	}

	switch strings.TrimSpace(args[0]) {
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "run":
		return runSingle(ctx, args[1:], stdout, stderr)
	case "stop":
		return runStop(ctx, args[1:], stdout, stderr)
	case "confirm":
		return runConfirm(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}
