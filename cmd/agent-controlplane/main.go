package main

import (
	"context"
	"fmt"
	"os"

	"github.com/PipeOpsHQ/agent-controlplane/internal/cli"
)

func main() {
	if err := cli.Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
