package main

import (
	"context"
	"os"

	"github.com/m-mizutani/kbsync/pkg/cli"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
)

func main() {
	ctx := context.Background()
	if err := cli.Run(ctx, os.Args); err != nil {
		logging.Default().Error("command failed", "error", err.Message)
		os.Exit(err.Code)
	}
}
