package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"tangled.org/labelmuncher/log"
	"tangled.org/labelmuncher/muncher"
)

func main() {
	cmd := &cli.Command{
		Name:  "labelmuncher",
		Usage: "multi-labeler label ingestion service",
		Commands: []*cli.Command{
			muncher.Command(),
		},
	}

	ctx := context.Background()
	logger := log.New("labelmuncher")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
