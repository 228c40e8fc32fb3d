package main

import (
	"os"

	"github.com/picklr-io/flydo/internal/cli"
	"github.com/picklr-io/flydo/internal/failure"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(failure.ExitCode(err))
	}
}
