package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/psantana5/conduit-monitor/cmd/conduit-monitor/cmd"
	"github.com/psantana5/conduit-monitor/internal/child"
	"github.com/psantana5/conduit-monitor/internal/config"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps configuration problems to 2 and a worker that cannot be
// launched to 3. Everything else is 1.
func exitCode(err error) int {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return 2
	}
	var launchErr *child.LaunchError
	if errors.As(err, &launchErr) {
		return 3
	}
	return 1
}
