package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/psantana5/conduit-monitor/internal/child"
	"github.com/psantana5/conduit-monitor/internal/config"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"config", &config.Error{Field: "traffic_limit", Reason: "too small"}, 2},
		{"wrapped config", fmt.Errorf("load: %w", &config.Error{Field: "x", Reason: "y"}), 2},
		{"launch", &child.LaunchError{Command: "conduit", Err: errors.New("not found")}, 3},
		{"other", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
