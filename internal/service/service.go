// Package service runs a supervisor as a foreground service with a
// start/stop lifecycle that tolerates concurrent callers.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/psantana5/conduit-monitor/internal/logging"
)

// State is the service lifecycle state
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidState is returned when Start or Stop is called in a state that
// does not allow it, including when another caller won the race
var ErrInvalidState = errors.New("invalid service state")

// Runner is the supervised work. Run blocks until ctx is cancelled or the
// work ends on its own.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory creates a fresh Runner for each Start
type Factory func() (Runner, error)

// Service owns one Runner at a time
type Service struct {
	factory Factory
	logger  *logging.Logger
	state   atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a stopped service
func New(factory Factory, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	done := make(chan struct{})
	close(done)
	return &Service{
		factory: factory,
		logger:  logger.WithField("component", "service"),
		done:    done,
	}
}

// State returns the current lifecycle state
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Start creates a Runner and runs it in the background. Only one of any
// number of concurrent callers succeeds.
func (s *Service) Start(ctx context.Context) error {
	if !s.transition(StateStopped, StateStarting) {
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, s.State())
	}

	runner, err := s.factory()
	if err != nil {
		s.state.Store(int32(StateStopped))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	started := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.err = nil
	s.mu.Unlock()

	go func() {
		err := runner.Run(runCtx)
		cancel()

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		// A concurrent Stop owns the final transition
		<-started
		s.transition(StateRunning, StateStopped)
		if err != nil {
			s.logger.Error("Service stopped with error", map[string]interface{}{"error": err})
		} else {
			s.logger.Info("Service stopped")
		}
		close(done)
	}()

	s.transition(StateStarting, StateRunning)
	close(started)
	s.logger.Info("Service started")
	return nil
}

// Stop cancels the Runner and waits for it to return. It returns the
// Runner's error, if any.
func (s *Service) Stop() error {
	if !s.transition(StateRunning, StateStopping) {
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, s.State())
	}

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.state.Store(int32(StateStopped))
	return s.Err()
}

// Done is closed when the current Runner returns. It is already closed
// before the first Start.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error the last Runner returned
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
