package link

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const SIM_LATENCY = 4 * time.Millisecond

// Sim is a link to a simulated kit. Every written line is kept and
// acknowledged with a notify line, so the whole pipeline can run without
// hardware.
type Sim struct {
	listeners

	name    string
	latency time.Duration
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	state   State
	written []string
}

func NewSim(name string, latency time.Duration, logger *zap.SugaredLogger) *Sim {
	return &Sim{
		name:    name,
		latency: latency,
		logger:  logger,
	}
}

// Connect moves the simulator through Connecting to Connected.
func (s *Sim) Connect(ctx context.Context) error {
	s.setState(Connecting)

	select {
	case <-ctx.Done():
		s.setState(Disconnected)
		return ctx.Err()
	case <-time.After(s.latency):
	}

	s.setState(Connected)
	s.logger.Infow("simulated kit connected", "name", s.name)
	return nil
}

// Drop simulates the device going away without being asked to.
func (s *Sim) Drop() {
	s.setState(Disconnected)
}

func (s *Sim) Write(ctx context.Context, p []byte) error {
	if s.State() != Connected {
		return ErrNotConnected
	}

	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.latency):
		}
	}

	line := strings.TrimRight(string(p), "\n")
	s.mu.Lock()
	s.written = append(s.written, line)
	s.mu.Unlock()

	s.feed([]byte("ack " + line + "\n"))
	return nil
}

// Written returns a copy of every line written so far.
func (s *Sim) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.written))
	copy(out, s.written)
	return out
}

func (s *Sim) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sim) Name() string {
	return s.name
}

func (s *Sim) Close() error {
	s.setState(Disconnected)
	return nil
}

func (s *Sim) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.emitState(state)
	}
}
