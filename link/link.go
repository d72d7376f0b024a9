// Package link provides the low-latency write channels to the kit: a BLE
// Nordic UART link, a USB serial link and a simulated link, plus the Lane
// that serializes every write onto one physical channel.
package link

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// State of a link. Connecting is transient and counts as not connected for
// sending purposes.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected = errors.New("link is not connected")
	ErrLaneClosed   = errors.New("lane has been closed")
)

// Link is a connected write channel to the physical device.
type Link interface {
	Write(ctx context.Context, p []byte) error
	State() State
	Name() string
	Close() error

	// AddListener registers a channel that receives every text line the
	// device sends back. Lines are dropped for listeners that are not ready.
	AddListener(lines chan<- string)

	// OnStateChange registers a callback run on every state transition,
	// including unsolicited disconnects reported by the device side.
	OnStateChange(fn func(State))
}

// listeners is embedded by the link implementations to share the listener
// bookkeeping and the notify line assembly.
type listeners struct {
	mu      sync.RWMutex
	lines   []chan<- string
	changes []func(State)

	partial bytes.Buffer
}

func (l *listeners) AddListener(lines chan<- string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, lines)
}

func (l *listeners) OnStateChange(fn func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, fn)
}

func (l *listeners) emitState(s State) {
	l.mu.RLock()
	changes := make([]func(State), len(l.changes))
	copy(changes, l.changes)
	l.mu.RUnlock()

	for _, fn := range changes {
		fn(s)
	}
}

func (l *listeners) emitLine(line string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, c := range l.lines {
		select {
		case c <- line:
		default:
			// listener is busy, drop
		}
	}
}

// feed accumulates raw notify bytes and emits every complete line.
func (l *listeners) feed(p []byte) {
	l.mu.Lock()
	l.partial.Write(p)
	var complete []string
	for {
		raw := l.partial.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(raw[:i], "\r"))
		l.partial.Next(i + 1)
		if line != "" {
			complete = append(complete, line)
		}
	}
	l.mu.Unlock()

	for _, line := range complete {
		l.emitLine(line)
	}
}
