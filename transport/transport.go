// Package transport sends motor commands to the kit, over the low-latency
// link when it is connected and, when allowed, over the HTTP fallback.
package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/CodedInternet/gomihu/link"
)

// Mode decides which transports may carry commands.
type Mode string

const (
	ModeBLE  Mode = "ble"  // low-latency link only
	ModeAuto Mode = "auto" // low-latency link, HTTP when it is down

	WARN_INTERVAL = 1200 * time.Millisecond
)

var ErrNotConnected = errors.New("no transport available")

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeBLE:
		return ModeBLE, nil
	case ModeAuto:
		return ModeAuto, nil
	}
	return "", errors.Errorf("unknown transport mode %q", s)
}

type Config struct {
	Mode         Mode
	FallbackURL  string
	WarnInterval time.Duration
	WriteTimeout time.Duration // bounds each link write, zero for none
}

// Transport owns the current link and the lane serializing its writes.
type Transport struct {
	mode         Mode
	fallback     *Fallback
	writeTimeout time.Duration
	warn         *rate.Sometimes
	logger       *zap.SugaredLogger

	mu   sync.RWMutex
	link link.Link
	lane *link.Lane
}

func New(cfg Config, logger *zap.SugaredLogger) *Transport {
	if cfg.WarnInterval <= 0 {
		cfg.WarnInterval = WARN_INTERVAL
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBLE
	}

	t := &Transport{
		mode:         cfg.Mode,
		writeTimeout: cfg.WriteTimeout,
		warn:         &rate.Sometimes{Interval: cfg.WarnInterval},
		logger:       logger,
	}
	if cfg.Mode == ModeAuto {
		t.fallback = NewFallback(cfg.FallbackURL)
	}

	return t
}

func (t *Transport) Mode() Mode {
	return t.mode
}

// Attach makes l the low-latency link, with a fresh lane. A previously
// attached link is detached first.
func (t *Transport) Attach(l link.Link) {
	lane := link.NewLane(t.writeTimeout)

	t.mu.Lock()
	old := t.lane
	t.link, t.lane = l, lane
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Detach drops the current link and closes its lane. The link itself is
// returned unclosed.
func (t *Transport) Detach() link.Link {
	t.mu.Lock()
	l, lane := t.link, t.lane
	t.link, t.lane = nil, nil
	t.mu.Unlock()

	if lane != nil {
		lane.Close()
	}
	return l
}

func (t *Transport) Link() link.Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.link
}

// Connected reports whether the low-latency link can take writes.
func (t *Transport) Connected() bool {
	l, lane := t.current()
	return l != nil && lane != nil && l.State() == link.Connected
}

func (t *Transport) current() (link.Link, *link.Lane) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.link, t.lane
}

// Send delivers one motor command. It never blocks on the transmission:
// done is called once the write has been executed, the fallback request has
// returned, or straight away when nothing can carry the command. Ending ctx
// abandons the command; done then reports why.
func (t *Transport) Send(ctx context.Context, id, speed int, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	if l, lane := t.current(); l != nil && lane != nil && l.State() == link.Connected {
		payload := Encode(id, speed)
		lane.Submit(ctx, func(ctx context.Context) error {
			return l.Write(ctx, payload)
		}, done)
		return
	}

	if t.mode == ModeAuto && t.fallback != nil {
		go func() {
			done(t.fallback.Post(ctx, id, speed))
		}()
		return
	}

	t.warn.Do(func() {
		t.logger.Warnw("link not connected, dropping motor commands", "id", id, "speed", speed)
	})
	done(ErrNotConnected)
}

// SendText writes a raw text line through the link's lane. There is no
// fallback for text.
func (t *Transport) SendText(ctx context.Context, text string, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	l, lane := t.current()
	if l == nil || lane == nil || l.State() != link.Connected {
		done(ErrNotConnected)
		return
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	payload := []byte(text)
	lane.Submit(ctx, func(ctx context.Context) error {
		return l.Write(ctx, payload)
	}, done)
}

// SendAll sends speed to every id and waits until all of them settled or ctx
// ends. The first transmission error, if any, is returned.
func (t *Transport) SendAll(ctx context.Context, ids []int, speed int) error {
	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)

	for _, id := range ids {
		wg.Add(1)
		t.Send(ctx, id, speed, func(err error) {
			if err != nil {
				once.Do(func() { first = err })
			}
			wg.Done()
		})
	}

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()

	select {
	case <-settled:
		return first
	case <-ctx.Done():
		return ctx.Err()
	}
}
