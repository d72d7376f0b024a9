// Package dispatch turns requested motor speeds into rate limited, latest
// value wins writes. Every channel has at most one write in flight; values
// requested meanwhile replace each other and only the newest is sent once
// the write settles.
package dispatch

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	STOP      = 0
	MAX_SPEED = 100

	MIN_SEND_INTERVAL = 18 * time.Millisecond
	CHANGE_THRESHOLD  = 1
	SETTLE_TIMEOUT    = time.Second
)

var (
	ErrNoChannels    = errors.New("no channels configured")
	ErrSettleTimeout = errors.New("write did not settle in time")
	ErrReset         = errors.New("channel reset")
)

// Sender carries one motor command and calls done exactly once when the
// transmission settled. Ending ctx abandons the transmission, after which
// done must still be called. transport.Transport implements it.
type Sender interface {
	Send(ctx context.Context, id, speed int, done func(error))
}

type Config struct {
	MinSendInterval time.Duration
	ChangeThreshold int
	// SettleTimeout cancels a write that has not completed in time. The
	// channel stays in flight until the cancelled write settles. Zero
	// disables it.
	SettleTimeout time.Duration
	Clock         Clock
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		MinSendInterval: MIN_SEND_INTERVAL,
		ChangeThreshold: CHANGE_THRESHOLD,
		SettleTimeout:   SETTLE_TIMEOUT,
		Clock:           WallClock,
	}
}

type Dispatcher struct {
	cfg    Config
	sender Sender
	logger *zap.SugaredLogger

	mu    sync.Mutex
	table *ChannelTable
}

func New(ids []int, sender Sender, cfg Config, logger *zap.SugaredLogger) (d *Dispatcher, err error) {
	table, err := NewChannelTable(ids)
	if err != nil {
		return
	}

	if cfg.ChangeThreshold <= 0 {
		cfg.ChangeThreshold = CHANGE_THRESHOLD
	}
	if cfg.MinSendInterval < 0 {
		cfg.MinSendInterval = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = WallClock
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	d = &Dispatcher{
		cfg:    cfg,
		sender: sender,
		logger: logger,
		table:  table,
	}
	return
}

func (d *Dispatcher) IDs() []int {
	return d.table.IDs()
}

// Request asks for channel id to run at speed. Speeds are clamped to
// [-100, 100] and unknown ids are ignored. A stop following a non-zero
// speed, and any forced request, is flushed immediately; other requests
// arriving within MinSendInterval of the previous write are coalesced.
func (d *Dispatcher) Request(id, speed int, force bool) {
	speed = Clamp(speed)

	d.mu.Lock()
	c, ok := d.table.Get(id)
	if !ok {
		d.mu.Unlock()
		d.logger.Debugw("ignoring request for unknown channel", "id", id, "speed", speed)
		return
	}

	prev := c.LastSent
	isStop := speed == STOP
	changed := force || abs(speed-prev) >= d.cfg.ChangeThreshold || (isStop && prev != STOP)
	if !changed {
		d.mu.Unlock()
		return
	}

	c.LastSent = speed
	c.setPending(speed)

	if !isStop && !force && d.cfg.Clock.Now().Sub(c.LastSentAt) < d.cfg.MinSendInterval {
		d.armDeferred(c)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.flush(id)
}

// flush sends the pending value of channel id unless a write is already in
// flight or nothing is pending.
func (d *Dispatcher) flush(id int) {
	d.mu.Lock()
	c, ok := d.table.Get(id)
	if !ok {
		d.mu.Unlock()
		return
	}
	send := d.take(c)
	d.mu.Unlock()

	if send != nil {
		send()
	}
}

// take claims the pending value of c and marks it in flight. The returned
// function performs the transmission and must be called without d.mu held.
// It is nil when there is nothing to send.
func (d *Dispatcher) take(c *Channel) func() {
	if c.InFlight || !c.hasPending {
		return nil
	}

	id, value := c.ID, c.pending
	c.hasPending = false
	c.InFlight = true
	c.LastSentAt = d.cfg.Clock.Now()
	c.generation++
	gen := c.generation

	ctx, cancel := context.WithCancelCause(context.Background())
	c.cancelWrite = cancel

	if c.stopDeferred != nil {
		c.stopDeferred()
		c.stopDeferred = nil
	}
	if d.cfg.SettleTimeout > 0 {
		c.stopSettle = d.cfg.Clock.AfterFunc(d.cfg.SettleTimeout, func() {
			d.abandon(id, gen)
		})
	}

	return func() {
		d.sender.Send(ctx, id, value, func(err error) {
			d.onWriteSettled(id, gen, err)
		})
	}
}

// abandon cancels a write that outlived SettleTimeout. The channel is only
// released when the sender reports the cancelled write as settled, so a
// stale value can never be outstanding beside a newer one.
func (d *Dispatcher) abandon(id int, gen uint64) {
	d.mu.Lock()
	c, ok := d.table.Get(id)
	if !ok || c.generation != gen || !c.InFlight {
		d.mu.Unlock()
		return
	}
	c.stopSettle = nil
	cancel := c.cancelWrite
	d.mu.Unlock()

	d.logger.Warnw("motor write timed out", "id", id, "after", d.cfg.SettleTimeout)
	if cancel != nil {
		cancel(ErrSettleTimeout)
	}
}

// armDeferred schedules a flush for when MinSendInterval has passed since
// the last write, so a coalesced value is delivered even if no further
// request arrives. While a write is in flight its settlement flushes.
func (d *Dispatcher) armDeferred(c *Channel) {
	if c.InFlight || c.stopDeferred != nil {
		return
	}

	id, gen := c.ID, c.generation
	delay := c.LastSentAt.Add(d.cfg.MinSendInterval).Sub(d.cfg.Clock.Now())
	c.stopDeferred = d.cfg.Clock.AfterFunc(delay, func() {
		d.mu.Lock()
		c, ok := d.table.Get(id)
		if !ok || c.generation != gen {
			d.mu.Unlock()
			return
		}
		c.stopDeferred = nil
		d.mu.Unlock()

		d.flush(id)
	})
}

// onWriteSettled clears the in flight mark of channel id and sends whatever
// was requested while the write was outstanding. Settlements of superseded
// writes are ignored.
func (d *Dispatcher) onWriteSettled(id int, gen uint64, err error) {
	d.mu.Lock()
	c, ok := d.table.Get(id)
	if !ok || c.generation != gen || !c.InFlight {
		d.mu.Unlock()
		return
	}

	c.InFlight = false
	if c.stopSettle != nil {
		c.stopSettle()
		c.stopSettle = nil
	}
	c.endWrite(context.Canceled)
	d.mu.Unlock()

	if err != nil {
		d.logger.Debugw("motor write failed", "id", id, "err", err)
	}

	d.flush(id)
}

// Reset returns every channel to its initial state. Writes still in flight
// are cancelled and their settlements ignored.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.table.reset()
	d.mu.Unlock()
}

// OnDisconnected handles a lost link: all bookkeeping is reset, then a
// forced stop goes to every channel.
func (d *Dispatcher) OnDisconnected() {
	d.logger.Infow("link lost, resetting channels")
	d.Reset()
	for _, id := range d.table.IDs() {
		d.Request(id, STOP, true)
	}
}

func (d *Dispatcher) Snapshot() []ChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.snapshot()
}

// Clamp limits speed to [-MAX_SPEED, MAX_SPEED].
func Clamp(speed int) int {
	if speed > MAX_SPEED {
		return MAX_SPEED
	}
	if speed < -MAX_SPEED {
		return -MAX_SPEED
	}
	return speed
}

// ToInt normalizes loosely typed input to an integer. Floats are truncated,
// strings are read up to the first character that is not part of a decimal
// integer. Anything else is 0.
func ToInt(raw interface{}) int {
	switch v := raw.(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return clampInt64(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return clampInt64(int64(v))
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case string:
		return parseLeadingInt(v)
	}
	return 0
}

func floatToInt(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Trunc(f)
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	if f < math.MinInt32 {
		return math.MinInt32
	}
	return int(f)
}

func clampInt64(v int64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int(v)
}

func parseLeadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}

	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		// out of range
		if s[0] == '-' {
			return math.MinInt32
		}
		return math.MaxInt32
	}
	return clampInt64(n)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
