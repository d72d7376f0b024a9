package dispatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// fakeClock only moves when Advance is called, firing due timers in order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		active := !t.stopped && !t.fired
		t.stopped = true
		return active
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

type sent struct {
	id, speed int
}

type heldWrite struct {
	ctx  context.Context
	done func(error)
}

// testSender records transmissions. With hold set, writes stay in flight
// until settle is called, whatever happens to their context.
type testSender struct {
	mu      sync.Mutex
	hold    bool
	sent    []sent
	waiting []heldWrite
}

func (s *testSender) Send(ctx context.Context, id, speed int, done func(error)) {
	s.mu.Lock()
	s.sent = append(s.sent, sent{id, speed})
	if s.hold {
		s.waiting = append(s.waiting, heldWrite{ctx, done})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	done(nil)
}

func (s *testSender) settle(err error) {
	s.mu.Lock()
	w := s.waiting[0]
	s.waiting = s.waiting[1:]
	s.mu.Unlock()
	w.done(err)
}

// cancelled reports the cause the oldest held write was cancelled with.
func (s *testSender) cancelled() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return context.Cause(s.waiting[0].ctx)
}

func (s *testSender) speeds(id int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []int{}
	for _, tx := range s.sent {
		if tx.id == id {
			out = append(out, tx.speed)
		}
	}
	return out
}

func (s *testSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestDispatcher(sender Sender, clock Clock) *Dispatcher {
	cfg := DefaultConfig()
	cfg.Clock = clock
	d, err := New([]int{1, 2, 3, 4}, sender, cfg, zap.NewNop().Sugar())
	if err != nil {
		panic(err)
	}
	return d
}

func channelState(d *Dispatcher, id int) ChannelState {
	for _, state := range d.Snapshot() {
		if state.ID == id {
			return state
		}
	}
	panic("missing channel")
}

func TestChannelTable(t *testing.T) {
	Convey("a table needs channels", t, func() {
		_, err := NewChannelTable(nil)
		So(err, ShouldEqual, ErrNoChannels)
	})

	Convey("ids must be unique and positive", t, func() {
		_, err := NewChannelTable([]int{1, 2, 2})
		So(err, ShouldResemble, ChannelError{2})

		_, err = NewChannelTable([]int{0})
		So(err, ShouldResemble, ChannelError{0})
	})

	Convey("ids are kept sorted", t, func() {
		table, err := NewChannelTable([]int{4, 1, 3, 2})
		So(err, ShouldBeNil)
		So(table.IDs(), ShouldResemble, []int{1, 2, 3, 4})
		So(table.Len(), ShouldEqual, 4)
	})
}

func TestRequest(t *testing.T) {
	Convey("Given a dispatcher with four channels", t, func() {
		clock := newFakeClock()
		sender := &testSender{}
		d := newTestDispatcher(sender, clock)

		Convey("the first request is sent straight away", func() {
			d.Request(1, 50, false)
			So(sender.speeds(1), ShouldResemble, []int{50})
			So(channelState(d, 1).LastSent, ShouldEqual, 50)
		})

		Convey("speeds are clamped", func() {
			d.Request(1, 250, false)
			d.Request(2, -180, false)
			So(sender.speeds(1), ShouldResemble, []int{100})
			So(sender.speeds(2), ShouldResemble, []int{-100})
		})

		Convey("unknown channels are ignored", func() {
			d.Request(9, 50, false)
			d.Request(-1, 50, false)
			So(sender.count(), ShouldEqual, 0)
		})

		Convey("an unchanged value is not sent again", func() {
			d.Request(1, 50, false)
			clock.Advance(50 * time.Millisecond)
			d.Request(1, 50, false)
			So(sender.speeds(1), ShouldResemble, []int{50})

			Convey("unless forced", func() {
				d.Request(1, 50, true)
				So(sender.speeds(1), ShouldResemble, []int{50, 50})
			})
		})

		Convey("the last accepted value is the channel's value", func() {
			for i, v := range []int{10, 20, 20, -35, 0, 64} {
				d.Request(3, v, false)
				clock.Advance(time.Duration(i+1) * time.Millisecond)
			}
			So(channelState(d, 3).LastSent, ShouldEqual, 64)

			clock.Advance(time.Second)
			speeds := sender.speeds(3)
			So(speeds[len(speeds)-1], ShouldEqual, 64)
		})

		Convey("two quick requests give one transmission of the later value", func() {
			d.Request(1, 10, false)
			clock.Advance(30 * time.Millisecond)
			d.Request(1, 30, false)
			clock.Advance(time.Millisecond)

			d.Request(1, 40, false)
			d.Request(1, 41, false)
			So(sender.speeds(1), ShouldResemble, []int{10, 30})

			clock.Advance(MIN_SEND_INTERVAL)
			So(sender.speeds(1), ShouldResemble, []int{10, 30, 41})
		})

		Convey("50, 51 and 52 within 5ms go out as a single 52", func() {
			d.Request(2, 20, false)
			clock.Advance(time.Millisecond)

			d.Request(2, 50, false)
			clock.Advance(2 * time.Millisecond)
			d.Request(2, 51, false)
			clock.Advance(2 * time.Millisecond)
			d.Request(2, 52, false)
			So(sender.speeds(2), ShouldResemble, []int{20})

			clock.Advance(100 * time.Millisecond)
			So(sender.speeds(2), ShouldResemble, []int{20, 52})
			So(channelState(d, 2).Pending, ShouldBeNil)
		})

		Convey("a stop after motion is never coalesced", func() {
			d.Request(1, 40, false)
			clock.Advance(time.Millisecond)
			d.Request(1, 0, false)
			So(sender.speeds(1), ShouldResemble, []int{40, 0})
		})

		Convey("a forced request skips the interval", func() {
			d.Request(4, 40, false)
			clock.Advance(time.Millisecond)
			d.Request(4, 60, true)
			So(sender.speeds(4), ShouldResemble, []int{40, 60})
		})

		Convey("channels do not throttle each other", func() {
			d.Request(1, 40, false)
			d.Request(2, 40, false)
			d.Request(3, 40, false)
			So(sender.count(), ShouldEqual, 3)
		})
	})
}

func TestFlush(t *testing.T) {
	Convey("Given writes that stay in flight", t, func() {
		clock := newFakeClock()
		sender := &testSender{hold: true}
		d := newTestDispatcher(sender, clock)

		d.Request(1, 50, false)
		So(sender.speeds(1), ShouldResemble, []int{50})
		So(channelState(d, 1).InFlight, ShouldBeTrue)

		Convey("flushing again sends nothing", func() {
			d.flush(1)
			d.flush(1)
			So(sender.count(), ShouldEqual, 1)
		})

		Convey("new values wait, even forced ones", func() {
			clock.Advance(30 * time.Millisecond)
			d.Request(1, 60, false)
			d.Request(1, 70, true)
			So(sender.count(), ShouldEqual, 1)

			v, _ := d.table.channels[1].Pending()
			So(v, ShouldEqual, 70)

			Convey("and only the newest is sent once the write settles", func() {
				sender.settle(nil)
				So(sender.speeds(1), ShouldResemble, []int{50, 70})

				sender.settle(nil)
				So(sender.count(), ShouldEqual, 2)
				So(channelState(d, 1).InFlight, ShouldBeFalse)
			})
		})

		Convey("a failed write does not stall the channel", func() {
			sender.settle(errors.New("gatt write failed"))
			So(channelState(d, 1).InFlight, ShouldBeFalse)

			clock.Advance(30 * time.Millisecond)
			d.Request(1, 55, false)
			So(sender.speeds(1), ShouldResemble, []int{50, 55})
		})

		Convey("a write that outlives the settle timeout is cancelled", func() {
			So(sender.cancelled(), ShouldBeNil)
			clock.Advance(10 * time.Millisecond)
			d.Request(1, 80, false)

			clock.Advance(SETTLE_TIMEOUT)
			So(sender.cancelled(), ShouldEqual, ErrSettleTimeout)

			Convey("but the next value waits until it has really settled", func() {
				So(sender.speeds(1), ShouldResemble, []int{50})
				So(channelState(d, 1).InFlight, ShouldBeTrue)

				clock.Advance(10 * SETTLE_TIMEOUT)
				So(sender.speeds(1), ShouldResemble, []int{50})

				sender.settle(context.Canceled)
				So(sender.speeds(1), ShouldResemble, []int{50, 80})
				So(channelState(d, 1).InFlight, ShouldBeTrue)
			})
		})

		Convey("a settled write releases its context without a timeout", func() {
			w := sender.waiting[0]
			sender.settle(nil)
			clock.Advance(2 * SETTLE_TIMEOUT)
			So(context.Cause(w.ctx), ShouldEqual, context.Canceled)
			So(channelState(d, 1).InFlight, ShouldBeFalse)
		})

		Convey("a settlement is not taken for a later write", func() {
			d.Reset()
			So(sender.cancelled(), ShouldEqual, ErrReset)
			d.Request(1, 20, false)
			So(sender.count(), ShouldEqual, 2)

			sender.settle(nil)
			So(channelState(d, 1).InFlight, ShouldBeTrue)

			sender.settle(nil)
			So(channelState(d, 1).InFlight, ShouldBeFalse)
		})
	})

	Convey("timed out writes are logged as warnings", t, func() {
		core, logs := observer.New(zapcore.WarnLevel)
		clock := newFakeClock()
		cfg := DefaultConfig()
		cfg.Clock = clock
		d, err := New([]int{1}, &testSender{hold: true}, cfg, zap.New(core).Sugar())
		So(err, ShouldBeNil)

		d.Request(1, 10, false)
		clock.Advance(2 * SETTLE_TIMEOUT)
		So(logs.FilterMessage("motor write timed out").Len(), ShouldEqual, 1)
	})

	Convey("settle timeouts can be disabled", t, func() {
		clock := newFakeClock()
		cfg := DefaultConfig()
		cfg.Clock = clock
		cfg.SettleTimeout = 0
		d, _ := New([]int{1}, &testSender{hold: true}, cfg, nil)

		d.Request(1, 10, false)
		clock.Advance(time.Hour)
		So(channelState(d, 1).InFlight, ShouldBeTrue)
	})
}

func TestOnDisconnected(t *testing.T) {
	Convey("Given motors running when the link drops", t, func() {
		clock := newFakeClock()
		sender := &testSender{hold: true}
		d := newTestDispatcher(sender, clock)

		d.Request(1, 60, false)
		d.Request(3, -40, false)
		clock.Advance(30 * time.Millisecond)
		d.Request(1, 65, false)

		d.OnDisconnected()

		Convey("every channel is reset and sent a stop", func() {
			for _, state := range d.Snapshot() {
				So(state.LastSent, ShouldEqual, 0)
				So(state.Pending, ShouldBeNil)
			}
			So(sender.speeds(1), ShouldResemble, []int{60, 0})
			So(sender.speeds(2), ShouldResemble, []int{0})
			So(sender.speeds(3), ShouldResemble, []int{-40, 0})
			So(sender.speeds(4), ShouldResemble, []int{0})
		})

		Convey("settlements from before the drop change nothing", func() {
			sender.settle(nil)
			sender.settle(nil)
			So(channelState(d, 1).InFlight, ShouldBeTrue)
			So(sender.count(), ShouldEqual, 6)
		})
	})
}

func TestController(t *testing.T) {
	Convey("Given the default groups", t, func() {
		clock := newFakeClock()
		sender := &testSender{}
		d := newTestDispatcher(sender, clock)
		ctrl, err := NewController(d, DefaultGroups())
		So(err, ShouldBeNil)

		Convey("a group value reaches every member", func() {
			So(ctrl.SetGroup("L", 45, false), ShouldBeNil)
			So(sender.speeds(1), ShouldResemble, []int{45})
			So(sender.speeds(2), ShouldResemble, []int{45})
			So(sender.speeds(3), ShouldResemble, []int{})
			So(ctrl.Groups()[0], ShouldResemble, Group{Name: "L", Members: []int{1, 2}, Value: 45})
		})

		Convey("unknown groups are refused", func() {
			So(ctrl.SetGroup("X", 10, false), ShouldEqual, ErrUnknownGroup)
			So(ctrl.DriveGroup("X", 10), ShouldEqual, ErrUnknownGroup)
		})

		Convey("driving a moving group to zero stops it at once", func() {
			ctrl.DriveGroup("R", 85)
			clock.Advance(time.Millisecond)
			ctrl.DriveGroup("R", 0)
			So(sender.speeds(3), ShouldResemble, []int{85, 0})
			So(sender.speeds(4), ShouldResemble, []int{85, 0})
		})

		Convey("hiding the controls while channel 1 runs at 60 sends one stop", func() {
			d.Request(1, 60, false)
			clock.Advance(time.Millisecond)
			ctrl.Hidden()

			So(sender.speeds(1), ShouldResemble, []int{60, 0})
			So(sender.speeds(2), ShouldResemble, []int{0})
			for _, g := range ctrl.Groups() {
				So(g.Value, ShouldEqual, 0)
			}

			clock.Advance(time.Second)
			So(sender.speeds(1), ShouldResemble, []int{60, 0})
		})

		Convey("loose input is normalized", func() {
			ctrl.Request(2, "42.9")
			So(sender.speeds(2), ShouldResemble, []int{42})
		})

		Convey("Reset zeroes groups and channels", func() {
			ctrl.SetGroup("L", 30, false)
			ctrl.Reset()
			So(ctrl.Groups()[0].Value, ShouldEqual, 0)
			So(channelState(d, 1).LastSent, ShouldEqual, 0)
		})
	})

	Convey("groups must name known channels", t, func() {
		d := newTestDispatcher(&testSender{}, newFakeClock())
		_, err := NewController(d, map[string][]int{"L": {1, 7}})
		So(err, ShouldNotBeNil)
	})
}

func TestToInt(t *testing.T) {
	Convey("loose values become integers", t, func() {
		So(ToInt(12), ShouldEqual, 12)
		So(ToInt(int64(-3)), ShouldEqual, -3)
		So(ToInt(12.9), ShouldEqual, 12)
		So(ToInt(-0.5), ShouldEqual, 0)
		So(ToInt("  -7"), ShouldEqual, -7)
		So(ToInt("12abc"), ShouldEqual, 12)
		So(ToInt("+5"), ShouldEqual, 5)
		So(ToInt("abc"), ShouldEqual, 0)
		So(ToInt("-"), ShouldEqual, 0)
		So(ToInt(""), ShouldEqual, 0)
		So(ToInt(nil), ShouldEqual, 0)
		So(ToInt(true), ShouldEqual, 0)
		So(ToInt(math.NaN()), ShouldEqual, 0)
		So(Clamp(ToInt("99999999999999999999")), ShouldEqual, 100)
	})
}
