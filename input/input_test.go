package input

import (
	"context"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"github.com/CodedInternet/gomihu/dispatch"
	"github.com/CodedInternet/gomihu/transport"
)

// wireSender keeps the payload every command would put on the link.
type wireSender struct {
	mu       sync.Mutex
	payloads map[int][]string
}

func (s *wireSender) Send(ctx context.Context, id, speed int, done func(error)) {
	s.mu.Lock()
	s.payloads[id] = append(s.payloads[id], string(transport.Encode(id, speed)))
	s.mu.Unlock()
	done(nil)
}

func (s *wireSender) sent(id int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.payloads[id]...)
}

func (s *wireSender) last(id int) string {
	sent := s.sent(id)
	if len(sent) == 0 {
		return ""
	}
	return sent[len(sent)-1]
}

func newController() (*dispatch.Controller, *wireSender) {
	sender := &wireSender{payloads: make(map[int][]string)}
	d, err := dispatch.New([]int{1, 2, 3, 4}, sender, dispatch.DefaultConfig(), zap.NewNop().Sugar())
	if err != nil {
		panic(err)
	}
	ctrl, err := dispatch.NewController(d, dispatch.DefaultGroups())
	if err != nil {
		panic(err)
	}
	return ctrl, sender
}

func at(x, y float64) Pointer {
	return Pointer{ID: 7, Offset: mgl64.Vec2{x, y}, Radius: 100}
}

func TestStickReading(t *testing.T) {
	Convey("Given a stick of radius 100", t, func() {
		ctrl, _ := newController()
		stick := NewStick("L", ctrl)

		Convey("pushing fully up is full speed ahead", func() {
			r, err := stick.Press(at(0, -100))
			So(err, ShouldBeNil)
			So(r.Speed, ShouldEqual, 100)
			So(r.Knob.ApproxEqual(mgl64.Vec2{0, -42}), ShouldBeTrue)
		})

		Convey("pulling down reverses", func() {
			r, _ := stick.Press(at(0, 21))
			So(r.Speed, ShouldEqual, -50)
		})

		Convey("small offsets fall in the dead zone", func() {
			r, _ := stick.Press(at(3, -4))
			So(r.Speed, ShouldEqual, 0)
		})

		Convey("sideways travel does not drive", func() {
			r, _ := stick.Press(at(80, 0))
			So(r.Speed, ShouldEqual, 0)
			So(r.Knob.ApproxEqual(mgl64.Vec2{42, 0}), ShouldBeTrue)
		})

		Convey("diagonal travel is bounded to the knob circle", func() {
			r, _ := stick.Press(at(100, -100))
			So(r.Knob.Len(), ShouldAlmostEqual, 42, 1e-9)
			So(r.Speed, ShouldEqual, 71)
		})

		Convey("a zero radius is refused", func() {
			_, err := stick.Press(Pointer{ID: 1, Offset: mgl64.Vec2{0, -10}})
			So(err, ShouldEqual, ErrBadRadius)
		})
	})
}

func TestStickRelease(t *testing.T) {
	Convey("Given the left stick held at 85", t, func() {
		ctrl, sender := newController()
		stick := NewStick("L", ctrl)

		r, err := stick.Press(at(0, -35.7))
		So(err, ShouldBeNil)
		So(r.Speed, ShouldEqual, 85)
		So(stick.Active(), ShouldBeTrue)
		So(sender.last(1), ShouldEqual, `{"id":1,"speed":85}`+"\n")

		Convey("releasing sends a stop to every member", func() {
			So(stick.Release(), ShouldBeNil)
			So(stick.Active(), ShouldBeFalse)
			So(sender.last(1), ShouldEqual, `{"id":1,"speed":0}`+"\n")
			So(sender.last(2), ShouldEqual, `{"id":2,"speed":0}`+"\n")
			So(sender.sent(3), ShouldBeEmpty)
			So(ctrl.Groups()[0].Value, ShouldEqual, 0)
		})

		Convey("a cancelled pointer stops as well", func() {
			So(stick.Cancel(), ShouldBeNil)
			So(sender.last(2), ShouldEqual, `{"id":2,"speed":0}`+"\n")
		})

		Convey("returning to the center stops at once", func() {
			r, err := stick.Move(at(0, -2))
			So(err, ShouldBeNil)
			So(r.Speed, ShouldEqual, 0)
			So(sender.sent(1), ShouldResemble, []string{
				`{"id":1,"speed":85}` + "\n",
				`{"id":1,"speed":0}` + "\n",
			})
		})

		Convey("other pointers cannot move it", func() {
			_, err := stick.Move(Pointer{ID: 8, Offset: mgl64.Vec2{0, 40}, Radius: 100})
			So(err, ShouldEqual, ErrNotCaptured)
			So(sender.sent(1), ShouldHaveLength, 1)
		})

		Convey("moves after release are ignored", func() {
			stick.Release()
			r, err := stick.Move(at(0, -40))
			So(err, ShouldBeNil)
			So(r, ShouldResemble, Reading{})
			So(sender.last(1), ShouldEqual, `{"id":1,"speed":0}`+"\n")
		})
	})
}

func TestDPad(t *testing.T) {
	Convey("Given a pad over the L and R groups", t, func() {
		ctrl, sender := newController()
		pad := NewDPad("L", "R", ctrl)

		Convey("presets steer like a tank", func() {
			for b, want := range map[Button][2]int{
				Up:    {70, 70},
				Down:  {-70, -70},
				Left:  {-70, 70},
				Right: {70, -70},
				Stop:  {0, 0},
			} {
				l, r := pad.Values(b)
				So([2]int{l, r}, ShouldResemble, want)
			}
		})

		Convey("forward drives all four motors", func() {
			l, r, err := pad.Press(Up)
			So(err, ShouldBeNil)
			So(l, ShouldEqual, 70)
			So(r, ShouldEqual, 70)
			for id := 1; id <= 4; id++ {
				So(sender.sent(id), ShouldHaveLength, 1)
			}

			Convey("and stop halts them all straight away", func() {
				_, _, err := pad.Press(Stop)
				So(err, ShouldBeNil)
				for id := 1; id <= 4; id++ {
					So(sender.sent(id), ShouldHaveLength, 2)
					So(sender.last(id), ShouldEqual, string(transport.Encode(id, 0)))
				}
				for _, g := range ctrl.Groups() {
					So(g.Value, ShouldEqual, 0)
				}
			})
		})

		Convey("stop is sent even to idle motors", func() {
			pad.Press(Stop)
			for id := 1; id <= 4; id++ {
				So(sender.sent(id), ShouldHaveLength, 1)
			}
		})

		Convey("an unknown button is a quiet standstill", func() {
			l, r, err := pad.Press(Button("jump"))
			So(err, ShouldBeNil)
			So(l, ShouldEqual, 0)
			So(r, ShouldEqual, 0)
			for id := 1; id <= 4; id++ {
				So(sender.sent(id), ShouldBeEmpty)
			}
		})

		Convey("a custom preset is honoured", func() {
			pad.Preset = 40
			l, r := pad.Values(Right)
			So(l, ShouldEqual, 40)
			So(r, ShouldEqual, -40)
		})

		Convey("unknown groups surface as errors", func() {
			bad := NewDPad("L", "X", ctrl)
			_, _, err := bad.Press(Up)
			So(err, ShouldEqual, dispatch.ErrUnknownGroup)
		})
	})
}
