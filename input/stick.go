package input

import (
	"errors"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	DEAD_ZONE   = 0.10
	KNOB_TRAVEL = 0.42
)

var (
	ErrNotCaptured = errors.New("stick is held by another pointer")
	ErrBadRadius   = errors.New("stick radius must be positive")
)

// Pointer is one pointer event on a stick. Offset is measured from the
// stick's center in screen pixels, y growing downwards; Radius is half the
// smaller side of the stick's bounding box.
type Pointer struct {
	ID     int        `json:"pointer"`
	Offset mgl64.Vec2 `json:"offset"`
	Radius float64    `json:"radius"`
}

// Reading is the outcome of a pointer event: where the knob is drawn and
// the speed sent to the group.
type Reading struct {
	Knob  mgl64.Vec2 `json:"knob"`
	Speed int        `json:"speed"`
}

// Stick is a virtual thumb stick driving one group along its vertical axis.
type Stick struct {
	Group      string
	DeadZone   float64
	KnobTravel float64

	driver Driver

	mu      sync.Mutex
	active  bool
	pointer int
}

func NewStick(group string, driver Driver) *Stick {
	return &Stick{
		Group:      group,
		DeadZone:   DEAD_ZONE,
		KnobTravel: KNOB_TRAVEL,
		driver:     driver,
	}
}

func (s *Stick) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Press captures the pointer and applies its position.
func (s *Stick) Press(p Pointer) (Reading, error) {
	s.mu.Lock()
	s.active = true
	s.pointer = p.ID
	s.mu.Unlock()

	return s.apply(p)
}

// Move applies the position of the captured pointer. Moves while the stick
// is not held are ignored.
func (s *Stick) Move(p Pointer) (r Reading, err error) {
	s.mu.Lock()
	active, captured := s.active, s.pointer == p.ID
	s.mu.Unlock()

	if !active {
		return
	}
	if !captured {
		return r, ErrNotCaptured
	}
	return s.apply(p)
}

// Release recenters the stick and forces a stop to its group.
func (s *Stick) Release() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	return s.driver.SetGroup(s.Group, 0, true)
}

// Cancel is a release the pointer did not ask for.
func (s *Stick) Cancel() error {
	return s.Release()
}

func (s *Stick) apply(p Pointer) (r Reading, err error) {
	if p.Radius <= 0 {
		return r, ErrBadRadius
	}

	r.Knob, r.Speed = s.read(p)
	err = s.driver.DriveGroup(s.Group, r.Speed)
	return
}

// read bounds the offset to the knob's travel and maps its vertical
// component to a speed; up is forward.
func (s *Stick) read(p Pointer) (knob mgl64.Vec2, speed int) {
	maxTravel := p.Radius * s.KnobTravel

	knob = p.Offset
	if dist := knob.Len(); dist > maxTravel {
		knob = knob.Mul(maxTravel / dist)
	}

	norm := mgl64.Clamp(-knob.Y()/maxTravel, -1, 1)
	if math.Abs(norm) < s.DeadZone {
		return knob, 0
	}

	return knob, int(math.Floor(norm*100 + 0.5))
}
