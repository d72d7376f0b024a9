package input

const DPAD_PRESET = 70

type Button string

const (
	Up    Button = "up"
	Down  Button = "down"
	Left  Button = "left"
	Right Button = "right"
	Stop  Button = "stop"
)

// DPad drives a left and a right group with fixed tank steering presets.
type DPad struct {
	Left, Right string
	Preset      int

	driver Driver
}

func NewDPad(left, right string, driver Driver) *DPad {
	return &DPad{
		Left:   left,
		Right:  right,
		Preset: DPAD_PRESET,
		driver: driver,
	}
}

// Values returns the left and right group values for b. Unknown buttons
// map to a standstill.
func (pad *DPad) Values(b Button) (l, r int) {
	p := pad.Preset
	switch b {
	case Up:
		return p, p
	case Down:
		return -p, -p
	case Left:
		return -p, p
	case Right:
		return p, -p
	}
	return 0, 0
}

// Press sets both groups for b. Only Stop is forced.
func (pad *DPad) Press(b Button) (l, r int, err error) {
	l, r = pad.Values(b)
	force := b == Stop

	if err = pad.driver.SetGroup(pad.Left, l, force); err != nil {
		return
	}
	err = pad.driver.SetGroup(pad.Right, r, force)
	return
}
