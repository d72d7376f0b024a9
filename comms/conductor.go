package comms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/CodedInternet/gomihu/dispatch"
	"github.com/CodedInternet/gomihu/input"
	"github.com/CodedInternet/gomihu/kit"
)

const SEND_TIMEOUT = 2 * time.Second

var ErrUnknownCommand = errors.New("unknown command")

type StickNameError struct {
	Name string
}

func (err StickNameError) Error() string {
	return fmt.Sprintf("no such stick %s", err.Name)
}

// Cmd is one input event from a control surface. Which fields matter
// depends on Cmd.
type Cmd struct {
	Cmd     string      `json:"cmd"`
	Name    string      `json:"name,omitempty"` // stick, group, pad button or visibility state
	ID      int         `json:"id,omitempty"`
	Value   interface{} `json:"value,omitempty"`
	Pointer int         `json:"pointer,omitempty"`
	X       float64     `json:"x,omitempty"`
	Y       float64     `json:"y,omitempty"`
	Radius  float64     `json:"radius,omitempty"`
	Text    string      `json:"text,omitempty"`
}

type Reply struct {
	Cmd   string      `json:"cmd"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

type ConductorInterface interface {
	ProcessCommand(cmd Cmd) Reply
}

// Conductor applies commands from every control surface to one kit.
type Conductor struct {
	Kit    *kit.Kit
	logger *zap.SugaredLogger

	clients *clientSet
}

func NewConductor(k *kit.Kit, logger *zap.SugaredLogger) *Conductor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Conductor{
		Kit:     k,
		logger:  logger,
		clients: newClientSet(),
	}
}

func (c *Conductor) ProcessCommand(cmd Cmd) (reply Reply) {
	reply.Cmd = cmd.Cmd
	var err error

	switch cmd.Cmd {
	case "stick_down", "stick_move", "stick_up", "stick_cancel":
		reply.Data, err = c.stick(cmd)

	case "dpad":
		var l, r int
		l, r, err = c.Kit.DPad.Press(input.Button(cmd.Name))
		reply.Data = [2]int{l, r}

	case "motor":
		c.Kit.Controller.Request(cmd.ID, cmd.Value)

	case "group":
		err = c.Kit.Controller.DriveGroup(cmd.Name, dispatch.ToInt(cmd.Value))

	case "visibility":
		if cmd.Name == "hidden" {
			c.Kit.Controller.Hidden()
		}

	case "stop":
		c.Kit.Controller.StopAll()

	case "send":
		ctx, cancel := context.WithTimeout(context.Background(), SEND_TIMEOUT)
		err = c.Kit.SendText(ctx, cmd.Text)
		cancel()

	case "state":
		reply.Data = c.Kit.State()

	default:
		err = ErrUnknownCommand
	}

	if err != nil {
		c.logger.Debugw("command failed", "cmd", cmd.Cmd, "name", cmd.Name, "err", err)
		reply.Error = err.Error()
	}
	return
}

func (c *Conductor) stick(cmd Cmd) (r input.Reading, err error) {
	stick, ok := c.Kit.Sticks[cmd.Name]
	if !ok {
		return r, StickNameError{cmd.Name}
	}

	p := input.Pointer{
		ID:     cmd.Pointer,
		Offset: mgl64.Vec2{cmd.X, cmd.Y},
		Radius: cmd.Radius,
	}

	switch cmd.Cmd {
	case "stick_down":
		return stick.Press(p)
	case "stick_move":
		return stick.Move(p)
	case "stick_up":
		return r, stick.Release()
	default:
		return r, stick.Cancel()
	}
}

// Lost is called when a control surface goes away without saying so. It is
// treated like the surface being hidden.
func (c *Conductor) Lost(who string) {
	c.logger.Infow("control surface lost", "client", who)
	c.Kit.Controller.Hidden()
}
