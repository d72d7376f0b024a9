package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownGroup = errors.New("no such group")

// DefaultGroups pairs the left and right motors of the kit.
func DefaultGroups() map[string][]int {
	return map[string][]int{
		"L": {1, 2},
		"R": {3, 4},
	}
}

type Group struct {
	Name    string `json:"name"`
	Members []int  `json:"members"`
	Value   int    `json:"value"`
}

// Controller fans logical group values out to the channels of a Dispatcher.
type Controller struct {
	d *Dispatcher

	mu     sync.Mutex
	groups map[string]*Group
	names  []string
}

func NewController(d *Dispatcher, groups map[string][]int) (ctrl *Controller, err error) {
	ctrl = &Controller{
		d:      d,
		groups: make(map[string]*Group, len(groups)),
	}

	for name, members := range groups {
		for _, id := range members {
			if _, ok := d.table.Get(id); !ok {
				return nil, fmt.Errorf("group %s: %v", name, ChannelError{id})
			}
		}
		ctrl.groups[name] = &Group{
			Name:    name,
			Members: append([]int(nil), members...),
		}
		ctrl.names = append(ctrl.names, name)
	}
	sort.Strings(ctrl.names)

	return
}

func (ctrl *Controller) Dispatcher() *Dispatcher {
	return ctrl.d
}

// SetGroup records value as the group's logical value and requests it for
// every member channel.
func (ctrl *Controller) SetGroup(name string, value int, force bool) error {
	value = Clamp(value)

	ctrl.mu.Lock()
	g, ok := ctrl.groups[name]
	if !ok {
		ctrl.mu.Unlock()
		return ErrUnknownGroup
	}
	g.Value = value
	members := g.Members
	ctrl.mu.Unlock()

	for _, id := range members {
		ctrl.d.Request(id, value, force)
	}
	return nil
}

// DriveGroup is SetGroup for continuous input: the request is forced when it
// brings a moving group to a stop.
func (ctrl *Controller) DriveGroup(name string, value int) error {
	value = Clamp(value)

	ctrl.mu.Lock()
	g, ok := ctrl.groups[name]
	if !ok {
		ctrl.mu.Unlock()
		return ErrUnknownGroup
	}
	force := value == STOP && g.Value != STOP
	ctrl.mu.Unlock()

	return ctrl.SetGroup(name, value, force)
}

// StopAll zeroes every group and forces a stop to every channel.
func (ctrl *Controller) StopAll() {
	ctrl.mu.Lock()
	for _, g := range ctrl.groups {
		g.Value = STOP
	}
	ctrl.mu.Unlock()

	for _, id := range ctrl.d.IDs() {
		ctrl.d.Request(id, STOP, true)
	}
}

// Hidden is the interlock for a control surface that went out of view.
func (ctrl *Controller) Hidden() {
	ctrl.d.logger.Infow("control surface hidden, stopping all motors")
	ctrl.StopAll()
}

// Request drives a single channel from loosely typed input.
func (ctrl *Controller) Request(id int, raw interface{}) {
	ctrl.d.Request(id, ToInt(raw), false)
}

// Groups returns copies of the groups ordered by name.
func (ctrl *Controller) Groups() []Group {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	out := make([]Group, 0, len(ctrl.names))
	for _, name := range ctrl.names {
		g := ctrl.groups[name]
		out = append(out, Group{
			Name:    g.Name,
			Members: append([]int(nil), g.Members...),
			Value:   g.Value,
		})
	}
	return out
}

// Reset zeroes the group values and the dispatcher's channels.
func (ctrl *Controller) Reset() {
	ctrl.mu.Lock()
	for _, g := range ctrl.groups {
		g.Value = STOP
	}
	ctrl.mu.Unlock()

	ctrl.d.Reset()
}

// OnDisconnected zeroes the group values and hands the lost link to the
// dispatcher.
func (ctrl *Controller) OnDisconnected() {
	ctrl.mu.Lock()
	for _, g := range ctrl.groups {
		g.Value = STOP
	}
	ctrl.mu.Unlock()

	ctrl.d.OnDisconnected()
}
