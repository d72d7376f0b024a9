package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type ChannelError struct {
	ID int
}

func (err ChannelError) Error() string {
	return fmt.Sprintf("no such channel %d", err.ID)
}

// Channel is the bookkeeping for one motor.
type Channel struct {
	ID         int
	LastSent   int
	LastSentAt time.Time
	InFlight   bool

	pending    int
	hasPending bool

	// generation changes with every flush and every reset; a settlement
	// carrying an older generation is ignored.
	generation   uint64
	stopDeferred func() bool
	stopSettle   func() bool
	cancelWrite  context.CancelCauseFunc
}

func (c *Channel) Pending() (value int, ok bool) {
	return c.pending, c.hasPending
}

func (c *Channel) setPending(value int) {
	c.pending = value
	c.hasPending = true
}

func (c *Channel) cancelTimers() {
	if c.stopDeferred != nil {
		c.stopDeferred()
		c.stopDeferred = nil
	}
	if c.stopSettle != nil {
		c.stopSettle()
		c.stopSettle = nil
	}
}

// endWrite releases the context of the current write, cancelling it with
// cause if it is still running.
func (c *Channel) endWrite(cause error) {
	if c.cancelWrite != nil {
		c.cancelWrite(cause)
		c.cancelWrite = nil
	}
}

func (c *Channel) reset() {
	c.cancelTimers()
	c.endWrite(ErrReset)
	c.generation++
	c.LastSent = STOP
	c.LastSentAt = time.Time{}
	c.InFlight = false
	c.pending = 0
	c.hasPending = false
}

// ChannelState is a copy of a channel's bookkeeping.
type ChannelState struct {
	ID         int       `json:"id"`
	LastSent   int       `json:"last_sent"`
	LastSentAt time.Time `json:"last_sent_at"`
	InFlight   bool      `json:"in_flight"`
	Pending    *int      `json:"pending"`
}

// ChannelTable holds the fixed universe of channels of one control session.
type ChannelTable struct {
	ids      []int
	channels map[int]*Channel
}

func NewChannelTable(ids []int) (t *ChannelTable, err error) {
	if len(ids) == 0 {
		return nil, ErrNoChannels
	}

	t = &ChannelTable{
		channels: make(map[int]*Channel, len(ids)),
	}
	for _, id := range ids {
		if _, dup := t.channels[id]; dup || id <= 0 {
			return nil, ChannelError{id}
		}
		t.channels[id] = &Channel{ID: id}
		t.ids = append(t.ids, id)
	}
	sort.Ints(t.ids)

	return
}

func (t *ChannelTable) Get(id int) (c *Channel, ok bool) {
	c, ok = t.channels[id]
	return
}

// IDs returns the channel ids in ascending order.
func (t *ChannelTable) IDs() []int {
	ids := make([]int, len(t.ids))
	copy(ids, t.ids)
	return ids
}

func (t *ChannelTable) Len() int {
	return len(t.ids)
}

func (t *ChannelTable) reset() {
	for _, c := range t.channels {
		c.reset()
	}
}

func (t *ChannelTable) snapshot() []ChannelState {
	states := make([]ChannelState, 0, len(t.ids))
	for _, id := range t.ids {
		c := t.channels[id]
		state := ChannelState{
			ID:         c.ID,
			LastSent:   c.LastSent,
			LastSentAt: c.LastSentAt,
			InFlight:   c.InFlight,
		}
		if v, ok := c.Pending(); ok {
			state.Pending = &v
		}
		states = append(states, state)
	}
	return states
}
