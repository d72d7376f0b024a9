package kit

import "sync"

const (
	TERMINAL_HISTORY = 200
	TERMINAL_BUFFER  = 32
)

// Terminal fans the lines sent by the device out to every subscriber and
// keeps the most recent ones for late joiners.
type Terminal struct {
	mu      sync.Mutex
	history []string
	subs    map[chan string]struct{}
}

func NewTerminal() *Terminal {
	return &Terminal{
		subs: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of new lines and a function ending the
// subscription. Slow subscribers miss lines.
func (t *Terminal) Subscribe() (<-chan string, func()) {
	lines := make(chan string, TERMINAL_BUFFER)

	t.mu.Lock()
	t.subs[lines] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return lines, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, lines)
			t.mu.Unlock()
			close(lines)
		})
	}
}

func (t *Terminal) History() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Terminal) Publish(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, line)
	if over := len(t.history) - TERMINAL_HISTORY; over > 0 {
		t.history = append(t.history[:0], t.history[over:]...)
	}

	for sub := range t.subs {
		select {
		case sub <- line:
		default:
		}
	}
}
