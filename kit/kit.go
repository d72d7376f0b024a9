// Package kit assembles the control pipeline for one robotics kit and owns
// the connection to it.
package kit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/CodedInternet/gomihu/dispatch"
	"github.com/CodedInternet/gomihu/input"
	"github.com/CodedInternet/gomihu/link"
	"github.com/CodedInternet/gomihu/transport"
)

const (
	SIM_NAME     = "MIHU-SIM"
	STOP_TIMEOUT = 2 * time.Second
)

var (
	ErrAlreadyConnected = errors.New("kit is already connected")
	ErrNotConnected     = errors.New("kit is not connected")
)

// Device describes the peripheral the kit is connected to.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Link    string `json:"link"`
}

type State struct {
	Status    string                  `json:"status"`
	Device    *Device                 `json:"device,omitempty"`
	Transport string                  `json:"transport"`
	Channels  []dispatch.ChannelState `json:"channels"`
	Groups    []dispatch.Group        `json:"groups"`
}

type Kit struct {
	Transport  *transport.Transport
	Dispatcher *dispatch.Dispatcher
	Controller *dispatch.Controller
	Sticks     map[string]*input.Stick
	DPad       *input.DPad
	Terminal   *Terminal

	logger *zap.SugaredLogger
	rx     chan string
	done   chan struct{}
	closed sync.Once

	mu      sync.Mutex
	cfg     Config
	link    link.Link
	adapter *bluetooth.Adapter
}

func New(cfg Config, logger *zap.SugaredLogger) (k *Kit, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	mode, err := transport.ParseMode(cfg.Transport)
	if err != nil {
		return
	}

	k = &Kit{
		Sticks:   make(map[string]*input.Stick, len(cfg.Sticks)),
		Terminal: NewTerminal(),
		logger:   logger,
		rx:       make(chan string, TERMINAL_BUFFER),
		done:     make(chan struct{}),
		cfg:      cfg,
	}

	k.Transport = transport.New(transport.Config{
		Mode:         mode,
		FallbackURL:  cfg.FallbackURL,
		WarnInterval: cfg.WarnInterval,
		WriteTimeout: cfg.WriteTimeout,
	}, logger.Named("transport"))

	k.Dispatcher, err = dispatch.New(cfg.Channels, k.Transport, cfg.dispatchConfig(), logger.Named("dispatch"))
	if err != nil {
		return nil, err
	}

	k.Controller, err = dispatch.NewController(k.Dispatcher, cfg.Groups)
	if err != nil {
		return nil, err
	}

	for _, name := range cfg.Sticks {
		stick := input.NewStick(name, k.Controller)
		stick.DeadZone = cfg.DeadZone
		stick.KnobTravel = cfg.KnobTravel
		k.Sticks[name] = stick
	}

	k.DPad = input.NewDPad(cfg.DPadGroups[0], cfg.DPadGroups[1], k.Controller)
	k.DPad.Preset = cfg.DPadPreset

	go k.pump()

	return
}

// pump logs every line the device sends and hands it to the terminal.
func (k *Kit) pump() {
	for {
		select {
		case line := <-k.rx:
			k.logger.Infow("device > " + line)
			k.Terminal.Publish(line)
		case <-k.done:
			return
		}
	}
}

func (k *Kit) Config() Config {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg
}

// UseAddress makes the next BLE connection go straight to addr instead of
// scanning for a name.
func (k *Kit) UseAddress(addr string) {
	k.mu.Lock()
	k.cfg.BLE.Address = addr
	k.mu.Unlock()
}

func (k *Kit) Link() link.Link {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.link
}

func (k *Kit) Connected() bool {
	return k.Transport.Connected()
}

// Connect opens the configured link and routes commands through it.
func (k *Kit) Connect(ctx context.Context) (err error) {
	if k.Connected() {
		return ErrAlreadyConnected
	}

	l, err := k.dial(ctx)
	if err != nil {
		k.logger.Warnw("unable to connect", "link", k.Config().Link, "err", err)
		return
	}

	l.AddListener(k.rx)
	l.OnStateChange(func(s link.State) {
		if s == link.Disconnected {
			k.lost(l)
		}
	})

	k.mu.Lock()
	old := k.link
	k.link = l
	k.mu.Unlock()
	if old != nil {
		old.Close()
	}

	k.Transport.Attach(l)
	k.logger.Infow("connected", "device", l.Name())
	return
}

func (k *Kit) dial(ctx context.Context) (link.Link, error) {
	cfg := k.Config()

	switch cfg.Link {
	case LINK_SIM:
		sim := link.NewSim(SIM_NAME, link.SIM_LATENCY, k.logger.Named("link"))
		if err := sim.Connect(ctx); err != nil {
			return nil, err
		}
		return sim, nil

	case LINK_SERIAL:
		return link.OpenSerial(cfg.Serial, k.logger.Named("link"))

	default:
		k.mu.Lock()
		if k.adapter == nil {
			k.adapter = bluetooth.DefaultAdapter
		}
		adapter := k.adapter
		k.mu.Unlock()
		return link.DialBLE(ctx, adapter, cfg.BLE, k.logger.Named("link"))
	}
}

// lost handles a link that went away without being asked to.
func (k *Kit) lost(l link.Link) {
	k.mu.Lock()
	if k.link != l {
		k.mu.Unlock()
		return
	}
	k.link = nil
	k.mu.Unlock()

	k.logger.Warnw("device disconnected", "device", l.Name())
	k.Transport.Detach()
	l.Close()
	k.Controller.OnDisconnected()
}

// Disconnect stops every motor, waiting for the stops to be written, then
// closes the link and resets all channels.
func (k *Kit) Disconnect(ctx context.Context) error {
	k.mu.Lock()
	l := k.link
	k.link = nil
	k.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}

	stopCtx, cancel := context.WithTimeout(ctx, STOP_TIMEOUT)
	err := k.Transport.SendAll(stopCtx, k.Dispatcher.IDs(), dispatch.STOP)
	cancel()
	if err != nil {
		k.logger.Debugw("stop before disconnect failed", "err", err)
	}

	k.Transport.Detach()
	if err := l.Close(); err != nil {
		k.logger.Warnw("closing link", "err", err)
	}
	k.Controller.Reset()

	k.logger.Infow("disconnected", "device", l.Name())
	return nil
}

// SendText writes a raw line to the device and waits for the write.
func (k *Kit) SendText(ctx context.Context, text string) error {
	done := make(chan error, 1)
	k.Transport.SendText(ctx, text, func(err error) { done <- err })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Kit) Device() (d Device, ok bool) {
	l := k.Link()
	if l == nil {
		return
	}

	d = Device{Name: l.Name(), Link: k.Config().Link}
	if ble, isBLE := l.(*link.BLE); isBLE {
		d.Address = ble.Address()
	}
	return d, true
}

func (k *Kit) State() State {
	s := State{
		Status:    link.Disconnected.String(),
		Transport: string(k.Transport.Mode()),
		Channels:  k.Dispatcher.Snapshot(),
		Groups:    k.Controller.Groups(),
	}
	if l := k.Link(); l != nil {
		s.Status = l.State().String()
	}
	if d, ok := k.Device(); ok {
		s.Device = &d
	}
	return s
}

// Close disconnects if needed and stops the kit's background work.
func (k *Kit) Close() error {
	err := k.Disconnect(context.Background())
	if err == ErrNotConnected {
		err = nil
	}
	k.closed.Do(func() { close(k.done) })
	return err
}
