package link

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// Nordic UART Service, as flashed on the kit controller.
const (
	NUS_SERVICE = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUS_RX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // write
	NUS_TX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // notify, optional

	DEFAULT_NAME_PREFIX = "MIHU"
	DEFAULT_CHUNK       = 20
	DEFAULT_SCAN        = 10 * time.Second
)

var (
	ErrNoDevice  = errors.New("no matching device found")
	ErrNoService = errors.New("device does not expose the uart service")
)

// BLEConfig selects the peripheral and the characteristics to use.
type BLEConfig struct {
	NamePrefix  string        `yaml:"name_prefix"`
	Address     string        `yaml:"address"` // skips the name match when set
	Service     string        `yaml:"service"`
	Write       string        `yaml:"write"`
	Notify      string        `yaml:"notify"`
	Chunk       int           `yaml:"chunk"` // bytes per write without response
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

func (c *BLEConfig) setDefaults() {
	if c.NamePrefix == "" && c.Address == "" {
		c.NamePrefix = DEFAULT_NAME_PREFIX
	}
	if c.Service == "" {
		c.Service = NUS_SERVICE
	}
	if c.Write == "" {
		c.Write = NUS_RX
	}
	if c.Notify == "" {
		c.Notify = NUS_TX
	}
	if c.Chunk <= 0 {
		c.Chunk = DEFAULT_CHUNK
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DEFAULT_SCAN
	}
}

// BLE is a connected Nordic UART link.
type BLE struct {
	listeners

	adapter *bluetooth.Adapter
	device  bluetooth.Device
	rx      bluetooth.DeviceCharacteristic
	name    string
	address string
	chunk   int
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	state State
}

// DialBLE scans for the kit, connects and resolves the write characteristic.
// The notify characteristic is optional: when it cannot be found the link
// works write only.
func DialBLE(ctx context.Context, adapter *bluetooth.Adapter, cfg BLEConfig, logger *zap.SugaredLogger) (*BLE, error) {
	cfg.setDefaults()

	serviceUUID, err := bluetooth.ParseUUID(cfg.Service)
	if err != nil {
		return nil, errors.Wrap(err, "parse service uuid")
	}
	rxUUID, err := bluetooth.ParseUUID(cfg.Write)
	if err != nil {
		return nil, errors.Wrap(err, "parse write uuid")
	}
	txUUID, err := bluetooth.ParseUUID(cfg.Notify)
	if err != nil {
		return nil, errors.Wrap(err, "parse notify uuid")
	}

	if err := adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "enable adapter")
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()
	result, err := scan(scanCtx, adapter, cfg)
	if err != nil {
		return nil, err
	}

	b := &BLE{
		adapter: adapter,
		name:    result.LocalName(),
		address: result.Address.String(),
		chunk:   cfg.Chunk,
		logger:  logger,
		state:   Connecting,
	}
	logger.Infow("connecting to kit", "name", b.name, "address", b.address)

	b.device, err = adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", b.address)
	}

	services, err := b.device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err == nil && len(services) == 0 {
		err = ErrNoService
	}
	if err != nil {
		b.device.Disconnect()
		return nil, errors.Wrap(err, "discover uart service")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{rxUUID})
	if err == nil && len(chars) == 0 {
		err = ErrNoService
	}
	if err != nil {
		b.device.Disconnect()
		return nil, errors.Wrap(err, "discover write characteristic")
	}
	b.rx = chars[0]

	notify, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{txUUID})
	if err == nil && len(notify) > 0 {
		if err := notify[0].EnableNotifications(b.feed); err != nil {
			logger.Warnw("notifications unavailable", "error", err)
		}
	} else {
		logger.Debugw("kit has no notify characteristic")
	}

	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected || device.Address.String() != b.address {
			return
		}
		b.lost()
	})

	b.mu.Lock()
	b.state = Connected
	b.mu.Unlock()
	b.emitState(Connected)

	return b, nil
}

func scan(ctx context.Context, adapter *bluetooth.Adapter, cfg BLEConfig) (bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	failed := make(chan error, 1)

	go func() {
		failed <- adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !matches(cfg, r) {
				return
			}
			select {
			case found <- r:
			default:
			}
			a.StopScan()
		})
	}()

	select {
	case r := <-found:
		return r, nil
	case err := <-failed:
		if err == nil {
			err = ErrNoDevice
		}
		return bluetooth.ScanResult{}, errors.Wrap(err, "scan")
	case <-ctx.Done():
		adapter.StopScan()
		return bluetooth.ScanResult{}, ErrNoDevice
	}
}

// matches filters advertisements. The uart service itself is only checked
// once connected, not every firmware advertises it.
func matches(cfg BLEConfig, r bluetooth.ScanResult) bool {
	if cfg.Address != "" {
		return strings.EqualFold(r.Address.String(), cfg.Address)
	}
	return strings.HasPrefix(r.LocalName(), cfg.NamePrefix)
}

// Write sends p without response, split into chunks the link can carry.
func (b *BLE) Write(ctx context.Context, p []byte) error {
	if b.State() != Connected {
		return ErrNotConnected
	}

	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := b.chunk
		if n > len(p) {
			n = len(p)
		}
		if _, err := b.rx.WriteWithoutResponse(p[:n]); err != nil {
			return errors.Wrap(err, "ble write")
		}
		p = p[n:]
	}

	return nil
}

func (b *BLE) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BLE) Name() string {
	if b.name == "" {
		return "unnamed"
	}
	return b.name
}

// Address of the connected peripheral.
func (b *BLE) Address() string {
	return b.address
}

func (b *BLE) Close() error {
	if !b.markDisconnected() {
		return nil
	}
	err := b.device.Disconnect()
	b.emitState(Disconnected)
	return err
}

func (b *BLE) lost() {
	if b.markDisconnected() {
		b.logger.Warnw("kit disconnected", "name", b.name)
		b.emitState(Disconnected)
	}
}

func (b *BLE) markDisconnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Disconnected {
		return false
	}
	b.state = Disconnected
	return true
}
