package link

import (
	"bufio"
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// SerialConfig describes a USB serial connection to the kit firmware.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// Serial speaks the same newline delimited protocol as the BLE link over a
// USB serial port.
type Serial struct {
	listeners

	port   *serial.Port
	name   string
	logger *zap.SugaredLogger

	mu    sync.Mutex
	state State

	wmu sync.Mutex // guards port writes
}

func OpenSerial(cfg SerialConfig, logger *zap.SugaredLogger) (s *Serial, err error) {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}

	port, err := serial.OpenPort(&serial.Config{
		Name: cfg.Port,
		Baud: cfg.Baud,
		Size: 8,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", cfg.Port)
	}

	s = &Serial{
		port:   port,
		name:   cfg.Port,
		logger: logger,
		state:  Connected,
	}

	go s.listen()

	return s, nil
}

func (s *Serial) Write(ctx context.Context, p []byte) error {
	if s.State() != Connected {
		return ErrNotConnected
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.port.Write(p)
	return err
}

func (s *Serial) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Serial) Name() string {
	return s.name
}

func (s *Serial) Close() error {
	if !s.markDisconnected() {
		return nil
	}
	err := s.port.Close()
	s.emitState(Disconnected)
	return err
}

func (s *Serial) listen() {
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		s.emitLine(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warnw("serial link read failed", "port", s.name, "error", err)
	}

	// the port is gone; report it unless Close got here first
	if s.markDisconnected() {
		s.port.Close()
		s.emitState(Disconnected)
	}
}

func (s *Serial) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Disconnected {
		return false
	}
	s.state = Disconnected
	return true
}
