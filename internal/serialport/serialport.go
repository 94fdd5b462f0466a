// Package serialport opens the GPS UART with one of the supported drivers.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	jserial "github.com/jacobsa/go-serial/serial"
	"go.bug.st/serial"
)

const (
	DriverBugst   = "bugst"
	DriverJacobsa = "jacobsa"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("serialport: unknown driver")

// Config holds serial port settings.
type Config struct {
	PortPath    string        `yaml:"port_path" json:"portPath"`
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	Driver      string        `yaml:"driver" json:"driver"` // "bugst" or "jacobsa"
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

// Open opens the port 8N1. Reads return after ReadTimeout with no data.
func Open(cfg Config) (io.ReadCloser, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverBugst:
		return openBugst(cfg)
	case DriverJacobsa:
		return openJacobsa(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func openBugst(cfg Config) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialport: set read timeout on %s: %w", cfg.PortPath, err)
	}
	return port, nil
}

func openJacobsa(cfg Config) (io.ReadCloser, error) {
	opts := jserial.OpenOptions{
		PortName:        cfg.PortPath,
		BaudRate:        uint(cfg.BaudRate),
		DataBits:        8,
		StopBits:        1,
		ParityMode:      jserial.PARITY_NONE,
		MinimumReadSize: 0,
		// Milliseconds; jacobsa needs MinimumReadSize 0 for this to apply.
		InterCharacterTimeout: uint(cfg.ReadTimeout / time.Millisecond),
	}
	port, err := jserial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("serialport: failed to open %s: %w", cfg.PortPath, err)
	}
	return port, nil
}
