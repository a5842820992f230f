// Package serialio is the device I/O collaborator: a thin interface over a
// serial port handle plus the go.bug.st/serial backed implementation.
//
// Read must honor the timeout set with SetReadTimeout and return (0, nil)
// when it elapses, so callers can tell timeout from data without errors.
package serialio

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Port is an open serial device.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
	SetDTR(value bool) error
	SetRTS(value bool) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	// Drain blocks until all written bytes have been transmitted.
	Drain() error
}

// Opener opens ports by name.
type Opener interface {
	Open(name string, mode Mode) (Port, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(name string, mode Mode) (Port, error)

func (f OpenerFunc) Open(name string, mode Mode) (Port, error) { return f(name, mode) }

// Parity values accepted by Mode.
const (
	ParityNone  = "N"
	ParityEven  = "E"
	ParityOdd   = "O"
	ParityMark  = "M"
	ParitySpace = "S"
)

// Mode is the negotiated line configuration.
type Mode struct {
	BaudRate     int
	DataBits     int
	Parity       string
	StopBits     float64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Exclusive    bool
}

// DefaultMode is 115200 8N1 with 200ms timeouts.
func DefaultMode() Mode {
	return Mode{
		BaudRate:     115200,
		DataBits:     8,
		Parity:       ParityNone,
		StopBits:     1,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
	}
}

// Validate checks the mode against the values serial hardware supports.
func (m Mode) Validate() error {
	if m.BaudRate <= 0 {
		return fmt.Errorf("invalid baudrate %d: must be positive", m.BaudRate)
	}
	switch m.DataBits {
	case 5, 6, 7, 8:
	default:
		return fmt.Errorf("invalid bytesize %d: must be one of 5, 6, 7, 8", m.DataBits)
	}
	switch m.Parity {
	case ParityNone, ParityEven, ParityOdd, ParityMark, ParitySpace:
	default:
		return fmt.Errorf("invalid parity %q: must be one of N, E, O, M, S", m.Parity)
	}
	switch m.StopBits {
	case 1, 1.5, 2:
	default:
		return fmt.Errorf("invalid stopbits %v: must be one of 1, 1.5, 2", m.StopBits)
	}
	if m.ReadTimeout < 0 || m.WriteTimeout < 0 {
		return errors.New("timeouts must be non-negative")
	}
	return nil
}

// PortInfo describes an enumerated port.
type PortInfo struct {
	Device       string `json:"device"`
	Description  string `json:"description,omitempty"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	IsUSB        bool   `json:"is_usb"`
}

var (
	// ErrBusy is returned when the OS reports the port is held elsewhere.
	ErrBusy = errors.New("serial port busy")
	// ErrNoSuchPort is returned when the port does not exist.
	ErrNoSuchPort = errors.New("serial port not found")
)
