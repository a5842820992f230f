package serialio

import (
	"errors"
	"fmt"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// System opens real ports through go.bug.st/serial.
type System struct{}

var _ Opener = System{}

// Open opens name with the given mode.
func (System) Open(name string, mode Mode) (Port, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	sm := &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: mode.DataBits,
		Parity:   toParity(mode.Parity),
		StopBits: toStopBits(mode.StopBits),
	}
	p, err := serial.Open(name, sm)
	if err != nil {
		return nil, mapPortError(name, err)
	}
	if mode.ReadTimeout > 0 {
		if err := p.SetReadTimeout(mode.ReadTimeout); err != nil {
			p.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
		}
	}
	return p, nil
}

func toParity(p string) serial.Parity {
	switch p {
	case ParityEven:
		return serial.EvenParity
	case ParityOdd:
		return serial.OddParity
	case ParityMark:
		return serial.MarkParity
	case ParitySpace:
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func toStopBits(s float64) serial.StopBits {
	switch s {
	case 1.5:
		return serial.OnePointFiveStopBits
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

func mapPortError(name string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortBusy:
			return fmt.Errorf("%w: %s", ErrBusy, name)
		case serial.PortNotFound:
			return fmt.Errorf("%w: %s", ErrNoSuchPort, name)
		}
	}
	return fmt.Errorf("open %s: %w", name, err)
}

// ListPorts enumerates serial ports with USB details where available, sorted
// by device name.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// Detailed enumeration is not supported everywhere; fall back to names.
		names, nerr := serial.GetPortsList()
		if nerr != nil {
			return nil, fmt.Errorf("list ports: %w", errors.Join(err, nerr))
		}
		out := make([]PortInfo, 0, len(names))
		for _, n := range names {
			out = append(out, PortInfo{Device: n})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
		return out, nil
	}

	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Device:       d.Name,
			IsUSB:        d.IsUSB,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
			Description:  d.Product,
		}
		if d.IsUSB {
			info.VID = "0x" + d.VID
			info.PID = "0x" + d.PID
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out, nil
}
