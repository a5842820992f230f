package serialio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.bug.st/serial"
)

func TestModeValidate(t *testing.T) {
	assert.NoError(t, DefaultMode().Validate())

	tests := []struct {
		name string
		edit func(*Mode)
	}{
		{"baud", func(m *Mode) { m.BaudRate = 0 }},
		{"bytesize", func(m *Mode) { m.DataBits = 9 }},
		{"parity", func(m *Mode) { m.Parity = "X" }},
		{"stopbits", func(m *Mode) { m.StopBits = 3 }},
		{"timeout", func(m *Mode) { m.ReadTimeout = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DefaultMode()
			tt.edit(&m)
			assert.Error(t, m.Validate())
		})
	}
}

func TestModeMapping(t *testing.T) {
	assert.Equal(t, serial.EvenParity, toParity(ParityEven))
	assert.Equal(t, serial.SpaceParity, toParity(ParitySpace))
	assert.Equal(t, serial.NoParity, toParity(ParityNone))
	assert.Equal(t, serial.OnePointFiveStopBits, toStopBits(1.5))
	assert.Equal(t, serial.TwoStopBits, toStopBits(2))
	assert.Equal(t, serial.OneStopBit, toStopBits(1))
}

func TestSystemOpenRejectsInvalidMode(t *testing.T) {
	m := DefaultMode()
	m.DataBits = 4
	_, err := System{}.Open("/dev/null-serial", m)
	assert.Error(t, err)
}
