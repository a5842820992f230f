package tools

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/connection"
	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/internal/mirror"
	"github.com/standardbeagle/serial-mcp/internal/serialio"
)

// Data formats for reads and writes.
const (
	FormatText   = "text"
	FormatHex    = "hex"
	FormatBase64 = "base64"
)

const (
	defaultReadBytes = 256
	defaultLineBytes = 4096
	defaultPulseMS   = 100
)

// OpenInput defines input for serial.open.
type OpenInput struct {
	Port           string   `json:"port" jsonschema:"Serial port path (e.g. /dev/ttyUSB0, COM3)"`
	Baudrate       *int     `json:"baudrate,omitempty" jsonschema:"Baud rate (default 115200). Common values: 9600, 19200, 38400, 57600, 115200"`
	Bytesize       *int     `json:"bytesize,omitempty" jsonschema:"Data bits: 5, 6, 7 or 8 (default 8)"`
	Parity         string   `json:"parity,omitempty" jsonschema:"Parity: N(one), E(ven), O(dd), M(ark), S(pace). Default N"`
	Stopbits       *float64 `json:"stopbits,omitempty" jsonschema:"Stop bits: 1, 1.5 or 2 (default 1)"`
	TimeoutMS      *int     `json:"timeout_ms,omitempty" jsonschema:"Read timeout in milliseconds (default 200)"`
	WriteTimeoutMS *int     `json:"write_timeout_ms,omitempty" jsonschema:"Write timeout in milliseconds (default 200)"`
	Exclusive      bool     `json:"exclusive,omitempty" jsonschema:"Request exclusive access (platform-dependent)"`
	Encoding       string   `json:"encoding,omitempty" jsonschema:"Default text encoding: utf-8, ascii or latin-1 (default utf-8)"`
	Newline        string   `json:"newline,omitempty" jsonschema:"Default line terminator for readline and append_newline (default \\r\\n)"`
	Mirror         string   `json:"mirror,omitempty" jsonschema:"PTY mirror for this connection: off, ro or rw (default from SERIAL_MCP_MIRROR)"`
}

// ConnectionInput names a connection.
type ConnectionInput struct {
	ConnectionID string `json:"connection_id" jsonschema:"The connection_id from serial.open"`
}

// ReadInput defines input for serial.read.
type ReadInput struct {
	ConnectionID string `json:"connection_id" jsonschema:"The connection_id from serial.open"`
	NBytes       *int   `json:"nbytes,omitempty" jsonschema:"Maximum bytes to read (default 256)"`
	TimeoutMS    *int   `json:"timeout_ms,omitempty" jsonschema:"Override the read timeout for this call (milliseconds)"`
	As           string `json:"as,omitempty" jsonschema:"Output format: text, hex or base64 (default text)"`
}

// ReadLineInput defines input for serial.readline.
type ReadLineInput struct {
	ConnectionID string `json:"connection_id" jsonschema:"The connection_id from serial.open"`
	TimeoutMS    *int   `json:"timeout_ms,omitempty" jsonschema:"Override the read timeout (milliseconds)"`
	MaxBytes     *int   `json:"max_bytes,omitempty" jsonschema:"Maximum bytes to read (default 4096)"`
	Newline      string `json:"newline,omitempty" jsonschema:"Override the line terminator (defaults to the connection newline)"`
	As           string `json:"as,omitempty" jsonschema:"Output format: text, hex or base64 (default text)"`
}

// ReadUntilInput defines input for serial.read_until.
type ReadUntilInput struct {
	ConnectionID string  `json:"connection_id" jsonschema:"The connection_id from serial.open"`
	Delimiter    *string `json:"delimiter,omitempty" jsonschema:"Delimiter to read until (default \\n)"`
	TimeoutMS    *int    `json:"timeout_ms,omitempty" jsonschema:"Override the read timeout (milliseconds)"`
	MaxBytes     *int    `json:"max_bytes,omitempty" jsonschema:"Maximum bytes to read (default 4096)"`
	As           string  `json:"as,omitempty" jsonschema:"Output format: text, hex or base64 (default text)"`
}

// WriteInput defines input for serial.write.
type WriteInput struct {
	ConnectionID  string `json:"connection_id" jsonschema:"The connection_id from serial.open"`
	Data          string `json:"data" jsonschema:"Data to write"`
	Encoding      string `json:"encoding,omitempty" jsonschema:"Override the encoding for this call"`
	AppendNewline bool   `json:"append_newline,omitempty" jsonschema:"Append the newline after data (default false)"`
	Newline       string `json:"newline,omitempty" jsonschema:"Override the newline used by append_newline"`
	As            string `json:"as,omitempty" jsonschema:"How to interpret data: text, hex or base64 (default text)"`
}

// FlushInput defines input for serial.flush.
type FlushInput struct {
	ConnectionID string `json:"connection_id" jsonschema:"The connection_id from serial.open"`
	What         string `json:"what,omitempty" jsonschema:"Which buffer to flush: input, output or both (default both)"`
}

// LineInput defines input for serial.set_dtr and serial.set_rts.
type LineInput struct {
	ConnectionID string `json:"connection_id" jsonschema:"The connection_id from serial.open"`
	Value        bool   `json:"value" jsonschema:"true = high, false = low"`
}

// PulseInput defines input for serial.pulse_dtr and serial.pulse_rts.
type PulseInput struct {
	ConnectionID string `json:"connection_id" jsonschema:"The connection_id from serial.open"`
	DurationMS   *int   `json:"duration_ms,omitempty" jsonschema:"Pulse duration in milliseconds (default 100, max 10000)"`
}

// NoInput is the input of tools without arguments.
type NoInput struct{}

var formats = []string{FormatText, FormatHex, FormatBase64}

func (s *Service) serialTools() []*dispatch.Tool {
	return []*dispatch.Tool{
		define("serial.list_ports", "List available serial ports on the system.", s.listPorts),
		define("serial.open", `Open a serial port connection. Returns a connection_id for use with other serial tools.
The port stays open across tool calls until serial.close is called or the server exits.
Defaults are 115200 baud, 8N1, \r\n line terminator.
If you don't know the correct settings, check serial.spec.list or ask the user. A wrong baud rate is the most common cause of garbled data.
After opening, do a serial.read: many devices send a boot banner or prompt on connection.`,
			s.open,
			enum("parity", serialio.ParityNone, serialio.ParityEven, serialio.ParityOdd, serialio.ParityMark, serialio.ParitySpace),
			enum("mirror", string(mirror.Off), string(mirror.Observe), string(mirror.Duplex))),
		define("serial.close", "Close a serial port connection and release the port.", s.close),
		define("serial.connection_status", "Check whether a serial connection is still open and return its configuration.", s.connectionStatus),
		define("serial.read", `Read up to nbytes from a serial port. Returns with whatever data is available within the timeout; zero bytes is not an error.
Use serial.readline or serial.read_until for line-oriented reads.`, s.read, enum("as", formats...)),
		define("serial.write", "Write data to a serial port. Returns the number of bytes written.", s.write, enum("as", formats...)),
		define("serial.readline", `Read a line (up to and including the newline) or max_bytes, whichever comes first.
Uses the connection's newline by default. A timeout leaves partial data buffered.`, s.readLine, enum("as", formats...)),
		define("serial.read_until", "Read until a delimiter is received or max_bytes is reached. A timeout leaves partial data buffered.", s.readUntil, enum("as", formats...)),
		define("serial.flush", "Flush serial port buffers (discard pending input and/or output).", s.flush, enum("what", "input", "output", "both")),
		define("serial.set_dtr", "Set the DTR (Data Terminal Ready) control line. Usage is device-specific; check the protocol spec or ask the user.", s.setLine(connection.DTR)),
		define("serial.set_rts", "Set the RTS (Request To Send) control line. Usage is device-specific; check the protocol spec or ask the user.", s.setLine(connection.RTS)),
		define("serial.pulse_dtr", `Pulse DTR: set low, wait duration_ms, set high. Commonly resets microcontrollers (Arduino, ESP32).
Check the protocol spec or ask the user before pulsing.`, s.pulse(connection.DTR)),
		define("serial.pulse_rts", `Pulse RTS: set low, wait duration_ms, set high. Some devices use RTS to enter a bootloader.
Check the protocol spec or ask the user before pulsing.`, s.pulse(connection.RTS)),
	}
}

func (s *Service) conn(id string) (*connection.Connection, error) {
	if s.deps.Connections == nil {
		return nil, fault.New(fault.Unavailable, "serial connections are not available")
	}
	return s.deps.Connections.Get(id)
}

func (s *Service) listPorts(ctx context.Context, _ NoInput) (result, error) {
	ports, err := s.deps.ListPorts()
	if err != nil {
		return nil, fault.Wrap(fault.DeviceError, err, "enumerate ports")
	}
	return result{
		"message": fmt.Sprintf("Found %d serial port(s).", len(ports)),
		"ports":   ports,
		"count":   len(ports),
	}, nil
}

func millis(p *int, def time.Duration) (time.Duration, error) {
	if p == nil {
		return def, nil
	}
	if *p < 0 {
		return 0, fault.New(fault.InvalidParams, "timeouts must be non-negative")
	}
	return time.Duration(*p) * time.Millisecond, nil
}

func (s *Service) open(ctx context.Context, in OpenInput) (result, error) {
	settings := connection.DefaultSettings(in.Port)
	if in.Baudrate != nil {
		settings.Mode.BaudRate = *in.Baudrate
	}
	if in.Bytesize != nil {
		settings.Mode.DataBits = *in.Bytesize
	}
	if in.Parity != "" {
		settings.Mode.Parity = strings.ToUpper(in.Parity)
	}
	if in.Stopbits != nil {
		settings.Mode.StopBits = *in.Stopbits
	}
	var err error
	if settings.Mode.ReadTimeout, err = millis(in.TimeoutMS, settings.Mode.ReadTimeout); err != nil {
		return nil, err
	}
	if settings.Mode.WriteTimeout, err = millis(in.WriteTimeoutMS, settings.Mode.WriteTimeout); err != nil {
		return nil, err
	}
	settings.Mode.Exclusive = in.Exclusive
	if in.Encoding != "" {
		settings.Encoding = in.Encoding
	}
	if in.Newline != "" {
		settings.Newline = connection.Newline(in.Newline)
	}
	if in.Mirror != "" {
		mode, err := mirror.ParseMode(in.Mirror)
		if err != nil {
			return nil, fault.Wrap(fault.InvalidParams, err, "mirror")
		}
		settings.Mirror = mode
	}
	if s.deps.Connections == nil {
		return nil, fault.New(fault.Unavailable, "serial connections are not available")
	}

	c, err := s.deps.Connections.Open(ctx, settings)
	if err != nil {
		return nil, err
	}
	st := c.Status()
	r := result{
		"message":       fmt.Sprintf("Opened %s at %d baud.", st.Port, st.Settings.Baudrate),
		"connection_id": st.ID,
		"port":          st.Port,
		"config":        st.Settings,
	}
	if st.Mirror != nil {
		r["mirror"] = st.Mirror
	}
	if st.MirrorWarning != "" {
		r["mirror_warning"] = st.MirrorWarning
	}
	return r, nil
}

func (s *Service) close(ctx context.Context, in ConnectionInput) (result, error) {
	c, err := s.conn(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	port := c.Settings().Port
	if err := s.deps.Connections.Close(ctx, in.ConnectionID); err != nil {
		return nil, err
	}
	return result{
		"message":       fmt.Sprintf("Closed %s.", port),
		"connection_id": in.ConnectionID,
		"port":          port,
	}, nil
}

func (s *Service) connectionStatus(ctx context.Context, in ConnectionInput) (result, error) {
	c, err := s.conn(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	st := c.Status()
	state := "closed"
	if st.IsOpen {
		state = "open"
	}
	return flatten(result{"message": fmt.Sprintf("%s is %s.", st.Port, state)}, st), nil
}

// formatData renders raw bytes for a tool result.
func formatData(r result, raw []byte, format, encoding string) result {
	switch format {
	case FormatHex:
		r["data"] = hex.EncodeToString(raw)
	case FormatBase64:
		r["data"] = base64.StdEncoding.EncodeToString(raw)
	default:
		format = FormatText
		r["data"] = connection.Decode(encoding, raw)
		r["encoding"] = encoding
	}
	r["format"] = format
	return r
}

func readResult(c *connection.Connection, raw []byte, format string) result {
	return formatData(result{
		"message": fmt.Sprintf("Read %d byte(s) from %s.", len(raw), c.Settings().Port),
		"n_read":  len(raw),
	}, raw, format, c.Settings().Encoding)
}

// readTimeout is the per-call override, or -1 for the connection default.
func readTimeout(p *int) (time.Duration, error) {
	return millis(p, -1)
}

func positive(p *int, def int, field string) (int, error) {
	if p == nil {
		return def, nil
	}
	if *p <= 0 {
		return 0, fault.New(fault.InvalidParams, "%s must be positive", field)
	}
	return min(*p, connection.MaxReadBytes), nil
}

func (s *Service) read(ctx context.Context, in ReadInput) (result, error) {
	c, err := s.conn(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	n, err := positive(in.NBytes, defaultReadBytes, "nbytes")
	if err != nil {
		return nil, err
	}
	timeout, err := readTimeout(in.TimeoutMS)
	if err != nil {
		return nil, err
	}
	raw, err := c.Read(ctx, n, timeout)
	if err != nil {
		return nil, err
	}
	return readResult(c, raw, in.As), nil
}

func (s *Service) readLine(ctx context.Context, in ReadLineInput) (result, error) {
	c, err := s.conn(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	maxBytes, err := positive(in.MaxBytes, defaultLineBytes, "max_bytes")
	if err != nil {
		return nil, err
	}
	timeout, err := readTimeout(in.TimeoutMS)
	if err != nil {
		return nil, err
	}
	newline := c.Settings().Newline
	if in.Newline != "" {
		newline = connection.Newline(in.Newline)
	}
	delim, err := connection.Encode(c.Settings().Encoding, newline)
	if err != nil {
		return nil, err
	}
	raw, found, err := c.ReadUntil(ctx, delim, maxBytes, timeout)
	if err != nil {
		return nil, err
	}
	r := readResult(c, raw, in.As)
	r["delimiter_found"] = found
	return r, nil
}

func (s *Service) readUntil(ctx context.Context, in ReadUntilInput) (result, error) {
	c, err := s.conn(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	maxBytes, err := positive(in.MaxBytes, defaultLineBytes, "max_bytes")
	if err != nil {
		return nil, err
	}
	timeout, err := readTimeout(in.TimeoutMS)
	if err != nil {
		return nil, err
	}
	delimiter := "\n"
	if in.Delimiter != nil {
		delimiter = connection.Newline(*in.Delimiter)
	}
	if delimiter == "" {
		return nil, fault.New(fault.InvalidParams, "delimiter must not be empty")
	}
	delim, err := connection.Encode(c.Settings().Encoding, delimiter)
	if err != nil {
		return nil, err
	}
	raw, found, err := c.ReadUntil(ctx, delim, maxBytes, timeout)
	if err != nil {
		return nil, err
	}
	r := readResult(c, raw, in.As)
	r["delimiter_found"] = found
	return r, nil
}

// payload converts write input to the bytes sent to the device.
func payload(in WriteInput, settings connection.Settings) ([]byte, error) {
	encoding := settings.Encoding
	if in.Encoding != "" {
		enc, err := connection.NormalizeEncoding(in.Encoding)
		if err != nil {
			return nil, err
		}
		encoding = enc
	}

	var data []byte
	var err error
	switch in.As {
	case FormatHex:
		data, err = hex.DecodeString(strings.Join(strings.Fields(in.Data), ""))
		if err != nil {
			return nil, fault.Wrap(fault.InvalidParams, err, "data is not valid hex")
		}
	case FormatBase64:
		data, err = base64.StdEncoding.DecodeString(strings.TrimSpace(in.Data))
		if err != nil {
			return nil, fault.Wrap(fault.InvalidParams, err, "data is not valid base64")
		}
	default:
		if data, err = connection.Encode(encoding, in.Data); err != nil {
			return nil, err
		}
	}

	if in.AppendNewline {
		newline := settings.Newline
		if in.Newline != "" {
			newline = connection.Newline(in.Newline)
		}
		nl, err := connection.Encode(encoding, newline)
		if err != nil {
			return nil, err
		}
		data = append(data, nl...)
	}
	return data, nil
}

func (s *Service) write(ctx context.Context, in WriteInput) (result, error) {
	c, err := s.conn(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	data, err := payload(in, c.Settings())
	if err != nil {
		return nil, err
	}
	n, err := c.Write(ctx, data)
	if err != nil {
		return nil, err
	}
	return result{
		"message":       fmt.Sprintf("Wrote %d byte(s) to %s.", n, c.Settings().Port),
		"bytes_written": n,
	}, nil
}

func (s *Service) flush(ctx context.Context, in FlushInput) (result, error) {
	c, err := s.conn(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	what := in.What
	if what == "" {
		what = string(connection.FlushBoth)
	}
	cleared, err := c.Flush(connection.FlushTarget(what))
	if err != nil {
		return nil, err
	}
	return result{
		"message":       fmt.Sprintf("Flushed %s buffer(s) on %s.", what, c.Settings().Port),
		"cleared_bytes": cleared,
	}, nil
}

func level(v bool) string {
	if v {
		return "high"
	}
	return "low"
}

func (s *Service) setLine(line connection.Line) handlerFunc[LineInput] {
	return func(ctx context.Context, in LineInput) (result, error) {
		c, err := s.conn(in.ConnectionID)
		if err != nil {
			return nil, err
		}
		if err := c.SetControlLine(line, in.Value); err != nil {
			return nil, err
		}
		return result{
			"message":    fmt.Sprintf("%s %s on %s.", strings.ToUpper(string(line)), level(in.Value), c.Settings().Port),
			string(line): in.Value,
		}, nil
	}
}

func (s *Service) pulse(line connection.Line) handlerFunc[PulseInput] {
	return func(ctx context.Context, in PulseInput) (result, error) {
		c, err := s.conn(in.ConnectionID)
		if err != nil {
			return nil, err
		}
		d, err := millis(in.DurationMS, defaultPulseMS*time.Millisecond)
		if err != nil {
			return nil, err
		}
		d, err = c.PulseControlLine(ctx, line, d)
		if err != nil {
			return nil, err
		}
		return result{
			"message":     fmt.Sprintf("Pulsed %s low for %dms on %s.", strings.ToUpper(string(line)), d.Milliseconds(), c.Settings().Port),
			"duration_ms": d.Milliseconds(),
		}, nil
	}
}
