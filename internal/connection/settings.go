package connection

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/internal/mirror"
	"github.com/standardbeagle/serial-mcp/internal/serialio"
)

// Text encodings accepted for text-format reads and writes.
const (
	EncodingUTF8   = "utf-8"
	EncodingASCII  = "ascii"
	EncodingLatin1 = "latin-1"
)

// DefaultNewline terminates lines unless a connection overrides it.
const DefaultNewline = "\r\n"

// Settings is everything negotiated at open time.
type Settings struct {
	Port     string
	Mode     serialio.Mode
	Encoding string
	Newline  string
	// Mirror overrides the registry's default mirror mode when non-empty.
	Mirror mirror.Mode
}

// DefaultSettings returns 115200 8N1, utf-8, CRLF settings for port.
func DefaultSettings(port string) Settings {
	return Settings{
		Port:     port,
		Mode:     serialio.DefaultMode(),
		Encoding: EncodingUTF8,
		Newline:  DefaultNewline,
	}
}

// Validate normalizes the encoding name and checks every field.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Port) == "" {
		return fault.New(fault.InvalidParams, "port is required")
	}
	if err := s.Mode.Validate(); err != nil {
		return fault.Wrap(fault.InvalidParams, err, "invalid settings for %s", s.Port)
	}
	enc, err := NormalizeEncoding(s.Encoding)
	if err != nil {
		return err
	}
	s.Encoding = enc
	return nil
}

// SettingsView is the JSON shape of Settings in status output.
type SettingsView struct {
	Baudrate       int     `json:"baudrate"`
	Bytesize       int     `json:"bytesize"`
	Parity         string  `json:"parity"`
	Stopbits       float64 `json:"stopbits"`
	TimeoutMS      int64   `json:"timeout_ms"`
	WriteTimeoutMS int64   `json:"write_timeout_ms"`
	Exclusive      bool    `json:"exclusive"`
	Encoding       string  `json:"encoding"`
	Newline        string  `json:"newline"`
}

func (s Settings) View() SettingsView {
	return SettingsView{
		Baudrate:       s.Mode.BaudRate,
		Bytesize:       s.Mode.DataBits,
		Parity:         s.Mode.Parity,
		Stopbits:       s.Mode.StopBits,
		TimeoutMS:      s.Mode.ReadTimeout.Milliseconds(),
		WriteTimeoutMS: s.Mode.WriteTimeout.Milliseconds(),
		Exclusive:      s.Mode.Exclusive,
		Encoding:       s.Encoding,
		Newline:        s.Newline,
	}
}

// NormalizeEncoding maps aliases to a canonical encoding name.
func NormalizeEncoding(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return EncodingUTF8, nil
	case "ascii", "us-ascii":
		return EncodingASCII, nil
	case "latin-1", "latin1", "iso-8859-1", "iso8859-1":
		return EncodingLatin1, nil
	}
	return "", fault.New(fault.InvalidParams, "unsupported encoding %q: must be utf-8, ascii or latin-1", name)
}

// Encode converts text to bytes in the named encoding.
func Encode(encoding, text string) ([]byte, error) {
	enc, err := NormalizeEncoding(encoding)
	if err != nil {
		return nil, err
	}
	switch enc {
	case EncodingASCII:
		for i, r := range text {
			if r > 0x7f {
				return nil, fault.New(fault.InvalidParams, "character %q at offset %d is not ascii", r, i)
			}
		}
		return []byte(text), nil
	case EncodingLatin1:
		b, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(text))
		if err != nil {
			return nil, fault.Wrap(fault.InvalidParams, err, "text is not representable in latin-1")
		}
		return b, nil
	default:
		return []byte(text), nil
	}
}

// Decode converts bytes to text, replacing invalid sequences.
func Decode(encoding string, data []byte) string {
	enc, _ := NormalizeEncoding(encoding)
	switch enc {
	case EncodingLatin1:
		b, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return string(data)
		}
		return string(b)
	case EncodingASCII:
		var sb strings.Builder
		for _, c := range data {
			if c > 0x7f {
				sb.WriteRune(utf8.RuneError)
			} else {
				sb.WriteByte(c)
			}
		}
		return sb.String()
	default:
		return strings.ToValidUTF8(string(data), string(utf8.RuneError))
	}
}

// Newline decodes escape sequences so "\\r\\n" typed by a caller becomes CRLF.
func Newline(s string) string {
	r := strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t", `\0`, "\x00")
	return r.Replace(s)
}

func describeState(s State, faultMsg string) string {
	if s == StateFaulted && faultMsg != "" {
		return fmt.Sprintf("%s (%s)", s, faultMsg)
	}
	return string(s)
}
