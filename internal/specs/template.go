package specs

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
)

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Template is a starter spec and where to save it.
type Template struct {
	Content       string `json:"template"`
	SuggestedPath string `json:"suggested_path"`
}

var specTemplate = template.Must(template.New("spec").Parse(`---
kind: serial-protocol
name: {{printf "%q" (print .Device " Protocol")}}
---

# {{.Device}} Serial Protocol

## Overview

Brief description of the device and its serial protocol.

## Connection Settings

- **Port**: ` + "`/dev/ttyUSB0`" + ` or ` + "`COM3`" + ` (how to identify the correct port)
- **Baud rate**: 115200
- **Data bits**: 8
- **Parity**: None
- **Stop bits**: 1
- **Encoding**: UTF-8
- **Line terminator**: ` + "`\\r\\n`" + `

## Message Format

How messages are structured (text lines, binary frames, etc.).

### Incoming (device to host)

- **Format**: one line per message, newline-terminated
- **Example**: ` + "`OK\\r\\n`" + `

### Outgoing (host to device)

- **Format**: command string followed by newline
- **Example**: ` + "`AT+VERSION\\n`" + `

## Commands

### Command Name

- **Send**: ` + "`COMMAND_STRING`" + `
- **Response**: Description of expected response

## Flows

Multi-step sequences that involve several commands or timing.

### Flow Name

1. Send ` + "`INIT`" + ` to initialize the device
2. Wait for ` + "`READY`" + `
3. Send ` + "`START`" + ` to begin operation

<!-- Example reset flow:
### Reset Device
1. Pulse DTR low for 100ms to trigger a hardware reset
2. Wait 500ms for boot
3. Read until READY; the device sends a banner on boot
-->

## Notes

Additional protocol notes, quirks, or implementation details.
`))

// NewTemplate renders a starter spec for device and suggests a path under
// the project's specs directory.
func (s *Store) NewTemplate(device string) Template {
	device = strings.TrimSpace(device)
	slug := "my-device"
	if device != "" {
		if sl := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(device), "-"), "-"); sl != "" {
			slug = sl
		}
	} else {
		device = "My Device"
	}
	var b bytes.Buffer
	_ = specTemplate.Execute(&b, struct{ Device string }{device})
	return Template{
		Content:       b.String(),
		SuggestedPath: filepath.Join(s.proj.SpecsDir(), slug+".md"),
	}
}
