package extension

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/fault"
	"github.com/standardbeagle/serial-mcp/pkg/extsdk"
)

const (
	defaultStepTimeout = 1000 * time.Millisecond
	defaultStepMax     = 4096
	// maxSleep bounds a single sleep_ms step.
	maxSleep = 30 * time.Second
)

// Step is one action in a manifest handler. Exactly one action field is set;
// the rest are modifiers.
type Step struct {
	Write     *string `yaml:"write"`
	ReadUntil *string `yaml:"read_until"`
	ReadLine  bool    `yaml:"read_line"`
	Read      int     `yaml:"read"`
	SleepMS   int     `yaml:"sleep_ms"`
	PulseDTR  int     `yaml:"pulse_dtr"`
	PulseRTS  int     `yaml:"pulse_rts"`
	Flush     string  `yaml:"flush"`
	Expect    string  `yaml:"expect"`

	AppendNewline bool `yaml:"append_newline"`
	TimeoutMS     int  `yaml:"timeout_ms"`
	MaxBytes      int  `yaml:"max_bytes"`
	// Capture names the result key for a read step. Defaults to "response".
	Capture string `yaml:"capture"`
	// Connection is a template for the connection id. Defaults to the
	// connection_id argument.
	Connection string `yaml:"connection"`
}

type stepKind int

const (
	stepWrite stepKind = iota
	stepReadUntil
	stepReadLine
	stepRead
	stepSleep
	stepPulseDTR
	stepPulseRTS
	stepFlush
	stepExpect
)

type compiledStep struct {
	Step
	kind   stepKind
	text   *template.Template
	conn   *template.Template
	expect *regexp.Regexp
}

type script struct {
	tool  string
	steps []compiledStep
}

func (s Step) action() (stepKind, error) {
	var kinds []stepKind
	if s.Write != nil {
		kinds = append(kinds, stepWrite)
	}
	if s.ReadUntil != nil {
		kinds = append(kinds, stepReadUntil)
	}
	if s.ReadLine {
		kinds = append(kinds, stepReadLine)
	}
	if s.Read > 0 {
		kinds = append(kinds, stepRead)
	}
	if s.SleepMS > 0 {
		kinds = append(kinds, stepSleep)
	}
	if s.PulseDTR > 0 {
		kinds = append(kinds, stepPulseDTR)
	}
	if s.PulseRTS > 0 {
		kinds = append(kinds, stepPulseRTS)
	}
	if s.Flush != "" {
		kinds = append(kinds, stepFlush)
	}
	if s.Expect != "" {
		kinds = append(kinds, stepExpect)
	}
	if len(kinds) != 1 {
		return 0, fmt.Errorf("each step needs exactly one action, got %d", len(kinds))
	}
	return kinds[0], nil
}

func compileScript(tool string, steps []Step) (*script, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("handler %s has no steps", tool)
	}
	sc := &script{tool: tool}
	for i, st := range steps {
		k, err := st.action()
		if err != nil {
			return nil, fmt.Errorf("handler %s step %d: %w", tool, i+1, err)
		}
		cs := compiledStep{Step: st, kind: k}

		connSrc := st.Connection
		if connSrc == "" {
			connSrc = "{{.connection_id}}"
		}
		if cs.conn, err = template.New("conn").Option("missingkey=error").Parse(connSrc); err != nil {
			return nil, fmt.Errorf("handler %s step %d connection: %w", tool, i+1, err)
		}
		switch k {
		case stepWrite:
			if cs.text, err = template.New("write").Option("missingkey=error").Parse(*st.Write); err != nil {
				return nil, fmt.Errorf("handler %s step %d write: %w", tool, i+1, err)
			}
		case stepReadUntil:
			if *st.ReadUntil == "" {
				return nil, fmt.Errorf("handler %s step %d: read_until delimiter is empty", tool, i+1)
			}
		case stepExpect:
			if cs.expect, err = regexp.Compile(st.Expect); err != nil {
				return nil, fmt.Errorf("handler %s step %d expect: %w", tool, i+1, err)
			}
		case stepFlush:
			switch st.Flush {
			case "input", "output", "both":
			default:
				return nil, fmt.Errorf("handler %s step %d: flush must be input, output or both", tool, i+1)
			}
		}
		sc.steps = append(sc.steps, cs)
	}
	return sc, nil
}

func render(t *template.Template, data map[string]any) (string, error) {
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (cs compiledStep) timeout() time.Duration {
	if cs.TimeoutMS > 0 {
		return time.Duration(cs.TimeoutMS) * time.Millisecond
	}
	return defaultStepTimeout
}

func (cs compiledStep) maxBytes() int {
	if cs.MaxBytes > 0 {
		return cs.MaxBytes
	}
	return defaultStepMax
}

func (cs compiledStep) captureKey() string {
	if cs.Capture != "" {
		return cs.Capture
	}
	return "response"
}

// Run executes the script. Template data is the call arguments plus every
// value captured so far; the result holds the captures.
func (s *script) Run(ctx context.Context, host extsdk.Host, args map[string]any) (map[string]any, error) {
	data := make(map[string]any, len(args)+4)
	for k, v := range args {
		data[k] = v
	}
	result := map[string]any{}
	last := ""

	for i, st := range s.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := render(st.conn, data)
		if err != nil && st.kind != stepSleep && st.kind != stepExpect {
			return nil, fault.Wrap(fault.InvalidParams, err, "%s step %d connection", s.tool, i+1)
		}

		switch st.kind {
		case stepWrite:
			text, err := render(st.text, data)
			if err != nil {
				return nil, fault.Wrap(fault.InvalidParams, err, "%s step %d write", s.tool, i+1)
			}
			if st.AppendNewline {
				_, err = host.WriteLine(ctx, conn, text)
			} else {
				_, err = host.Write(ctx, conn, []byte(text))
			}
			if err != nil {
				return nil, err
			}

		case stepReadUntil, stepReadLine, stepRead:
			var got []byte
			var found bool
			switch st.kind {
			case stepReadUntil:
				got, found, err = host.ReadUntil(ctx, conn, []byte(*st.ReadUntil), st.maxBytes(), st.timeout())
			case stepReadLine:
				got, found, err = host.ReadLine(ctx, conn, st.maxBytes(), st.timeout())
			default:
				got, err = host.Read(ctx, conn, st.Read, st.timeout())
				found = true
			}
			if err != nil {
				return nil, err
			}
			last = strings.TrimRight(string(got), "\r\n")
			key := st.captureKey()
			result[key] = last
			data[key] = last
			if !found {
				result[key+"_truncated"] = true
			}

		case stepSleep:
			d := min(time.Duration(st.SleepMS)*time.Millisecond, maxSleep)
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}

		case stepPulseDTR:
			if err := host.PulseControlLine(ctx, conn, "dtr", time.Duration(st.PulseDTR)*time.Millisecond); err != nil {
				return nil, err
			}
		case stepPulseRTS:
			if err := host.PulseControlLine(ctx, conn, "rts", time.Duration(st.PulseRTS)*time.Millisecond); err != nil {
				return nil, err
			}

		case stepFlush:
			if _, err := host.Flush(ctx, conn, st.Flush); err != nil {
				return nil, err
			}

		case stepExpect:
			m := st.expect.FindStringSubmatch(last)
			if m == nil {
				return nil, fault.New(fault.DeviceError, "%s: response %q does not match %s", s.tool, last, st.Expect)
			}
			for gi, name := range st.expect.SubexpNames() {
				if gi > 0 && name != "" {
					result[name] = m[gi]
					data[name] = m[gi]
				}
			}

		default:
			return nil, errors.New("unknown step")
		}
	}
	return result, nil
}
