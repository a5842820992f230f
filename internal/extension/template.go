package extension

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
)

const defaultDevice = "my_device"

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a device name into an extension and tool-name prefix.
func Slug(device string) string {
	if strings.TrimSpace(device) == "" {
		device = defaultDevice
	}
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(device), "_"), "_")
	if slug == "" || reservedNames[slug] {
		return defaultDevice
	}
	return slug
}

var manifestTemplate = template.Must(template.New("manifest").Parse(`# Extension for {{.Device}}.
# Save as {{.Path}}, edit the tools and handlers, then call
# serial.plugin.load with path "{{.Slug}}.yaml".

# Optional hints that help match this extension to a device.
meta:
  description: {{printf "%q" (print .Device " extension")}}
  # device_name_contains: "{{.Device}}"

tools:
  - name: {{.Slug}}.example
    description: Example tool; replace with real functionality.
    input_schema:
      type: object
      properties:
        connection_id:
          type: string
      required: [connection_id]

# Every tool needs a handler with the same name. Handlers are step lists;
# each step has exactly one action:
#   write: "text"        (templated over the arguments; append_newline: true)
#   read_until: "> "     (timeout_ms, max_bytes, capture: key)
#   read_line: true
#   read: 64
#   expect: "^OK (?P<value>\\d+)$"   (matched against the last capture)
#   sleep_ms: 100
#   pulse_dtr: 100 / pulse_rts: 100
#   flush: input | output | both
handlers:
  {{.Slug}}.example:
    - write: "AT"
      append_newline: true
    - read_line: true
      timeout_ms: 2000
      capture: response
`))

// Template is a starter manifest and where to save it.
type Template struct {
	Slug          string `json:"slug"`
	Manifest      string `json:"template"`
	SuggestedPath string `json:"suggested_path"`
}

// NewTemplate renders a manifest prefilled for device, suggesting a path
// inside dir.
func NewTemplate(dir, device string) Template {
	if strings.TrimSpace(device) == "" {
		device = defaultDevice
	}
	slug := Slug(device)
	path := filepath.Join(dir, slug+".yaml")

	var b bytes.Buffer
	// The template has no failure paths for string fields.
	_ = manifestTemplate.Execute(&b, struct{ Device, Slug, Path string }{device, slug, path})
	return Template{Slug: slug, Manifest: b.String(), SuggestedPath: path}
}
