package extension

import (
	"sort"
	"strings"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

// PolicyEnv is the environment variable the policy is read from.
const PolicyEnv = "SERIAL_MCP_PLUGINS"

// Policy decides which extensions may load. It is built once at startup and
// never changes.
type Policy struct {
	enabled  bool
	allowAll bool
	allowed  map[string]bool
	raw      string
}

// ParsePolicy interprets the policy string: empty disables extensions, "all"
// or "*" allows every extension, anything else is a comma-separated
// allow-list.
func ParsePolicy(raw string) Policy {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return Policy{}
	case "all", "*":
		return Policy{enabled: true, allowAll: true, raw: raw}
	}
	allowed := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			allowed[name] = true
		}
	}
	if len(allowed) == 0 {
		return Policy{}
	}
	return Policy{enabled: true, allowed: allowed, raw: raw}
}

// AllowAll returns a policy that admits everything.
func AllowAll() Policy { return ParsePolicy("all") }

// Enabled reports whether any extension may load.
func (p Policy) Enabled() bool { return p.enabled }

// Allowed returns the allow-list, sorted. It is nil under allow-all.
func (p Policy) Allowed() []string {
	if p.allowAll || len(p.allowed) == 0 {
		return nil
	}
	names := make([]string, 0, len(p.allowed))
	for n := range p.allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// String renders the policy the way it is configured.
func (p Policy) String() string {
	switch {
	case !p.enabled:
		return "disabled"
	case p.allowAll:
		return "all"
	default:
		return strings.Join(p.Allowed(), ",")
	}
}

// Check fails with PolicyDisabled or PolicyNotAllowed when name may not load.
func (p Policy) Check(name string) error {
	if !p.enabled {
		return fault.New(fault.PolicyDisabled,
			"extensions are disabled; set %s=all or %s=name1,name2 to enable", PolicyEnv, PolicyEnv)
	}
	if p.allowAll || p.allowed[name] {
		return nil
	}
	return fault.New(fault.PolicyNotAllowed,
		"extension %q is not in the allow-list (%s=%s)", name, PolicyEnv, p.String())
}
