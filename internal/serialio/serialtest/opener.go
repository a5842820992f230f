package serialtest

import (
	"fmt"
	"sync"

	"github.com/standardbeagle/serial-mcp/internal/serialio"
)

// Opener hands out fake ports. Unknown names get a fresh port unless
// Strict is set, in which case only ports added with Add can be opened.
type Opener struct {
	// Echo is applied to ports created on demand.
	Echo bool
	// Strict rejects names that were not added.
	Strict bool

	mu     sync.Mutex
	ports  map[string]*Port
	modes  map[string]serialio.Mode
	opened map[string]int
}

var _ serialio.Opener = (*Opener)(nil)

// NewEchoOpener returns an Opener whose ports echo writes back.
func NewEchoOpener() *Opener {
	return &Opener{Echo: true}
}

// Add registers a port to be returned for its name.
func (o *Opener) Add(p *Port) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.init()
	o.ports[p.Name] = p
}

func (o *Opener) init() {
	if o.ports == nil {
		o.ports = make(map[string]*Port)
		o.modes = make(map[string]serialio.Mode)
		o.opened = make(map[string]int)
	}
}

// Open implements serialio.Opener.
func (o *Opener) Open(name string, mode serialio.Mode) (serialio.Port, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.init()
	p, ok := o.ports[name]
	if !ok || p.Closed() {
		if o.Strict && !ok {
			return nil, fmt.Errorf("%w: %s", serialio.ErrNoSuchPort, name)
		}
		p = NewPort(name, o.Echo)
		o.ports[name] = p
	}
	o.modes[name] = mode
	o.opened[name]++
	return p, nil
}

// Port returns the fake most recently handed out for name.
func (o *Opener) Port(name string) *Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ports == nil {
		return nil
	}
	return o.ports[name]
}

// Mode returns the mode name was last opened with.
func (o *Opener) Mode(name string) serialio.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.modes[name]
}

// Opens returns how many times name was opened.
func (o *Opener) Opens(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[name]
}
