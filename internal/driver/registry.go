package driver

import (
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/eventloop"
	"github.com/cochaviz/qemud/internal/monitor"
	"github.com/cochaviz/qemud/internal/qemu"
)

// State is the run state of a domain.
type State int

const (
	StateShutoff State = iota
	StateRunning
	StatePaused
)

var stateNames = map[State]string{
	StateShutoff: "shutoff",
	StateRunning: "running",
	StatePaused:  "paused",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	*s = StateShutoff
	return nil
}

// Domain is a defined or running virtual machine. Every field is guarded by
// the driver lock.
type Domain struct {
	def    *definition.Domain
	newDef *definition.Domain

	id    int
	pid   int
	state State

	stdin  *os.File
	stdout int
	stderr int
	mon    *monitor.Monitor
	log    *os.File

	stdoutWatch eventloop.Watch
	stderrWatch eventloop.Watch

	configPath    string
	autostartPath string
	autostart     bool

	caps       *qemu.Capabilities
	capsBinary string

	ifNames     map[int]string
	vncPort     int
	migrateFrom string
}

func newDomain(def *definition.Domain) *Domain {
	return &Domain{
		def:    def,
		id:     -1,
		pid:    -1,
		stdout: -1,
		stderr: -1,
		state:  StateShutoff,
	}
}

func (dom *Domain) active() bool {
	return dom.id != -1
}

func (dom *Domain) transient() bool {
	return dom.configPath == ""
}

func (dom *Domain) ref() DomainRef {
	return DomainRef{Name: dom.def.Name, UUID: dom.def.UUID.String(), ID: dom.id, State: dom.state}
}

// DomainRef identifies a domain to callers.
type DomainRef struct {
	Name  string `json:"name"`
	UUID  string `json:"uuid"`
	ID    int    `json:"id"` // -1 while inactive
	State State  `json:"state"`
}

// registry owns every known domain keyed by UUID.
type registry struct {
	domains map[uuid.UUID]*Domain
	byName  map[string]*Domain
}

func newRegistry() *registry {
	return &registry{
		domains: map[uuid.UUID]*Domain{},
		byName:  map[string]*Domain{},
	}
}

// assign inserts def or merges it into the domain of the same name. An
// active domain keeps running on its current definition; def is staged and
// swapped in when it stops.
func (r *registry) assign(def *definition.Domain) *Domain {
	if dom, ok := r.byName[def.Name]; ok {
		if dom.active() {
			dom.newDef = def
		} else {
			delete(r.domains, dom.def.UUID)
			dom.def = def
			r.domains[def.UUID] = dom
		}
		dom.caps = nil
		dom.capsBinary = ""
		return dom
	}
	dom := newDomain(def)
	r.domains[def.UUID] = dom
	r.byName[def.Name] = dom
	return dom
}

func (r *registry) remove(dom *Domain) {
	if cur, ok := r.domains[dom.def.UUID]; ok && cur == dom {
		delete(r.domains, dom.def.UUID)
	}
	if cur, ok := r.byName[dom.def.Name]; ok && cur == dom {
		delete(r.byName, dom.def.Name)
	}
}

// swapStaged installs a staged definition on a domain that just stopped.
// It reports false and drops the staged definition when its UUID already
// belongs to another domain.
func (r *registry) swapStaged(dom *Domain) bool {
	staged := dom.newDef
	if staged == nil {
		return true
	}
	dom.newDef = nil
	if cur, ok := r.domains[staged.UUID]; ok && cur != dom {
		return false
	}
	delete(r.domains, dom.def.UUID)
	dom.def = staged
	r.domains[dom.def.UUID] = dom
	return true
}

func (r *registry) findByUUID(id uuid.UUID) *Domain {
	return r.domains[id]
}

// uuidOwner returns the domain that holds id as its current or staged
// definition.
func (r *registry) uuidOwner(id uuid.UUID) *Domain {
	if dom, ok := r.domains[id]; ok {
		return dom
	}
	for _, dom := range r.byName {
		if dom.newDef != nil && dom.newDef.UUID == id {
			return dom
		}
	}
	return nil
}

func (r *registry) findByName(name string) *Domain {
	return r.byName[name]
}

// findByID only matches active domains.
func (r *registry) findByID(id int) *Domain {
	if id < 0 {
		return nil
	}
	for _, dom := range r.domains {
		if dom.id == id {
			return dom
		}
	}
	return nil
}

// findByWatch matches the domain whose stdout or stderr is registered as w.
func (r *registry) findByWatch(w eventloop.Watch) *Domain {
	if w == 0 {
		return nil
	}
	for _, dom := range r.domains {
		if dom.active() && (dom.stdoutWatch == w || dom.stderrWatch == w) {
			return dom
		}
	}
	return nil
}

// sorted lists domains by name.
func (r *registry) sorted() []*Domain {
	out := make([]*Domain, 0, len(r.byName))
	for _, dom := range r.byName {
		out = append(out, dom)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].def.Name < out[j].def.Name })
	return out
}

func (r *registry) activeIDs() []int {
	var ids []int
	for _, dom := range r.domains {
		if dom.active() {
			ids = append(ids, dom.id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (r *registry) inactiveNames() []string {
	var names []string
	for _, dom := range r.sorted() {
		if !dom.active() {
			names = append(names, dom.def.Name)
		}
	}
	return names
}

func (r *registry) counts() (active, inactive int) {
	for _, dom := range r.domains {
		if dom.active() {
			active++
		} else {
			inactive++
		}
	}
	return active, inactive
}
