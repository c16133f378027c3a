package driver

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/qemu"
)

func TestRegistryAssign(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	first := &definition.Domain{Name: "web", UUID: uuid.New(), VCPUs: 1}
	dom := r.assign(first)
	dom.caps = &qemu.Capabilities{Version: 9001}
	dom.capsBinary = "/usr/bin/qemu"

	// Inactive domains take the new definition and its UUID immediately.
	second := &definition.Domain{Name: "web", UUID: uuid.New(), VCPUs: 2}
	if got := r.assign(second); got != dom {
		t.Fatalf("assign by name returned a new domain")
	}
	if dom.def != second || dom.caps != nil {
		t.Fatalf("inactive domain not replaced: def=%v caps=%v", dom.def, dom.caps)
	}
	if r.findByUUID(first.UUID) != nil || r.findByUUID(second.UUID) != dom {
		t.Fatalf("uuid index not rekeyed")
	}

	// Active domains stage the definition until they stop.
	dom.id = 7
	third := &definition.Domain{Name: "web", UUID: second.UUID, VCPUs: 4}
	r.assign(third)
	if dom.def != second || dom.newDef != third {
		t.Fatalf("active domain def=%v newDef=%v", dom.def, dom.newDef)
	}
	if r.findByID(7) != dom || r.findByID(-1) != nil {
		t.Fatalf("findByID mismatch")
	}
	dom.id = -1
	r.swapStaged(dom)
	if dom.def != third || dom.newDef != nil {
		t.Fatalf("staged definition not swapped in")
	}

	r.remove(dom)
	if r.findByName("web") != nil || r.findByUUID(third.UUID) != nil {
		t.Fatalf("domain not removed")
	}
}

func TestRegistrySwapKeepsOtherOwner(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	shared := uuid.New()
	a := r.assign(&definition.Domain{Name: "a", UUID: uuid.New()})
	a.id = 1
	staged := &definition.Domain{Name: "a", UUID: shared}
	r.assign(staged)
	if r.uuidOwner(shared) != a {
		t.Fatalf("staged uuid not owned by a")
	}

	b := r.assign(&definition.Domain{Name: "b", UUID: shared})
	a.id = -1
	if r.swapStaged(a) {
		t.Fatalf("swap succeeded over another domain's uuid")
	}
	if r.findByUUID(shared) != b || a.newDef != nil || a.def == staged {
		t.Fatalf("registry after refused swap: owner=%v a.def=%v", r.findByUUID(shared), a.def)
	}
	if active, inactive := r.counts(); active != 0 || inactive != 2 {
		t.Fatalf("counts = %d, %d", active, inactive)
	}
}

func TestRegistryListings(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	for _, name := range []string{"c", "a", "b"} {
		r.assign(&definition.Domain{Name: name, UUID: uuid.New()})
	}
	r.findByName("c").id = 3
	r.findByName("a").id = 1
	r.findByName("a").stdoutWatch = 11

	if ids := r.activeIDs(); len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("activeIDs = %v", ids)
	}
	if names := r.inactiveNames(); len(names) != 1 || names[0] != "b" {
		t.Fatalf("inactiveNames = %v", names)
	}
	if active, inactive := r.counts(); active != 2 || inactive != 1 {
		t.Fatalf("counts = %d, %d", active, inactive)
	}
	if r.findByWatch(11) != r.findByName("a") || r.findByWatch(0) != nil {
		t.Fatalf("findByWatch mismatch")
	}
}

func TestStateText(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(DomainInfo{State: StatePaused})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var info DomainInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.State != StatePaused {
		t.Fatalf("state = %s, want paused", info.State)
	}
	if State(42).String() != "unknown" {
		t.Fatalf("unexpected name for unknown state")
	}
}
