package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/hostnet"
	"github.com/cochaviz/qemud/internal/virerr"
)

const defaultNetwork = `<network>
  <name>default</name>
  <uuid>0a3a1a40-7a0b-4a4b-8a83-2f8a3d3b8a11</uuid>
  <bridge name='virbr%d'/>
  <ip address='192.168.122.1' netmask='255.255.255.0'>
    <dhcp><range start='192.168.122.2' end='192.168.122.254'/></dhcp>
  </ip>
</network>`

func TestNetworkLifecycle(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	ref, err := d.DefineNetwork([]byte(defaultNetwork))
	if err != nil {
		t.Fatalf("DefineNetwork returned error: %v", err)
	}
	if ref.Active {
		t.Fatalf("defined network is active")
	}
	if _, err := os.Stat(filepath.Join(d.cfg.ConfigDir, "networks", "default.xml")); err != nil {
		t.Fatalf("network config not written: %v", err)
	}
	if got := d.ListDefinedNetworks(); len(got) != 1 || got[0] != "default" {
		t.Fatalf("ListDefinedNetworks = %v", got)
	}
	if _, err := d.NetworkBridgeName("default"); !errors.Is(err, virerr.OperationInvalid) {
		t.Fatalf("expected OperationInvalid for inactive bridge, got %v", err)
	}

	if err := d.StartNetwork(ctx, "default"); err != nil {
		t.Fatalf("StartNetwork returned error: %v", err)
	}
	if err := d.StartNetwork(ctx, "default"); !errors.Is(err, virerr.OperationInvalid) {
		t.Fatalf("expected OperationInvalid on second start, got %v", err)
	}
	bridge, err := d.NetworkBridgeName("default")
	if err != nil || bridge != "virbr0" {
		t.Fatalf("NetworkBridgeName = %q, %v", bridge, err)
	}
	xml, err := d.NetworkXML("default")
	if err != nil {
		t.Fatalf("NetworkXML returned error: %v", err)
	}
	if !strings.Contains(string(xml), "virbr0") {
		t.Fatalf("active network XML lacks bridge: %s", xml)
	}
	if !d.Active() {
		t.Fatalf("driver with an active network reports inactive")
	}

	// Domains attach through the realized bridge.
	iface := `<interface type='network'><source network='default'/></interface>`
	if _, err := d.Create(ctx, env.domainXML("web", iface)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if len(env.net.taps) != 1 || env.net.taps[0] != "virbr0/vnet0" {
		t.Fatalf("taps = %v", env.net.taps)
	}
	domXML, err := d.XML("web")
	if err != nil {
		t.Fatalf("XML returned error: %v", err)
	}
	if !strings.Contains(string(domXML), "vnet0") {
		t.Fatalf("live domain XML lacks tap name: %s", domXML)
	}

	if err := d.UndefineNetwork("default"); !errors.Is(err, virerr.OperationInvalid) {
		t.Fatalf("expected OperationInvalid undefining an active network, got %v", err)
	}
	if err := d.DestroyNetwork(ctx, "default"); err != nil {
		t.Fatalf("DestroyNetwork returned error: %v", err)
	}
	if err := d.DestroyNetwork(ctx, "default"); err != nil {
		t.Fatalf("DestroyNetwork of inactive network returned error: %v", err)
	}
	if len(env.net.stopped) != 1 {
		t.Fatalf("stopped = %v", env.net.stopped)
	}
	if err := d.UndefineNetwork("default"); err != nil {
		t.Fatalf("UndefineNetwork returned error: %v", err)
	}
	if _, err := d.LookupNetworkByName("default"); !errors.Is(err, virerr.NoNetwork) {
		t.Fatalf("expected NoNetwork, got %v", err)
	}
}

func TestInactiveNetworkFailsDomainStart(t *testing.T) {
	d, env := newTestDriver(t)

	if _, err := d.DefineNetwork([]byte(defaultNetwork)); err != nil {
		t.Fatalf("DefineNetwork returned error: %v", err)
	}
	iface := `<interface type='network'><source network='default'/></interface>`
	_, err := d.Create(context.Background(), env.domainXML("web", iface))
	if err == nil || !strings.Contains(err.Error(), "not active") {
		t.Fatalf("expected inactive network error, got %v", err)
	}
	if env.spawns != 0 {
		t.Fatalf("spawned %d processes", env.spawns)
	}
}

func TestCreateNetworkTransient(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	env.net.failNet = errors.New("bridge busy")
	if _, err := d.CreateNetwork(ctx, []byte(defaultNetwork)); !errors.Is(err, virerr.InternalError) {
		t.Fatalf("expected InternalError, got %v", err)
	}
	if _, err := d.LookupNetworkByName("default"); !errors.Is(err, virerr.NoNetwork) {
		t.Fatalf("failed transient network was kept: %v", err)
	}

	env.net.failNet = nil
	ref, err := d.CreateNetwork(ctx, []byte(defaultNetwork))
	if err != nil {
		t.Fatalf("CreateNetwork returned error: %v", err)
	}
	if !ref.Active || ref.Bridge != "virbr0" {
		t.Fatalf("CreateNetwork = %+v", ref)
	}
	id := uuid.MustParse("0a3a1a40-7a0b-4a4b-8a83-2f8a3d3b8a11")
	if byUUID, err := d.LookupNetworkByUUID(id); err != nil || byUUID.Name != "default" {
		t.Fatalf("LookupNetworkByUUID = %+v, %v", byUUID, err)
	}
	if err := d.SetNetworkAutostart("default", true); !errors.Is(err, virerr.OperationInvalid) {
		t.Fatalf("expected OperationInvalid for transient autostart, got %v", err)
	}
	if err := d.DestroyNetwork(ctx, "default"); err != nil {
		t.Fatalf("DestroyNetwork returned error: %v", err)
	}
	if refs := d.Networks(); len(refs) != 0 {
		t.Fatalf("transient network survived destroy: %v", refs)
	}
}

func TestNetworkAutostartLink(t *testing.T) {
	d, _ := newTestDriver(t)

	if _, err := d.DefineNetwork([]byte(defaultNetwork)); err != nil {
		t.Fatalf("DefineNetwork returned error: %v", err)
	}
	if err := d.SetNetworkAutostart("default", true); err != nil {
		t.Fatalf("SetNetworkAutostart returned error: %v", err)
	}
	link := filepath.Join(d.cfg.ConfigDir, "networks", "autostart", "default.xml")
	if _, err := os.Lstat(link); err != nil {
		t.Fatalf("autostart link missing: %v", err)
	}
	if on, err := d.NetworkAutostart("default"); err != nil || !on {
		t.Fatalf("NetworkAutostart = %v, %v", on, err)
	}
	if err := d.SetNetworkAutostart("default", false); err != nil {
		t.Fatalf("disable autostart returned error: %v", err)
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Fatalf("autostart link still present: %v", err)
	}
}

func TestRedefineActiveNetworkStages(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	if _, err := d.DefineNetwork([]byte(defaultNetwork)); err != nil {
		t.Fatalf("DefineNetwork returned error: %v", err)
	}
	if err := d.StartNetwork(ctx, "default"); err != nil {
		t.Fatalf("StartNetwork returned error: %v", err)
	}
	changed := strings.Replace(defaultNetwork, "192.168.122.254", "192.168.122.100", 1)
	if _, err := d.DefineNetwork([]byte(changed)); err != nil {
		t.Fatalf("redefine returned error: %v", err)
	}

	rangeEnd := func() string {
		d.mu.Lock()
		defer d.mu.Unlock()
		nw := d.networks.byName["default"]
		return nw.def.Ranges[0].End
	}
	if got := rangeEnd(); got != "192.168.122.254" {
		t.Fatalf("running network range end = %s", got)
	}
	if err := d.DestroyNetwork(ctx, "default"); err != nil {
		t.Fatalf("DestroyNetwork returned error: %v", err)
	}
	if got := rangeEnd(); got != "192.168.122.100" {
		t.Fatalf("stopped network range end = %s", got)
	}
}

func TestBridgeResolver(t *testing.T) {
	t.Parallel()

	r := newNetworkRegistry()
	r.assign(&definition.Network{Name: "idle", UUID: uuid.New()})
	up := r.assign(&definition.Network{Name: "up", UUID: uuid.New()})
	up.running = &hostnet.ActiveNetwork{Name: "up", Bridge: "virbr3", DnsmasqPid: -1}

	b := bridgeResolver{r}
	if _, found := b.LookupBridge("missing"); found {
		t.Fatalf("unknown network found")
	}
	if bridge, found := b.LookupBridge("idle"); !found || bridge != "" {
		t.Fatalf("idle network = %q, %v", bridge, found)
	}
	if bridge, found := b.LookupBridge("up"); !found || bridge != "virbr3" {
		t.Fatalf("active network = %q, %v", bridge, found)
	}
}
