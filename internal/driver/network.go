package driver

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/hostnet"
	"github.com/cochaviz/qemud/internal/virerr"
)

// Network is a defined or active virtual network.
type Network struct {
	def    *definition.Network
	newDef *definition.Network

	running *hostnet.ActiveNetwork

	configPath    string
	autostartPath string
	autostart     bool
}

func (nw *Network) active() bool {
	return nw.running != nil
}

func (nw *Network) transient() bool {
	return nw.configPath == ""
}

func (nw *Network) ref() NetworkRef {
	ref := NetworkRef{Name: nw.def.Name, UUID: nw.def.UUID.String(), Active: nw.active()}
	if nw.running != nil {
		ref.Bridge = nw.running.Bridge
	}
	return ref
}

// NetworkRef identifies a network to callers.
type NetworkRef struct {
	Name   string `json:"name"`
	UUID   string `json:"uuid"`
	Active bool   `json:"active"`
	Bridge string `json:"bridge,omitempty"`
}

type networkRegistry struct {
	networks map[uuid.UUID]*Network
	byName   map[string]*Network
}

func newNetworkRegistry() *networkRegistry {
	return &networkRegistry{
		networks: map[uuid.UUID]*Network{},
		byName:   map[string]*Network{},
	}
}

func (r *networkRegistry) assign(def *definition.Network) *Network {
	if nw, ok := r.byName[def.Name]; ok {
		if nw.active() {
			nw.newDef = def
		} else {
			delete(r.networks, nw.def.UUID)
			nw.def = def
			r.networks[def.UUID] = nw
		}
		return nw
	}
	nw := &Network{def: def}
	r.networks[def.UUID] = nw
	r.byName[def.Name] = nw
	return nw
}

func (r *networkRegistry) remove(nw *Network) {
	if cur, ok := r.networks[nw.def.UUID]; ok && cur == nw {
		delete(r.networks, nw.def.UUID)
	}
	if cur, ok := r.byName[nw.def.Name]; ok && cur == nw {
		delete(r.byName, nw.def.Name)
	}
}

func (r *networkRegistry) swapStaged(nw *Network) bool {
	staged := nw.newDef
	if staged == nil {
		return true
	}
	nw.newDef = nil
	if cur, ok := r.networks[staged.UUID]; ok && cur != nw {
		return false
	}
	delete(r.networks, nw.def.UUID)
	nw.def = staged
	r.networks[nw.def.UUID] = nw
	return true
}

func (r *networkRegistry) uuidOwner(id uuid.UUID) *Network {
	if nw, ok := r.networks[id]; ok {
		return nw
	}
	for _, nw := range r.byName {
		if nw.newDef != nil && nw.newDef.UUID == id {
			return nw
		}
	}
	return nil
}

func (r *networkRegistry) sorted() []*Network {
	out := make([]*Network, 0, len(r.byName))
	for _, nw := range r.byName {
		out = append(out, nw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].def.Name < out[j].def.Name })
	return out
}

func (r *networkRegistry) activeCount() int {
	n := 0
	for _, nw := range r.networks {
		if nw.active() {
			n++
		}
	}
	return n
}

func (r *networkRegistry) names(active bool) []string {
	var names []string
	for _, nw := range r.sorted() {
		if nw.active() == active {
			names = append(names, nw.def.Name)
		}
	}
	return names
}

// bridgeResolver resolves virtual networks for argv synthesis, which runs
// under the driver lock.
type bridgeResolver struct {
	networks *networkRegistry
}

func (b bridgeResolver) LookupBridge(name string) (string, bool) {
	nw, ok := b.networks.byName[name]
	if !ok {
		return "", false
	}
	if nw.running == nil {
		return "", true
	}
	return nw.running.Bridge, true
}

func (d *Driver) startNetwork(ctx context.Context, nw *Network) error {
	if nw.active() {
		return virerr.New(virerr.OperationInvalid, "network is already active")
	}
	running, err := d.net.StartNetwork(ctx, nw.def)
	if err != nil {
		return virerr.Wrap(virerr.InternalError, err, "failed to start network '%s'", nw.def.Name)
	}
	nw.running = running
	return nil
}

func (d *Driver) stopNetwork(ctx context.Context, nw *Network) {
	if !nw.active() {
		return
	}
	d.net.StopNetwork(ctx, nw.running)
	nw.running = nil
	if !d.networks.swapStaged(nw) {
		d.logger.Warn("dropping staged network definition with duplicate uuid", "network", nw.def.Name)
	}
}

func (d *Driver) network(name string) (*Network, error) {
	nw, ok := d.networks.byName[name]
	if !ok {
		return nil, virerr.New(virerr.NoNetwork, "no network with matching name '%s'", name)
	}
	return nw, nil
}

func (d *Driver) parseNetwork(xml []byte) (*definition.Network, error) {
	def, err := definition.ParseNetwork(xml)
	if err != nil {
		return nil, err
	}
	if other := d.networks.uuidOwner(def.UUID); other != nil && other.def.Name != def.Name {
		return nil, virerr.New(virerr.OperationFailed, "network '%s' already exists with uuid %s", other.def.Name, def.UUID)
	}
	return def, nil
}

// DefineNetwork persists a network definition without starting it.
func (d *Driver) DefineNetwork(xml []byte) (NetworkRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	def, err := d.parseNetwork(xml)
	if err != nil {
		return NetworkRef{}, err
	}
	_, existed := d.networks.byName[def.Name]
	nw := d.networks.assign(def)

	data, err := definition.FormatNetwork(def, "")
	if err == nil {
		nw.configPath, err = d.networkRepo.Save(def.Name, data)
	}
	if err != nil {
		if !existed {
			d.networks.remove(nw)
		}
		return NetworkRef{}, virerr.Wrap(virerr.InternalError, err, "cannot save network '%s'", def.Name)
	}
	nw.autostartPath = d.networkRepo.AutostartPath(def.Name)
	return nw.ref(), nil
}

// CreateNetwork starts a transient network.
func (d *Driver) CreateNetwork(ctx context.Context, xml []byte) (NetworkRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	def, err := d.parseNetwork(xml)
	if err != nil {
		return NetworkRef{}, err
	}
	nw := d.networks.assign(def)
	if err := d.startNetwork(ctx, nw); err != nil {
		if nw.transient() && !nw.active() {
			d.networks.remove(nw)
		}
		return NetworkRef{}, err
	}
	return nw.ref(), nil
}

// UndefineNetwork deletes the config of an inactive network.
func (d *Driver) UndefineNetwork(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	nw, err := d.network(name)
	if err != nil {
		return err
	}
	if nw.active() {
		return virerr.New(virerr.OperationInvalid, "cannot delete active network")
	}
	if err := d.networkRepo.Delete(nw.configPath, nw.autostartPath); err != nil {
		return virerr.Wrap(virerr.InternalError, err, "cannot delete network '%s'", name)
	}
	nw.configPath, nw.autostartPath = "", ""
	d.networks.remove(nw)
	return nil
}

// StartNetwork starts a defined network.
func (d *Driver) StartNetwork(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	nw, err := d.network(name)
	if err != nil {
		return err
	}
	return d.startNetwork(ctx, nw)
}

// DestroyNetwork stops a network. Stopping an inactive network does nothing;
// a transient network is forgotten.
func (d *Driver) DestroyNetwork(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	nw, err := d.network(name)
	if err != nil {
		return err
	}
	d.logger.Info("shutting down network", "network", name)
	d.stopNetwork(ctx, nw)
	if nw.transient() {
		d.networks.remove(nw)
	}
	return nil
}

// NetworkXML renders a network; an active one reports its realized bridge.
func (d *Driver) NetworkXML(name string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nw, err := d.network(name)
	if err != nil {
		return nil, err
	}
	bridge := ""
	if nw.running != nil {
		bridge = nw.running.Bridge
	}
	return definition.FormatNetwork(nw.def, bridge)
}

// NetworkBridgeName returns the bridge of an active network.
func (d *Driver) NetworkBridgeName(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nw, err := d.network(name)
	if err != nil {
		return "", err
	}
	if nw.running == nil {
		return "", virerr.New(virerr.OperationInvalid, "network '%s' is not active", name)
	}
	return nw.running.Bridge, nil
}

// NetworkAutostart reports whether a network starts with the driver.
func (d *Driver) NetworkAutostart(name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nw, err := d.network(name)
	if err != nil {
		return false, err
	}
	return nw.autostart, nil
}

// SetNetworkAutostart toggles the autostart link of a persistent network.
func (d *Driver) SetNetworkAutostart(name string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	nw, err := d.network(name)
	if err != nil {
		return err
	}
	if nw.autostart == enabled {
		return nil
	}
	if nw.transient() {
		return virerr.New(virerr.OperationInvalid, "cannot set autostart for transient network")
	}
	if err := d.networkRepo.SetAutostart(nw.configPath, nw.autostartPath, enabled); err != nil {
		return virerr.Wrap(virerr.InternalError, err, "cannot change autostart of '%s'", name)
	}
	nw.autostart = enabled
	return nil
}

// LookupNetworkByName finds a network by name.
func (d *Driver) LookupNetworkByName(name string) (NetworkRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nw, err := d.network(name)
	if err != nil {
		return NetworkRef{}, err
	}
	return nw.ref(), nil
}

// LookupNetworkByUUID finds a network by UUID.
func (d *Driver) LookupNetworkByUUID(id uuid.UUID) (NetworkRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nw, ok := d.networks.networks[id]
	if !ok {
		return NetworkRef{}, virerr.New(virerr.NoNetwork, "no network with matching uuid")
	}
	return nw.ref(), nil
}

// ListNetworks names the active networks.
func (d *Driver) ListNetworks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.networks.names(true)
}

// ListDefinedNetworks names the inactive networks.
func (d *Driver) ListDefinedNetworks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.networks.names(false)
}

// Networks describes every known network.
func (d *Driver) Networks() []NetworkRef {
	d.mu.Lock()
	defer d.mu.Unlock()

	var refs []NetworkRef
	for _, nw := range d.networks.sorted() {
		refs = append(refs, nw.ref())
	}
	return refs
}
