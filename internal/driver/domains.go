package driver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/hostnet"
	"github.com/cochaviz/qemud/internal/media"
	"github.com/cochaviz/qemud/internal/proc"
	"github.com/cochaviz/qemud/internal/qemu"
	"github.com/cochaviz/qemud/internal/repositories/local"
	"github.com/cochaviz/qemud/internal/virerr"
)

// DomainInfo summarizes a domain. Memory sizes are in bytes.
type DomainInfo struct {
	State     State         `json:"state"`
	CPUTime   time.Duration `json:"cpu_time"`
	MaxMemory uint64        `json:"max_memory"`
	Memory    uint64        `json:"memory"`
	VCPUs     int           `json:"vcpus"`
}

func (d *Driver) domain(name string) (*Domain, error) {
	dom := d.domains.findByName(name)
	if dom == nil {
		return nil, virerr.New(virerr.NoDomain, "no domain with matching name '%s'", name)
	}
	return dom, nil
}

func (d *Driver) activeDomain(name string) (*Domain, error) {
	dom, err := d.domain(name)
	if err != nil {
		return nil, err
	}
	if !dom.active() {
		return nil, virerr.New(virerr.OperationInvalid, "domain is not running")
	}
	return dom, nil
}

func (d *Driver) parseDomain(xml []byte) (*definition.Domain, error) {
	def, err := definition.ParseDomain(xml, d.parseOptions())
	if err != nil {
		return nil, err
	}
	if other := d.domains.uuidOwner(def.UUID); other != nil && other.def.Name != def.Name {
		return nil, virerr.New(virerr.OperationFailed, "domain '%s' is already defined with uuid %s", other.def.Name, def.UUID)
	}
	return def, nil
}

// saveConfig persists def as the config of dom.
func (d *Driver) saveConfig(dom *Domain, def *definition.Domain) error {
	data, err := definition.FormatDomain(def, nil)
	if err != nil {
		return err
	}
	path, err := d.domainRepo.Save(def.Name, data)
	if err != nil {
		return virerr.Wrap(virerr.InternalError, err, "cannot save domain '%s'", def.Name)
	}
	dom.configPath = path
	dom.autostartPath = d.domainRepo.AutostartPath(def.Name)
	return nil
}

// Define persists a domain definition. Redefining a running domain stages
// the new definition until it stops.
func (d *Driver) Define(xml []byte) (DomainRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	def, err := d.parseDomain(xml)
	if err != nil {
		return DomainRef{}, err
	}
	existed := d.domains.findByName(def.Name) != nil
	dom := d.domains.assign(def)
	if err := d.saveConfig(dom, def); err != nil {
		if !existed {
			d.domains.remove(dom)
		}
		return DomainRef{}, err
	}
	return dom.ref(), nil
}

// Create starts a transient domain.
func (d *Driver) Create(ctx context.Context, xml []byte) (DomainRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	def, err := d.parseDomain(xml)
	if err != nil {
		return DomainRef{}, err
	}
	dom := d.domains.assign(def)
	if err := d.startDomain(ctx, dom); err != nil {
		return DomainRef{}, err
	}
	return dom.ref(), nil
}

// Undefine deletes the config of an inactive domain.
func (d *Driver) Undefine(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return err
	}
	if dom.active() {
		return virerr.New(virerr.OperationInvalid, "cannot delete active domain")
	}
	if err := d.domainRepo.Delete(dom.configPath, dom.autostartPath); err != nil {
		return virerr.Wrap(virerr.InternalError, err, "cannot delete domain '%s'", name)
	}
	dom.configPath, dom.autostartPath = "", ""
	dom.autostart = false
	d.domains.remove(dom)
	d.purgeMedia(name)
	return nil
}

// Start boots a defined domain.
func (d *Driver) Start(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return err
	}
	return d.startDomain(ctx, dom)
}

// Destroy kills a domain. Destroying an inactive domain does nothing; a
// transient domain is forgotten.
func (d *Driver) Destroy(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return err
	}
	d.destroyDomain(dom)
	if dom.transient() {
		d.domains.remove(dom)
	}
	return nil
}

// ShutdownDomain asks the guest to power down.
func (d *Driver) ShutdownDomain(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.activeDomain(name)
	if err != nil {
		return err
	}
	if _, err := d.command(dom, "system_powerdown"); err != nil {
		return virerr.Wrap(virerr.OperationFailed, err, "shutdown operation failed")
	}
	return nil
}

// Suspend pauses the guest CPUs.
func (d *Driver) Suspend(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.activeDomain(name)
	if err != nil {
		return err
	}
	return d.suspend(dom)
}

func (d *Driver) suspend(dom *Domain) error {
	if dom.state == StatePaused {
		return nil
	}
	if _, err := d.command(dom, "stop"); err != nil {
		return virerr.Wrap(virerr.OperationFailed, err, "suspend operation failed")
	}
	dom.state = StatePaused
	return nil
}

// Resume continues a paused guest.
func (d *Driver) Resume(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.activeDomain(name)
	if err != nil {
		return err
	}
	return d.resume(dom)
}

func (d *Driver) resume(dom *Domain) error {
	if dom.state == StateRunning {
		return nil
	}
	if _, err := d.command(dom, "cont"); err != nil {
		return virerr.Wrap(virerr.OperationFailed, err, "resume operation failed")
	}
	dom.state = StateRunning
	return nil
}

// XML renders a domain. An active domain includes its runtime values.
func (d *Driver) XML(name string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return nil, err
	}
	var live *definition.Live
	if dom.active() {
		live = &definition.Live{ID: dom.id, VNCPort: dom.vncPort, IfNames: dom.ifNames}
	}
	return definition.FormatDomain(dom.def, live)
}

// Info reports state, consumed CPU time and sizing of a domain.
func (d *Driver) Info(name string) (DomainInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return DomainInfo{}, err
	}
	info := DomainInfo{
		State:     dom.state,
		MaxMemory: dom.def.MaxMemory,
		Memory:    dom.def.Memory,
		VCPUs:     dom.def.VCPUs,
	}
	if dom.active() {
		cpu, err := proc.CPUTime(dom.pid)
		if err != nil {
			return DomainInfo{}, virerr.Wrap(virerr.OperationFailed, err, "cannot read cputime for domain")
		}
		info.CPUTime = cpu
	}
	return info, nil
}

// OSType returns the guest OS type of a domain.
func (d *Driver) OSType(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return "", err
	}
	return dom.def.OS.Type, nil
}

// LookupByName finds a domain by name.
func (d *Driver) LookupByName(name string) (DomainRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return DomainRef{}, err
	}
	return dom.ref(), nil
}

// LookupByUUID finds a domain by UUID.
func (d *Driver) LookupByUUID(id uuid.UUID) (DomainRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom := d.domains.findByUUID(id)
	if dom == nil {
		return DomainRef{}, virerr.New(virerr.NoDomain, "no domain with matching uuid")
	}
	return dom.ref(), nil
}

// LookupByID finds an active domain by id.
func (d *Driver) LookupByID(id int) (DomainRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom := d.domains.findByID(id)
	if dom == nil {
		return DomainRef{}, virerr.New(virerr.NoDomain, "no domain with matching id %d", id)
	}
	return dom.ref(), nil
}

// ListDomains returns the ids of active domains.
func (d *Driver) ListDomains() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.domains.activeIDs()
}

// ListDefinedDomains names the inactive domains.
func (d *Driver) ListDefinedDomains() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.domains.inactiveNames()
}

// NumDomains counts active and inactive domains.
func (d *Driver) NumDomains() (active, inactive int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.domains.counts()
}

// Domains describes every known domain.
func (d *Driver) Domains() []DomainRef {
	d.mu.Lock()
	defer d.mu.Unlock()

	var refs []DomainRef
	for _, dom := range d.domains.sorted() {
		refs = append(refs, dom.ref())
	}
	return refs
}

// Autostart reports whether a domain starts with the driver.
func (d *Driver) Autostart(name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return false, err
	}
	return dom.autostart, nil
}

// SetAutostart toggles the autostart link of a persistent domain.
func (d *Driver) SetAutostart(name string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return err
	}
	if dom.autostart == enabled {
		return nil
	}
	if dom.transient() {
		return virerr.New(virerr.OperationInvalid, "cannot set autostart for transient domain")
	}
	if err := d.domainRepo.SetAutostart(dom.configPath, dom.autostartPath, enabled); err != nil {
		return virerr.Wrap(virerr.InternalError, err, "cannot change autostart of '%s'", name)
	}
	dom.autostart = enabled
	return nil
}

// AttachDevice changes the media of an existing CD-ROM drive. No other
// device can be attached to a running domain.
func (d *Driver) AttachDevice(name string, xml []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.domain(name)
	if err != nil {
		return err
	}
	if !dom.active() {
		return virerr.New(virerr.OperationInvalid, "cannot attach device on inactive domain")
	}
	dev, err := definition.ParseDevice(xml)
	if err != nil {
		return err
	}
	if dev.Disk == nil || dev.Disk.Device != definition.DeviceCDROM {
		return virerr.New(virerr.NoSupport, "only CDROM disk devices can be attached")
	}
	return d.changeCDROM(dom, dev.Disk.Target, dev.Disk.Source, dev.Disk.Type)
}

func (d *Driver) changeCDROM(dom *Domain, target, source string, typ definition.DiskType) error {
	disk := findCDROM(dom.def, target)
	if disk == nil {
		return virerr.New(virerr.NoSupport, "CDROM not attached, cannot change media")
	}
	cmd := `change cdrom "` + qemu.EscapeMonitorArg(source) + `"`
	if _, err := d.command(dom, cmd); err != nil {
		return virerr.Wrap(virerr.OperationFailed, err, "cannot change cdrom media")
	}
	disk.Source = source
	disk.Type = typ
	return nil
}

func findCDROM(def *definition.Domain, target string) *definition.Disk {
	for i := range def.Disks {
		disk := &def.Disks[i]
		if disk.Device == definition.DeviceCDROM && disk.Target == target {
			return disk
		}
	}
	return nil
}

// ChangeMedia builds an ISO image from dir and inserts it into the CD-ROM
// drive target. It returns the image path.
func (d *Driver) ChangeMedia(name, target, dir string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.activeDomain(name)
	if err != nil {
		return "", err
	}
	if findCDROM(dom.def, target) == nil {
		return "", virerr.New(virerr.NoSupport, "CDROM not attached, cannot change media")
	}
	image := media.ImagePath(d.mediaDir(), dom.def.Name, target)
	if err := media.BuildISO(dir, image, media.VolumeLabel(dom.def.Name, target)); err != nil {
		return "", virerr.Wrap(virerr.OperationFailed, err, "cannot build media from %s", dir)
	}
	if err := d.changeCDROM(dom, target, image, definition.DiskFile); err != nil {
		_ = media.Remove(image)
		return "", err
	}
	rec := local.MediaRecord{Domain: dom.def.Name, Target: target, Source: dir, Image: image, CreatedAt: time.Now()}
	if err := d.mediaRepo.Save(rec); err != nil {
		d.logger.Warn("unable to record media image", "domain", dom.def.Name, "image", image, "error", err)
	}
	return image, nil
}

// purgeMedia deletes the images built for a domain that no longer exists.
func (d *Driver) purgeMedia(name string) {
	records, err := d.mediaRepo.ForDomain(name)
	if err != nil {
		d.logger.Warn("unable to list media images", "domain", name, "error", err)
		return
	}
	for _, rec := range records {
		if err := d.mediaRepo.Delete(rec); err != nil {
			d.logger.Warn("unable to remove media image", "domain", name, "image", rec.Image, "error", err)
		}
	}
}

// BlockStats reads the I/O counters of a block device of a running domain.
func (d *Driver) BlockStats(name, device string) (qemu.BlockStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.activeDomain(name)
	if err != nil {
		return qemu.BlockStats{}, err
	}
	if _, err := qemu.BlockDeviceName(device); err != nil {
		return qemu.BlockStats{}, err
	}
	reply, err := d.command(dom, "info blockstats")
	if err != nil {
		return qemu.BlockStats{}, virerr.Wrap(virerr.OperationFailed, err, "'info blockstats' command failed")
	}
	return qemu.ParseBlockStats(reply, device)
}

// InterfaceStats reads the counters of a tap device backing one of the
// domain's interfaces.
func (d *Driver) InterfaceStats(name, ifname string) (hostnet.IfStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.activeDomain(name)
	if err != nil {
		return hostnet.IfStats{}, err
	}
	if ifname == "" {
		return hostnet.IfStats{}, virerr.New(virerr.InvalidArg, "NULL or empty path")
	}
	if !dom.ownsInterface(ifname) {
		return hostnet.IfStats{}, virerr.New(virerr.InvalidArg, "invalid path, '%s' is not a known interface", ifname)
	}
	stats, err := d.net.InterfaceStats(ifname)
	if err != nil {
		return hostnet.IfStats{}, virerr.Wrap(virerr.OperationFailed, err, "cannot read statistics of %s", ifname)
	}
	return stats, nil
}

func (dom *Domain) ownsInterface(ifname string) bool {
	for i, iface := range dom.def.Interfaces {
		if !iface.UsesTap() {
			continue
		}
		if dom.ifNames[i] == ifname || iface.IfName == ifname {
			return true
		}
	}
	return false
}
