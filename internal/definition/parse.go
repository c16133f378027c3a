package definition

import (
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/qemud/arch"
	"github.com/cochaviz/qemud/internal/virerr"
)

// DefaultVNCListen is used when a vnc graphics element has no listen attribute
// and the caller did not configure another default.
const DefaultVNCListen = "127.0.0.1"

// Longest accepted tap, bridge and network names.
const (
	maxIfNameLen      = unix.IFNAMSIZ - 2
	maxNetworkNameLen = 48
)

// BinaryLocator returns the emulator path for a virtualization type and
// architecture.
type BinaryLocator func(virt VirtType, a arch.Architecture) (string, error)

// ParseOptions carries driver-wide defaults applied while parsing.
type ParseOptions struct {
	VNCListen    string
	LocateBinary BinaryLocator
}

func (o ParseOptions) vncListen() string {
	if o.VNCListen != "" {
		return o.VNCListen
	}
	return DefaultVNCListen
}

func (o ParseOptions) locate(virt VirtType, a arch.Architecture) (string, error) {
	if o.LocateBinary != nil {
		return o.LocateBinary(virt, a)
	}
	return LocateBinary(virt, a)
}

// LocateBinary resolves the emulator from the architecture table.
func LocateBinary(virt VirtType, a arch.Architecture) (string, error) {
	path, err := a.Binary(virt == VirtKVM)
	if err != nil {
		return "", virerr.New(virerr.ConfigError, "unsupported arch %s", a)
	}
	return path, nil
}

// ParseDomain validates an XML domain definition. On error no partially
// populated definition is returned.
func ParseDomain(data []byte, opts ParseOptions) (*Domain, error) {
	var doc domainXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, virerr.Wrap(virerr.ConfigError, err, "malformed domain XML")
	}
	if doc.XMLName.Local != "domain" {
		return nil, virerr.New(virerr.ConfigError, "incorrect root element")
	}

	def := &Domain{}

	switch strings.TrimSpace(doc.Type) {
	case "":
		return nil, virerr.New(virerr.ConfigError, "missing domain type attribute")
	case string(VirtQEMU), string(VirtKQEMU), string(VirtKVM):
		def.Type = VirtType(strings.TrimSpace(doc.Type))
	default:
		return nil, virerr.New(virerr.ConfigError, "invalid domain type attribute")
	}

	def.Name = strings.TrimSpace(doc.Name)
	if def.Name == "" {
		return nil, virerr.New(virerr.NoName, "missing domain name")
	}
	if strings.ContainsAny(def.Name, "/\x00") {
		return nil, virerr.New(virerr.ConfigError, "invalid domain name %q", def.Name)
	}

	id, err := parseUUID(doc.UUID)
	if err != nil {
		return nil, err
	}
	def.UUID = id

	if err := parseMemory(&doc, def); err != nil {
		return nil, err
	}

	def.VCPUs = 1
	if v := strings.TrimSpace(doc.VCPU); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, virerr.New(virerr.ConfigError, "malformed vcpu information")
		}
		def.VCPUs = n
	}

	def.ACPI = doc.Features != nil && doc.Features.ACPI != nil

	def.OnPoweroff = ActionDestroy
	def.OnCrash = ActionDestroy
	def.OnReboot = ActionRestart
	for _, action := range []struct {
		value string
		dst   *LifecycleAction
	}{
		{doc.OnPoweroff, &def.OnPoweroff},
		{doc.OnReboot, &def.OnReboot},
		{doc.OnCrash, &def.OnCrash},
	} {
		if v := strings.TrimSpace(action.value); v != "" {
			a, err := parseLifecycleAction(v)
			if err != nil {
				return nil, err
			}
			*action.dst = a
		}
	}

	def.Localtime = doc.Clock != nil && doc.Clock.Offset == "localtime"

	if err := parseOS(&doc, def, opts); err != nil {
		return nil, err
	}

	if len(doc.Devices.Graphics) > 0 {
		g, err := parseGraphics(doc.Devices.Graphics[0], opts)
		if err != nil {
			return nil, err
		}
		def.Graphics = g
	}

	for _, d := range doc.Devices.Disks {
		disk, err := parseDisk(d)
		if err != nil {
			return nil, err
		}
		def.Disks = append(def.Disks, *disk)
	}

	for _, i := range doc.Devices.Interfaces {
		iface, err := parseInterface(i)
		if err != nil {
			return nil, err
		}
		def.Interfaces = append(def.Interfaces, *iface)
	}

	for _, i := range doc.Devices.Inputs {
		input, err := parseInput(i)
		if err != nil {
			return nil, err
		}
		// A ps2 mouse is implied by graphics and never stored explicitly.
		if input.Bus == BusPS2 && input.Type == InputMouse {
			continue
		}
		def.Inputs = append(def.Inputs, *input)
	}
	if def.Graphics != nil {
		def.Inputs = append([]Input{{Type: InputMouse, Bus: BusPS2}}, def.Inputs...)
	}

	return def, nil
}

func parseUUID(value string) (uuid.UUID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return uuid.Nil, virerr.Wrap(virerr.InternalError, err, "failed to generate UUID")
		}
		return id, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, virerr.New(virerr.ConfigError, "malformed uuid element")
	}
	return id, nil
}

func parseMemory(doc *domainXML, def *Domain) error {
	v := strings.TrimSpace(doc.Memory)
	if v == "" {
		return virerr.New(virerr.ConfigError, "missing memory element")
	}
	maxKiB, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return virerr.New(virerr.ConfigError, "malformed memory information")
	}
	curKiB := maxKiB
	if v := strings.TrimSpace(doc.CurrentMemory); v != "" {
		curKiB, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return virerr.New(virerr.ConfigError, "malformed memory information")
		}
		if curKiB > maxKiB {
			curKiB = maxKiB
		}
	}
	def.MaxMemory = maxKiB * 1024
	def.Memory = curKiB * 1024
	return nil
}

func parseLifecycleAction(value string) (LifecycleAction, error) {
	switch a := LifecycleAction(value); a {
	case ActionDestroy, ActionRestart, ActionPreserve, ActionRenameRestart:
		return a, nil
	}
	return "", virerr.New(virerr.ConfigError, "unsupported lifecycle action %s", value)
}

func parseOS(doc *domainXML, def *Domain, opts ParseOptions) error {
	osType := strings.TrimSpace(doc.OS.Type.Value)
	if osType == "" {
		return virerr.New(virerr.OSType, "missing os type")
	}
	if osType != "hvm" {
		return virerr.New(virerr.OSType, "unsupported os type %s", osType)
	}
	def.OS.Type = osType

	a := arch.Default
	if v := strings.TrimSpace(doc.OS.Type.Arch); v != "" {
		a = arch.Architecture(v)
	}
	if !a.IsValid() {
		return virerr.New(virerr.ConfigError, "unsupported arch %s", a)
	}
	def.OS.Arch = a

	def.OS.Machine = strings.TrimSpace(doc.OS.Type.Machine)
	if def.OS.Machine == "" {
		def.OS.Machine = a.DefaultMachine()
	}

	def.OS.Kernel = strings.TrimSpace(doc.OS.Kernel)
	def.OS.Initrd = strings.TrimSpace(doc.OS.Initrd)
	def.OS.Cmdline = strings.TrimSpace(doc.OS.Cmdline)

	for _, b := range doc.OS.Boot {
		dev, err := parseBootDevice(b.Dev)
		if err != nil {
			return err
		}
		def.OS.Boot = append(def.OS.Boot, dev)
	}
	if len(def.OS.Boot) == 0 {
		def.OS.Boot = []BootDevice{BootDisk}
	}

	if emulator := strings.TrimSpace(doc.Devices.Emulator); emulator != "" {
		def.OS.Emulator = emulator
	} else {
		path, err := opts.locate(def.Type, a)
		if err != nil {
			return err
		}
		def.OS.Emulator = path
	}
	return nil
}

func parseBootDevice(value string) (BootDevice, error) {
	for dev, name := range bootNames {
		if name == value {
			return dev, nil
		}
	}
	return 0, virerr.New(virerr.ConfigError, "unknown boot device %q", value)
}

func parseGraphics(g graphicsXML, opts ParseOptions) (*Graphics, error) {
	switch GraphicsType(g.Type) {
	case GraphicsVNC:
		out := &Graphics{Type: GraphicsVNC, Port: AutoPort, Listen: opts.vncListen()}
		if p := strings.TrimSpace(g.Port); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, virerr.New(virerr.ConfigError, "malformed vnc port %s", p)
			}
			out.Port = port
		}
		if l := strings.TrimSpace(g.Listen); l != "" {
			out.Listen = l
		}
		return out, nil
	case GraphicsSDL:
		return &Graphics{Type: GraphicsSDL}, nil
	default:
		return nil, virerr.New(virerr.ConfigError, "Unsupported graphics type %s", g.Type)
	}
}

func parseDisk(d diskXML) (*Disk, error) {
	disk := &Disk{Type: DiskFile}
	if d.Type == string(DiskBlock) {
		disk.Type = DiskBlock
	}

	var source, target string
	if d.Source != nil {
		if disk.Type == DiskBlock {
			source = d.Source.Dev
		} else {
			source = d.Source.File
		}
	}
	if d.Target != nil {
		target = d.Target.Dev
	}
	if source == "" {
		return nil, virerr.New(virerr.NoSource, "missing disk source for target %s", target)
	}
	if target == "" {
		return nil, virerr.New(virerr.NoTarget, "missing disk target for source %s", source)
	}
	disk.Source = source
	disk.Target = target
	disk.ReadOnly = d.ReadOnly != nil
	disk.Shareable = d.Shareable != nil

	switch DiskDevice(d.Device) {
	case DeviceFloppy:
		if target != "fda" && target != "fdb" {
			return nil, virerr.New(virerr.InternalError, "Invalid floppy device name: %s", target)
		}
		disk.Device = DeviceFloppy
	case DeviceCDROM:
		if target != CDROMTarget {
			return nil, virerr.New(virerr.InternalError, "Invalid cdrom device name: %s", target)
		}
		disk.Device = DeviceCDROM
		disk.ReadOnly = true
	case "", DeviceDisk:
		switch target {
		case "hda", "hdb", "hdc", "hdd":
		default:
			return nil, virerr.New(virerr.InternalError, "Invalid harddisk device name: %s", target)
		}
		disk.Device = DeviceDisk
	default:
		return nil, virerr.New(virerr.InternalError, "Invalid device type: %s", d.Device)
	}
	return disk, nil
}

func parseInterface(i interfaceXML) (*Interface, error) {
	iface := &Interface{Type: InterfaceUser}
	switch t := InterfaceType(i.Type); t {
	case InterfaceUser, InterfaceEthernet, InterfaceServer, InterfaceClient,
		InterfaceMcast, InterfaceNetwork, InterfaceBridge:
		iface.Type = t
	}

	if i.MAC != nil && strings.TrimSpace(i.MAC.Address) != "" {
		mac, err := net.ParseMAC(strings.TrimSpace(i.MAC.Address))
		if err != nil || len(mac) != 6 {
			return nil, virerr.New(virerr.InternalError, "malformed mac address %s", i.MAC.Address)
		}
		iface.MAC = mac
	} else {
		iface.MAC = RandomMAC()
	}

	src := i.Source
	if src == nil {
		src = &interfaceSourceXML{}
	}
	ifname := ""
	if i.Target != nil {
		ifname = i.Target.Dev
	}

	switch iface.Type {
	case InterfaceNetwork, InterfaceEthernet, InterfaceBridge:
		if len(ifname) > maxIfNameLen {
			return nil, virerr.New(virerr.InternalError, "TAP interface name '%s' is too long", ifname)
		}
	}

	switch iface.Type {
	case InterfaceNetwork:
		if src.Network == "" {
			return nil, virerr.New(virerr.InternalError, "No <source> 'network' attribute specified with <interface type='network'/>")
		}
		if len(src.Network) > maxNetworkNameLen {
			return nil, virerr.New(virerr.InternalError, "Network name '%s' too long", src.Network)
		}
		iface.Network = src.Network
		iface.IfName = ifname
	case InterfaceEthernet:
		iface.IfName = ifname
		if i.Script != nil {
			iface.Script = i.Script.Path
		}
	case InterfaceBridge:
		if src.Bridge == "" {
			return nil, virerr.New(virerr.InternalError, "No <source> 'bridge' attribute specified with <interface type='bridge'/>")
		}
		if len(src.Bridge) > maxIfNameLen {
			return nil, virerr.New(virerr.InternalError, "TAP bridge path '%s' is too long", src.Bridge)
		}
		iface.Bridge = src.Bridge
		iface.IfName = ifname
	case InterfaceServer, InterfaceClient, InterfaceMcast:
		if src.Port == "" {
			return nil, virerr.New(virerr.InternalError, "No <source> 'port' attribute specified with socket interface")
		}
		port, err := strconv.Atoi(src.Port)
		if err != nil {
			return nil, virerr.New(virerr.InternalError, "Cannot parse <source> 'port' attribute with socket interface")
		}
		iface.Port = port
		if src.Address == "" && iface.Type != InterfaceServer {
			return nil, virerr.New(virerr.InternalError, "No <source> 'address' attribute specified with socket interface")
		}
		iface.Address = src.Address
	}
	return iface, nil
}

func parseInput(i inputXML) (*Input, error) {
	input := &Input{}
	switch InputType(i.Type) {
	case "":
		return nil, virerr.New(virerr.InternalError, "no type provide for input device")
	case InputMouse, InputTablet:
		input.Type = InputType(i.Type)
	default:
		return nil, virerr.New(virerr.InternalError, "unsupported input device type %s", i.Type)
	}

	switch InputBus(i.Bus) {
	case "":
		if input.Type == InputMouse {
			input.Bus = BusPS2
		} else {
			input.Bus = BusUSB
		}
	case BusPS2:
		if input.Type == InputTablet {
			return nil, virerr.New(virerr.InternalError, "ps2 bus does not support %s input device", i.Type)
		}
		input.Bus = BusPS2
	case BusUSB:
		input.Bus = BusUSB
	default:
		return nil, virerr.New(virerr.InternalError, "unsupported input bus %s", i.Bus)
	}
	return input, nil
}

// ParseDevice parses a single <disk> or <interface> element.
func ParseDevice(data []byte) (*DeviceDef, error) {
	var probe struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &probe); err != nil {
		return nil, virerr.Wrap(virerr.ConfigError, err, "malformed device XML")
	}

	switch probe.XMLName.Local {
	case "disk":
		var d diskXML
		if err := xml.Unmarshal(data, &d); err != nil {
			return nil, virerr.Wrap(virerr.ConfigError, err, "malformed disk XML")
		}
		disk, err := parseDisk(d)
		if err != nil {
			return nil, err
		}
		return &DeviceDef{Disk: disk}, nil
	case "interface":
		var i interfaceXML
		if err := xml.Unmarshal(data, &i); err != nil {
			return nil, virerr.Wrap(virerr.ConfigError, err, "malformed interface XML")
		}
		iface, err := parseInterface(i)
		if err != nil {
			return nil, err
		}
		return &DeviceDef{Interface: iface}, nil
	default:
		return nil, virerr.New(virerr.ConfigError, "unknown device type %s", probe.XMLName.Local)
	}
}

func formatMAC(mac net.HardwareAddr) string {
	if len(mac) != 6 {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
