package qemu

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cochaviz/qemud/arch"
	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/virerr"
)

// VNCBasePort is the TCP port of VNC display 0.
const VNCBasePort = 5900

// TapFDBase is the child-side descriptor number of the first inherited tap.
// Descriptors 0-2 are the standard streams.
const TapFDBase = 3

// DefaultTapTemplate names taps whose interface has no usable target.
const DefaultTapTemplate = "vnet%d"

// TapProvider opens a tap device enslaved to bridge. ifname may be a template;
// the concrete name is returned with the open descriptor.
type TapProvider interface {
	AttachTap(bridge, ifname string) (*os.File, string, error)
}

// NetworkResolver maps a virtual network name onto its bridge. found is false
// for unknown networks; bridge is empty for inactive ones.
type NetworkResolver interface {
	LookupBridge(name string) (bridge string, found bool)
}

// BuildContext carries everything besides the definition that shapes argv.
type BuildContext struct {
	Caps     Capabilities
	HostArch arch.Architecture
	// VNCPort is the resolved VNC port when the definition asks for vnc.
	VNCPort     int
	MigrateFrom string
	Taps        TapProvider
	Networks    NetworkResolver
}

// Command is a synthesized emulator invocation. Taps[i] must be inherited by
// the child as descriptor TapFDBase+i.
type Command struct {
	Argv []string
	Taps []*os.File
	// IfNames holds the concrete tap name per interface index.
	IfNames map[int]string
}

// Close releases every tap descriptor held by the command.
func (c *Command) Close() {
	for _, f := range c.Taps {
		_ = f.Close()
	}
	c.Taps = nil
}

var statBinary = os.Stat

// BuildArgv synthesizes the emulator command line. On error every tap opened
// during the call has been closed.
func BuildArgv(def *definition.Domain, bc BuildContext) (cmd *Command, err error) {
	if _, err := statBinary(def.OS.Emulator); err != nil {
		return nil, virerr.Wrap(virerr.InternalError, err, "Cannot find QEMU binary %s", def.OS.Emulator)
	}

	cmd = &Command{IfNames: map[int]string{}}
	defer func() {
		if err != nil {
			cmd.Close()
			cmd = nil
		}
	}()

	disableKQEMU := bc.Caps.Has(FlagKQEMU) &&
		bc.HostArch == def.OS.Arch &&
		def.Type == definition.VirtQEMU

	args := []string{def.OS.Emulator, "-M", def.OS.Machine}
	if disableKQEMU {
		args = append(args, "-no-kqemu")
	}
	args = append(args,
		"-m", strconv.FormatUint(def.Memory/1024/1024, 10),
		"-smp", strconv.Itoa(def.VCPUs),
	)

	// -nographic must precede the monitor flag or the emulator moves its
	// monitor and serial defaults onto stdio.
	if def.Graphics == nil {
		args = append(args, "-nographic")
	}
	args = append(args, "-monitor", "pty")
	if def.Localtime {
		args = append(args, "-localtime")
	}
	if bc.Caps.Has(FlagNoReboot) && def.NoReboot() {
		args = append(args, "-no-reboot")
	}
	if !def.ACPI {
		args = append(args, "-no-acpi")
	}

	args = append(args, "-boot", BootString(def.OS.Boot))
	if def.OS.Kernel != "" {
		args = append(args, "-kernel", def.OS.Kernel)
	}
	if def.OS.Initrd != "" {
		args = append(args, "-initrd", def.OS.Initrd)
	}
	if def.OS.Cmdline != "" {
		args = append(args, "-append", def.OS.Cmdline)
	}

	for _, disk := range def.Disks {
		flag := "-" + disk.Target
		if disk.Target == definition.CDROMTarget && disk.Device == definition.DeviceCDROM {
			flag = "-cdrom"
		}
		args = append(args, flag, disk.Source)
	}

	if len(def.Interfaces) == 0 {
		args = append(args, "-net", "none")
	}
	for vlan := range def.Interfaces {
		iface := &def.Interfaces[vlan]
		args = append(args, "-net", fmt.Sprintf("nic,macaddr=%s,vlan=%d", iface.MAC.String(), vlan))
		backend, err := netBackend(cmd, vlan, iface, bc)
		if err != nil {
			return nil, err
		}
		args = append(args, "-net", backend)
	}

	args = append(args, "-usb")
	for _, input := range def.Inputs {
		if input.Bus == definition.BusUSB {
			args = append(args, "-usbdevice", string(input.Type))
		}
	}

	if g := def.Graphics; g != nil && g.Type == definition.GraphicsVNC {
		display := strconv.Itoa(bc.VNCPort - VNCBasePort)
		if bc.Caps.Has(FlagVNCColon) {
			display = g.Listen + ":" + display
		}
		args = append(args, "-vnc", display)
	}

	if bc.MigrateFrom != "" {
		args = append(args, "-S", "-incoming", bc.MigrateFrom)
	}

	cmd.Argv = args
	return cmd, nil
}

func netBackend(cmd *Command, vlan int, iface *definition.Interface, bc BuildContext) (string, error) {
	switch iface.Type {
	case definition.InterfaceNetwork, definition.InterfaceBridge:
		return connectTap(cmd, vlan, iface, bc)
	case definition.InterfaceEthernet:
		return fmt.Sprintf("tap,ifname=%s,script=%s,vlan=%d", iface.IfName, iface.Script, vlan), nil
	case definition.InterfaceClient, definition.InterfaceServer, definition.InterfaceMcast:
		mode := "mcast"
		switch iface.Type {
		case definition.InterfaceClient:
			mode = "connect"
		case definition.InterfaceServer:
			mode = "listen"
		}
		return fmt.Sprintf("socket,%s=%s:%d,vlan=%d", mode, iface.Address, iface.Port, vlan), nil
	default:
		return fmt.Sprintf("user,vlan=%d", vlan), nil
	}
}

func connectTap(cmd *Command, vlan int, iface *definition.Interface, bc BuildContext) (string, error) {
	bridge := iface.Bridge
	if iface.Type == definition.InterfaceNetwork {
		if bc.Networks == nil {
			return "", virerr.New(virerr.InternalError, "Network '%s' not found", iface.Network)
		}
		br, found := bc.Networks.LookupBridge(iface.Network)
		if !found {
			return "", virerr.New(virerr.InternalError, "Network '%s' not found", iface.Network)
		}
		if br == "" {
			return "", virerr.New(virerr.InternalError, "Network '%s' not active", iface.Network)
		}
		bridge = br
	}
	if bc.Taps == nil {
		return "", virerr.New(virerr.NoSupport, "tap interfaces are not available")
	}

	ifname := iface.IfName
	if ifname == "" || strings.Contains(ifname, "%") {
		ifname = DefaultTapTemplate
	}
	tap, name, err := bc.Taps.AttachTap(bridge, ifname)
	if err != nil {
		return "", virerr.Wrap(virerr.InternalError, err, "Failed to add tap interface '%s' to bridge '%s'", ifname, bridge)
	}
	fd := TapFDBase + len(cmd.Taps)
	cmd.Taps = append(cmd.Taps, tap)
	cmd.IfNames[vlan] = name
	return fmt.Sprintf("tap,fd=%d,script=,vlan=%d", fd, vlan), nil
}

// BootString renders the boot list as the emulator's letter sequence.
func BootString(devs []definition.BootDevice) string {
	var b strings.Builder
	for _, d := range devs {
		b.WriteByte(d.Letter())
	}
	return b.String()
}
