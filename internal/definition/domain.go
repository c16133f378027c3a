// Package definition holds the domain and network definition model together
// with its XML parse and format rules.
package definition

import (
	"net"

	"github.com/google/uuid"

	"github.com/cochaviz/qemud/arch"
)

// VirtType selects how the guest is executed.
type VirtType string

const (
	VirtQEMU  VirtType = "qemu"
	VirtKQEMU VirtType = "kqemu"
	VirtKVM   VirtType = "kvm"
)

// BootDevice is one entry of the ordered boot list.
type BootDevice int

const (
	BootDisk BootDevice = iota
	BootFloppy
	BootCDROM
	BootNetwork
)

var bootNames = map[BootDevice]string{
	BootDisk:    "hd",
	BootFloppy:  "fd",
	BootCDROM:   "cdrom",
	BootNetwork: "network",
}

// String returns the XML spelling of the boot device.
func (b BootDevice) String() string {
	return bootNames[b]
}

// Letter returns the emulator's single-letter boot code.
func (b BootDevice) Letter() byte {
	switch b {
	case BootFloppy:
		return 'a'
	case BootCDROM:
		return 'd'
	case BootNetwork:
		return 'n'
	default:
		return 'c'
	}
}

// LifecycleAction is what happens when the guest powers off, reboots or crashes.
type LifecycleAction string

const (
	ActionDestroy       LifecycleAction = "destroy"
	ActionRestart       LifecycleAction = "restart"
	ActionPreserve      LifecycleAction = "preserve"
	ActionRenameRestart LifecycleAction = "rename-restart"
)

// Domain is a parsed virtual machine definition. Memory sizes are in bytes.
type Domain struct {
	Type      VirtType
	Name      string
	UUID      uuid.UUID
	MaxMemory uint64
	Memory    uint64
	VCPUs     int

	OS        OS
	ACPI      bool
	Localtime bool

	OnPoweroff LifecycleAction
	OnReboot   LifecycleAction
	OnCrash    LifecycleAction

	Disks      []Disk
	Interfaces []Interface
	Inputs     []Input
	Graphics   *Graphics
}

// NoReboot reports whether a guest reboot should terminate the emulator.
func (d *Domain) NoReboot() bool {
	return d.OnReboot == ActionDestroy
}

// OS describes how the guest boots.
type OS struct {
	Type     string
	Arch     arch.Architecture
	Machine  string
	Kernel   string
	Initrd   string
	Cmdline  string
	Boot     []BootDevice
	Emulator string
}

type DiskType string

const (
	DiskFile  DiskType = "file"
	DiskBlock DiskType = "block"
)

type DiskDevice string

const (
	DeviceDisk   DiskDevice = "disk"
	DeviceCDROM  DiskDevice = "cdrom"
	DeviceFloppy DiskDevice = "floppy"
)

// CDROMTarget is the only target a cdrom may use.
const CDROMTarget = "hdc"

type Disk struct {
	Type      DiskType
	Device    DiskDevice
	Source    string
	Target    string
	ReadOnly  bool
	Shareable bool
}

type InterfaceType string

const (
	InterfaceUser     InterfaceType = "user"
	InterfaceEthernet InterfaceType = "ethernet"
	InterfaceServer   InterfaceType = "server"
	InterfaceClient   InterfaceType = "client"
	InterfaceMcast    InterfaceType = "mcast"
	InterfaceNetwork  InterfaceType = "network"
	InterfaceBridge   InterfaceType = "bridge"
)

// Interface is a guest NIC. Which of the destination fields are meaningful
// depends on Type.
type Interface struct {
	Type InterfaceType
	MAC  net.HardwareAddr

	// network
	Network string
	// bridge
	Bridge string
	// ethernet, network, bridge. May be a template containing %d.
	IfName string
	// ethernet
	Script string
	// server, client, mcast
	Address string
	Port    int
}

// UsesTap reports whether the interface is backed by a tap fd that the driver
// opens and hands to the emulator.
func (i *Interface) UsesTap() bool {
	return i.Type == InterfaceNetwork || i.Type == InterfaceBridge
}

type InputType string

const (
	InputMouse  InputType = "mouse"
	InputTablet InputType = "tablet"
)

type InputBus string

const (
	BusPS2 InputBus = "ps2"
	BusUSB InputBus = "usb"
)

type Input struct {
	Type InputType
	Bus  InputBus
}

type GraphicsType string

const (
	GraphicsVNC GraphicsType = "vnc"
	GraphicsSDL GraphicsType = "sdl"
)

// AutoPort asks the driver to pick a free VNC port at start time.
const AutoPort = -1

type Graphics struct {
	Type   GraphicsType
	Port   int
	Listen string
}

// DeviceDef is a single device parsed for hot attach.
type DeviceDef struct {
	Disk      *Disk
	Interface *Interface
}

// Live carries runtime values rendered into the XML of an active domain.
type Live struct {
	ID      int
	VNCPort int
	// IfNames holds the concrete tap name per interface index.
	IfNames map[int]string
}
