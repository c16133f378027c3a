package definition

import "encoding/xml"

// Wire representation shared by parsing and formatting. Attribute and element
// values stay strings so that presence and numeric validation happen in parse
// order rather than inside encoding/xml.

type domainXML struct {
	XMLName       xml.Name
	Type          string       `xml:"type,attr"`
	ID            string       `xml:"id,attr,omitempty"`
	Name          string       `xml:"name"`
	UUID          string       `xml:"uuid,omitempty"`
	Memory        string       `xml:"memory,omitempty"`
	CurrentMemory string       `xml:"currentMemory,omitempty"`
	VCPU          string       `xml:"vcpu,omitempty"`
	OS            osXML        `xml:"os"`
	Features      *featuresXML `xml:"features"`
	Clock         *clockXML    `xml:"clock"`
	OnPoweroff    string       `xml:"on_poweroff,omitempty"`
	OnReboot      string       `xml:"on_reboot,omitempty"`
	OnCrash       string       `xml:"on_crash,omitempty"`
	Devices       devicesXML   `xml:"devices"`
}

type osXML struct {
	Type    osTypeXML `xml:"type"`
	Kernel  string    `xml:"kernel,omitempty"`
	Initrd  string    `xml:"initrd,omitempty"`
	Cmdline string    `xml:"cmdline,omitempty"`
	Boot    []bootXML `xml:"boot"`
}

type osTypeXML struct {
	Arch    string `xml:"arch,attr,omitempty"`
	Machine string `xml:"machine,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type bootXML struct {
	Dev string `xml:"dev,attr"`
}

type featuresXML struct {
	ACPI *struct{} `xml:"acpi"`
}

type clockXML struct {
	Offset string `xml:"offset,attr,omitempty"`
}

type devicesXML struct {
	Emulator   string         `xml:"emulator,omitempty"`
	Disks      []diskXML      `xml:"disk"`
	Interfaces []interfaceXML `xml:"interface"`
	Inputs     []inputXML     `xml:"input"`
	Graphics   []graphicsXML  `xml:"graphics"`
}

type diskXML struct {
	Type      string         `xml:"type,attr,omitempty"`
	Device    string         `xml:"device,attr,omitempty"`
	Source    *diskSourceXML `xml:"source"`
	Target    *targetXML     `xml:"target"`
	ReadOnly  *struct{}      `xml:"readonly"`
	Shareable *struct{}      `xml:"shareable"`
}

type diskSourceXML struct {
	File string `xml:"file,attr,omitempty"`
	Dev  string `xml:"dev,attr,omitempty"`
}

type targetXML struct {
	Dev string `xml:"dev,attr"`
}

type interfaceXML struct {
	Type   string              `xml:"type,attr,omitempty"`
	MAC    *macXML             `xml:"mac"`
	Source *interfaceSourceXML `xml:"source"`
	Target *targetXML          `xml:"target"`
	Script *scriptXML          `xml:"script"`
}

type macXML struct {
	Address string `xml:"address,attr"`
}

type interfaceSourceXML struct {
	Network string `xml:"network,attr,omitempty"`
	Bridge  string `xml:"bridge,attr,omitempty"`
	Address string `xml:"address,attr,omitempty"`
	Port    string `xml:"port,attr,omitempty"`
}

type scriptXML struct {
	Path string `xml:"path,attr"`
}

type inputXML struct {
	Type string `xml:"type,attr,omitempty"`
	Bus  string `xml:"bus,attr,omitempty"`
}

type graphicsXML struct {
	Type   string `xml:"type,attr"`
	Port   string `xml:"port,attr,omitempty"`
	Listen string `xml:"listen,attr,omitempty"`
}

type networkXML struct {
	XMLName xml.Name
	Name    string             `xml:"name"`
	UUID    string             `xml:"uuid,omitempty"`
	Forward *networkForwardXML `xml:"forward"`
	Bridge  *networkBridgeXML  `xml:"bridge"`
	IP      *networkIPXML      `xml:"ip"`
}

type networkForwardXML struct {
	Dev string `xml:"dev,attr,omitempty"`
}

type networkBridgeXML struct {
	Name  string `xml:"name,attr,omitempty"`
	STP   string `xml:"stp,attr,omitempty"`
	Delay string `xml:"delay,attr,omitempty"`
}

type networkIPXML struct {
	Address string          `xml:"address,attr,omitempty"`
	Netmask string          `xml:"netmask,attr,omitempty"`
	DHCP    *networkDHCPXML `xml:"dhcp"`
}

type networkDHCPXML struct {
	Ranges []networkRangeXML `xml:"range"`
}

type networkRangeXML struct {
	Start string `xml:"start,attr"`
	End   string `xml:"end,attr"`
}
