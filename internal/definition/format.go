package definition

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
)

// FormatDomain renders def as XML. When live is non-nil the runtime id, the
// active VNC port and concrete tap names are included.
func FormatDomain(def *Domain, live *Live) ([]byte, error) {
	if def == nil {
		return nil, fmt.Errorf("format domain: nil definition")
	}
	switch def.Type {
	case VirtQEMU, VirtKQEMU, VirtKVM:
	default:
		return nil, fmt.Errorf("unexpected domain type %q", def.Type)
	}

	doc := domainXML{
		XMLName:       xml.Name{Local: "domain"},
		Type:          string(def.Type),
		Name:          def.Name,
		UUID:          def.UUID.String(),
		Memory:        strconv.FormatUint(def.MaxMemory/1024, 10),
		CurrentMemory: strconv.FormatUint(def.Memory/1024, 10),
		VCPU:          strconv.Itoa(def.VCPUs),
		OS: osXML{
			Type: osTypeXML{
				Arch:    string(def.OS.Arch),
				Machine: def.OS.Machine,
				Value:   def.OS.Type,
			},
			Kernel:  def.OS.Kernel,
			Initrd:  def.OS.Initrd,
			Cmdline: def.OS.Cmdline,
		},
		Clock:      &clockXML{Offset: "utc"},
		OnPoweroff: string(orDestroy(def.OnPoweroff)),
		OnReboot:   string(orDefault(def.OnReboot, ActionRestart)),
		OnCrash:    string(orDestroy(def.OnCrash)),
	}
	if live != nil {
		doc.ID = strconv.Itoa(live.ID)
	}
	for _, b := range def.OS.Boot {
		doc.OS.Boot = append(doc.OS.Boot, bootXML{Dev: b.String()})
	}
	if def.ACPI {
		doc.Features = &featuresXML{ACPI: &struct{}{}}
	}
	if def.Localtime {
		doc.Clock.Offset = "localtime"
	}

	doc.Devices.Emulator = def.OS.Emulator
	for _, disk := range def.Disks {
		doc.Devices.Disks = append(doc.Devices.Disks, formatDisk(disk))
	}
	for idx, iface := range def.Interfaces {
		doc.Devices.Interfaces = append(doc.Devices.Interfaces, formatInterface(idx, iface, live))
	}
	for _, input := range def.Inputs {
		if input.Bus == BusPS2 {
			continue
		}
		doc.Devices.Inputs = append(doc.Devices.Inputs, inputXML{Type: string(input.Type), Bus: string(BusUSB)})
	}
	if def.Graphics != nil {
		doc.Devices.Inputs = append(doc.Devices.Inputs, inputXML{Type: string(InputMouse), Bus: string(BusPS2)})
		g := graphicsXML{Type: string(def.Graphics.Type)}
		if def.Graphics.Type == GraphicsVNC {
			port := def.Graphics.Port
			if live != nil && live.VNCPort != 0 {
				port = live.VNCPort
			}
			if port != 0 {
				g.Port = strconv.Itoa(port)
			}
			g.Listen = def.Graphics.Listen
		}
		doc.Devices.Graphics = []graphicsXML{g}
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal domain: %w", err)
	}
	return append(out, '\n'), nil
}

func orDestroy(a LifecycleAction) LifecycleAction {
	return orDefault(a, ActionDestroy)
}

func orDefault(a, fallback LifecycleAction) LifecycleAction {
	if a == "" {
		return fallback
	}
	return a
}

func formatDisk(disk Disk) diskXML {
	out := diskXML{
		Type:   string(disk.Type),
		Device: string(disk.Device),
		Target: &targetXML{Dev: disk.Target},
	}
	if disk.Type == DiskBlock {
		out.Source = &diskSourceXML{Dev: disk.Source}
	} else {
		out.Type = string(DiskFile)
		out.Source = &diskSourceXML{File: disk.Source}
	}
	if disk.ReadOnly {
		out.ReadOnly = &struct{}{}
	}
	if disk.Shareable {
		out.Shareable = &struct{}{}
	}
	return out
}

func formatInterface(idx int, iface Interface, live *Live) interfaceXML {
	out := interfaceXML{
		Type: string(iface.Type),
		MAC:  &macXML{Address: formatMAC(iface.MAC)},
	}
	ifname := iface.IfName
	if live != nil {
		if name, ok := live.IfNames[idx]; ok {
			ifname = name
		}
	}

	switch iface.Type {
	case InterfaceNetwork:
		out.Source = &interfaceSourceXML{Network: iface.Network}
		if ifname != "" {
			out.Target = &targetXML{Dev: ifname}
		}
	case InterfaceEthernet:
		if ifname != "" {
			out.Target = &targetXML{Dev: ifname}
		}
		if iface.Script != "" {
			out.Script = &scriptXML{Path: iface.Script}
		}
	case InterfaceBridge:
		out.Source = &interfaceSourceXML{Bridge: iface.Bridge}
		if ifname != "" {
			out.Target = &targetXML{Dev: ifname}
		}
	case InterfaceServer, InterfaceClient, InterfaceMcast:
		out.Source = &interfaceSourceXML{Address: iface.Address, Port: strconv.Itoa(iface.Port)}
	}
	return out
}

// FormatDevice renders a single disk or interface.
func FormatDevice(dev *DeviceDef) ([]byte, error) {
	switch {
	case dev == nil:
		return nil, fmt.Errorf("format device: nil device")
	case dev.Disk != nil:
		return marshalElement("disk", formatDisk(*dev.Disk))
	case dev.Interface != nil:
		return marshalElement("interface", formatInterface(0, *dev.Interface, nil))
	default:
		return nil, fmt.Errorf("format device: empty device")
	}
}

func marshalElement(name string, v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.EncodeElement(v, xml.StartElement{Name: xml.Name{Local: name}}); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
