package definition

import (
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cochaviz/qemud/internal/virerr"
)

// Network is a parsed virtual network definition.
type Network struct {
	Name string
	UUID uuid.UUID

	// Bridge is the requested bridge name. Empty or containing '%' means a
	// name is picked from a template at start.
	Bridge       string
	DisableSTP   bool
	ForwardDelay int

	IPAddress string
	Netmask   string
	Ranges    []DHCPRange

	Forward    bool
	ForwardDev string
}

// DHCPRange is an inclusive address range handed out by the DHCP helper.
type DHCPRange struct {
	Start string
	End   string
}

// CIDR returns the network address of IPAddress/Netmask as "a.b.c.d/n", or
// "" when either is unset or malformed.
func (n *Network) CIDR() string {
	ip := net.ParseIP(n.IPAddress).To4()
	mask := net.ParseIP(n.Netmask).To4()
	if ip == nil || mask == nil {
		return ""
	}
	m := net.IPv4Mask(mask[0], mask[1], mask[2], mask[3])
	ones, bits := m.Size()
	if bits == 0 {
		return ""
	}
	return fmt.Sprintf("%s/%d", ip.Mask(m).String(), ones)
}

// ParseNetwork validates an XML network definition.
func ParseNetwork(data []byte) (*Network, error) {
	var doc networkXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, virerr.Wrap(virerr.ConfigError, err, "malformed network XML")
	}
	if doc.XMLName.Local != "network" {
		return nil, virerr.New(virerr.ConfigError, "incorrect root element")
	}

	def := &Network{Name: strings.TrimSpace(doc.Name)}
	if def.Name == "" {
		return nil, virerr.New(virerr.NoName, "missing network name")
	}
	if strings.ContainsAny(def.Name, "/\x00") {
		return nil, virerr.New(virerr.ConfigError, "invalid network name %q", def.Name)
	}

	id, err := parseUUID(doc.UUID)
	if err != nil {
		return nil, err
	}
	def.UUID = id

	if b := doc.Bridge; b != nil {
		def.Bridge = strings.TrimSpace(b.Name)
		def.DisableSTP = b.STP == "off"
		if d := strings.TrimSpace(b.Delay); d != "" {
			delay, err := strconv.Atoi(d)
			if err != nil || delay < 0 {
				return nil, virerr.New(virerr.ConfigError, "malformed bridge delay %s", d)
			}
			def.ForwardDelay = delay
		}
	}

	if ip := doc.IP; ip != nil {
		def.IPAddress = strings.TrimSpace(ip.Address)
		def.Netmask = strings.TrimSpace(ip.Netmask)
		if def.IPAddress != "" && net.ParseIP(def.IPAddress).To4() == nil {
			return nil, virerr.New(virerr.ConfigError, "malformed IPv4 address %s", def.IPAddress)
		}
		if def.Netmask != "" && net.ParseIP(def.Netmask).To4() == nil {
			return nil, virerr.New(virerr.ConfigError, "malformed IPv4 netmask %s", def.Netmask)
		}
		if ip.DHCP != nil {
			for _, r := range ip.DHCP.Ranges {
				// Incomplete ranges are ignored.
				if r.Start == "" || r.End == "" {
					continue
				}
				def.Ranges = append(def.Ranges, DHCPRange{Start: r.Start, End: r.End})
			}
		}
	}

	if doc.Forward != nil {
		if def.IPAddress == "" || def.Netmask == "" {
			return nil, virerr.New(virerr.InternalError, "Forwarding requested, but no IPv4 address/netmask provided")
		}
		def.Forward = true
		def.ForwardDev = strings.TrimSpace(doc.Forward.Dev)
	}

	return def, nil
}

// FormatNetwork renders def as XML. A non-empty activeBridge replaces the
// requested bridge name.
func FormatNetwork(def *Network, activeBridge string) ([]byte, error) {
	if def == nil {
		return nil, fmt.Errorf("format network: nil definition")
	}
	doc := networkXML{
		XMLName: xml.Name{Local: "network"},
		Name:    def.Name,
		UUID:    def.UUID.String(),
	}
	if def.Forward {
		doc.Forward = &networkForwardXML{Dev: def.ForwardDev}
	}

	bridge := &networkBridgeXML{
		Name:  def.Bridge,
		STP:   "on",
		Delay: strconv.Itoa(def.ForwardDelay),
	}
	if activeBridge != "" {
		bridge.Name = activeBridge
	}
	if def.DisableSTP {
		bridge.STP = "off"
	}
	doc.Bridge = bridge

	if def.IPAddress != "" || def.Netmask != "" {
		doc.IP = &networkIPXML{Address: def.IPAddress, Netmask: def.Netmask}
		if len(def.Ranges) > 0 {
			doc.IP.DHCP = &networkDHCPXML{}
			for _, r := range def.Ranges {
				doc.IP.DHCP.Ranges = append(doc.IP.DHCP.Ranges, networkRangeXML{Start: r.Start, End: r.End})
			}
		}
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal network: %w", err)
	}
	return append(out, '\n'), nil
}
