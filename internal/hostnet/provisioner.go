// Package hostnet provisions the host side of virtual networks: bridges, tap
// devices, firewall rules and the DHCP helper.
package hostnet

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"

	"github.com/cochaviz/qemud/internal/logging"
	"github.com/cochaviz/qemud/internal/proc"
)

// DefaultBridgeTemplate names bridges whose definition does not pick one.
const DefaultBridgeTemplate = "vnet%d"

const maxTemplateIndex = 256

// LinkHandle is the subset of *netlink.Handle the provisioner needs.
type LinkHandle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
}

// Firewall is the subset of *iptables.IPTables the provisioner needs.
type Firewall interface {
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

var (
	newLinkHandle = func() (LinkHandle, error) {
		return netlink.NewHandle()
	}
	newFirewall = func() (Firewall, error) {
		return iptables.NewWithProtocol(iptables.ProtocolIPv4)
	}
	spawnProcess = proc.Spawn
	// sysRoot and procRoot prefix every sysfs and procfs write.
	sysRoot  = "/sys"
	procRoot = "/proc"
)

// Config configures a Provisioner.
type Config struct {
	// StateDir holds the persisted firewall rules and DHCP lease files.
	StateDir string
	// Dnsmasq is the DHCP helper binary.
	Dnsmasq string
	Logger  *slog.Logger
}

// Provisioner owns the bridge control and firewall contexts. Both are created
// on first use and shared by every network and domain.
type Provisioner struct {
	mu       sync.Mutex
	links    LinkHandle
	firewall Firewall
	rules    *ruleSet
	stateDir string
	dnsmasq  string
	logger   *slog.Logger
}

// New returns a provisioner. No host state is touched until first use.
func New(cfg Config) *Provisioner {
	dnsmasq := cfg.Dnsmasq
	if dnsmasq == "" {
		dnsmasq = "dnsmasq"
	}
	return &Provisioner{
		rules:    newRuleSet(cfg.StateDir),
		stateDir: cfg.StateDir,
		dnsmasq:  dnsmasq,
		logger:   logging.Component(cfg.Logger, "hostnet"),
	}
}

func (p *Provisioner) linkHandle() (LinkHandle, error) {
	if p.links != nil {
		return p.links, nil
	}
	h, err := newLinkHandle()
	if err != nil {
		return nil, fmt.Errorf("cannot initialize bridge support: %w", err)
	}
	p.links = h
	return h, nil
}

func (p *Provisioner) firewallHandle() (Firewall, error) {
	if p.firewall != nil {
		return p.firewall, nil
	}
	fw, err := newFirewall()
	if err != nil {
		return nil, fmt.Errorf("cannot initialize firewall support: %w", err)
	}
	p.firewall = fw
	return fw, nil
}

// AttachTap creates a non-persistent tap named ifname (a "%d" template is
// resolved to the first free name), enslaves it to bridge and brings it up.
// The tap disappears when the returned file is closed.
func (p *Provisioner) AttachTap(bridge, ifname string) (*os.File, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	links, err := p.linkHandle()
	if err != nil {
		return nil, "", err
	}
	br, err := links.LinkByName(bridge)
	if err != nil {
		return nil, "", fmt.Errorf("lookup bridge %s: %w", bridge, err)
	}
	name, err := resolveName(links, ifname)
	if err != nil {
		return nil, "", err
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{
			Name:        name,
			MasterIndex: br.Attrs().Index,
		},
		Mode:       netlink.TUNTAP_MODE_TAP,
		Flags:      netlink.TUNTAP_NO_PI,
		Queues:     1,
		NonPersist: true,
	}
	if err := links.LinkAdd(tap); err != nil {
		closeFiles(tap.Fds)
		return nil, "", fmt.Errorf("create tap %s: %w", name, err)
	}
	if len(tap.Fds) == 0 {
		return nil, "", fmt.Errorf("create tap %s: no descriptor returned", name)
	}
	fd := tap.Fds[0]
	closeFiles(tap.Fds[1:])

	if err := links.LinkSetUp(tap); err != nil {
		_ = fd.Close()
		return nil, "", fmt.Errorf("bring %s up: %w", name, err)
	}
	p.logger.Debug("tap attached", "tap", name, "bridge", bridge)
	return fd, name, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// resolveName expands a "%d" template to the first unused interface name.
func resolveName(links LinkHandle, template string) (string, error) {
	if !strings.Contains(template, "%d") {
		return template, nil
	}
	for i := 0; i < maxTemplateIndex; i++ {
		name := strings.Replace(template, "%d", fmt.Sprint(i), 1)
		_, err := links.LinkByName(name)
		if isLinkNotFound(err) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("lookup %s: %w", name, err)
		}
	}
	return "", fmt.Errorf("no free interface name for template %s", template)
}

// IfStats are interface counters seen from the guest: what the host side of
// a tap receives the guest transmitted.
type IfStats struct {
	RxBytes   int64 `json:"rx_bytes"`
	RxPackets int64 `json:"rx_packets"`
	RxErrs    int64 `json:"rx_errs"`
	RxDrop    int64 `json:"rx_drop"`
	TxBytes   int64 `json:"tx_bytes"`
	TxPackets int64 `json:"tx_packets"`
	TxErrs    int64 `json:"tx_errs"`
	TxDrop    int64 `json:"tx_drop"`
}

// InterfaceStats reads the counters of a host tap device.
func (p *Provisioner) InterfaceStats(ifname string) (IfStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	links, err := p.linkHandle()
	if err != nil {
		return IfStats{}, err
	}
	link, err := links.LinkByName(ifname)
	if err != nil {
		return IfStats{}, fmt.Errorf("lookup %s: %w", ifname, err)
	}
	s := link.Attrs().Statistics
	if s == nil {
		return IfStats{}, fmt.Errorf("no statistics for %s", ifname)
	}
	return IfStats{
		RxBytes:   int64(s.TxBytes),
		RxPackets: int64(s.TxPackets),
		RxErrs:    int64(s.TxErrors),
		RxDrop:    int64(s.TxDropped),
		TxBytes:   int64(s.RxBytes),
		TxPackets: int64(s.RxPackets),
		TxErrs:    int64(s.RxErrors),
		TxDrop:    int64(s.RxDropped),
	}, nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

func writeSysctl(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}
