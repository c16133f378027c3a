package hostnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/proc"
)

// ActiveNetwork is the host state realized for a started network.
type ActiveNetwork struct {
	Name   string
	Bridge string
	// DnsmasqPid is -1 when no DHCP helper runs.
	DnsmasqPid int

	def       *definition.Network
	addressed bool
	rules     []Rule
}

// StartNetwork realizes def on the host: bridge, address, firewall rules, IP
// forwarding and DHCP helper, in that order. A failing stage unwinds every
// stage before it.
func (p *Provisioner) StartNetwork(ctx context.Context, def *definition.Network) (_ *ActiveNetwork, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	links, err := p.linkHandle()
	if err != nil {
		return nil, err
	}

	template := def.Bridge
	if template == "" || strings.Contains(template, "%") {
		template = DefaultBridgeTemplate
	}
	name, err := resolveName(links, template)
	if err != nil {
		return nil, fmt.Errorf("cannot create bridge '%s': %w", template, err)
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := links.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
		return nil, fmt.Errorf("cannot create bridge '%s': %w", name, err)
	}
	active := &ActiveNetwork{Name: def.Name, Bridge: name, DnsmasqPid: -1, def: def}
	defer func() {
		if err != nil {
			p.teardown(active)
		}
	}()

	if def.ForwardDelay != 0 {
		if err := p.setBridgeParam(name, "forward_delay", strconv.Itoa(def.ForwardDelay*100)); err != nil {
			return nil, fmt.Errorf("failed to set bridge forward delay to %d: %w", def.ForwardDelay, err)
		}
	}
	stp, stpName := "1", "on"
	if def.DisableSTP {
		stp, stpName = "0", "off"
	}
	if err := p.setBridgeParam(name, "stp_state", stp); err != nil {
		return nil, fmt.Errorf("failed to set bridge STP to %s: %w", stpName, err)
	}

	if def.IPAddress != "" {
		if err := assignAddress(links, br, def.IPAddress, def.Netmask); err != nil {
			return nil, fmt.Errorf("cannot set IP address on bridge '%s' to '%s': %w", name, def.IPAddress, err)
		}
		if err := links.LinkSetUp(br); err != nil {
			return nil, fmt.Errorf("failed to bring the bridge '%s' up: %w", name, err)
		}
		active.addressed = true
	}

	fw, err := p.firewallHandle()
	if err != nil {
		return nil, err
	}
	for _, rule := range networkRules(name, def.CIDR(), def.Forward, def.ForwardDev) {
		if err := p.rules.add(fw, rule); err != nil {
			return nil, fmt.Errorf("failed to add %s/%s rule '%s' for '%s': %w", rule.Table, rule.Chain, rule, name, err)
		}
		active.rules = append(active.rules, rule)
	}
	if err := p.rules.save(); err != nil {
		p.logger.Warn("failed to persist firewall rules", "error", err)
	}

	if def.Forward {
		if err := writeSysctl(filepath.Join(procRoot, "sys/net/ipv4/ip_forward"), "1\n"); err != nil {
			return nil, fmt.Errorf("failed to enable IP forwarding: %w", err)
		}
	}

	if len(def.Ranges) > 0 {
		pid, err := p.startDHCP(ctx, def, name)
		if err != nil {
			return nil, err
		}
		active.DnsmasqPid = pid
	}

	p.logger.Info("network started", "network", def.Name, "bridge", name)
	return active, nil
}

// StopNetwork is the inverse of StartNetwork. Failures are logged.
func (p *Provisioner) StopNetwork(_ context.Context, active *ActiveNetwork) {
	if active == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("shutting down network", "network", active.Name, "bridge", active.Bridge)
	if active.DnsmasqPid > 0 {
		if err := proc.Signal(active.DnsmasqPid, unix.SIGTERM); err != nil {
			p.logger.Warn("failed to signal dnsmasq", "pid", active.DnsmasqPid, "error", err)
		}
	}
	p.teardown(active)
}

// teardown removes firewall rules, downs and deletes the bridge and reaps
// the DHCP helper.
func (p *Provisioner) teardown(active *ActiveNetwork) {
	if len(active.rules) > 0 && p.firewall != nil {
		for i := len(active.rules) - 1; i >= 0; i-- {
			rule := active.rules[i]
			if err := p.rules.remove(p.firewall, rule); err != nil {
				p.logger.Warn("failed to remove firewall rule", "table", rule.Table, "chain", rule.Chain, "rule", rule.String(), "error", err)
			}
		}
		active.rules = nil
		if err := p.rules.save(); err != nil {
			p.logger.Warn("failed to persist firewall rules", "error", err)
		}
	}

	if p.links != nil && active.Bridge != "" {
		link, err := p.links.LinkByName(active.Bridge)
		switch {
		case err != nil:
			p.logger.Warn("failed to look up bridge", "bridge", active.Bridge, "error", err)
		default:
			if active.addressed {
				if err := p.links.LinkSetDown(link); err != nil {
					p.logger.Warn("failed to bring down bridge", "bridge", active.Bridge, "error", err)
				}
			}
			if err := p.links.LinkDel(link); err != nil {
				p.logger.Warn("failed to delete bridge", "bridge", active.Bridge, "error", err)
			}
		}
	}

	if active.DnsmasqPid > 0 {
		if err := proc.Reap(active.DnsmasqPid); err != nil {
			p.logger.Warn("failed to reap dnsmasq", "pid", active.DnsmasqPid, "error", err)
		}
	}
	active.Bridge = ""
	active.DnsmasqPid = -1
	active.addressed = false
}

// ReloadRules re-installs every tracked firewall rule.
func (p *Provisioner) ReloadRules() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firewall == nil || len(p.rules.rules) == 0 {
		return nil
	}
	return p.rules.reload(p.firewall)
}

func (p *Provisioner) setBridgeParam(bridge, param, value string) error {
	return writeSysctl(filepath.Join(sysRoot, "class/net", bridge, "bridge", param), value)
}

func assignAddress(links LinkHandle, link netlink.Link, address, netmask string) error {
	ip := net.ParseIP(address).To4()
	if ip == nil {
		return fmt.Errorf("invalid IPv4 address %q", address)
	}
	mask := net.CIDRMask(32, 32)
	if netmask != "" {
		m := net.ParseIP(netmask).To4()
		if m == nil {
			return fmt.Errorf("invalid netmask %q", netmask)
		}
		mask = net.IPv4Mask(m[0], m[1], m[2], m[3])
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}

	existing, err := links.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && slicesEqualMask(a.Mask, addr.Mask) {
			return nil
		}
	}
	if err := links.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func slicesEqualMask(a, b net.IPMask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
