package hostnet

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/proc"
	"github.com/cochaviz/qemud/internal/virerr"
)

// DnsmasqArgv builds the DHCP helper command line for def served on bridge.
func DnsmasqArgv(binary, stateDir string, def *definition.Network) []string {
	argv := []string{
		binary,
		"--keep-in-foreground",
		"--strict-order",
		"--bind-interfaces",
		"--pid-file=",
		"--conf-file=",
		"--listen-address", def.IPAddress,
		"--except-interface", "lo",
		"--dhcp-leasefile=" + LeaseFile(stateDir, def.Name),
	}
	for _, r := range def.Ranges {
		argv = append(argv, "--dhcp-range", r.Start+","+r.End)
	}
	return argv
}

// LeaseFile is where the DHCP helper of network keeps its leases.
func LeaseFile(stateDir, network string) string {
	return filepath.Join(stateDir, "dhcp-"+network+".leases")
}

func (p *Provisioner) startDHCP(_ context.Context, def *definition.Network, bridge string) (int, error) {
	if def.IPAddress == "" {
		return -1, virerr.New(virerr.InternalError, "cannot start dhcp daemon without IP address for server")
	}
	binary := p.dnsmasq
	if filepath.Base(binary) == binary {
		resolved, err := exec.LookPath(binary)
		if err != nil {
			return -1, virerr.Wrap(virerr.InternalError, err, "cannot find %s", binary)
		}
		binary = resolved
	}
	argv := DnsmasqArgv(binary, p.stateDir, def)
	child, err := spawnProcess(proc.Spec{Argv: argv})
	if err != nil {
		return -1, virerr.Wrap(virerr.InternalError, err, "failed to start dhcp daemon for '%s'", bridge)
	}
	p.logger.Debug("dhcp daemon started", "network", def.Name, "pid", child.Pid)
	return child.Pid, nil
}
