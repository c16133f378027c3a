package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/eventloop"
	"github.com/cochaviz/qemud/internal/monitor"
	"github.com/cochaviz/qemud/internal/proc"
	"github.com/cochaviz/qemud/internal/qemu"
	"github.com/cochaviz/qemud/internal/virerr"
)

const vncPortCount = 100

var (
	probeCapabilities = qemu.Probe
	spawnProcess      = proc.Spawn
	openMonitorPath   = monitor.OpenPath
	signalProcess     = proc.Signal
	listenTCP         = func(addr string) (net.Listener, error) {
		return net.Listen("tcp4", addr)
	}
)

// startDomain launches the emulator for dom and waits for its monitor. Any
// failure leaves dom inactive with every descriptor released; a transient
// dom is also dropped from the registry.
func (d *Driver) startDomain(ctx context.Context, dom *Domain) (err error) {
	if dom.active() {
		return virerr.New(virerr.OperationInvalid, "VM is already active")
	}
	defer func() {
		if err != nil && dom.transient() && !dom.active() {
			d.domains.remove(dom)
		}
	}()

	def := dom.def
	dom.vncPort = -1
	if def.Graphics != nil && def.Graphics.Type == definition.GraphicsVNC {
		if def.Graphics.Port < 0 {
			port, err := nextFreeVNCPort()
			if err != nil {
				return virerr.Wrap(virerr.InternalError, err, "Unable to find an unused VNC port")
			}
			dom.vncPort = port
		} else {
			dom.vncPort = def.Graphics.Port
		}
	}

	logFile, err := d.openLog(def.Name)
	if err != nil {
		return err
	}
	caps, err := d.capabilities(ctx, dom)
	if err != nil {
		_ = logFile.Close()
		return err
	}
	cmd, err := qemu.BuildArgv(def, qemu.BuildContext{
		Caps:        caps,
		HostArch:    d.hostArch,
		VNCPort:     dom.vncPort,
		MigrateFrom: dom.migrateFrom,
		Taps:        d.net,
		Networks:    bridgeResolver{d.networks},
	})
	if err != nil {
		_ = logFile.Close()
		return err
	}
	if _, err := io.WriteString(logFile, strings.Join(cmd.Argv, " ")+"\n"); err != nil {
		d.logger.Warn("unable to write argv to logfile", "domain", def.Name, "error", err)
	}

	child, err := spawnProcess(proc.Spec{
		Argv:          cmd.Argv,
		Stdin:         dom.stdin,
		Extra:         cmd.Taps,
		CaptureOutput: true,
	})
	// The child holds its own copies of the taps now.
	cmd.Close()
	if err != nil {
		_ = logFile.Close()
		return virerr.Wrap(virerr.InternalError, err, "failed to start VM '%s'", def.Name)
	}

	dom.pid = child.Pid
	dom.stdout = child.Stdout
	dom.stderr = child.Stderr
	dom.log = logFile
	dom.ifNames = cmd.IfNames
	dom.id = d.nextID
	d.nextID++
	dom.state = StateRunning
	if dom.migrateFrom != "" {
		dom.state = StatePaused
	}
	defer func() {
		if err != nil {
			d.destroyDomain(dom)
		}
	}()

	events := uint32(eventloop.Readable | eventloop.Error | eventloop.Hangup)
	if dom.stdoutWatch, err = d.loop.Add(dom.stdout, events, d.handleOutput); err != nil {
		return virerr.Wrap(virerr.InternalError, err, "cannot watch VM output")
	}
	if dom.stderrWatch, err = d.loop.Add(dom.stderr, events, d.handleOutput); err != nil {
		return virerr.Wrap(virerr.InternalError, err, "cannot watch VM output")
	}

	mon, err := monitor.Handshake(dom.stderr, monitor.Options{
		Timeout: d.cfg.MonitorTimeout,
		Open:    openMonitorPath,
		Log:     logFile,
		Logger:  d.logger,
	})
	if err != nil {
		return err
	}
	dom.mon = mon
	d.logger.Info("VM started", "domain", def.Name, "id", dom.id, "pid", dom.pid)
	return nil
}

// destroyDomain stops the emulator of dom and resets its runtime fields.
// Inactive domains are left alone.
func (d *Driver) destroyDomain(dom *Domain) {
	if !dom.active() {
		return
	}
	name := dom.def.Name
	d.logger.Info("shutting down VM", "domain", name)

	if err := signalProcess(dom.pid, unix.SIGTERM); err != nil {
		d.logger.Warn("failed to signal VM", "domain", name, "pid", dom.pid, "error", err)
	}
	_ = d.drain(dom, dom.stdout)
	_ = d.drain(dom, dom.stderr)

	d.loop.Remove(dom.stdoutWatch)
	d.loop.Remove(dom.stderrWatch)
	dom.stdoutWatch, dom.stderrWatch = 0, 0

	if dom.log != nil {
		if err := dom.log.Close(); err != nil {
			d.logger.Warn("unable to close logfile", "domain", name, "error", err)
		}
	}
	for _, fd := range []int{dom.stdout, dom.stderr} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	if dom.mon != nil {
		_ = dom.mon.Close()
	}

	if err := proc.Reap(dom.pid); err != nil {
		d.logger.Warn("failed to reap VM", "domain", name, "pid", dom.pid, "error", err)
	}

	dom.pid = -1
	dom.id = -1
	dom.state = StateShutoff
	dom.stdout, dom.stderr = -1, -1
	dom.log = nil
	dom.mon = nil
	dom.ifNames = nil
	dom.vncPort = -1
	if !d.domains.swapStaged(dom) {
		d.logger.Warn("dropping staged domain definition with duplicate uuid", "domain", name)
	}
}

// handleOutput runs on the event loop for emulator stdout and stderr.
func (d *Driver) handleOutput(w eventloop.Watch, fd int, events uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom := d.domains.findByWatch(w)
	if dom == nil {
		return
	}
	if events == eventloop.Readable {
		err := d.drain(dom, fd)
		if err == nil {
			return
		}
		d.logger.Warn("VM output closed", "domain", dom.def.Name, "error", err)
	} else {
		d.logger.Warn("VM output failed", "domain", dom.def.Name, "events", events)
	}
	d.destroyDomain(dom)
	if dom.transient() {
		d.domains.remove(dom)
	}
}

// drain copies everything readable on fd into the domain log. It returns
// io.EOF once the emulator closed its end.
func (d *Driver) drain(dom *Domain, fd int) error {
	if fd < 0 || dom.pid < 0 {
		return nil
	}
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil
		case err != nil:
			return err
		case n == 0:
			return io.EOF
		}
		if dom.log != nil {
			if _, werr := dom.log.Write(buf[:n]); werr != nil {
				d.logger.Warn("unable to log VM console data", "domain", dom.def.Name, "error", werr)
			}
		}
	}
}

func (d *Driver) openLog(name string) (*os.File, error) {
	if err := os.MkdirAll(d.cfg.LogDir, 0o755); err != nil {
		return nil, virerr.Wrap(virerr.InternalError, err, "cannot create log directory %s", d.cfg.LogDir)
	}
	path := filepath.Join(d.cfg.LogDir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, virerr.Wrap(virerr.InternalError, err, "failed to create logfile %s", path)
	}
	return f, nil
}

// capabilities probes the emulator once per binary path.
func (d *Driver) capabilities(ctx context.Context, dom *Domain) (qemu.Capabilities, error) {
	binary := dom.def.OS.Emulator
	if dom.caps != nil && dom.capsBinary == binary {
		return *dom.caps, nil
	}
	if _, err := os.Stat(binary); err != nil {
		return qemu.Capabilities{}, virerr.Wrap(virerr.InternalError, err, "Cannot find QEMU binary %s", binary)
	}
	caps, err := probeCapabilities(ctx, binary)
	if err != nil {
		return qemu.Capabilities{}, err
	}
	dom.caps = &caps
	dom.capsBinary = binary
	return caps, nil
}

// command runs one monitor command on an active domain.
func (d *Driver) command(dom *Domain, cmd string) (string, error) {
	return d.commandTimeout(dom, cmd, 0)
}

func (d *Driver) commandTimeout(dom *Domain, cmd string, timeout time.Duration) (string, error) {
	if dom.mon == nil {
		return "", virerr.New(virerr.OperationFailed, "monitor of '%s' is not connected", dom.def.Name)
	}
	return dom.mon.CommandTimeout(cmd, timeout)
}

// nextFreeVNCPort binds each VNC port in turn and returns the first free one.
func nextFreeVNCPort() (int, error) {
	for port := qemu.VNCBasePort; port < qemu.VNCBasePort+vncPortCount; port++ {
		l, err := listenTCP(fmt.Sprintf(":%d", port))
		if err == nil {
			_ = l.Close()
			return port, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			continue
		}
		return -1, err
	}
	return -1, errors.New("all VNC ports are in use")
}
