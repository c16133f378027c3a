// Package driver manages the lifecycle of emulator domains and the virtual
// networks they attach to.
//
// A Driver owns every registry, the host network provisioner and the event
// loop draining emulator output. One coarse lock serializes all operations,
// so two domains are never started or stopped concurrently.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cochaviz/qemud/arch"
	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/eventloop"
	"github.com/cochaviz/qemud/internal/hostnet"
	"github.com/cochaviz/qemud/internal/logging"
	"github.com/cochaviz/qemud/internal/monitor"
	"github.com/cochaviz/qemud/internal/repositories/local"
)

// DefaultMigrateTimeout bounds how long a save may leave the monitor silent.
const DefaultMigrateTimeout = 5 * time.Minute

// Config locates the driver's files and sets driver-wide defaults.
type Config struct {
	// ConfigDir holds domain definitions; networks live in ConfigDir/networks.
	ConfigDir string
	// LogDir receives one <name>.log per domain.
	LogDir string
	// StateDir holds firewall state, DHCP leases and built media images.
	StateDir string
	// VNCListen is the listen address of vnc graphics that do not name one.
	VNCListen string
	// MonitorTimeout bounds each wait on the monitor. Zero means
	// monitor.DefaultTimeout.
	MonitorTimeout time.Duration
	// MigrateTimeout bounds the silence of the emulator while it writes a
	// saved image. Zero means DefaultMigrateTimeout.
	MigrateTimeout time.Duration
	// Dnsmasq is the DHCP helper binary.
	Dnsmasq string
	Logger  *slog.Logger
}

// NetworkProvisioner realizes virtual networks and tap devices on the host.
// *hostnet.Provisioner is the production implementation.
type NetworkProvisioner interface {
	AttachTap(bridge, ifname string) (*os.File, string, error)
	StartNetwork(ctx context.Context, def *definition.Network) (*hostnet.ActiveNetwork, error)
	StopNetwork(ctx context.Context, active *hostnet.ActiveNetwork)
	ReloadRules() error
	InterfaceStats(ifname string) (hostnet.IfStats, error)
}

// Option customizes a Driver.
type Option func(*Driver)

// WithProvisioner replaces the host network provisioner.
func WithProvisioner(p NetworkProvisioner) Option {
	return func(d *Driver) {
		d.net = p
	}
}

// WithBinaryLocator replaces the emulator lookup used for definitions that
// do not name an emulator.
func WithBinaryLocator(locate definition.BinaryLocator) Option {
	return func(d *Driver) {
		d.locate = locate
	}
}

// Driver is the domain and network lifecycle engine.
type Driver struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	domains  *registry
	networks *networkRegistry
	nextID   int

	net         NetworkProvisioner
	loop        *eventloop.Loop
	domainRepo  *local.ConfigRepository
	networkRepo *local.ConfigRepository
	mediaRepo   *local.MediaRepository
	locate      definition.BinaryLocator
	hostArch    arch.Architecture
	closed      bool
}

// New builds a driver. No host state is touched until Startup or the first
// operation that needs it.
func New(cfg Config, opts ...Option) (*Driver, error) {
	if cfg.ConfigDir == "" {
		return nil, errors.New("driver: config directory is required")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.ConfigDir, "log")
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.ConfigDir, "state")
	}
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = monitor.DefaultTimeout
	}
	if cfg.MigrateTimeout <= 0 {
		cfg.MigrateTimeout = DefaultMigrateTimeout
	}
	logger := logging.Component(cfg.Logger, "driver")

	loop, err := eventloop.New(logger)
	if err != nil {
		return nil, fmt.Errorf("create event loop: %w", err)
	}

	d := &Driver{
		cfg:         cfg,
		logger:      logger,
		domains:     newRegistry(),
		networks:    newNetworkRegistry(),
		nextID:      1,
		loop:        loop,
		domainRepo:  local.NewDomainRepository(cfg.ConfigDir, logger),
		networkRepo: local.NewNetworkRepository(cfg.ConfigDir, logger),
		mediaRepo:   &local.MediaRepository{BaseDir: filepath.Join(cfg.StateDir, "media")},
		locate:      definition.LocateBinary,
		hostArch:    arch.Host(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.net == nil {
		d.net = hostnet.New(hostnet.Config{
			StateDir: cfg.StateDir,
			Dnsmasq:  cfg.Dnsmasq,
			Logger:   cfg.Logger,
		})
	}
	return d, nil
}

func (d *Driver) mediaDir() string {
	return d.mediaRepo.BaseDir
}

func (d *Driver) parseOptions() definition.ParseOptions {
	return definition.ParseOptions{VNCListen: d.cfg.VNCListen, LocateBinary: d.locate}
}

// Startup loads every persisted definition and autostarts what is marked so.
func (d *Driver) Startup(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.scanConfigs(); err != nil {
		return err
	}
	d.autostart(ctx)
	return nil
}

// Reload rescans the config directories, re-installs the firewall rules of
// active networks and autostarts anything not yet running.
func (d *Driver) Reload(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.scanConfigs(); err != nil {
		d.logger.Warn("rescanning configs failed", "error", err)
	}
	if d.networks.activeCount() > 0 {
		d.logger.Info("reloading firewall rules")
		if err := d.net.ReloadRules(); err != nil {
			d.logger.Warn("reloading firewall rules failed", "error", err)
		}
	}
	d.autostart(ctx)
	return nil
}

// Active reports whether any domain or network is running.
func (d *Driver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	active, _ := d.domains.counts()
	return active > 0 || d.networks.activeCount() > 0
}

// Shutdown destroys every running domain, forgets transient ones, stops
// every active network and closes the event loop.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true

	for _, dom := range d.domains.sorted() {
		if dom.active() {
			d.destroyDomain(dom)
		}
		if dom.transient() {
			d.domains.remove(dom)
		}
	}
	for _, nw := range d.networks.sorted() {
		if nw.active() {
			d.stopNetwork(ctx, nw)
		}
	}
	// A callback blocked on d.mu must be able to finish before the loop
	// goroutine can exit.
	d.mu.Unlock()
	return d.loop.Close()
}

func (d *Driver) scanConfigs() error {
	domains, err := local.Scan(d.domainRepo, func(data []byte) (*definition.Domain, string, error) {
		def, err := definition.ParseDomain(data, d.parseOptions())
		if err != nil {
			return nil, "", err
		}
		return def, def.Name, nil
	})
	if err != nil {
		return err
	}
	for _, loaded := range domains {
		if other := d.domains.uuidOwner(loaded.Def.UUID); other != nil && other.def.Name != loaded.Name {
			d.logger.Warn("skipping domain config with duplicate uuid", "path", loaded.ConfigPath, "uuid", loaded.Def.UUID, "owner", other.def.Name)
			continue
		}
		dom := d.domains.assign(loaded.Def)
		dom.configPath = loaded.ConfigPath
		dom.autostartPath = loaded.AutostartPath
		dom.autostart = loaded.Autostart
	}

	networks, err := local.Scan(d.networkRepo, func(data []byte) (*definition.Network, string, error) {
		def, err := definition.ParseNetwork(data)
		if err != nil {
			return nil, "", err
		}
		return def, def.Name, nil
	})
	if err != nil {
		return err
	}
	for _, loaded := range networks {
		if other := d.networks.uuidOwner(loaded.Def.UUID); other != nil && other.def.Name != loaded.Name {
			d.logger.Warn("skipping network config with duplicate uuid", "path", loaded.ConfigPath, "uuid", loaded.Def.UUID, "owner", other.def.Name)
			continue
		}
		nw := d.networks.assign(loaded.Def)
		nw.configPath = loaded.ConfigPath
		nw.autostartPath = loaded.AutostartPath
		nw.autostart = loaded.Autostart
	}
	return nil
}

// autostart starts networks first so domains can attach to them.
func (d *Driver) autostart(ctx context.Context) {
	for _, nw := range d.networks.sorted() {
		if !nw.autostart || nw.active() {
			continue
		}
		if err := d.startNetwork(ctx, nw); err != nil {
			d.logger.Error("failed to autostart network", "network", nw.def.Name, "error", err)
		}
	}
	for _, dom := range d.domains.sorted() {
		if !dom.autostart || dom.active() {
			continue
		}
		if err := d.startDomain(ctx, dom); err != nil {
			d.logger.Error("failed to autostart domain", "domain", dom.def.Name, "error", err)
		}
	}
}
