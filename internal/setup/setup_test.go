package setup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/qemud/arch"
	"github.com/cochaviz/qemud/internal/definition"
)

func stubIdentity(t *testing.T, euid int, home string) func() {
	t.Helper()
	origEuid, origHome := geteuid, userHomeDir
	geteuid = func() int { return euid }
	userHomeDir = func() (string, error) {
		if home == "" {
			return "", errors.New("no home")
		}
		return home, nil
	}
	return func() {
		geteuid, userHomeDir = origEuid, origHome
	}
}

func TestDefaultPathsRoot(t *testing.T) {
	defer stubIdentity(t, 0, "")()

	p, err := DefaultPaths()
	if err != nil {
		t.Fatalf("DefaultPaths returned error: %v", err)
	}
	if p.ConfigDir != "/etc/qemud" || p.LogDir != "/var/log/qemud" || p.StateDir != "/var/lib/qemud" {
		t.Fatalf("unexpected root paths: %+v", p)
	}
	if got := p.SocketPath(); got != "/var/run/qemud/qemud.sock" {
		t.Fatalf("SocketPath = %s", got)
	}
	if got := p.ConfigFile(); got != "/etc/qemud/qemud.yaml" {
		t.Fatalf("ConfigFile = %s", got)
	}
}

func TestDefaultPathsUser(t *testing.T) {
	defer stubIdentity(t, 1000, "/home/alice")()

	p, err := DefaultPaths()
	if err != nil {
		t.Fatalf("DefaultPaths returned error: %v", err)
	}
	if p.ConfigDir != "/home/alice/.qemud" || p.RunDir != "/home/alice/.qemud/run" {
		t.Fatalf("unexpected user paths: %+v", p)
	}

	restore := stubIdentity(t, 1000, "")
	defer restore()
	if _, err := DefaultPaths(); err == nil {
		t.Fatalf("expected error without a home directory")
	}
}

func TestPrepareCreatesDirectories(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	p := Paths{
		ConfigDir: filepath.Join(base, "etc"),
		LogDir:    filepath.Join(base, "log"),
		StateDir:  filepath.Join(base, "lib", "qemud"),
	}
	if err := Prepare(p); err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	for _, dir := range []string{p.ConfigDir, p.LogDir, p.StateDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("%s not created: %v", dir, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "qemud.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg != (Config{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadAndConvert(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "qemud.yaml")
	content := strings.Join([]string{
		"vnc_listen: 0.0.0.0",
		"monitor_timeout: 45s",
		"migrate_timeout: 10m",
		"binary_dir: /opt/qemu/bin",
		"metrics_address: 127.0.0.1:9177",
		"dnsmasq: /usr/sbin/dnsmasq",
		"state_dir: /srv/qemud",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if time.Duration(cfg.MonitorTimeout) != 45*time.Second || time.Duration(cfg.MigrateTimeout) != 10*time.Minute {
		t.Fatalf("timeouts = %v, %v", cfg.MonitorTimeout, cfg.MigrateTimeout)
	}
	if cfg.MetricsAddress != "127.0.0.1:9177" {
		t.Fatalf("metrics address = %q", cfg.MetricsAddress)
	}

	p := Paths{ConfigDir: "/etc/qemud", LogDir: "/var/log/qemud", StateDir: "/var/lib/qemud"}
	dc := cfg.Driver(p, nil)
	if dc.StateDir != "/srv/qemud" || dc.ConfigDir != "/etc/qemud" || dc.VNCListen != "0.0.0.0" {
		t.Fatalf("driver config = %+v", dc)
	}
	if dc.MonitorTimeout != 45*time.Second || dc.Dnsmasq != "/usr/sbin/dnsmasq" {
		t.Fatalf("driver config = %+v", dc)
	}

	if len(cfg.Options()) != 1 {
		t.Fatalf("expected a binary locator option")
	}
	bin, err := cfg.locateBinary(definition.VirtQEMU, arch.X86_64)
	if err != nil {
		t.Fatalf("locateBinary returned error: %v", err)
	}
	if bin != "/opt/qemu/bin/qemu-system-x86_64" {
		t.Fatalf("locateBinary = %s", bin)
	}

	out, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	if !strings.Contains(string(out), "monitor_timeout: 45s") {
		t.Fatalf("marshalled config lacks timeout:\n%s", out)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := map[string]string{
		"unknown":  "listen_everywhere: true\n",
		"duration": "monitor_timeout: soon\n",
		"negative": "migrate_timeout: -1s\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "qemud.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load of empty file returned error: %v", err)
	}
	if len((Config{}).Options()) != 0 {
		t.Fatalf("zero config should not add options")
	}
}
