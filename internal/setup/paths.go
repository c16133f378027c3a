package setup

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is looked up in Paths.ConfigDir.
const ConfigFileName = "qemud.yaml"

var (
	geteuid     = os.Geteuid
	userHomeDir = os.UserHomeDir
)

// Paths are the directories the daemon owns.
type Paths struct {
	ConfigDir string
	LogDir    string
	StateDir  string
	RunDir    string
}

// DefaultPaths returns the system directories when running as root and a
// per-user tree under ~/.qemud otherwise.
func DefaultPaths() (Paths, error) {
	if geteuid() == 0 {
		return Paths{
			ConfigDir: "/etc/qemud",
			LogDir:    "/var/log/qemud",
			StateDir:  "/var/lib/qemud",
			RunDir:    "/var/run/qemud",
		}, nil
	}
	home, err := userHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve home directory: %w", err)
	}
	base := filepath.Join(home, ".qemud")
	return Paths{
		ConfigDir: base,
		LogDir:    filepath.Join(base, "log"),
		StateDir:  filepath.Join(base, "state"),
		RunDir:    filepath.Join(base, "run"),
	}, nil
}

// ConfigFile is the path of qemud.yaml.
func (p Paths) ConfigFile() string {
	return filepath.Join(p.ConfigDir, ConfigFileName)
}

// SocketPath is the control socket inside RunDir.
func (p Paths) SocketPath() string {
	return filepath.Join(p.RunDir, "qemud.sock")
}

// Prepare creates every directory in p.
func Prepare(p Paths) error {
	for _, dir := range []string{p.ConfigDir, p.LogDir, p.StateDir, p.RunDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		getLogger().Debug("directory ready", "path", dir)
	}
	return nil
}
