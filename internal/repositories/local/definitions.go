package local

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/cochaviz/qemud/internal/logging"
)

const definitionSuffix = ".xml"

// ConfigRepository keeps definition documents as <Dir>/<name>.xml. An
// autostart entry is a symlink <AutostartDir>/<name>.xml pointing at the
// config file.
type ConfigRepository struct {
	Dir          string
	AutostartDir string
	Logger       *slog.Logger
}

// NewDomainRepository stores domains directly under configDir.
func NewDomainRepository(configDir string, logger *slog.Logger) *ConfigRepository {
	return &ConfigRepository{
		Dir:          configDir,
		AutostartDir: filepath.Join(configDir, "autostart"),
		Logger:       logger,
	}
}

// NewNetworkRepository stores networks under configDir/networks.
func NewNetworkRepository(configDir string, logger *slog.Logger) *ConfigRepository {
	dir := filepath.Join(configDir, "networks")
	return &ConfigRepository{
		Dir:          dir,
		AutostartDir: filepath.Join(dir, "autostart"),
		Logger:       logger,
	}
}

// ConfigPath is the config file of name.
func (r *ConfigRepository) ConfigPath(name string) string {
	return filepath.Join(r.Dir, name+definitionSuffix)
}

// AutostartPath is the autostart link of name.
func (r *ConfigRepository) AutostartPath(name string) string {
	return filepath.Join(r.AutostartDir, name+definitionSuffix)
}

// Save writes data as the config file of name with mode 0600 and returns
// its path.
func (r *ConfigRepository) Save(name string, data []byte) (string, error) {
	if name == "" {
		return "", errors.New("definition name is required")
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create config directory %s: %w", r.Dir, err)
	}

	path := r.ConfigPath(name)
	tmp := path + ".new"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("cannot write config file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("cannot write config file %s: %w", path, err)
	}
	return path, nil
}

// Delete removes the autostart link and then the config file. A missing
// link is fine, a missing config file is not.
func (r *ConfigRepository) Delete(configPath, autostartPath string) error {
	if configPath == "" {
		return errors.New("no config file to delete")
	}
	if err := removeLink(autostartPath); err != nil {
		return err
	}
	if err := os.Remove(configPath); err != nil {
		return fmt.Errorf("cannot remove config %s: %w", configPath, err)
	}
	return nil
}

// SetAutostart creates or removes the autostart link of a config file.
func (r *ConfigRepository) SetAutostart(configPath, autostartPath string, enabled bool) error {
	if !enabled {
		return removeLink(autostartPath)
	}
	if err := os.MkdirAll(filepath.Dir(autostartPath), 0o755); err != nil {
		return fmt.Errorf("cannot create autostart directory %s: %w", filepath.Dir(autostartPath), err)
	}
	err := os.Symlink(configPath, autostartPath)
	if errors.Is(err, fs.ErrExist) {
		if IsAutostart(configPath, autostartPath) {
			return nil
		}
		// A stale or foreign link is replaced. Anything else is left alone.
		info, lerr := os.Lstat(autostartPath)
		if lerr != nil || info.Mode()&fs.ModeSymlink == 0 {
			return fmt.Errorf("failed to create symlink '%s' to '%s': %w", autostartPath, configPath, err)
		}
		if err := removeLink(autostartPath); err != nil {
			return err
		}
		err = os.Symlink(configPath, autostartPath)
	}
	if err != nil {
		return fmt.Errorf("failed to create symlink '%s' to '%s': %w", autostartPath, configPath, err)
	}
	return nil
}

func removeLink(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil
	}
	return fmt.Errorf("failed to delete symlink '%s': %w", path, err)
}

// IsAutostart reports whether autostartPath resolves to the same file as
// configPath.
func IsAutostart(configPath, autostartPath string) bool {
	if configPath == "" || autostartPath == "" {
		return false
	}
	link, err := filepath.EvalSymlinks(autostartPath)
	if err != nil {
		return false
	}
	config, err := filepath.EvalSymlinks(configPath)
	if err != nil {
		return false
	}
	return link == config
}

// Decoder parses a definition document and returns its name.
type Decoder[T any] func(data []byte) (def T, name string, err error)

// Loaded is one definition read back by Scan.
type Loaded[T any] struct {
	Def           T
	Name          string
	ConfigPath    string
	AutostartPath string
	Autostart     bool
}

// Scan decodes every config file of the repository. Hidden files, editor
// leftovers, files without the .xml suffix and files whose name disagrees
// with the definition inside are skipped. Unreadable or invalid files are
// logged and skipped. A missing directory yields no definitions.
func Scan[T any](r *ConfigRepository, decode Decoder[T]) ([]Loaded[T], error) {
	logger := logging.Ensure(r.Logger)

	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open dir '%s': %w", r.Dir, err)
	}

	var loaded []Loaded[T]
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || skipConfigName(fileName) {
			continue
		}
		name := strings.TrimSuffix(fileName, definitionSuffix)
		path := filepath.Join(r.Dir, fileName)

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read config file", "path", path, "error", err)
			continue
		}
		def, defName, err := decode(data)
		if err != nil {
			logger.Warn("error parsing config file", "path", path, "error", err)
			continue
		}
		if defName != name {
			logger.Warn("config filename does not match definition name", "path", path, "name", defName)
			continue
		}

		autostart := r.AutostartPath(name)
		loaded = append(loaded, Loaded[T]{
			Def:           def,
			Name:          name,
			ConfigPath:    path,
			AutostartPath: autostart,
			Autostart:     IsAutostart(path, autostart),
		})
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name < loaded[j].Name })
	return loaded, nil
}

func skipConfigName(name string) bool {
	switch {
	case strings.HasPrefix(name, "."), strings.HasPrefix(name, "#"), strings.HasSuffix(name, "~"):
		return true
	}
	return !strings.HasSuffix(name, definitionSuffix) || name == definitionSuffix
}
