// Package media builds removable-media images for guests.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

const maxLabelLength = 32

// DefaultLabel is used when no label can be derived.
const DefaultLabel = "QEMUD"

// BuildISO writes an ISO9660 image holding the contents of sourceDir to
// imagePath, replacing any previous image. A partially written image is
// removed.
func BuildISO(sourceDir, imagePath, label string) error {
	srcAbs, err := filepath.Abs(sourceDir)
	if err != nil {
		return fmt.Errorf("resolve media directory %q: %w", sourceDir, err)
	}
	info, err := os.Stat(srcAbs)
	if err != nil {
		return fmt.Errorf("stat media directory %q: %w", srcAbs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media path %q is not a directory", srcAbs)
	}
	if err := checkTree(srcAbs); err != nil {
		return err
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(srcAbs, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, VolumeLabel(label)); err != nil {
		_ = out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

// checkTree rejects anything but regular files and directories.
func checkTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			return fmt.Errorf("symlinks are not supported on media (%s)", path)
		case d.IsDir(), mode.IsRegular():
			return nil
		default:
			return fmt.Errorf("unsupported file type %s in %s", mode, path)
		}
	})
}

// VolumeLabel upper-cases parts joined by '_' and replaces every character
// outside [A-Z0-9_] so the result is a valid ISO9660 volume identifier.
func VolumeLabel(parts ...string) string {
	var b strings.Builder
	for _, r := range strings.Join(parts, "_") {
		if b.Len() >= maxLabelLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return DefaultLabel
	}
	return b.String()
}

// ImagePath is where media built for a domain's target device is kept.
func ImagePath(dir, domain, target string) string {
	return filepath.Join(dir, domain+"-"+target+".iso")
}

// Remove deletes an image built by BuildISO. A missing image is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
