package qemu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cochaviz/qemud/internal/virerr"
)

// BlockStats are the per-device counters reported by "info blockstats".
// Counters the emulator did not report are -1.
type BlockStats struct {
	ReadRequests  int64 `json:"rd_req"`
	ReadBytes     int64 `json:"rd_bytes"`
	WriteRequests int64 `json:"wr_req"`
	WriteBytes    int64 `json:"wr_bytes"`
	Errors        int64 `json:"errs"`
}

// BlockDeviceName maps a guest disk path (hda, cdrom, fdb, ...) onto the
// emulator's internal block device name.
func BlockDeviceName(path string) (string, error) {
	switch {
	case path == "cdrom":
		return "ide1-cd0", nil
	case len(path) == 3 && strings.HasPrefix(path, "hd") && path[2] >= 'a' && path[2] <= 'z':
		return fmt.Sprintf("ide0-hd%d", path[2]-'a'), nil
	case len(path) == 3 && strings.HasPrefix(path, "fd") && path[2] >= 'a' && path[2] <= 'z':
		return fmt.Sprintf("floppy%d", path[2]-'a'), nil
	}
	return "", virerr.New(virerr.InvalidArg, "invalid path: %s", path)
}

// ParseBlockStats finds path's line in an "info blockstats" reply. Each line
// has the form "name: rd_bytes=N wr_bytes=N rd_operations=N wr_operations=N".
func ParseBlockStats(reply, path string) (BlockStats, error) {
	device, err := BlockDeviceName(path)
	if err != nil {
		return BlockStats{}, err
	}
	// Unsupported info subcommands make the monitor print the list of
	// supported ones.
	if strings.HasPrefix(reply, "info ") {
		return BlockStats{}, virerr.New(virerr.NoSupport, "'info blockstats' not supported by this qemu")
	}

	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimRight(line, "\r")
		rest, ok := strings.CutPrefix(line, device+": ")
		if !ok {
			continue
		}
		stats := BlockStats{ReadRequests: -1, ReadBytes: -1, WriteRequests: -1, WriteBytes: -1, Errors: -1}
		for _, field := range strings.Fields(rest) {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			switch key {
			case "rd_bytes":
				stats.ReadBytes = n
			case "wr_bytes":
				stats.WriteBytes = n
			case "rd_operations":
				stats.ReadRequests = n
			case "wr_operations":
				stats.WriteRequests = n
			}
		}
		return stats, nil
	}
	return BlockStats{}, virerr.New(virerr.InvalidArg, "device not found: %s (%s)", path, device)
}
