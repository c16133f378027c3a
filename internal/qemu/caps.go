// Package qemu knows how to talk to the emulator binary: probing its
// capabilities, synthesizing its command line, escaping monitor arguments and
// parsing monitor replies.
package qemu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Flag is a capability bit detected from the emulator's help output.
type Flag uint

const (
	// FlagKQEMU means the binary accepts -no-kqemu.
	FlagKQEMU Flag = 1 << iota
	// FlagNoReboot means the binary accepts -no-reboot.
	FlagNoReboot
	// FlagVNCColon means -vnc takes "listen:display" rather than a bare display.
	FlagVNCColon
)

// Capabilities is the result of probing an emulator binary.
type Capabilities struct {
	// Version is major*1000000 + minor*1000 + micro.
	Version uint
	Flags   Flag
}

// Has reports whether every bit in f is set.
func (c Capabilities) Has(f Flag) bool {
	return c.Flags&f == f
}

const versionBanner = "QEMU PC emulator version "

const maxHelpOutput = 64 * 1024

// ParseHelp extracts the version and capability flags from help output.
func ParseHelp(help string) (Capabilities, error) {
	idx := strings.Index(help, versionBanner)
	if idx < 0 {
		return Capabilities{}, errors.New("version banner not found in emulator output")
	}
	var major, minor, micro uint
	if _, err := fmt.Sscanf(help[idx+len(versionBanner):], "%d.%d.%d", &major, &minor, &micro); err != nil {
		return Capabilities{}, fmt.Errorf("parse emulator version: %w", err)
	}

	caps := Capabilities{Version: major*1000*1000 + minor*1000 + micro}
	if strings.Contains(help, "-no-kqemu") {
		caps.Flags |= FlagKQEMU
	}
	if strings.Contains(help, "-no-reboot") {
		caps.Flags |= FlagNoReboot
	}
	if caps.Version >= 9000 {
		caps.Flags |= FlagVNCColon
	}
	return caps, nil
}

var runHelp = func(ctx context.Context, binary string) ([]byte, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, binary)
	cmd.Env = append(os.Environ(), "LANG=C", "LC_ALL=C")
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxHelpOutput}
	err := cmd.Run()
	var exitErr *exec.ExitError
	// Printing usage without arguments exits with status 1.
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		err = nil
	}
	return stdout.Bytes(), err
}

// Probe runs binary without arguments and parses its usage banner.
func Probe(ctx context.Context, binary string) (Capabilities, error) {
	out, err := runHelp(ctx, binary)
	if err != nil {
		return Capabilities{}, fmt.Errorf("run %s: %w", binary, err)
	}
	caps, err := ParseHelp(string(out))
	if err != nil {
		return Capabilities{}, fmt.Errorf("probe %s: %w", binary, err)
	}
	return caps, nil
}

type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
