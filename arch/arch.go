package arch

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Architecture names a guest CPU architecture the emulator can run.
type Architecture string

const (
	I686   Architecture = "i686"
	X86_64 Architecture = "x86_64"
	MIPS   Architecture = "mips"
	MIPSEL Architecture = "mipsel"
	SPARC  Architecture = "sparc"
	PPC    Architecture = "ppc"
)

// Default is used when a definition omits the os/type arch attribute.
const Default = I686

// BinaryDir is where emulator binaries are looked up.
var BinaryDir = "/usr/bin"

// AcceleratedBinary is the emulator used for hardware-assisted (kvm) guests.
const AcceleratedBinary = "qemu-kvm"

type entry struct {
	machines []string
	binary   string
}

var table = map[Architecture]entry{
	I686:   {machines: []string{"pc", "isapc"}, binary: "qemu"},
	X86_64: {machines: []string{"pc", "isapc"}, binary: "qemu-system-x86_64"},
	MIPS:   {machines: []string{"mips"}, binary: "qemu-system-mips"},
	MIPSEL: {machines: []string{"mips"}, binary: "qemu-system-mipsel"},
	SPARC:  {machines: []string{"sun4m"}, binary: "qemu-system-sparc"},
	PPC:    {machines: []string{"g3bw", "mac99", "prep"}, binary: "qemu-system-ppc"},
}

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	out := make([]Architecture, 0, len(table))
	for a := range table {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsValid reports whether a has an entry in the emulator table.
func (a Architecture) IsValid() bool {
	_, ok := table[a]
	return ok
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Machines returns the machine types the architecture's emulator accepts. The
// first entry is the default.
func (a Architecture) Machines() []string {
	return append([]string(nil), table[a].machines...)
}

// DefaultMachine returns the first machine type for the architecture.
func (a Architecture) DefaultMachine() string {
	e, ok := table[a]
	if !ok || len(e.machines) == 0 {
		return ""
	}
	return e.machines[0]
}

// Binary returns the absolute path of the emulator for the architecture. When
// accelerated is true the kvm binary is returned regardless of architecture.
func (a Architecture) Binary(accelerated bool) (string, error) {
	if accelerated {
		return filepath.Join(BinaryDir, AcceleratedBinary), nil
	}
	e, ok := table[a]
	if !ok {
		return "", fmt.Errorf("unsupported arch %s", a)
	}
	return filepath.Join(BinaryDir, e.binary), nil
}

// Parse returns the Architecture for value or an error if it has no table entry.
func Parse(value string) (Architecture, error) {
	if a := Normalize(value); a != "" {
		return a, nil
	}
	return "", fmt.Errorf("unsupported arch %s (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps common aliases onto a table architecture. Returns "" when the
// string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(I686), "i386", "i486", "i586", "x86":
		return I686
	case string(MIPS):
		return MIPS
	case string(MIPSEL):
		return MIPSEL
	case string(SPARC):
		return SPARC
	case string(PPC), "powerpc":
		return PPC
	default:
		return ""
	}
}

// Host returns the architecture of the running process, or "" when the host
// cannot be mapped onto the table.
func Host() Architecture {
	switch runtime.GOARCH {
	case "amd64":
		return X86_64
	case "386":
		return I686
	case "mips":
		return MIPS
	case "mipsle":
		return MIPSEL
	case "ppc":
		return PPC
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	return out
}
