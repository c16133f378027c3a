package definition

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/cochaviz/qemud/arch"
	"github.com/cochaviz/qemud/internal/virerr"
)

var testOptions = ParseOptions{
	LocateBinary: func(virt VirtType, a arch.Architecture) (string, error) {
		if virt == VirtKVM {
			return "/usr/bin/qemu-kvm", nil
		}
		return "/usr/bin/qemu-" + string(a), nil
	},
}

const minimalDomain = `<domain type='qemu'>
  <name>vm1</name>
  <memory>524288</memory>
  <os><type>hvm</type></os>
</domain>`

const fullDomain = `<domain type='qemu'>
  <name>guest</name>
  <uuid>c7a5fdbd-edaf-9455-926a-d65c16db1809</uuid>
  <memory>219200</memory>
  <currentMemory>219200</currentMemory>
  <vcpu>2</vcpu>
  <os>
    <type arch='x86_64' machine='pc'>hvm</type>
    <boot dev='cdrom'/>
    <boot dev='hd'/>
    <boot dev='network'/>
  </os>
  <features><acpi/></features>
  <clock offset='localtime'/>
  <on_reboot>destroy</on_reboot>
  <devices>
    <emulator>/usr/local/bin/qemu-system-x86_64</emulator>
    <disk type='block' device='disk'>
      <source dev='/dev/HostVG/QEMUGuest1'/>
      <target dev='hda'/>
    </disk>
    <disk type='file' device='cdrom'>
      <source file='/var/lib/images/install.iso'/>
      <target dev='hdc'/>
    </disk>
    <disk device='floppy'>
      <source file='/tmp/floppy.img'/>
      <target dev='fda'/>
    </disk>
    <interface type='user'>
      <mac address='52:54:00:8c:94:44'/>
    </interface>
    <interface type='network'>
      <mac address='52:54:00:11:22:33'/>
      <source network='default'/>
    </interface>
    <interface type='bridge'>
      <mac address='52:54:00:11:22:34'/>
      <source bridge='br0'/>
      <target dev='vnet%d'/>
    </interface>
    <interface type='ethernet'>
      <mac address='52:54:00:11:22:35'/>
      <target dev='tap7'/>
      <script path='/etc/qemu-ifup'/>
    </interface>
    <interface type='mcast'>
      <mac address='52:54:00:11:22:36'/>
      <source address='230.0.0.1' port='5558'/>
    </interface>
    <interface type='server'>
      <mac address='52:54:00:11:22:37'/>
      <source port='5559'/>
    </interface>
    <input type='tablet' bus='usb'/>
    <graphics type='vnc' port='5903' listen='0.0.0.0'/>
  </devices>
</domain>`

func TestParseDomainDefaults(t *testing.T) {
	t.Parallel()

	def, err := ParseDomain([]byte(minimalDomain), testOptions)
	if err != nil {
		t.Fatalf("ParseDomain returned error: %v", err)
	}
	if def.MaxMemory != 524288*1024 || def.Memory != def.MaxMemory {
		t.Fatalf("memory = %d/%d, want both %d", def.Memory, def.MaxMemory, 524288*1024)
	}
	if def.VCPUs != 1 {
		t.Fatalf("vcpus = %d, want 1", def.VCPUs)
	}
	if def.OS.Arch != arch.I686 || def.OS.Machine != "pc" {
		t.Fatalf("arch/machine = %s/%s, want i686/pc", def.OS.Arch, def.OS.Machine)
	}
	if !reflect.DeepEqual(def.OS.Boot, []BootDevice{BootDisk}) {
		t.Fatalf("boot = %v, want [disk]", def.OS.Boot)
	}
	if def.OS.Emulator != "/usr/bin/qemu-i686" {
		t.Fatalf("emulator = %q", def.OS.Emulator)
	}
	if def.UUID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("expected generated uuid")
	}
	if def.NoReboot() {
		t.Fatalf("default on_reboot should restart")
	}
}

func TestParseDomainFull(t *testing.T) {
	t.Parallel()

	def, err := ParseDomain([]byte(fullDomain), testOptions)
	if err != nil {
		t.Fatalf("ParseDomain returned error: %v", err)
	}
	if !def.ACPI || !def.Localtime || !def.NoReboot() {
		t.Fatalf("acpi/localtime/noreboot = %t/%t/%t", def.ACPI, def.Localtime, def.NoReboot())
	}
	if want := []BootDevice{BootCDROM, BootDisk, BootNetwork}; !reflect.DeepEqual(def.OS.Boot, want) {
		t.Fatalf("boot = %v, want %v", def.OS.Boot, want)
	}
	if len(def.Disks) != 3 {
		t.Fatalf("disks = %d, want 3", len(def.Disks))
	}
	if def.Disks[0].Type != DiskBlock || def.Disks[0].Source != "/dev/HostVG/QEMUGuest1" {
		t.Fatalf("unexpected block disk %+v", def.Disks[0])
	}
	if !def.Disks[1].ReadOnly {
		t.Fatalf("cdrom should be read-only")
	}
	if def.Disks[2].Type != DiskFile || def.Disks[2].Device != DeviceFloppy {
		t.Fatalf("unexpected floppy %+v", def.Disks[2])
	}
	if len(def.Interfaces) != 6 {
		t.Fatalf("interfaces = %d, want 6", len(def.Interfaces))
	}
	if def.Interfaces[2].Bridge != "br0" || def.Interfaces[2].IfName != "vnet%d" {
		t.Fatalf("unexpected bridge iface %+v", def.Interfaces[2])
	}
	if def.Interfaces[3].Script != "/etc/qemu-ifup" {
		t.Fatalf("unexpected ethernet iface %+v", def.Interfaces[3])
	}
	if def.Interfaces[4].Address != "230.0.0.1" || def.Interfaces[4].Port != 5558 {
		t.Fatalf("unexpected mcast iface %+v", def.Interfaces[4])
	}
	if def.Graphics == nil || def.Graphics.Port != 5903 || def.Graphics.Listen != "0.0.0.0" {
		t.Fatalf("unexpected graphics %+v", def.Graphics)
	}
	wantInputs := []Input{{Type: InputMouse, Bus: BusPS2}, {Type: InputTablet, Bus: BusUSB}}
	if !reflect.DeepEqual(def.Inputs, wantInputs) {
		t.Fatalf("inputs = %+v, want %+v", def.Inputs, wantInputs)
	}
}

func TestParseDomainClampsCurrentMemory(t *testing.T) {
	t.Parallel()

	xml := strings.Replace(minimalDomain, "<memory>524288</memory>", "<memory>1024</memory><currentMemory>4096</currentMemory>", 1)
	def, err := ParseDomain([]byte(xml), testOptions)
	if err != nil {
		t.Fatalf("ParseDomain returned error: %v", err)
	}
	if def.Memory != def.MaxMemory {
		t.Fatalf("memory %d should be clamped to %d", def.Memory, def.MaxMemory)
	}
}

func TestParseDomainValidation(t *testing.T) {
	t.Parallel()

	replace := func(old, new string) string {
		return strings.Replace(minimalDomain, old, new, 1)
	}
	devices := func(body string) string {
		return replace("</domain>", "<devices>"+body+"</devices></domain>")
	}

	cases := []struct {
		name string
		xml  string
		code virerr.Code
		msg  string
	}{
		{"root", `<network><name>x</name></network>`, virerr.ConfigError, "incorrect root element"},
		{"missing type", replace(" type='qemu'", ""), virerr.ConfigError, "missing domain type attribute"},
		{"bad type", replace("'qemu'", "'xen'"), virerr.ConfigError, "invalid domain type attribute"},
		{"missing name", replace("<name>vm1</name>", ""), virerr.NoName, "name"},
		{"bad uuid", replace("<name>vm1</name>", "<name>vm1</name><uuid>nope</uuid>"), virerr.ConfigError, "malformed uuid element"},
		{"missing memory", replace("<memory>524288</memory>", ""), virerr.ConfigError, "missing memory element"},
		{"bad memory", replace("524288", "lots"), virerr.ConfigError, "malformed memory information"},
		{"bad vcpu", replace("</memory>", "</memory><vcpu>two</vcpu>"), virerr.ConfigError, "malformed vcpu information"},
		{"os type", replace(">hvm<", ">linux<"), virerr.OSType, "linux"},
		{"arch", replace("<type>hvm", "<type arch='arm'>hvm"), virerr.ConfigError, "unsupported arch arm"},
		{"boot", replace("</os>", "<boot dev='usb'/></os>"), virerr.ConfigError, "boot device"},
		{"graphics", devices("<graphics type='spice'/>"), virerr.ConfigError, "Unsupported graphics type spice"},
		{"no source", devices("<disk><target dev='hda'/></disk>"), virerr.NoSource, "source"},
		{"no target", devices("<disk><source file='/a'/></disk>"), virerr.NoTarget, "target"},
		{"floppy name", devices("<disk device='floppy'><source file='/a'/><target dev='hda'/></disk>"), virerr.InternalError, "Invalid floppy device name: hda"},
		{"cdrom name", devices("<disk device='cdrom'><source file='/a'/><target dev='hdd'/></disk>"), virerr.InternalError, "Invalid cdrom device name: hdd"},
		{"disk name", devices("<disk><source file='/a'/><target dev='sda'/></disk>"), virerr.InternalError, "Invalid harddisk device name: sda"},
		{"device type", devices("<disk device='lun'><source file='/a'/><target dev='sda'/></disk>"), virerr.InternalError, "Invalid device type: lun"},
		{"network source", devices("<interface type='network'/>"), virerr.InternalError, "'network' attribute"},
		{"bridge source", devices("<interface type='bridge'/>"), virerr.InternalError, "'bridge' attribute"},
		{"socket port", devices("<interface type='server'/>"), virerr.InternalError, "'port' attribute"},
		{"socket port parse", devices("<interface type='server'><source port='x'/></interface>"), virerr.InternalError, "Cannot parse"},
		{"client address", devices("<interface type='client'><source port='1'/></interface>"), virerr.InternalError, "'address' attribute"},
		{"bridge name length", devices("<interface type='bridge'><source bridge='thisbridgenameiswaytoolongforlinux'/></interface>"), virerr.InternalError, "TAP bridge path 'thisbridgenameiswaytoolongforlinux' is too long"},
		{"bridge tap length", devices("<interface type='bridge'><source bridge='br0'/><target dev='tapnamethatexceedsifnamsiz'/></interface>"), virerr.InternalError, "TAP interface name 'tapnamethatexceedsifnamsiz' is too long"},
		{"ethernet tap length", devices("<interface type='ethernet'><target dev='anotherverylongtapdevicename'/></interface>"), virerr.InternalError, "TAP interface name 'anotherverylongtapdevicename' is too long"},
		{"network tap length", devices("<interface type='network'><source network='default'/><target dev='vnet0123456789x'/></interface>"), virerr.InternalError, "TAP interface name"},
		{"network name length", devices("<interface type='network'><source network='"+strings.Repeat("n", 49)+"'/></interface>"), virerr.InternalError, "too long"},
		{"input type", devices("<input bus='usb'/>"), virerr.InternalError, "no type provide for input device"},
		{"input kind", devices("<input type='joystick'/>"), virerr.InternalError, "unsupported input device type joystick"},
		{"tablet on ps2", devices("<input type='tablet' bus='ps2'/>"), virerr.InternalError, "ps2 bus does not support tablet input device"},
		{"input bus", devices("<input type='mouse' bus='serial'/>"), virerr.InternalError, "unsupported input bus serial"},
	}

	for _, tc := range cases {
		def, err := ParseDomain([]byte(tc.xml), testOptions)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if def != nil {
			t.Fatalf("%s: definition returned alongside error", tc.name)
		}
		if !errors.Is(err, tc.code) {
			t.Fatalf("%s: error %v has code %s, want %s", tc.name, err, virerr.CodeOf(err), tc.code)
		}
		if !strings.Contains(err.Error(), tc.msg) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.msg)
		}
	}
}

func TestInterfaceNamesAtLimit(t *testing.T) {
	t.Parallel()

	xml := strings.Replace(minimalDomain, "</domain>",
		"<devices><interface type='bridge'><source bridge='br01234567890a'/><target dev='vnet0123456789'/></interface></devices></domain>", 1)
	def, err := ParseDomain([]byte(xml), testOptions)
	if err != nil {
		t.Fatalf("ParseDomain returned error: %v", err)
	}
	if iface := def.Interfaces[0]; iface.Bridge != "br01234567890a" || iface.IfName != "vnet0123456789" {
		t.Fatalf("interface = %+v", iface)
	}
}

func TestCDROMIsAlwaysReadOnly(t *testing.T) {
	t.Parallel()

	dev, err := ParseDevice([]byte(`<disk type='file' device='cdrom'><source file='/iso'/><target dev='hdc'/></disk>`))
	if err != nil {
		t.Fatalf("ParseDevice returned error: %v", err)
	}
	if dev.Disk == nil || !dev.Disk.ReadOnly || dev.Disk.Target != CDROMTarget {
		t.Fatalf("unexpected cdrom %+v", dev.Disk)
	}

	out, err := FormatDevice(dev)
	if err != nil {
		t.Fatalf("FormatDevice returned error: %v", err)
	}
	again, err := ParseDevice(out)
	if err != nil {
		t.Fatalf("reparse returned error: %v\n%s", err, out)
	}
	if !again.Disk.ReadOnly {
		t.Fatalf("formatted cdrom lost read-only flag:\n%s", out)
	}
}

func TestGeneratedMACUsesPrefix(t *testing.T) {
	t.Parallel()

	xml := strings.Replace(minimalDomain, "</domain>", "<devices><interface type='user'/><interface/></devices></domain>", 1)
	def, err := ParseDomain([]byte(xml), testOptions)
	if err != nil {
		t.Fatalf("ParseDomain returned error: %v", err)
	}
	for i, iface := range def.Interfaces {
		if !bytes.Equal(iface.MAC[:3], MACPrefix) {
			t.Fatalf("interface %d mac %s lacks prefix", i, iface.MAC)
		}
		if iface.Type != InterfaceUser {
			t.Fatalf("interface %d type = %s, want user", i, iface.Type)
		}
	}
}

func TestExplicitPS2MouseIsNotStored(t *testing.T) {
	t.Parallel()

	xml := strings.Replace(minimalDomain, "</domain>", "<devices><input type='mouse' bus='ps2'/><input type='mouse' bus='usb'/></devices></domain>", 1)
	def, err := ParseDomain([]byte(xml), testOptions)
	if err != nil {
		t.Fatalf("ParseDomain returned error: %v", err)
	}
	if want := []Input{{Type: InputMouse, Bus: BusUSB}}; !reflect.DeepEqual(def.Inputs, want) {
		t.Fatalf("inputs = %+v, want %+v", def.Inputs, want)
	}
}

func TestVNCDefaults(t *testing.T) {
	t.Parallel()

	xml := strings.Replace(minimalDomain, "</domain>", "<devices><graphics type='vnc'/></devices></domain>", 1)
	def, err := ParseDomain([]byte(xml), ParseOptions{VNCListen: "10.0.0.1", LocateBinary: testOptions.LocateBinary})
	if err != nil {
		t.Fatalf("ParseDomain returned error: %v", err)
	}
	if def.Graphics.Port != AutoPort || def.Graphics.Listen != "10.0.0.1" {
		t.Fatalf("unexpected graphics %+v", def.Graphics)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	t.Parallel()

	def, err := ParseDomain([]byte(fullDomain), testOptions)
	if err != nil {
		t.Fatalf("ParseDomain returned error: %v", err)
	}
	out, err := FormatDomain(def, nil)
	if err != nil {
		t.Fatalf("FormatDomain returned error: %v", err)
	}
	again, err := ParseDomain(out, testOptions)
	if err != nil {
		t.Fatalf("reparse returned error: %v\n%s", err, out)
	}
	if !reflect.DeepEqual(def, again) {
		t.Fatalf("round trip mismatch\nfirst:  %+v\nsecond: %+v\nxml:\n%s", def, again, out)
	}
	if bytes.Contains(out, []byte(" id=")) {
		t.Fatalf("inactive XML should not carry an id:\n%s", out)
	}
}

func TestFormatLive(t *testing.T) {
	t.Parallel()

	def, err := ParseDomain([]byte(fullDomain), testOptions)
	if err != nil {
		t.Fatalf("ParseDomain returned error: %v", err)
	}
	def.Graphics.Port = AutoPort
	out, err := FormatDomain(def, &Live{ID: 4, VNCPort: 5901, IfNames: map[int]string{2: "vnet0"}})
	if err != nil {
		t.Fatalf("FormatDomain returned error: %v", err)
	}
	for _, want := range []string{`id="4"`, `port="5901"`, `dev="vnet0"`, `<uuid>c7a5fdbd-edaf-9455-926a-d65c16db1809</uuid>`} {
		if !bytes.Contains(out, []byte(want)) {
			t.Fatalf("expected %s in:\n%s", want, out)
		}
	}
}

func TestParseNetwork(t *testing.T) {
	t.Parallel()

	def, err := ParseNetwork([]byte(`<network>
  <name>default</name>
  <bridge name='virbr0' stp='off' delay='2'/>
  <forward dev='eth0'/>
  <ip address='192.168.122.1' netmask='255.255.255.0'>
    <dhcp>
      <range start='192.168.122.2' end='192.168.122.254'/>
      <range start='192.168.122.9'/>
    </dhcp>
  </ip>
</network>`))
	if err != nil {
		t.Fatalf("ParseNetwork returned error: %v", err)
	}
	if def.Bridge != "virbr0" || !def.DisableSTP || def.ForwardDelay != 2 {
		t.Fatalf("unexpected bridge settings %+v", def)
	}
	if !def.Forward || def.ForwardDev != "eth0" {
		t.Fatalf("unexpected forward settings %+v", def)
	}
	if len(def.Ranges) != 1 {
		t.Fatalf("ranges = %+v, want one complete range", def.Ranges)
	}
	if got := def.CIDR(); got != "192.168.122.0/24" {
		t.Fatalf("CIDR = %q", got)
	}

	out, err := FormatNetwork(def, "")
	if err != nil {
		t.Fatalf("FormatNetwork returned error: %v", err)
	}
	again, err := ParseNetwork(out)
	if err != nil {
		t.Fatalf("reparse returned error: %v\n%s", err, out)
	}
	if !reflect.DeepEqual(def, again) {
		t.Fatalf("round trip mismatch\n%+v\n%+v", def, again)
	}

	live, err := FormatNetwork(def, "vnet3")
	if err != nil {
		t.Fatalf("FormatNetwork returned error: %v", err)
	}
	if !bytes.Contains(live, []byte(`name="vnet3"`)) {
		t.Fatalf("active bridge name missing:\n%s", live)
	}
}

func TestParseNetworkForwardNeedsAddress(t *testing.T) {
	t.Parallel()

	_, err := ParseNetwork([]byte(`<network><name>n</name><forward/></network>`))
	if err == nil || !strings.Contains(err.Error(), "Forwarding requested") {
		t.Fatalf("expected forwarding error, got %v", err)
	}
	if _, err := ParseNetwork([]byte(`<domain/>`)); err == nil || !strings.Contains(err.Error(), "incorrect root element") {
		t.Fatalf("expected root element error, got %v", err)
	}
}
