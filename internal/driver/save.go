package driver

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/qemu"
	"github.com/cochaviz/qemud/internal/virerr"
)

const (
	saveMagic   = "LibvirtQemudSave"
	saveVersion = 2
)

// saveHeader starts every saved image, followed by the NUL-terminated domain
// XML and the emulator's migration stream. Version 1 images carry zero in
// HeaderLen.
type saveHeader struct {
	Magic      [16]byte
	Version    int32
	XMLLen     int32
	WasRunning int32
	HeaderLen  int32
	Reserved   [15]int32
}

var saveHeaderSize = binary.Size(saveHeader{})

// maxSaveXMLLen bounds the domain XML read back from an image.
const maxSaveXMLLen = 10 << 20

func newSaveHeader(xmlLen int, wasRunning bool) saveHeader {
	h := saveHeader{
		Version:   saveVersion,
		XMLLen:    int32(xmlLen),
		HeaderLen: int32(saveHeaderSize),
	}
	copy(h.Magic[:], saveMagic)
	if wasRunning {
		h.WasRunning = 1
	}
	return h
}

func writeSaveHeader(w io.Writer, h saveHeader) error {
	return binary.Write(w, binary.LittleEndian, h)
}

// readSaveHeader validates the header at the start of r and leaves r
// positioned at the XML.
func readSaveHeader(r io.Reader) (saveHeader, error) {
	var h saveHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, virerr.Wrap(virerr.OperationFailed, err, "failed to read qemu header")
	}
	if string(h.Magic[:]) != saveMagic {
		return h, virerr.New(virerr.OperationFailed, "image magic is incorrect")
	}
	if h.Version > saveVersion {
		return h, virerr.New(virerr.OperationFailed, "image version is not supported (%d > %d)", h.Version, saveVersion)
	}
	if h.Version >= 2 {
		if int(h.HeaderLen) < saveHeaderSize {
			return h, virerr.New(virerr.OperationFailed, "image header length %d is too short", h.HeaderLen)
		}
		if extra := int64(h.HeaderLen) - int64(saveHeaderSize); extra > 0 {
			if _, err := io.CopyN(io.Discard, r, extra); err != nil {
				return h, virerr.Wrap(virerr.OperationFailed, err, "failed to read qemu header")
			}
		}
	}
	if h.XMLLen <= 0 || h.XMLLen > maxSaveXMLLen {
		return h, virerr.New(virerr.OperationFailed, "invalid XML length %d", h.XMLLen)
	}
	return h, nil
}

// checkXMLFits rejects an XML length that runs past the end of f, which is
// positioned at the start of the XML.
func checkXMLFits(f *os.File, xmlLen int32) error {
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return virerr.Wrap(virerr.OperationFailed, err, "failed to read XML")
	}
	info, err := f.Stat()
	if err != nil {
		return virerr.Wrap(virerr.OperationFailed, err, "failed to read XML")
	}
	if int64(xmlLen) > info.Size()-offset {
		return virerr.New(virerr.OperationFailed, "invalid XML length %d", xmlLen)
	}
	return nil
}

// Save writes the state of a running domain to path and stops it.
func (d *Driver) Save(name, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dom, err := d.activeDomain(name)
	if err != nil {
		return err
	}

	wasRunning := dom.state == StateRunning
	if wasRunning {
		if err := d.suspend(dom); err != nil {
			return virerr.Wrap(virerr.OperationFailed, err, "failed to pause domain")
		}
	}

	xml, err := definition.FormatDomain(dom.def, nil)
	if err != nil {
		return err
	}
	xml = append(xml, 0)
	if err := writeSaveFile(path, newSaveHeader(len(xml), wasRunning), xml); err != nil {
		return err
	}

	cmd := fmt.Sprintf(`migrate "exec:dd of='%s' oflag=append conv=notrunc 2>/dev/null"`, qemu.EscapeShellArg(path))
	reply, err := d.commandTimeout(dom, cmd, d.cfg.MigrateTimeout)
	if err == nil && strings.Contains(strings.ToLower(reply), "fail") {
		err = errors.New(strings.TrimSpace(reply))
	}
	if err != nil {
		_ = os.Remove(path)
		if wasRunning {
			if rerr := d.resume(dom); rerr != nil {
				d.logger.Warn("unable to resume domain after failed save", "domain", name, "error", rerr)
			}
		}
		return virerr.Wrap(virerr.OperationFailed, err, "migrate operation failed")
	}

	d.destroyDomain(dom)
	if dom.transient() {
		d.domains.remove(dom)
	}
	d.logger.Info("domain saved", "domain", name, "path", path)
	return nil
}

func writeSaveFile(path string, h saveHeader, xml []byte) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return virerr.Wrap(virerr.OperationFailed, err, "failed to create '%s'", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = virerr.Wrap(virerr.OperationFailed, cerr, "unable to save file %s", path)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	if err := writeSaveHeader(f, h); err != nil {
		return virerr.Wrap(virerr.OperationFailed, err, "failed to write save header")
	}
	if _, err := f.Write(xml); err != nil {
		return virerr.Wrap(virerr.OperationFailed, err, "failed to write xml")
	}
	return nil
}

// Restore starts a domain from an image written by Save. The domain resumes
// only if it was running when saved.
func (d *Driver) Restore(ctx context.Context, path string) (DomainRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return DomainRef{}, virerr.Wrap(virerr.OperationFailed, err, "cannot read domain image")
	}
	defer f.Close()

	h, err := readSaveHeader(f)
	if err != nil {
		return DomainRef{}, err
	}
	if err := checkXMLFits(f, h.XMLLen); err != nil {
		return DomainRef{}, err
	}
	xml := make([]byte, h.XMLLen)
	if _, err := io.ReadFull(f, xml); err != nil {
		return DomainRef{}, virerr.Wrap(virerr.OperationFailed, err, "failed to read XML")
	}
	xml = bytes.TrimRight(xml, "\x00")

	def, err := definition.ParseDomain(xml, d.parseOptions())
	if err != nil {
		return DomainRef{}, virerr.Wrap(virerr.OperationFailed, err, "failed to parse XML")
	}

	other := d.domains.uuidOwner(def.UUID)
	if other == nil {
		other = d.domains.findByName(def.Name)
	}
	if other != nil {
		if other.active() {
			return DomainRef{}, virerr.New(virerr.OperationFailed, "domain is already active as '%s'", other.def.Name)
		}
		if other.def.Name != def.Name {
			return DomainRef{}, virerr.New(virerr.OperationFailed, "domain '%s' is already defined with uuid %s", other.def.Name, def.UUID)
		}
	}

	dom := d.domains.assign(def)
	dom.migrateFrom = "stdio"
	dom.stdin = f
	err = d.startDomain(ctx, dom)
	dom.migrateFrom = ""
	dom.stdin = nil
	if err != nil {
		return DomainRef{}, virerr.Wrap(virerr.OperationFailed, err, "failed to start VM")
	}

	if h.WasRunning != 0 {
		if err := d.resume(dom); err != nil {
			return DomainRef{}, virerr.Wrap(virerr.OperationFailed, err, "failed to resume domain")
		}
	}
	d.logger.Info("domain restored", "domain", def.Name, "path", path)
	return dom.ref(), nil
}
