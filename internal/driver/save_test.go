package driver

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/qemud/internal/virerr"
)

func TestSaveHeaderLayout(t *testing.T) {
	t.Parallel()

	if saveHeaderSize != 16+4*19 {
		t.Fatalf("header size = %d, want %d", saveHeaderSize, 16+4*19)
	}

	var buf bytes.Buffer
	if err := writeSaveHeader(&buf, newSaveHeader(10, true)); err != nil {
		t.Fatalf("writeSaveHeader returned error: %v", err)
	}
	raw := buf.Bytes()
	if string(raw[:16]) != saveMagic {
		t.Fatalf("magic = %q", raw[:16])
	}
	// version, xml length, running flag and header length are little endian.
	want := []byte{2, 0, 0, 0, 10, 0, 0, 0, 1, 0, 0, 0, 92, 0, 0, 0}
	if !bytes.Equal(raw[16:32], want) {
		t.Fatalf("header fields = %v, want %v", raw[16:32], want)
	}

	h, err := readSaveHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("readSaveHeader returned error: %v", err)
	}
	if h.XMLLen != 10 || h.WasRunning != 1 {
		t.Fatalf("header = %+v", h)
	}
}

func TestReadSaveHeader(t *testing.T) {
	t.Parallel()

	encode := func(h saveHeader, trailer string) *bytes.Reader {
		var buf bytes.Buffer
		if err := writeSaveHeader(&buf, h); err != nil {
			t.Fatalf("writeSaveHeader returned error: %v", err)
		}
		buf.WriteString(trailer)
		return bytes.NewReader(buf.Bytes())
	}

	v1 := newSaveHeader(4, false)
	v1.Version = 1
	v1.HeaderLen = 0
	if _, err := readSaveHeader(encode(v1, "")); err != nil {
		t.Fatalf("version 1 header rejected: %v", err)
	}

	long := newSaveHeader(4, false)
	long.HeaderLen = int32(saveHeaderSize) + 8
	r := encode(long, "EXTENSIO<xml")
	if _, err := readSaveHeader(r); err != nil {
		t.Fatalf("extended header rejected: %v", err)
	}
	rest := make([]byte, 4)
	if _, err := r.Read(rest); err != nil || string(rest) != "<xml" {
		t.Fatalf("reader not positioned after header: %q, %v", rest, err)
	}

	newer := newSaveHeader(4, false)
	newer.Version = saveVersion + 1
	if _, err := readSaveHeader(encode(newer, "")); err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("expected unsupported version error, got %v", err)
	}

	short := newSaveHeader(4, false)
	short.HeaderLen = 12
	if _, err := readSaveHeader(encode(short, "")); !errors.Is(err, virerr.OperationFailed) {
		t.Fatalf("expected OperationFailed for short header, got %v", err)
	}

	bad := newSaveHeader(4, false)
	copy(bad.Magic[:], "NotAQemudSaveImg")
	if _, err := readSaveHeader(encode(bad, "")); err == nil || !strings.Contains(err.Error(), "image magic is incorrect") {
		t.Fatalf("expected magic error, got %v", err)
	}

	huge := newSaveHeader(maxSaveXMLLen+1, false)
	if _, err := readSaveHeader(encode(huge, "")); err == nil || !strings.Contains(err.Error(), "invalid XML length") {
		t.Fatalf("expected XML length error, got %v", err)
	}

	if _, err := readSaveHeader(bytes.NewReader([]byte("LibvirtQemudSave"))); !errors.Is(err, virerr.OperationFailed) {
		t.Fatalf("expected OperationFailed for truncated header, got %v", err)
	}
}

func TestSaveRestore(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if _, err := d.Define(env.domainXML("web", "")); err != nil {
		t.Fatalf("Define returned error: %v", err)
	}
	if err := d.Start(ctx, "web"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	image := filepath.Join(env.dir, "web's image.sav")
	if err := d.Save("web", image); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	sent := env.mon.sent()
	if len(sent) != 2 || sent[0] != "stop" {
		t.Fatalf("monitor commands = %q", sent)
	}
	wantMigrate := `migrate "exec:dd of='` + filepath.Join(env.dir, `web'\''s image.sav`) + `' oflag=append conv=notrunc 2>/dev/null"`
	if sent[1] != wantMigrate {
		t.Fatalf("migrate command = %q, want %q", sent[1], wantMigrate)
	}
	if ref, _ := d.LookupByName("web"); ref.ID != -1 {
		t.Fatalf("saved domain still active with id %d", ref.ID)
	}

	info, err := os.Stat(image)
	if err != nil {
		t.Fatalf("image not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("image mode = %v, want 0600", info.Mode().Perm())
	}
	f, err := os.Open(image)
	if err != nil {
		t.Fatalf("open image: %v", err)
	}
	h, err := readSaveHeader(f)
	f.Close()
	if err != nil {
		t.Fatalf("readSaveHeader returned error: %v", err)
	}
	if h.WasRunning != 1 || int64(saveHeaderSize)+int64(h.XMLLen) != info.Size() {
		t.Fatalf("header = %+v for image of %d bytes", h, info.Size())
	}

	env.mon.reset()
	ref, err := d.Restore(ctx, image)
	if err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	if ref.Name != "web" || ref.ID < 1 {
		t.Fatalf("Restore = %+v", ref)
	}
	if got := env.mon.sent(); len(got) != 1 || got[0] != "cont" {
		t.Fatalf("monitor commands after restore = %q", got)
	}
	if info, _ := d.Info("web"); info.State != StateRunning {
		t.Fatalf("restored state = %s", info.State)
	}
	if got := d.ListDefinedDomains(); len(got) != 0 {
		t.Fatalf("restore created a second domain: %v", got)
	}

	if _, err := d.Restore(ctx, image); !errors.Is(err, virerr.OperationFailed) {
		t.Fatalf("expected OperationFailed restoring an active domain, got %v", err)
	}
}

func TestSavePausedDomainStaysPaused(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if _, err := d.Create(ctx, env.domainXML("web", "")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := d.Suspend("web"); err != nil {
		t.Fatalf("Suspend returned error: %v", err)
	}
	image := filepath.Join(env.dir, "web.sav")
	if err := d.Save("web", image); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	// A transient domain is gone once saved.
	if _, err := d.LookupByName("web"); !errors.Is(err, virerr.NoDomain) {
		t.Fatalf("transient domain survived save: %v", err)
	}

	env.mon.reset()
	if _, err := d.Restore(ctx, image); err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	if got := env.mon.sent(); len(got) != 0 {
		t.Fatalf("monitor commands after restore = %q", got)
	}
	if info, _ := d.Info("web"); info.State != StatePaused {
		t.Fatalf("restored state = %s, want paused", info.State)
	}
}

func TestSaveFailedMigrationResumes(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if _, err := d.Create(ctx, env.domainXML("web", "")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	image := filepath.Join(env.dir, "web.sav")
	env.mon.reply(`migrate "exec:dd of='`+image+`' oflag=append conv=notrunc 2>/dev/null"`, "migration failed\r\n")

	if err := d.Save("web", image); !errors.Is(err, virerr.OperationFailed) {
		t.Fatalf("expected OperationFailed, got %v", err)
	}
	if _, err := os.Stat(image); !os.IsNotExist(err) {
		t.Fatalf("partial image left behind: %v", err)
	}
	if info, _ := d.Info("web"); info.State != StateRunning {
		t.Fatalf("state after failed save = %s", info.State)
	}
}

func TestRestoreRejectsBadImage(t *testing.T) {
	d, env := newTestDriver(t)

	image := filepath.Join(env.dir, "junk.sav")
	if err := os.WriteFile(image, bytes.Repeat([]byte{'x'}, 200), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	_, err := d.Restore(context.Background(), image)
	if !errors.Is(err, virerr.OperationFailed) || !strings.Contains(err.Error(), "image magic is incorrect") {
		t.Fatalf("expected magic error, got %v", err)
	}

	var truncated bytes.Buffer
	if err := writeSaveHeader(&truncated, newSaveHeader(4096, false)); err != nil {
		t.Fatalf("writeSaveHeader returned error: %v", err)
	}
	truncated.WriteString("<domain")
	if err := os.WriteFile(image, truncated.Bytes(), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	_, err = d.Restore(context.Background(), image)
	if !errors.Is(err, virerr.OperationFailed) || !strings.Contains(err.Error(), "invalid XML length 4096") {
		t.Fatalf("expected XML length error, got %v", err)
	}
	if _, err := d.Restore(context.Background(), filepath.Join(env.dir, "missing.sav")); !errors.Is(err, virerr.OperationFailed) {
		t.Fatalf("expected OperationFailed for missing image, got %v", err)
	}
	if env.spawns != 0 {
		t.Fatalf("spawned %d processes", env.spawns)
	}
}

func TestSaveInactiveDomain(t *testing.T) {
	d, env := newTestDriver(t)

	if _, err := d.Define(env.domainXML("web", "")); err != nil {
		t.Fatalf("Define returned error: %v", err)
	}
	if err := d.Save("web", filepath.Join(env.dir, "web.sav")); !errors.Is(err, virerr.OperationInvalid) {
		t.Fatalf("expected OperationInvalid, got %v", err)
	}
}
