package firmware

import (
	"bytes"
	"encoding/hex"
	"os"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"ttybridge/internal/ota"
)

func validImage(n int) []byte {
	b := bytes.Repeat([]byte{0x5a}, n)
	b[0] = DefaultMagic
	return b
}

func writeImage(t *testing.T, s *Store, img []byte) (ota.Partition, error) {
	t.Helper()
	p, err := s.NextPartition()
	if err != nil {
		t.Fatal(err)
	}
	up, err := s.Begin(p, uint32(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	for off := 0; off < len(img); off += 100 {
		end := min(off+100, len(img))
		if _, err := up.Write(img[off:end]); err != nil {
			t.Fatal(err)
		}
	}
	return p, up.Finalize()
}

func TestStore_Defaults(t *testing.T) {
	s, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Running().Label != "ota_0" || s.BootTarget() != "ota_0" {
		t.Errorf("running=%s boot=%s", s.Running().Label, s.BootTarget())
	}
	p, _ := s.NextPartition()
	if p.Label != "ota_1" || p.Capacity != DefaultCapacity {
		t.Errorf("next = %+v", p)
	}
}

func TestStore_UpdateAndSelect(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir, Options{})
	img := validImage(1000)

	p, err := writeImage(t, s, img)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, err := os.ReadFile(s.SlotPath(p.Label))
	if err != nil || !bytes.Equal(got, img) {
		t.Fatalf("slot content mismatch: %v", err)
	}
	sum := blake3.Sum256(img)
	if d, ok := s.Digest("ota_1"); !ok || d != hex.EncodeToString(sum[:]) {
		t.Errorf("digest = %q", d)
	}
	if err := s.SetBootTarget(p); err != nil {
		t.Fatal(err)
	}

	// After a restart the new slot runs and the next update alternates.
	again, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if again.Running().Label != "ota_1" {
		t.Errorf("running after reopen = %s", again.Running().Label)
	}
	if next, _ := again.NextPartition(); next.Label != "ota_0" {
		t.Errorf("next after reopen = %s", next.Label)
	}
	status := strings.Join(again.Status(), "\n")
	if !strings.Contains(status, "running ota_1") || !strings.Contains(status, "ota_1 blake3") {
		t.Errorf("status = %q", status)
	}
}

func TestStore_BadMagic(t *testing.T) {
	s, _ := Open(t.TempDir(), Options{})
	img := validImage(64)
	img[0] = 0x00
	p, err := writeImage(t, s, img)
	if err == nil {
		t.Fatal("expected magic check failure")
	}
	if _, err := os.Stat(s.SlotPath(p.Label)); !os.IsNotExist(err) {
		t.Error("rejected image installed in slot")
	}
	if _, err := os.Stat(s.SlotPath(p.Label) + ".part"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestStore_NoMagic(t *testing.T) {
	s, _ := Open(t.TempDir(), Options{NoMagic: true})
	if _, err := writeImage(t, s, []byte("plain bytes")); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestStore_IncompleteAndAbort(t *testing.T) {
	s, _ := Open(t.TempDir(), Options{})
	p, _ := s.NextPartition()

	up, err := s.Begin(p, 10)
	if err != nil {
		t.Fatal(err)
	}
	up.Write(validImage(4))
	if err := up.Finalize(); err == nil {
		t.Fatal("short image finalized")
	}

	up, _ = s.Begin(p, 10)
	if _, err := up.Write(validImage(11)); err == nil {
		t.Error("write past declared size accepted")
	}
	up.Write(validImage(5))
	if err := up.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := up.Abort(); err != nil {
		t.Errorf("second Abort: %v", err)
	}
	if _, err := os.Stat(s.SlotPath(p.Label) + ".part"); !os.IsNotExist(err) {
		t.Error("aborted partial file left behind")
	}
	if err := s.SetBootTarget(p); err == nil {
		t.Error("selected a slot with no image")
	}
}

func TestStore_BeginGuards(t *testing.T) {
	s, _ := Open(t.TempDir(), Options{Capacity: 100})
	if _, err := s.Begin(s.Running(), 10); err == nil {
		t.Error("began writing the running slot")
	}
	p, _ := s.NextPartition()
	if _, err := s.Begin(p, 101); err == nil {
		t.Error("accepted an image larger than the slot")
	}
	if _, err := s.Begin(ota.Partition{Label: "factory"}, 10); err == nil {
		t.Error("accepted an unknown slot")
	}
}

func TestOpen_BadSelector(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/otadata", []byte{0xa1, 0x64, 'b', 'o', 'o', 't', 0x63, 'x', 'y', 'z'}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, Options{}); err == nil {
		t.Fatal("expected error for unknown boot slot")
	}
}

func TestStatus_ShortDigest(t *testing.T) {
	dir := t.TempDir()
	data, err := cbor.Marshal(selector{Boot: "ota_0", Digests: map[string]string{"ota_0": "abc"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir+"/otadata", data, 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	lines := s.Status()
	if got := lines[len(lines)-1]; got != "ota_0 blake3 abc" {
		t.Errorf("status line = %q", got)
	}
}
