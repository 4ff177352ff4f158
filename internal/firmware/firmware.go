// Package firmware keeps two firmware slots in a directory and a small
// selector file naming the slot to boot next.
//
// Layout:
//
//	<dir>/ota_0     slot images
//	<dir>/ota_1
//	<dir>/otadata   CBOR selector: boot slot, sequence and image digests
//
// An update is written to "<slot>.part" and renamed over the slot file
// only after its length and magic byte check out, so an interrupted
// transfer never leaves a truncated image in a slot.
package firmware

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"ttybridge/internal/ota"
	"ttybridge/util"
)

// Slot labels in boot order.
var Slots = [2]string{"ota_0", "ota_1"}

const (
	// DefaultCapacity is the size of one slot.
	DefaultCapacity = 0x100000

	// DefaultMagic is the first byte of a valid application image.
	DefaultMagic = 0xE9

	selectorFile = "otadata"
)

type selector struct {
	Boot     string            `cbor:"boot"`
	Sequence uint64            `cbor:"seq"`
	Digests  map[string]string `cbor:"digests,omitempty"`
}

// Store is a file-backed implementation of ota.Target.
type Store struct {
	dir      string
	capacity uint32
	magic    byte

	mu      sync.Mutex
	running string
	sel     selector
}

// Options tune a Store.  Zero values select the defaults.  NoMagic
// turns the magic byte check off.
type Options struct {
	Capacity uint32
	Magic    byte
	NoMagic  bool
}

// Open loads the store in dir, creating the directory and an initial
// selector pointing at the first slot when absent.  The slot named by
// the selector is treated as the running image.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("firmware dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		capacity: opts.Capacity,
		magic:    opts.Magic,
	}
	if s.capacity == 0 {
		s.capacity = DefaultCapacity
	}
	if s.magic == 0 && !opts.NoMagic {
		s.magic = DefaultMagic
	}

	data, err := os.ReadFile(filepath.Join(dir, selectorFile))
	switch {
	case os.IsNotExist(err):
		s.sel = selector{Boot: Slots[0]}
		if err := s.writeSelector(s.sel); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read selector: %w", err)
	default:
		if err := cbor.Unmarshal(data, &s.sel); err != nil {
			return nil, fmt.Errorf("decode selector: %w", err)
		}
		if slotIndex(s.sel.Boot) < 0 {
			return nil, fmt.Errorf("selector names unknown slot %q", s.sel.Boot)
		}
	}
	s.running = s.sel.Boot
	return s, nil
}

func slotIndex(label string) int {
	for i, l := range Slots {
		if l == label {
			return i
		}
	}
	return -1
}

// Running returns the slot the current process booted from.
func (s *Store) Running() ota.Partition {
	return ota.Partition{Label: s.running, Capacity: s.capacity}
}

// NextPartition returns the slot after the running one.
func (s *Store) NextPartition() (ota.Partition, error) {
	i := slotIndex(s.running)
	if i < 0 {
		return ota.Partition{}, fmt.Errorf("running slot %q unknown", s.running)
	}
	return ota.Partition{Label: Slots[(i+1)%len(Slots)], Capacity: s.capacity}, nil
}

// BootTarget returns the slot selected for the next boot.
func (s *Store) BootTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel.Boot
}

// Digest returns the hex BLAKE3 digest recorded for a slot's image.
func (s *Store) Digest(label string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sel.Digests[label]
	return d, ok
}

// SlotPath returns the image file of a slot.
func (s *Store) SlotPath(label string) string {
	return filepath.Join(s.dir, label)
}

// Status describes the slots for the status command.
func (s *Store) Status() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := []string{
		"running " + s.running,
		"next boot " + s.sel.Boot,
	}
	for _, l := range Slots {
		if d, ok := s.sel.Digests[l]; ok {
			lines = append(lines, fmt.Sprintf("%s blake3 %.16s", l, d))
		}
	}
	return lines
}

// SetBootTarget selects p for the next boot.
func (s *Store) SetBootTarget(p ota.Partition) error {
	if slotIndex(p.Label) < 0 {
		return fmt.Errorf("unknown slot %q", p.Label)
	}
	if _, err := os.Stat(s.SlotPath(p.Label)); err != nil {
		return fmt.Errorf("slot %s has no image: %w", p.Label, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.sel
	next.Boot = p.Label
	next.Sequence++
	if err := s.writeSelector(next); err != nil {
		return err
	}
	s.sel = next
	return nil
}

// Begin starts writing an image of size bytes to p.
func (s *Store) Begin(p ota.Partition, size uint32) (ota.Update, error) {
	if slotIndex(p.Label) < 0 {
		return nil, fmt.Errorf("unknown slot %q", p.Label)
	}
	if p.Label == s.running {
		return nil, fmt.Errorf("slot %s is running", p.Label)
	}
	if size == 0 || size > s.capacity {
		return nil, fmt.Errorf("image size %d outside 1..%d", size, s.capacity)
	}

	path := s.SlotPath(p.Label) + ".part"
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &update{
		store:    s,
		label:    p.Label,
		path:     path,
		f:        f,
		hash:     blake3.New(),
		expected: size,
	}, nil
}

// recordDigest stores the digest of a freshly written slot.
func (s *Store) recordDigest(label, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.sel
	next.Digests = make(map[string]string, len(s.sel.Digests)+1)
	for k, v := range s.sel.Digests {
		next.Digests[k] = v
	}
	next.Digests[label] = digest
	if err := s.writeSelector(next); err != nil {
		return err
	}
	s.sel = next
	return nil
}

func (s *Store) writeSelector(sel selector) error {
	data, err := cbor.Marshal(sel)
	if err != nil {
		return fmt.Errorf("encode selector: %w", err)
	}
	if err := util.WriteFileAtomic(filepath.Join(s.dir, selectorFile), data, 0o644); err != nil {
		return fmt.Errorf("write selector: %w", err)
	}
	return nil
}

// update is one image being written to a ".part" file.
type update struct {
	store    *Store
	label    string
	path     string
	f        *os.File
	hash     *blake3.Hasher
	expected uint32
	written  uint32
	first    byte
	done     bool
}

func (u *update) Write(b []byte) (int, error) {
	if u.done {
		return 0, fmt.Errorf("update of %s already ended", u.label)
	}
	if uint64(u.written)+uint64(len(b)) > uint64(u.expected) {
		return 0, fmt.Errorf("write past declared size %d", u.expected)
	}
	if len(b) == 0 {
		return 0, nil
	}
	if u.written == 0 {
		u.first = b[0]
	}
	n, err := u.f.Write(b)
	u.hash.Write(b[:n]) //nolint:errcheck
	u.written += uint32(n)
	return n, err
}

// Finalize validates the image and moves it into its slot.
func (u *update) Finalize() error {
	if u.done {
		return fmt.Errorf("update of %s already ended", u.label)
	}
	u.done = true

	if u.written != u.expected {
		u.discard()
		return fmt.Errorf("image incomplete: %d of %d bytes", u.written, u.expected)
	}
	if m := u.store.magic; m != 0 && u.first != m {
		u.discard()
		return fmt.Errorf("image magic %#02x, want %#02x", u.first, m)
	}
	if err := u.f.Sync(); err != nil {
		u.discard()
		return fmt.Errorf("sync image: %w", err)
	}
	if err := u.f.Close(); err != nil {
		os.Remove(u.path)
		return fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(u.path, u.store.SlotPath(u.label)); err != nil {
		os.Remove(u.path)
		return fmt.Errorf("install image: %w", err)
	}
	return u.store.recordDigest(u.label, hex.EncodeToString(u.hash.Sum(nil)))
}

// Abort drops the partial image.  Aborting after Finalize leaves the
// installed image in place; it is simply not selected for boot.
func (u *update) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.discard()
}

func (u *update) discard() error {
	u.f.Close()
	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
