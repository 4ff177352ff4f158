// Package nvs is the persistent settings store: a small map of named
// unsigned integers kept in a CBOR file.
//
// Set only changes the in-memory view.  Values survive a restart once
// Commit has written them to disk.
package nvs

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"ttybridge/util"
)

const formatVersion = 1

type record struct {
	Version int               `cbor:"v"`
	Values  map[string]uint32 `cbor:"values"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps rewrites of unchanged settings
	// byte-identical.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("nvs: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("nvs: CBOR decoder initialization failed: " + err.Error())
	}
}

// Store holds settings for one file.  Safe for concurrent use.
type Store struct {
	path string

	mu     sync.Mutex
	values map[string]uint32
	dirty  bool
}

// Open loads the store at path.  A missing file yields an empty store;
// a corrupt one is an error.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: map[string]uint32{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var rec record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode settings %s: %w", path, err)
	}
	if rec.Version != formatVersion {
		return nil, fmt.Errorf("settings %s: unsupported format version %d", path, rec.Version)
	}
	for k, v := range rec.Values {
		s.values[k] = v
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Get returns the value for key and whether it is set.
func (s *Store) Get(key string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// GetDefault returns the value for key, or def when it is unset.
func (s *Store) GetDefault(key string, def uint32) uint32 {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Set stores value under key in memory.
func (s *Store) Set(key string, value uint32) error {
	if key == "" {
		return fmt.Errorf("empty settings key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.values[key]; !ok || old != value {
		s.values[key] = value
		s.dirty = true
	}
	return nil
}

// Keys returns the set keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dirty reports whether there are uncommitted changes.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Commit writes the current values to disk atomically.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encMode.Marshal(record{Version: formatVersion, Values: s.values})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	s.dirty = false
	return nil
}
