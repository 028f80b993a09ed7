package crashbin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FormatVersion is the envelope version written by Save.
const FormatVersion = 1

var (
	ErrUnsupportedVersion = errors.New("crash bin: unsupported format version")
	ErrChecksumMismatch   = errors.New("crash bin: checksum mismatch")
)

// Key identifies a crash bin, normally the faulting instruction address.
type Key uint64

func (k Key) String() string { return "0x" + strconv.FormatUint(uint64(k), 16) }

// MarshalText renders the key as hex so it can be used as a JSON object key.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Key) UnmarshalText(b []byte) error {
	v, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKey accepts "0x"-prefixed hex or plain decimal.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty crash bin key")
	}
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid crash bin key %q: %w", s, err)
	}
	return Key(v), nil
}

// Record is one observed fault. Its text is kept as valid UTF-8: Append
// replaces invalid byte sequences with U+FFFD, so a saved store reloads
// with the same strings Get returned before the save.
type Record struct {
	Key         Key               `json:"key"`
	Description string            `json:"description"`
	Synopsis    string            `json:"synopsis,omitempty"`
	Signal      string            `json:"signal,omitempty"`
	Module      string            `json:"module,omitempty"`
	Disassembly string            `json:"disassembly,omitempty"`
	Registers   map[string]uint64 `json:"registers,omitempty"`
	PID         int               `json:"pid,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	TestNumber  int               `json:"test_number"`
	CapturedAt  time.Time         `json:"captured_at"`
}

type envelope struct {
	Version   int             `json:"version"`
	Checksum  string          `json:"checksum"`
	UpdatedAt time.Time       `json:"updated_at"`
	Bins      json.RawMessage `json:"bins"`
}

// Store groups crash records by key, keeping discovery order within a key.
// Queries are safe from any goroutine; sequencing of Load/Save/Append is up
// to the owner.
type Store struct {
	mu   sync.RWMutex
	bins map[Key][]Record
}

func New() *Store { return &Store{bins: make(map[Key][]Record)} }

// Append adds r to the sequence for key, creating the key if absent.
func (s *Store) Append(key Key, r Record) {
	r = r.validUTF8()
	r.Key = key
	s.mu.Lock()
	s.bins[key] = append(s.bins[key], r)
	s.mu.Unlock()
}

func (r Record) validUTF8() Record {
	for _, f := range []*string{&r.Description, &r.Synopsis, &r.Signal, &r.Module, &r.Disassembly, &r.SessionID} {
		*f = strings.ToValidUTF8(*f, "\uFFFD")
	}
	if r.Registers != nil {
		regs := make(map[string]uint64, len(r.Registers))
		for name, v := range r.Registers {
			regs[strings.ToValidUTF8(name, "\uFFFD")] = v
		}
		r.Registers = regs
	}
	return r
}

// Keys returns the recorded keys in no particular order.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.bins))
	for k := range s.bins {
		keys = append(keys, k)
	}
	return keys
}

// SortedKeys returns the recorded keys in ascending order.
func (s *Store) SortedKeys() []Key {
	keys := s.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Get returns a copy of the records for key. ok is false when the key was
// never observed, which is different from a key with no records.
func (s *Store) Get(key Key) ([]Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, ok := s.bins[key]
	if !ok {
		return nil, false
	}
	return append(make([]Record, 0, len(recs)), recs...), true
}

// Len returns the total number of records over all keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, recs := range s.bins {
		n += len(recs)
	}
	return n
}

// Load replaces the contents of the store with the bins in path. A missing,
// unreadable or corrupt file leaves the store empty; the error is logged and
// never returned so a bad crash file cannot take the monitor down.
func (s *Store) Load(path string) {
	bins, err := readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("crash bin file not found, starting empty", "path", path)
		} else {
			slog.Warn("crash bin file unusable, starting empty", "path", path, "error", err)
		}
		bins = make(map[Key][]Record)
	}
	s.mu.Lock()
	s.bins = bins
	s.mu.Unlock()
}

// Open reads the crash bin at path, returning the decoding error that Load
// would have swallowed.
func Open(path string) (*Store, error) {
	bins, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &Store{bins: bins}, nil
}

func readFile(path string) (map[Key][]Record, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	sum := sha256.Sum256(env.Bins)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, ErrChecksumMismatch
	}
	bins := make(map[Key][]Record)
	if err := json.Unmarshal(env.Bins, &bins); err != nil {
		return nil, fmt.Errorf("decoding bins: %w", err)
	}
	for k, recs := range bins {
		if recs == nil {
			bins[k] = []Record{}
		}
	}
	return bins, nil
}

// Save writes every bin to path. The file is replaced atomically so a
// concurrent Load sees either the previous or the new contents.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	raw, err := json.Marshal(s.bins)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding bins: %w", err)
	}
	sum := sha256.Sum256(raw)
	data, err := json.Marshal(envelope{
		Version:   FormatVersion,
		Checksum:  hex.EncodeToString(sum[:]),
		UpdatedAt: time.Now().UTC(),
		Bins:      raw,
	})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing crash bin %s: %w", path, err)
	}
	return nil
}

// CheckWritable verifies that a crash bin can be created next to path.
func CheckWritable(path string) error {
	dir := filepath.Dir(path)
	st, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".procmon-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
