// Package keystore maps cache keys to the blocks holding their values and
// persists that mapping to a key file.
//
// The index is an LRU ordered by access. Eviction is governed by a Policy and
// reported to an eviction handler after the store's lock has been released, so
// handlers may call back into the block store without deadlocking.
package keystore

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/KevoDB/diskcache/pkg/common/log"
	"github.com/KevoDB/diskcache/pkg/element"
)

var (
	// ErrInconsistent is returned by Save when verification finds a block
	// claimed by more than one key
	ErrInconsistent = errors.New("key index is inconsistent")
	// ErrCorruptKeyFile is returned by Load when the key file cannot be decoded
	ErrCorruptKeyFile = errors.New("corrupt key file")
)

// Entry is one key and the blocks holding its value, in record order.
type Entry struct {
	Key    element.Key
	Blocks []uint32
}

// EvictionHandler is called with every entry evicted by the policy.
type EvictionHandler func(key element.Key, blocks []uint32)

type node struct {
	key    element.Key
	blocks []uint32
	sizeKB int
}

// KeyStore is the in-memory key index of one region.
type KeyStore struct {
	path    string
	policy  Policy
	onEvict EvictionHandler
	verify  bool
	logger  log.Logger

	// fileMu serializes Save and Load. It is always taken before mu.
	fileMu sync.Mutex

	mu        sync.Mutex
	items     map[element.Key]*list.Element
	order     *list.List // front is most recently used
	contentKB int

	evictions atomic.Uint64
	// loaded is the Format of the last file read by Load
	loaded atomic.Int32
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithEvictionHandler sets the function told about evicted entries.
func WithEvictionHandler(fn EvictionHandler) Option {
	return func(s *KeyStore) {
		s.onEvict = fn
	}
}

// WithVerify makes Save refuse to persist an index with shared blocks.
func WithVerify(verify bool) Option {
	return func(s *KeyStore) {
		s.verify = verify
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *KeyStore) {
		s.logger = logger
	}
}

// New creates an empty key store persisted at path.
func New(path string, policy Policy, opts ...Option) *KeyStore {
	s := &KeyStore{
		path:   path,
		policy: policy,
		logger: log.GetDefaultLogger(),
		items:  make(map[element.Key]*list.Element),
		order:  list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("key_file", path)
	return s
}

// Path returns the key file path.
func (s *KeyStore) Path() string {
	return s.path
}

// Policy returns the eviction policy.
func (s *KeyStore) Policy() Policy {
	return s.policy
}

// Get returns the blocks for key and marks it most recently used.
func (s *KeyStore) Get(key element.Key) ([]uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*node).blocks, true
}

// Peek returns the blocks for key without touching recency.
func (s *KeyStore) Peek(key element.Key) ([]uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*node).blocks, true
}

// Contains reports whether key is indexed.
func (s *KeyStore) Contains(key element.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// Put maps key to blocks, replacing any previous mapping, and applies the
// eviction policy. The replaced blocks are not reported to the eviction
// handler; callers that overwrite must free them themselves.
func (s *KeyStore) Put(key element.Key, blocks []uint32) {
	owned := append([]uint32(nil), blocks...)

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		n := el.Value.(*node)
		s.contentKB -= n.sizeKB
		n.blocks = owned
		n.sizeKB = s.policy.entrySizeKB(len(owned))
		s.contentKB += n.sizeKB
		s.order.MoveToFront(el)
	} else {
		n := &node{key: key, blocks: owned, sizeKB: s.policy.entrySizeKB(len(owned))}
		s.items[key] = s.order.PushFront(n)
		s.contentKB += n.sizeKB
	}
	evicted := s.evictLocked()
	s.mu.Unlock()

	s.notifyEvicted(evicted)
}

// Remove deletes key and returns the blocks it mapped to.
func (s *KeyStore) Remove(key element.Key) ([]uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	n := s.removeLocked(el)
	return n.blocks, true
}

// Clear drops every mapping without notifying the eviction handler.
func (s *KeyStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[element.Key]*list.Element)
	s.order.Init()
	s.contentKB = 0
}

// Keys returns a snapshot of the indexed keys, least recently used first.
func (s *KeyStore) Keys() []element.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]element.Key, 0, len(s.items))
	for el := s.order.Back(); el != nil; el = el.Prev() {
		keys = append(keys, el.Value.(*node).key)
	}
	return keys
}

// Entries returns a snapshot of the index, least recently used first.
func (s *KeyStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.items))
	for el := s.order.Back(); el != nil; el = el.Prev() {
		n := el.Value.(*node)
		entries = append(entries, Entry{Key: n.key, Blocks: n.blocks})
	}
	return entries
}

// Size returns the number of indexed keys.
func (s *KeyStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// IsEmpty reports whether no keys are indexed.
func (s *KeyStore) IsEmpty() bool {
	return s.Size() == 0
}

// ContentSizeKB returns the estimated size of all entries under a size
// policy, and zero otherwise.
func (s *KeyStore) ContentSizeKB() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentKB
}

// LoadedFormat returns the format of the key file read by the last Load.
func (s *KeyStore) LoadedFormat() Format {
	return Format(s.loaded.Load())
}

// Evictions returns how many entries the policy has evicted.
func (s *KeyStore) Evictions() uint64 {
	return s.evictions.Load()
}

// Save writes the index to the key file. The file is replaced atomically: a
// crash during Save leaves the previous key file intact.
func (s *KeyStore) Save() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	entries := s.Entries()
	if s.verify {
		if res := verifyEntries(entries); !res.OK {
			s.logger.Error("Refusing to save key file: %d blocks claimed by more than one key", len(res.Conflicts))
			return fmt.Errorf("%w: %d shared blocks", ErrInconsistent, len(res.Conflicts))
		}
	}

	tmpPath := fmt.Sprintf("%s.%s.tmp", s.path, uuid.NewString())
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary key file: %w", err)
	}

	if err := writeKeyFile(f, entries); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close key file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename key file: %w", err)
	}

	s.logger.Debug("Saved %d keys", len(entries))
	return nil
}

// Load replaces the index with the key file contents. A missing file leaves
// the index empty. A file that cannot be decoded also leaves the index empty
// and returns an error wrapping ErrCorruptKeyFile.
func (s *KeyStore) Load() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.Clear()
	s.loaded.Store(int32(FormatEmpty))

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("No key file, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()

	entries, format, err := readKeyFile(f)
	if err != nil {
		s.logger.Error("Failed to load key file: %v", err)
		return fmt.Errorf("%w: %v", ErrCorruptKeyFile, err)
	}

	s.loaded.Store(int32(format))

	s.mu.Lock()
	for _, e := range entries {
		if el, ok := s.items[e.Key]; ok {
			s.removeLocked(el)
		}
		n := &node{key: e.Key, blocks: e.Blocks, sizeKB: s.policy.entrySizeKB(len(e.Blocks))}
		s.items[e.Key] = s.order.PushFront(n)
		s.contentKB += n.sizeKB
	}
	evicted := s.evictLocked()
	count := len(s.items)
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	s.logger.Info("Loaded %d keys (%s format)", count, format)
	return nil
}

// removeLocked unlinks el. Callers hold mu.
func (s *KeyStore) removeLocked(el *list.Element) *node {
	n := s.order.Remove(el).(*node)
	delete(s.items, n.key)
	s.contentKB -= n.sizeKB
	return n
}

// evictLocked drops least recently used entries while the policy is
// exceeded. Callers hold mu and must pass the result to notifyEvicted after
// unlocking.
func (s *KeyStore) evictLocked() []Entry {
	var evicted []Entry
	for s.policy.overLimit(len(s.items), s.contentKB) {
		el := s.order.Back()
		if el == nil {
			break
		}
		n := s.removeLocked(el)
		evicted = append(evicted, Entry{Key: n.key, Blocks: n.blocks})
	}
	return evicted
}

func (s *KeyStore) notifyEvicted(evicted []Entry) {
	if len(evicted) == 0 {
		return
	}
	s.evictions.Add(uint64(len(evicted)))
	if s.onEvict == nil {
		return
	}
	for _, e := range evicted {
		s.onEvict(e.Key, e.Blocks)
	}
}
