package kv

import (
	"container/list"
	"sync"
	"time"
)

// entryOverhead is charged against capacity for every entry on top of its
// key and value, so tombstones are evicted like any other entry.
const entryOverhead = 48

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
	version  uint64
	deleted  bool // tombstone: keeps the version of a replicated delete
}

// Store is an in-memory replica store with TTL, LRU eviction by bytes
// capacity and per-key write versions.
type Store struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
}

func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
	}
}

// Put writes val unconditionally. ttl <= 0 means no expiry.
func (s *Store) Put(key string, val []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ver uint64
	if el, ok := s.data[key]; ok {
		ver = el.Value.(*entry).version
	}
	s.setLocked(key, val, ttl, ver, false)
}

// Apply writes val only if version is newer than what the store holds for
// key, and reports whether it did.
func (s *Store) Apply(key string, val []byte, ttl time.Duration, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.newerLocked(key, version) {
		return false
	}
	s.setLocked(key, val, ttl, version, false)
	return true
}

// Tombstone deletes key at version, remembering the version so an older
// replicated write arriving later is rejected.
func (s *Store) Tombstone(key string, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.newerLocked(key, version) {
		return false
	}
	s.setLocked(key, nil, 0, version, true)
	return true
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if e.deleted {
		return nil, false
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		// keep the version so an older replicated write stays rejected
		s.setLocked(key, nil, 0, e.version, true)
		return nil, false
	}
	s.ll.MoveToFront(el)
	return append([]byte(nil), e.value...), true
}

// Version returns the last version applied for key, including deletes.
func (s *Store) Version(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[key]; ok {
		return el.Value.(*entry).version
	}
	return 0
}

// Delete removes key and reports whether a live value was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.data[key]
	if !ok {
		return false
	}
	live := !el.Value.(*entry).deleted
	s.removeElement(el)
	return live
}

// Len counts live keys; tombstones are not included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, el := range s.data {
		if !el.Value.(*entry).deleted {
			n++
		}
	}
	return n
}

func (s *Store) newerLocked(key string, version uint64) bool {
	el, ok := s.data[key]
	return !ok || version > el.Value.(*entry).version
}

func (s *Store) setLocked(key string, val []byte, ttl time.Duration, version uint64, deleted bool) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	if el, ok := s.data[key]; ok {
		old := el.Value.(*entry)
		s.used -= old.size()
		old.value = append([]byte(nil), val...)
		old.expireAt = exp
		old.version = version
		old.deleted = deleted
		s.used += old.size()
		s.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, value: append([]byte(nil), val...), expireAt: exp, version: version, deleted: deleted}
		s.data[key] = s.ll.PushFront(e)
		s.used += e.size()
	}
	s.evictIfNeeded()
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.key)
	s.used -= e.size()
	s.ll.Remove(el)
}

func (e *entry) size() int {
	return len(e.key) + len(e.value) + entryOverhead
}
