package state

import (
	"sync"
	"time"
)

// Key identifies a message on the server. UIDs are only stable while the
// folder's UIDVALIDITY stays the same.
type Key struct {
	Folder      string
	UIDValidity uint32
	UID         uint32
}

// Record is what gets remembered about an archived message.
type Record struct {
	Key
	MessageID    string
	Size         int64
	InternalDate string
	InternalAt   time.Time
	EnvFrom      string
	EnvDate      string
	Hash         string
	MailFile     string
	Year         int
	RunID        string
	ArchivedAt   time.Time
}

type Tracker interface {
	AlreadySeen(key Key) bool
	MarkSeen(rec Record) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Seen int
}

type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[Key]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[Key]string)}
}

func (m *MemoryTracker) AlreadySeen(key Key) bool {
	if key.UID == 0 {
		return false
	}

	m.mu.RLock()
	_, ok := m.seen[key]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkSeen(rec Record) error {
	m.add(rec)
	return nil
}

// add reports whether the key was new.
func (m *MemoryTracker) add(rec Record) bool {
	if rec.UID == 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.seen[rec.Key]; exists {
		return false
	}
	m.seen[rec.Key] = rec.MessageID
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Seen: count}
}
