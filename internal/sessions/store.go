package sessions

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// Entry is the read view of one stored session. Token counters are
// cumulative for the session; Last* fields are the last-known delivery
// route; QueueMode/QueueDebounceMs configure the announce queue for replies
// targeting this session.
type Entry struct {
	SessionID       string `json:"sessionId,omitempty"`
	Label           string `json:"label,omitempty"`
	InputTokens     int    `json:"inputTokens,omitempty"`
	OutputTokens    int    `json:"outputTokens,omitempty"`
	TotalTokens     int    `json:"totalTokens,omitempty"`
	LastChannel     string `json:"lastChannel,omitempty"`
	LastTo          string `json:"lastTo,omitempty"`
	LastThreadID    string `json:"lastThreadId,omitempty"`
	LastAccountID   string `json:"lastAccountId,omitempty"`
	QueueMode       string `json:"queueMode,omitempty"`
	QueueDebounceMs int    `json:"queueDebounceMs,omitempty"`
	SpawnDepth      int    `json:"spawnDepth,omitempty"`
}

// Store is a keyed read over session entries.
type Store interface {
	Get(key string) (*Entry, bool)
}

// FileStore reads entries from a JSON map file written by the agent
// runtime. The file is re-read on every lookup so writes from other
// processes are visible without coordination.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a store reading the JSON map at path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Get returns the entry for key, or (nil, false) when absent or unreadable.
func (s *FileStore) Get(key string) (*Entry, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("sessions: store read failed", "path", s.path, "error", err)
		}
		return nil, false
	}
	var entries map[string]*Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("sessions: store decode failed", "path", s.path, "error", err)
		return nil, false
	}
	e, ok := entries[key]
	if !ok || e == nil {
		return nil, false
	}
	return e, true
}

// MemStore is an in-memory Store for tests and embedding.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]*Entry)}
}

// Set stores a copy of the entry under key. A nil entry deletes the key.
func (s *MemStore) Set(key string, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e == nil {
		delete(s.entries, key)
		return
	}
	cp := *e
	s.entries[key] = &cp
}

// Get returns a copy of the entry for key.
func (s *MemStore) Get(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}
