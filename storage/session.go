package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrSessionNotFound is returned for unknown or expired sessions
var ErrSessionNotFound = errors.New("session not found")

// Session is the explicit context carried through each pipeline stage.
// Sessions are values: edits produce a new Session with a new Current
// dataset while Original stays as uploaded.
type Session struct {
	ID         string    `json:"id"`
	SourceName string    `json:"source_name"`
	Original   *Dataset  `json:"-"`
	Current    *Dataset  `json:"-"`
	Edits      []string  `json:"edits"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// NewSession starts a session over a freshly loaded dataset
func NewSession(sourceName string, ds *Dataset) Session {
	now := time.Now()
	return Session{
		ID:         uuid.NewString(),
		SourceName: sourceName,
		Original:   ds,
		Current:    ds,
		CreatedAt:  now,
		LastSeen:   now,
	}
}

// Apply returns a session whose current dataset is the output of fn.
// The receiver is left untouched.
func (s Session) Apply(edit string, fn func(*Dataset) (*Dataset, error)) (Session, error) {
	next, err := fn(s.Current)
	if err != nil {
		return s, err
	}
	out := s
	out.Current = next
	out.Edits = append(append([]string(nil), s.Edits...), edit)
	out.LastSeen = time.Now()
	return out, nil
}

// Reset returns a session whose current dataset is the original upload
func (s Session) Reset() Session {
	out := s
	out.Current = s.Original
	out.Edits = nil
	out.LastSeen = time.Now()
	return out
}

// SessionInfo represents metadata about a session
type SessionInfo struct {
	ID         string    `json:"id"`
	SourceName string    `json:"source_name"`
	Rows       int       `json:"rows"`
	Columns    int       `json:"columns"`
	Edits      []string  `json:"edits"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// Info summarises the session
func (s Session) Info() SessionInfo {
	info := SessionInfo{
		ID:         s.ID,
		SourceName: s.SourceName,
		Edits:      s.Edits,
		CreatedAt:  s.CreatedAt,
		LastSeen:   s.LastSeen,
	}
	if s.Current != nil {
		info.Rows = s.Current.NumRows()
		info.Columns = s.Current.NumColumns()
	}
	return info
}

// SessionStore keeps live sessions in a bounded LRU with an idle TTL
type SessionStore struct {
	cache  *lru.Cache[string, Session]
	ttl    time.Duration
	hits   int64
	misses int64
	mu     sync.Mutex
}

// NewSessionStore creates a store holding at most maxSessions sessions
func NewSessionStore(maxSessions int, ttl time.Duration) (*SessionStore, error) {
	cache, err := lru.New[string, Session](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &SessionStore{cache: cache, ttl: ttl}, nil
}

// Put stores or replaces a session
func (ss *SessionStore) Put(s Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.cache.Add(s.ID, s)
}

// Get returns a live session and refreshes its idle timer
func (ss *SessionStore) Get(id string) (Session, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s, ok := ss.cache.Get(id)
	if !ok || ss.expired(s, time.Now()) {
		if ok {
			ss.cache.Remove(id)
		}
		ss.misses++
		return Session{}, false
	}
	ss.hits++
	s.LastSeen = time.Now()
	ss.cache.Add(id, s)
	return s, true
}

// Update applies fn to a live session atomically and stores the result
func (ss *SessionStore) Update(id string, fn func(Session) (Session, error)) (Session, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s, ok := ss.cache.Get(id)
	if !ok || ss.expired(s, time.Now()) {
		ss.misses++
		return Session{}, ErrSessionNotFound
	}
	ss.hits++
	next, err := fn(s)
	if err != nil {
		return s, err
	}
	next.LastSeen = time.Now()
	ss.cache.Add(id, next)
	return next, nil
}

// Delete removes a session
func (ss *SessionStore) Delete(id string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.cache.Remove(id)
}

// Len returns the number of stored sessions
func (ss *SessionStore) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.cache.Len()
}

// CleanupStale removes sessions idle for longer than the TTL
func (ss *SessionStore) CleanupStale() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, id := range ss.cache.Keys() {
		s, ok := ss.cache.Peek(id)
		if ok && ss.expired(s, now) {
			ss.cache.Remove(id)
			removed++
		}
	}
	return removed
}

// Stats returns hit and miss counters
func (ss *SessionStore) Stats() (hits, misses int64) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.hits, ss.misses
}

func (ss *SessionStore) expired(s Session, now time.Time) bool {
	return ss.ttl > 0 && now.Sub(s.LastSeen) > ss.ttl
}
