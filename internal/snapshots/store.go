// Package snapshots keeps the latest snapshot per partner.
package snapshots

import (
	"sync"
	"time"

	"github.com/leozw/partner-guardian/internal/core"
)

// Entry is a partner with its current snapshot, if one was ever received.
type Entry struct {
	Partner    core.Partner
	Snapshot   *core.Snapshot
	ReceivedAt time.Time
}

type record struct {
	snap       core.Snapshot
	receivedAt time.Time
}

// Store is safe for concurrent use. A snapshot only replaces the current one
// when its SnapshotTime is not older, so responses arriving out of order never
// roll a partner back.
type Store struct {
	mu       sync.RWMutex
	order    []string
	partners map[string]core.Partner
	latest   map[string]record
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		partners: make(map[string]core.Partner),
		latest:   make(map[string]record),
		now:      time.Now,
	}
}

// SetPartners replaces the known partner list, keeping the given order.
// Snapshots of partners that disappeared are dropped.
func (s *Store) SetPartners(partners []core.Partner) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = s.order[:0]
	next := make(map[string]core.Partner, len(partners))
	for _, p := range partners {
		if _, dup := next[p.ID]; dup {
			continue
		}
		next[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	for id := range s.latest {
		if _, ok := next[id]; !ok {
			delete(s.latest, id)
		}
	}
	s.partners = next
}

// Upsert records snap for partnerID unless a newer one is already held.
// Ties go to the later arrival. It reports whether the snapshot was applied.
func (s *Store) Upsert(partnerID string, snap core.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.latest[partnerID]; ok && snap.SnapshotTime.Before(cur.snap.SnapshotTime) {
		return false
	}
	snap.PartnerID = partnerID
	s.latest[partnerID] = record{snap: snap, receivedAt: s.now()}
	return true
}

func (s *Store) Get(partnerID string) (core.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.latest[partnerID]
	return rec.snap, ok
}

func (s *Store) Partner(partnerID string) (core.Partner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partners[partnerID]
	return p, ok
}

// All returns every known partner in order with its snapshot, if any.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		e := Entry{Partner: s.partners[id]}
		if rec, ok := s.latest[id]; ok {
			snap := rec.snap
			e.Snapshot = &snap
			e.ReceivedAt = rec.receivedAt
		}
		out = append(out, e)
	}
	return out
}

// Forget drops the snapshot held for a partner.
func (s *Store) Forget(partnerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, partnerID)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
