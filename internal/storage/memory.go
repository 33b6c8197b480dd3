package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rafaelfvalim/api-rele/internal/relay"
	"github.com/rafaelfvalim/api-rele/internal/schedule"
)

// MemoryStore keeps relay state in process memory. It backs the service
// when no DATABASE_URL is configured and doubles as the test store.
// State does not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	relays  map[string]*relay.Relay
	reports map[string][]*relay.Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		relays:  make(map[string]*relay.Relay),
		reports: make(map[string][]*relay.Report),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) SaveRelay(ctx context.Context, r *relay.Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneRelay(r)
	clone.UpdatedAt = time.Now()
	s.relays[r.RelayID] = clone
	return nil
}

func (s *MemoryStore) GetRelay(ctx context.Context, relayID string) (*relay.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.relays[relayID]
	if !ok {
		return nil, relay.ErrRelayNotFound
	}
	return cloneRelay(r), nil
}

func (s *MemoryStore) GetRelayByName(ctx context.Context, name string) (*relay.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *relay.Relay
	for _, r := range s.relays {
		if r.Name != name {
			continue
		}
		// Pick the lowest relay ID so lookups stay deterministic.
		if found == nil || r.RelayID < found.RelayID {
			found = r
		}
	}
	if found == nil {
		return nil, relay.ErrRelayNotFound
	}
	return cloneRelay(found), nil
}

func (s *MemoryStore) ListRelays(ctx context.Context) ([]*relay.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	relays := make([]*relay.Relay, 0, len(s.relays))
	for _, r := range s.relays {
		relays = append(relays, cloneRelay(r))
	}
	sort.Slice(relays, func(i, j int) bool {
		return relays[i].RelayID < relays[j].RelayID
	})
	return relays, nil
}

func (s *MemoryStore) UpdateDesired(ctx context.Context, relayID string, desired schedule.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.relays[relayID]
	if !ok {
		return relay.ErrRelayNotFound
	}
	r.Desired = desired
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RecordReport(ctx context.Context, report *relay.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.relays[report.RelayID]
	if !ok {
		return relay.ErrRelayNotFound
	}

	stored := *report
	s.reports[report.RelayID] = append(s.reports[report.RelayID], &stored)

	reportedAt := report.ReportedAt
	r.LastApplied = report.Applied
	r.LastSeen = &reportedAt
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetOverride(ctx context.Context, relayID string, override *schedule.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.relays[relayID]
	if !ok {
		return relay.ErrRelayNotFound
	}
	if override != nil {
		clone := *override
		r.Override = &clone
	} else {
		r.Override = nil
	}
	r.UpdatedAt = time.Now()
	return nil
}

// Reports returns the recorded reports for a relay, oldest first.
func (s *MemoryStore) Reports(relayID string) []*relay.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make([]*relay.Report, len(s.reports[relayID]))
	copy(reports, s.reports[relayID])
	return reports
}

func cloneRelay(r *relay.Relay) *relay.Relay {
	clone := *r
	if r.Override != nil {
		override := *r.Override
		clone.Override = &override
	}
	if r.LastSeen != nil {
		seen := *r.LastSeen
		clone.LastSeen = &seen
	}
	return &clone
}
