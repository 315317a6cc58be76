// Package state records what the relay is doing: which upstream worker
// sessions are live, the last authentication step seen per integration,
// and how many browser clients are attached. The store is shared
// observability state, not part of the relay's functional contract.
package state

import (
	"sort"
	"sync"
	"time"
)

// UpstreamInfo describes one live upstream session. Credentials are
// identified by fingerprint only; raw tokens never enter the store.
type UpstreamInfo struct {
	Fingerprint string    `json:"fingerprint"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Snapshot is the exported view served on /state.
type Snapshot struct {
	Clients      int               `json:"clients"`
	Upstreams    []UpstreamInfo    `json:"upstreams"`
	Integrations map[string]string `json:"integrations"`
}

// Store publishes relay state. Implementations must be safe for
// concurrent use and must never fail the caller: a broken backing store
// is logged by the implementation, not surfaced into the relay path.
type Store interface {
	ClientConnected()
	ClientDisconnected()
	UpstreamUp(fingerprint string)
	UpstreamDown(fingerprint string)
	RecordStep(integrationID, step string)
	Snapshot() Snapshot
}

func sortUpstreams(ups []UpstreamInfo) {
	sort.Slice(ups, func(i, j int) bool {
		return ups[i].Fingerprint < ups[j].Fingerprint
	})
}

// MemoryStore keeps state in-process.
type MemoryStore struct {
	mu        sync.Mutex
	clients   int
	upstreams map[string]time.Time
	steps     map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		upstreams: make(map[string]time.Time),
		steps:     make(map[string]string),
	}
}

func (s *MemoryStore) ClientConnected() {
	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
}

func (s *MemoryStore) ClientDisconnected() {
	s.mu.Lock()
	if s.clients > 0 {
		s.clients--
	}
	s.mu.Unlock()
}

func (s *MemoryStore) UpstreamUp(fingerprint string) {
	s.mu.Lock()
	s.upstreams[fingerprint] = time.Now()
	s.mu.Unlock()
}

func (s *MemoryStore) UpstreamDown(fingerprint string) {
	s.mu.Lock()
	delete(s.upstreams, fingerprint)
	s.mu.Unlock()
}

func (s *MemoryStore) RecordStep(integrationID, step string) {
	s.mu.Lock()
	s.steps[integrationID] = step
	s.mu.Unlock()
}

func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Clients:      s.clients,
		Upstreams:    make([]UpstreamInfo, 0, len(s.upstreams)),
		Integrations: make(map[string]string, len(s.steps)),
	}
	for fp, at := range s.upstreams {
		snap.Upstreams = append(snap.Upstreams, UpstreamInfo{Fingerprint: fp, ConnectedAt: at})
	}
	sortUpstreams(snap.Upstreams)
	for id, step := range s.steps {
		snap.Integrations[id] = step
	}
	return snap
}
