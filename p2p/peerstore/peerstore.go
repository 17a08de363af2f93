// Copyright 2025 The dws Authors
// This file is part of the dws library.
//
// The dws library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The dws library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the dws library. If not, see <http://www.gnu.org/licenses/>.

// Package peerstore implements the durable catalog of known peers, storing
// previously seen nodes and collected metadata about them for QoS purposes.
// Each peer carries a composite score which routing and discovery consult
// when choosing where to send work.
package peerstore

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/log"
)

const (
	// MaxPeers bounds the store. Above it, the lowest-scored tenth of the
	// store is evicted.
	MaxPeers = 10000

	// maxHistory caps the connection history ring.
	maxHistory = 1000

	saveInterval  = 60 * time.Second
	decayInterval = time.Hour

	// evictFraction is the share of peers removed when the store overflows.
	evictFraction = 10
)

// Peer describes a known peer of the overlay.
type Peer struct {
	ID        string // 20-byte hash derived id, "Qm..." form
	NodeID    string // operator-assigned node name
	Addrs     []ma.Multiaddr
	Services  mapset.Set[string]
	Region    string
	AgentID   *uint256.Int
	Protocols mapset.Set[string]
	Meta      map[string]string

	AddedAt     int64 // ms epoch
	LastSeen    int64
	LastConnect int64

	ConnectCount    uint64
	DisconnectCount uint64
}

// Endpoint returns the peer's HTTP endpoint: either the explicit
// "endpoint" metadata value or one derived from the first TCP multiaddr.
func (p *Peer) Endpoint() string {
	if ep, ok := p.Meta["endpoint"]; ok && ep != "" {
		return ep
	}
	for _, a := range p.Addrs {
		ip, err1 := a.ValueForProtocol(ma.P_IP4)
		port, err2 := a.ValueForProtocol(ma.P_TCP)
		if err1 == nil && err2 == nil {
			return "http://" + ip + ":" + port
		}
	}
	return ""
}

// ConnEventType distinguishes history entries.
type ConnEventType string

const (
	EvConnect    ConnEventType = "connect"
	EvDisconnect ConnEventType = "disconnect"
)

// ConnEvent is one entry of the bounded connection history.
type ConnEvent struct {
	PeerID    string        `json:"peerId"`
	Type      ConnEventType `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Duration  int64         `json:"duration,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Store is the peer database. All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	peers   map[string]*Peer
	scores  map[string]*Score
	history []ConnEvent
	dirty   bool

	path  string
	clock mclock.Clock
	log   log.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// New opens the peer store at path. An empty path keeps the store purely in
// memory. A corrupt or unreadable snapshot is not fatal, the store starts
// fresh with a warning.
func New(path string, clock mclock.Clock) *Store {
	if clock == nil {
		clock = mclock.System{}
	}
	s := &Store{
		peers:  make(map[string]*Peer),
		scores: make(map[string]*Score),
		path:   path,
		clock:  clock,
		log:    log.New("component", "peerstore"),
		quit:   make(chan struct{}),
	}
	if path != "" {
		if err := s.load(); err != nil {
			s.log.Warn("Could not load peer snapshot, starting fresh", "path", path, "err", err)
		}
	}
	return s
}

// Start launches the background save and score decay loops.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop terminates the background loops and forces a final save.
func (s *Store) Stop() error {
	close(s.quit)
	s.wg.Wait()
	return s.saveIfDirty()
}

func (s *Store) loop() {
	defer s.wg.Done()

	var (
		save  = s.clock.NewTimer(saveInterval)
		decay = s.clock.NewTimer(decayInterval)
	)
	defer save.Stop()
	defer decay.Stop()

	for {
		select {
		case <-save.C():
			if err := s.saveIfDirty(); err != nil {
				s.log.Error("Peer snapshot save failed", "err", err)
			}
			save.Reset(saveInterval)
		case <-decay.C():
			s.decayScores()
			decay.Reset(decayInterval)
		case <-s.quit:
			return
		}
	}
}

// Add upserts a peer. On first sight the peer gets a fresh score; on update
// the metadata is merged and lastSeen bumped. Overflowing MaxPeers triggers
// an eviction of the lowest-scored tenth.
func (s *Store) Add(p *Peer) {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.peers[p.ID]
	if !ok {
		cpy := *p
		if cpy.Services == nil {
			cpy.Services = mapset.NewSet[string]()
		}
		if cpy.Protocols == nil {
			cpy.Protocols = mapset.NewSet[string]()
		}
		if cpy.Meta == nil {
			cpy.Meta = make(map[string]string)
		}
		if cpy.AgentID == nil {
			cpy.AgentID = new(uint256.Int)
		}
		cpy.AddedAt = now
		cpy.LastSeen = now
		s.peers[p.ID] = &cpy
		s.scores[p.ID] = newScore()
		s.dirty = true
		if len(s.peers) > MaxPeers {
			s.evictLocked()
		}
		return
	}

	// Merge update.
	if p.NodeID != "" {
		existing.NodeID = p.NodeID
	}
	if len(p.Addrs) > 0 {
		existing.Addrs = p.Addrs
	}
	if p.Region != "" {
		existing.Region = p.Region
	}
	if p.AgentID != nil && !p.AgentID.IsZero() {
		existing.AgentID = p.AgentID
	}
	if p.Services != nil {
		existing.Services = existing.Services.Union(p.Services)
	}
	if p.Protocols != nil {
		existing.Protocols = existing.Protocols.Union(p.Protocols)
	}
	for k, v := range p.Meta {
		existing.Meta[k] = v
	}
	if now > existing.LastSeen {
		existing.LastSeen = now
	}
	s.dirty = true
}

// UpdateInfo merges the attributes a node reports about itself into its
// stored record. Empty fields leave the record untouched.
func (s *Store) UpdateInfo(id, region string, services []string, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return
	}
	if region != "" {
		p.Region = region
	}
	for _, svc := range services {
		p.Services.Add(svc)
	}
	if endpoint != "" {
		if p.Meta == nil {
			p.Meta = make(map[string]string)
		}
		p.Meta["endpoint"] = endpoint
	}
	s.dirty = true
}

// Get returns the peer with the given id, or nil.
func (s *Store) Get(id string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// Has reports whether the store knows the given peer.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

// Remove deletes a peer and, atomically, its score.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Store) removeLocked(id string) {
	if _, ok := s.peers[id]; !ok {
		return
	}
	delete(s.peers, id)
	delete(s.scores, id)
	s.dirty = true
}

// Len returns the number of known peers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// All returns a snapshot of all peers.
func (s *Store) All() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// RecordConnection appends a connect event to the bounded history and
// updates the peer's counters and uptime component.
func (s *Store) RecordConnection(id string, success bool) {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return
	}
	s.appendHistoryLocked(ConnEvent{PeerID: id, Type: EvConnect, Timestamp: now})
	if success {
		p.ConnectCount++
		p.LastConnect = now
		p.LastSeen = now
	} else {
		p.DisconnectCount++
	}
	s.refreshUptimeLocked(id, p)
	s.dirty = true
}

// RecordDisconnection appends a disconnect event with the connection's
// duration and optional reason.
func (s *Store) RecordDisconnection(id string, duration time.Duration, reason string) {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return
	}
	s.appendHistoryLocked(ConnEvent{
		PeerID:    id,
		Type:      EvDisconnect,
		Timestamp: now,
		Duration:  duration.Milliseconds(),
		Reason:    reason,
	})
	p.DisconnectCount++
	s.refreshUptimeLocked(id, p)
	s.dirty = true
}

func (s *Store) appendHistoryLocked(ev ConnEvent) {
	s.history = append(s.history, ev)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

func (s *Store) refreshUptimeLocked(id string, p *Peer) {
	sc, ok := s.scores[id]
	if !ok {
		return
	}
	total := p.ConnectCount + p.DisconnectCount
	if total > 0 {
		sc.Uptime = float64(p.ConnectCount) / float64(total)
	}
	sc.recompute(s.clock.Now().UnixMilli())
}

// History returns a copy of the connection history ring.
func (s *Store) History() []ConnEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnEvent, len(s.history))
	copy(out, s.history)
	return out
}

// TopPeers returns up to count peers ranked by overall score, optionally
// restricted to providers of the given service.
func (s *Store) TopPeers(count int, service string) []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if service != "" && !p.Services.Contains(service) {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := s.scores[candidates[i].ID], s.scores[candidates[j].ID]
		return si.Overall > sj.Overall
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// PruneStale removes peers not seen for longer than maxAge.
func (s *Store) PruneStale(maxAge time.Duration) int {
	cutoff := s.clock.Now().UnixMilli() - maxAge.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int
	for id, p := range s.peers {
		if p.LastSeen < cutoff {
			s.removeLocked(id)
			pruned++
		}
	}
	if pruned > 0 {
		s.log.Debug("Pruned stale peers", "count", pruned, "maxage", maxAge)
	}
	return pruned
}

// QuerySeeds retrieves up to n random peers last seen within maxAge, to be
// used as potential bootstrap contacts for discovery.
func (s *Store) QuerySeeds(n int, maxAge time.Duration) []*Peer {
	cutoff := s.clock.Now().UnixMilli() - maxAge.Milliseconds()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var fresh []*Peer
	for _, p := range s.peers {
		if p.LastSeen >= cutoff {
			fresh = append(fresh, p)
		}
	}
	rand.Shuffle(len(fresh), func(i, j int) { fresh[i], fresh[j] = fresh[j], fresh[i] })
	if len(fresh) > n {
		fresh = fresh[:n]
	}
	return fresh
}

// evictLocked drops the lowest-scored tenth of the store. Ties are broken by
// the older lastSeen going first.
func (s *Store) evictLocked() {
	type scored struct {
		id       string
		overall  float64
		lastSeen int64
	}
	all := make([]scored, 0, len(s.peers))
	for id, p := range s.peers {
		sc := s.scores[id]
		all = append(all, scored{id, sc.Overall, p.LastSeen})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].overall != all[j].overall {
			return all[i].overall < all[j].overall
		}
		return all[i].lastSeen < all[j].lastSeen
	})
	drop := len(all) / evictFraction
	if drop < 1 {
		drop = 1
	}
	for _, v := range all[:drop] {
		s.removeLocked(v.id)
	}
	s.log.Debug("Evicted low-score peers", "count", drop, "remaining", len(s.peers))
}

// decayScores drifts every reputation 1% toward the neutral 50.
func (s *Store) decayScores() {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sc := range s.scores {
		sc.Reputation += (50 - sc.Reputation) * 0.01
		sc.recompute(now)
	}
	s.dirty = true
}
