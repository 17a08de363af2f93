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

package peerstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"
	ma "github.com/multiformats/go-multiaddr"
)

// snapshotVersion is bumped whenever the persisted layout changes. Loading a
// snapshot with a different version starts fresh.
const snapshotVersion = 1

type persistedPeer struct {
	PeerID          string            `json:"peerId"`
	NodeID          string            `json:"nodeId"`
	Addrs           []string          `json:"addrs"`
	Services        []string          `json:"services"`
	Region          string            `json:"region,omitempty"`
	AgentID         string            `json:"agentId"` // decimal string
	Protocols       []string          `json:"protocols"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	AddedAt         int64             `json:"addedAt"`
	LastSeen        int64             `json:"lastSeen"`
	LastConnect     int64             `json:"lastConnect,omitempty"`
	ConnectCount    uint64            `json:"connectCount"`
	DisconnectCount uint64            `json:"disconnectCount"`
}

type persistedScore struct {
	Overall       float64 `json:"overall"`
	Latency       float64 `json:"latency"`
	Uptime        float64 `json:"uptime"`
	DeliveryRate  float64 `json:"deliveryRate"`
	Bandwidth     float64 `json:"bandwidth"`
	Stake         string  `json:"stake"` // decimal string
	Reputation    float64 `json:"reputation"`
	PenaltyExpiry int64   `json:"penaltyExpiry,omitempty"`
}

type snapshot struct {
	Version           int                       `json:"version"`
	Peers             map[string]persistedPeer  `json:"peers"`
	Scores            map[string]persistedScore `json:"scores"`
	ConnectionHistory []ConnEvent               `json:"connectionHistory"`
}

// Export serializes the store into the versioned snapshot layout.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.snapshotLocked())
}

func (s *Store) snapshotLocked() *snapshot {
	snap := &snapshot{
		Version: snapshotVersion,
		Peers:   make(map[string]persistedPeer, len(s.peers)),
		Scores:  make(map[string]persistedScore, len(s.scores)),
	}
	for id, p := range s.peers {
		addrs := make([]string, len(p.Addrs))
		for i, a := range p.Addrs {
			addrs[i] = a.String()
		}
		snap.Peers[id] = persistedPeer{
			PeerID:          p.ID,
			NodeID:          p.NodeID,
			Addrs:           addrs,
			Services:        sortedSlice(p.Services),
			Region:          p.Region,
			AgentID:         p.AgentID.Dec(),
			Protocols:       sortedSlice(p.Protocols),
			Metadata:        p.Meta,
			AddedAt:         p.AddedAt,
			LastSeen:        p.LastSeen,
			LastConnect:     p.LastConnect,
			ConnectCount:    p.ConnectCount,
			DisconnectCount: p.DisconnectCount,
		}
	}
	for id, sc := range s.scores {
		snap.Scores[id] = persistedScore{
			Overall:       sc.Overall,
			Latency:       sc.Latency,
			Uptime:        sc.Uptime,
			DeliveryRate:  sc.DeliveryRate,
			Bandwidth:     sc.Bandwidth,
			Stake:         sc.Stake.Dec(),
			Reputation:    sc.Reputation,
			PenaltyExpiry: sc.PenaltyExpiry,
		}
	}
	// Ring cap applies at save time as well.
	hist := s.history
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	snap.ConnectionHistory = append([]ConnEvent(nil), hist...)
	return snap
}

// Import replaces the store contents from a snapshot previously produced by
// Export.
func (s *Store) Import(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("invalid peer snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported peer snapshot version %d", snap.Version)
	}

	peers := make(map[string]*Peer, len(snap.Peers))
	scores := make(map[string]*Score, len(snap.Scores))
	for id, pp := range snap.Peers {
		p, err := peerFromPersisted(pp)
		if err != nil {
			return err
		}
		peers[id] = p
	}
	for id, ps := range snap.Scores {
		if _, ok := peers[id]; !ok {
			continue // score without peer, drop
		}
		stake, err := uint256.FromDecimal(ps.Stake)
		if err != nil {
			return fmt.Errorf("peer %s: bad stake: %w", id, err)
		}
		scores[id] = &Score{
			Overall:       ps.Overall,
			Latency:       ps.Latency,
			Uptime:        ps.Uptime,
			DeliveryRate:  ps.DeliveryRate,
			Bandwidth:     ps.Bandwidth,
			Stake:         stake,
			Reputation:    ps.Reputation,
			PenaltyExpiry: ps.PenaltyExpiry,
		}
	}
	// Any peer without a score gets a fresh one, the invariant is that the
	// two maps share a key set.
	for id := range peers {
		if _, ok := scores[id]; !ok {
			scores[id] = newScore()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = peers
	s.scores = scores
	s.history = append([]ConnEvent(nil), snap.ConnectionHistory...)
	s.dirty = true
	return nil
}

func peerFromPersisted(pp persistedPeer) (*Peer, error) {
	addrs := make([]ma.Multiaddr, 0, len(pp.Addrs))
	for _, as := range pp.Addrs {
		a, err := ma.NewMultiaddr(as)
		if err != nil {
			return nil, fmt.Errorf("peer %s: bad multiaddr %q: %w", pp.PeerID, as, err)
		}
		addrs = append(addrs, a)
	}
	agent, err := uint256.FromDecimal(pp.AgentID)
	if err != nil {
		return nil, fmt.Errorf("peer %s: bad agentId: %w", pp.PeerID, err)
	}
	meta := pp.Metadata
	if meta == nil {
		meta = make(map[string]string)
	}
	return &Peer{
		ID:              pp.PeerID,
		NodeID:          pp.NodeID,
		Addrs:           addrs,
		Services:        mapset.NewSet(pp.Services...),
		Region:          pp.Region,
		AgentID:         agent,
		Protocols:       mapset.NewSet(pp.Protocols...),
		Meta:            meta,
		AddedAt:         pp.AddedAt,
		LastSeen:        pp.LastSeen,
		LastConnect:     pp.LastConnect,
		ConnectCount:    pp.ConnectCount,
		DisconnectCount: pp.DisconnectCount,
	}, nil
}

// saveIfDirty writes the snapshot to disk when there are unsaved changes.
func (s *Store) saveIfDirty() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snap := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	// Write-then-rename so a crash can't leave a truncated snapshot behind.
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if err := s.Import(data); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

func sortedSlice(set mapset.Set[string]) []string {
	if set == nil {
		return []string{}
	}
	sl := set.ToSlice()
	// Deterministic output keeps snapshot diffs readable.
	sort.Strings(sl)
	return sl
}
