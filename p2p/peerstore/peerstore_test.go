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
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/jeju-network/dws/common/mclock"
)

func testPeer(id string) *Peer {
	addr, _ := ma.NewMultiaddr("/ip4/10.0.0.1/tcp/4001")
	return &Peer{
		ID:       id,
		NodeID:   "node-" + id,
		Addrs:    []ma.Multiaddr{addr},
		Services: mapset.NewSet("compute"),
		Region:   "eu-west",
		AgentID:  uint256.NewInt(42),
	}
}

func TestAddInitializesScore(t *testing.T) {
	s := New("", new(mclock.Simulated))
	s.Add(testPeer("p1"))

	sc := s.GetScore("p1")
	if sc == nil {
		t.Fatal("no score after add")
	}
	if sc.Overall != 50 || sc.Latency != 100 || sc.DeliveryRate != 1 || sc.Reputation != 50 {
		t.Fatalf("unexpected initial score: %+v", sc)
	}
	if sc.Uptime != 0 {
		t.Fatalf("uptime should start at 0, got %v", sc.Uptime)
	}
}

func TestAddMergesMetadata(t *testing.T) {
	clock := new(mclock.Simulated)
	s := New("", clock)
	s.Add(testPeer("p1"))

	clock.Run(5 * time.Second)
	update := testPeer("p1")
	update.Services = mapset.NewSet("storage")
	update.Region = "us-east"
	s.Add(update)

	p := s.Get("p1")
	if !p.Services.Contains("compute") || !p.Services.Contains("storage") {
		t.Fatalf("services not merged: %v", p.Services)
	}
	if p.Region != "us-east" {
		t.Fatalf("region not updated: %v", p.Region)
	}
	if p.LastSeen != clock.Now().UnixMilli() {
		t.Fatalf("lastSeen not bumped")
	}
	if s.Len() != 1 {
		t.Fatalf("upsert created duplicate, len=%d", s.Len())
	}
}

func TestEndpointDerivation(t *testing.T) {
	p := testPeer("p1")
	if got := p.Endpoint(); got != "http://10.0.0.1:4001" {
		t.Fatalf("derived endpoint: %q", got)
	}
	p.Meta = map[string]string{"endpoint": "http://example.org:9000"}
	if got := p.Endpoint(); got != "http://example.org:9000" {
		t.Fatalf("explicit endpoint: %q", got)
	}
}

func TestUpdateInfoMerges(t *testing.T) {
	s := New("", new(mclock.Simulated))
	s.Add(testPeer("p1"))

	s.UpdateInfo("p1", "us-east", []string{"storage"}, "http://10.0.0.2:9000")
	p := s.Get("p1")
	if p.Region != "us-east" {
		t.Fatalf("region: %q", p.Region)
	}
	if !p.Services.Contains("storage") || !p.Services.Contains("compute") {
		t.Fatalf("services: %v", p.Services)
	}
	if got := p.Meta["endpoint"]; got != "http://10.0.0.2:9000" {
		t.Fatalf("endpoint: %q", got)
	}

	// Empty fields are no-ops, unknown ids are ignored.
	s.UpdateInfo("p1", "", nil, "")
	s.UpdateInfo("missing", "eu-west", nil, "")
	if got := s.Get("p1").Region; got != "us-east" {
		t.Fatalf("region after no-op: %q", got)
	}
}

func TestUpdateInfoConcurrentExport(t *testing.T) {
	s := New("", new(mclock.Simulated))
	s.Add(testPeer("p1"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.UpdateInfo("p1", "us-east", []string{fmt.Sprintf("svc-%d", n)}, "http://10.0.0.2:9000")
				if _, err := s.Export(); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	p := s.Get("p1")
	for i := 0; i < 4; i++ {
		if !p.Services.Contains(fmt.Sprintf("svc-%d", i)) {
			t.Fatalf("missing service svc-%d", i)
		}
	}
}

func TestUpdateScoreEMA(t *testing.T) {
	s := New("", new(mclock.Simulated))
	s.Add(testPeer("p1"))

	lat := 200.0
	s.UpdateScore("p1", ScoreUpdate{LatencyMs: &lat})
	sc := s.GetScore("p1")
	// 100*0.8 + 200*0.2
	if math.Abs(sc.Latency-120) > 1e-9 {
		t.Fatalf("latency EMA: got %v, want 120", sc.Latency)
	}

	del := 0.0
	s.UpdateScore("p1", ScoreUpdate{DeliveryRate: &del})
	sc = s.GetScore("p1")
	// 1*0.9 + 0*0.1
	if math.Abs(sc.DeliveryRate-0.9) > 1e-9 {
		t.Fatalf("delivery EMA: got %v, want 0.9", sc.DeliveryRate)
	}
}

func TestReputationClamped(t *testing.T) {
	s := New("", new(mclock.Simulated))
	s.Add(testPeer("p1"))

	for _, rep := range []float64{-20, 150, 70} {
		rep := rep
		s.UpdateScore("p1", ScoreUpdate{Reputation: &rep})
		got := s.GetScore("p1").Reputation
		if got < 0 || got > 100 {
			t.Fatalf("reputation out of bounds: %v", got)
		}
	}
}

func TestPenalty(t *testing.T) {
	clock := new(mclock.Simulated)
	s := New("", clock)
	s.Add(testPeer("p1"))

	s.ApplyPenalty("p1", time.Minute, "flood")
	sc := s.GetScore("p1")
	if sc.Overall != penaltyOverall {
		t.Fatalf("overall during penalty: got %v, want %v", sc.Overall, penaltyOverall)
	}
	if sc.Reputation != 40 {
		t.Fatalf("reputation after penalty: got %v, want 40", sc.Reputation)
	}

	// After expiry the next recompute lifts the pin.
	clock.Run(2 * time.Minute)
	lat := 100.0
	s.UpdateScore("p1", ScoreUpdate{LatencyMs: &lat})
	if got := s.GetScore("p1").Overall; got == penaltyOverall {
		t.Fatalf("overall still pinned after expiry: %v", got)
	}
}

func TestUptimeDerivation(t *testing.T) {
	s := New("", new(mclock.Simulated))
	s.Add(testPeer("p1"))

	s.RecordConnection("p1", true)
	s.RecordConnection("p1", true)
	s.RecordConnection("p1", true)
	s.RecordDisconnection("p1", 10*time.Second, "remote closed")

	sc := s.GetScore("p1")
	if math.Abs(sc.Uptime-0.75) > 1e-9 {
		t.Fatalf("uptime: got %v, want 0.75", sc.Uptime)
	}
	p := s.Get("p1")
	if p.ConnectCount != 3 || p.DisconnectCount != 1 {
		t.Fatalf("counters: %d/%d", p.ConnectCount, p.DisconnectCount)
	}
}

func TestHistoryRing(t *testing.T) {
	s := New("", new(mclock.Simulated))
	s.Add(testPeer("p1"))

	for i := 0; i < maxHistory+50; i++ {
		s.RecordConnection("p1", true)
	}
	if got := len(s.History()); got != maxHistory {
		t.Fatalf("history length: got %d, want %d", got, maxHistory)
	}
}

func TestTopPeersByService(t *testing.T) {
	s := New("", new(mclock.Simulated))
	for i := 0; i < 5; i++ {
		p := testPeer(fmt.Sprintf("p%d", i))
		if i%2 == 0 {
			p.Services = mapset.NewSet("inference")
		}
		s.Add(p)
		rep := float64(i * 20)
		s.UpdateScore(p.ID, ScoreUpdate{Reputation: &rep})
	}

	top := s.TopPeers(2, "inference")
	if len(top) != 2 {
		t.Fatalf("got %d peers, want 2", len(top))
	}
	if top[0].ID != "p4" {
		t.Fatalf("best peer: got %s, want p4", top[0].ID)
	}
	for _, p := range top {
		if !p.Services.Contains("inference") {
			t.Fatalf("peer %s does not provide the service", p.ID)
		}
	}
}

func TestPruneStale(t *testing.T) {
	clock := new(mclock.Simulated)
	s := New("", clock)
	s.Add(testPeer("old"))
	clock.Run(2 * time.Hour)
	s.Add(testPeer("fresh"))

	if pruned := s.PruneStale(time.Hour); pruned != 1 {
		t.Fatalf("pruned %d, want 1", pruned)
	}
	if s.Has("old") {
		t.Fatal("stale peer survived pruning")
	}
	if !s.Has("fresh") {
		t.Fatal("fresh peer was pruned")
	}
	// Invariant: removing a peer removes its score.
	if s.GetScore("old") != nil {
		t.Fatal("score survived peer removal")
	}
}

func TestEvictionOnOverflow(t *testing.T) {
	s := New("", new(mclock.Simulated))
	for i := 0; i <= MaxPeers; i++ {
		s.Add(testPeer(fmt.Sprintf("p%d", i)))
	}
	if s.Len() > MaxPeers {
		t.Fatalf("store not trimmed: %d", s.Len())
	}
}

func TestDecayTowardNeutral(t *testing.T) {
	s := New("", new(mclock.Simulated))
	s.Add(testPeer("hi"))
	s.Add(testPeer("lo"))
	hi, lo := 100.0, 0.0
	s.UpdateScore("hi", ScoreUpdate{Reputation: &hi})
	s.UpdateScore("lo", ScoreUpdate{Reputation: &lo})

	s.decayScores()

	if got := s.GetScore("hi").Reputation; math.Abs(got-99.5) > 1e-9 {
		t.Fatalf("high reputation after decay: got %v, want 99.5", got)
	}
	if got := s.GetScore("lo").Reputation; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("low reputation after decay: got %v, want 0.5", got)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := New("", new(mclock.Simulated))
	for i := 0; i < 10; i++ {
		p := testPeer(fmt.Sprintf("p%d", i))
		p.AgentID = uint256.NewInt(uint64(i) * 1e9)
		s.Add(p)
		s.UpdateScore(p.ID, ScoreUpdate{Stake: uint256.NewInt(uint64(i) * 1e18)})
		s.RecordConnection(p.ID, true)
	}

	data, err := s.Export()
	if err != nil {
		t.Fatal(err)
	}
	restored := New("", new(mclock.Simulated))
	if err := restored.Import(data); err != nil {
		t.Fatal(err)
	}

	if restored.Len() != s.Len() {
		t.Fatalf("peer count: got %d, want %d", restored.Len(), s.Len())
	}
	for _, p := range s.All() {
		q := restored.Get(p.ID)
		if q == nil {
			t.Fatalf("peer %s missing after import", p.ID)
		}
		if q.NodeID != p.NodeID || q.Region != p.Region || !q.AgentID.Eq(p.AgentID) {
			t.Fatalf("peer %s corrupted: %+v vs %+v", p.ID, q, p)
		}
		if !reflect.DeepEqual(s.GetScore(p.ID), restored.GetScore(p.ID)) {
			t.Fatalf("score %s corrupted", p.ID)
		}
	}
	if len(restored.History()) != len(s.History()) {
		t.Fatal("history not preserved")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	s := New(path, new(mclock.Simulated))
	s.Add(testPeer("p1"))
	s.RecordConnection("p1", true)
	if err := s.saveIfDirty(); err != nil {
		t.Fatal(err)
	}

	reloaded := New(path, new(mclock.Simulated))
	if !reloaded.Has("p1") {
		t.Fatal("peer lost across save/load")
	}
	if got := reloaded.Get("p1").ConnectCount; got != 1 {
		t.Fatalf("connectCount: got %d, want 1", got)
	}
}

func TestLoadMissingFileStartsFresh(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope.json"), new(mclock.Simulated))
	if s.Len() != 0 {
		t.Fatal("expected empty store")
	}
}
