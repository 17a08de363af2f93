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

package discover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/p2p/peerstore"
)

// fakeTransport answers overlay calls from in-memory tables, keyed by peer
// endpoint.
type fakeTransport struct {
	mu       sync.Mutex
	rtt      time.Duration
	pingErr  map[string]error
	infos    map[string]*NodeInfo
	peerSets map[string][]*peerstore.Peer
	records  map[string]map[string]*Record // endpoint -> key -> record
	puts     map[string][]*Record
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		rtt:      50 * time.Millisecond,
		pingErr:  make(map[string]error),
		infos:    make(map[string]*NodeInfo),
		peerSets: make(map[string][]*peerstore.Peer),
		records:  make(map[string]map[string]*Record),
		puts:     make(map[string][]*Record),
	}
}

func (t *fakeTransport) Ping(ctx context.Context, endpoint string) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.pingErr[endpoint]; err != nil {
		return 0, err
	}
	return t.rtt, nil
}

func (t *fakeTransport) Info(ctx context.Context, endpoint string) (*NodeInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.infos[endpoint]; ok {
		return info, nil
	}
	return nil, errors.New("no info")
}

func (t *fakeTransport) Peers(ctx context.Context, endpoint string, limit int) ([]*peerstore.Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := t.peerSets[endpoint]
	if len(ps) > limit {
		ps = ps[:limit]
	}
	return ps, nil
}

func (t *fakeTransport) DHTPut(ctx context.Context, endpoint string, rec *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.puts[endpoint] = append(t.puts[endpoint], rec)
	return nil
}

func (t *fakeTransport) DHTGet(ctx context.Context, endpoint string, key string) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.records[endpoint]; ok {
		if rec, ok := m[key]; ok {
			return rec, nil
		}
	}
	return nil, errors.New("not found")
}

func (t *fakeTransport) putCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, recs := range t.puts {
		n += len(recs)
	}
	return n
}

func overlayPeer(i int) *peerstore.Peer {
	return &peerstore.Peer{
		ID:       fmt.Sprintf("QmPeer%03d", i),
		NodeID:   fmt.Sprintf("node-%d", i),
		Services: mapset.NewSet("compute"),
		AgentID:  uint256.NewInt(uint64(i)),
		Meta:     map[string]string{"endpoint": fmt.Sprintf("http://10.0.0.%d:4001", i)},
	}
}

func newTestService(t *testing.T, cfg Config) (*Service, *peerstore.Store, *fakeTransport, *mclock.Simulated) {
	t.Helper()
	clock := new(mclock.Simulated)
	store := peerstore.New("", clock)
	tr := newFakeTransport()
	cfg.NodeID = "self-node"
	svc := New(cfg, store, tr, clock)
	return svc, store, tr, clock
}

func TestConnectLifecycle(t *testing.T) {
	svc, store, _, _ := newTestService(t, Config{})
	events := make(chan PeerEvent, 4)
	sub := svc.SubscribeEvents(events)
	defer sub.Unsubscribe()

	p := overlayPeer(1)
	if err := svc.Connect(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if got := svc.State(p.ID); got != StateConnected {
		t.Fatalf("state: got %v, want connected", got)
	}
	if !svc.RoutingTable().Contains(p.ID) {
		t.Fatal("peer not in routing table")
	}
	select {
	case ev := <-events:
		if ev.Type != PeerConnected || ev.ID != p.ID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("no connect event")
	}

	sc := store.GetScore(p.ID)
	if sc == nil {
		t.Fatal("no score after connect")
	}
	// Initial latency 100 folded with the 50ms ping.
	if sc.Latency != 100*0.8+50*0.2 {
		t.Fatalf("latency after connect: %v", sc.Latency)
	}
	if store.Get(p.ID).ConnectCount != 1 {
		t.Fatal("connection not recorded")
	}
}

func TestConnectFailure(t *testing.T) {
	svc, store, tr, _ := newTestService(t, Config{})
	p := overlayPeer(1)
	tr.pingErr[p.Endpoint()] = errors.New("refused")

	if err := svc.Connect(context.Background(), p); err == nil {
		t.Fatal("expected dial error")
	}
	if got := svc.State(p.ID); got != StateUnknown {
		t.Fatalf("state after failed dial: %v", got)
	}
	if svc.RoutingTable().Contains(p.ID) {
		t.Fatal("failed peer joined routing table")
	}
	// The failure still lands in the store if the peer was known before.
	_ = store
}

func TestInfoPopulatesAttributes(t *testing.T) {
	svc, store, tr, _ := newTestService(t, Config{})
	p := overlayPeer(1)
	tr.infos[p.Endpoint()] = &NodeInfo{
		PeerID:   p.ID,
		Region:   "ap-south",
		Services: []string{"inference"},
	}

	if err := svc.Connect(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	got := store.Get(p.ID)
	if got.Region != "ap-south" {
		t.Fatalf("region not applied: %q", got.Region)
	}
	if !got.Services.Contains("inference") || !got.Services.Contains("compute") {
		t.Fatalf("services not merged: %v", got.Services)
	}
}

func TestStaleDisconnect(t *testing.T) {
	svc, _, _, clock := newTestService(t, Config{})
	p := overlayPeer(1)
	if err := svc.Connect(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	clock.Run(2 * time.Minute)
	svc.refreshPeers() // marks stale
	svc.refreshPeers() // disconnects stale

	if got := svc.State(p.ID); got != StateUnknown {
		t.Fatalf("state after staleness: %v", got)
	}
	if svc.RoutingTable().Contains(p.ID) {
		t.Fatal("stale peer still routed")
	}
}

func TestTouchKeepsAlive(t *testing.T) {
	svc, _, _, clock := newTestService(t, Config{})
	p := overlayPeer(1)
	if err := svc.Connect(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	clock.Run(50 * time.Second)
	svc.Touch(p.ID)
	clock.Run(30 * time.Second) // 80s total, 30s since touch
	svc.refreshPeers()

	if got := svc.State(p.ID); got != StateConnected {
		t.Fatalf("touched peer went %v", got)
	}
}

func TestPingFailureDisconnects(t *testing.T) {
	svc, _, tr, _ := newTestService(t, Config{})
	p := overlayPeer(1)
	if err := svc.Connect(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	tr.mu.Lock()
	tr.pingErr[p.Endpoint()] = errors.New("timeout")
	tr.mu.Unlock()
	svc.pingAllPeers()

	if got := svc.State(p.ID); got != StateUnknown {
		t.Fatalf("state after ping failure: %v", got)
	}
}

func TestDHTPutReplicates(t *testing.T) {
	svc, _, tr, _ := newTestService(t, Config{})
	for i := 1; i <= 5; i++ {
		if err := svc.Connect(context.Background(), overlayPeer(i)); err != nil {
			t.Fatal(err)
		}
	}

	if err := svc.Put(context.Background(), "svc:db", []byte("addr"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if got := tr.putCount(); got != 5 {
		t.Fatalf("replicated to %d peers, want 5", got)
	}
	rec, err := svc.Get(context.Background(), "svc:db")
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Value) != "addr" || rec.Publisher != svc.Self() {
		t.Fatalf("bad local record: %+v", rec)
	}
}

func TestDHTGetQueriesAndCaches(t *testing.T) {
	svc, _, tr, clock := newTestService(t, Config{})
	p := overlayPeer(1)
	if err := svc.Connect(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	remote := &Record{
		Key:       "job:42",
		Value:     []byte("payload"),
		Publisher: p.ID,
		Timestamp: clock.Now().UnixMilli(),
		TTL:       time.Minute.Milliseconds(),
	}
	tr.mu.Lock()
	tr.records[p.Endpoint()] = map[string]*Record{"job:42": remote}
	tr.mu.Unlock()

	rec, err := svc.Get(context.Background(), "job:42")
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Value) != "payload" {
		t.Fatalf("remote record: %+v", rec)
	}
	// The hit is cached locally.
	if svc.records.get("job:42") == nil {
		t.Fatal("remote record not cached")
	}
}

func TestDHTGetMiss(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err: %v", err)
	}
}

func TestEvictionWhenFull(t *testing.T) {
	svc, store, _, _ := newTestService(t, Config{MaxConnections: 12})
	for i := 1; i <= 12; i++ {
		if err := svc.Connect(context.Background(), overlayPeer(i)); err != nil {
			t.Fatal(err)
		}
	}
	// Make one peer clearly worst.
	store.ApplyPenalty(overlayPeer(3).ID, time.Hour, "test")

	if err := svc.Connect(context.Background(), overlayPeer(13)); err != nil {
		t.Fatal(err)
	}
	if got := svc.State(overlayPeer(3).ID); got != StateUnknown {
		t.Fatalf("penalized peer survived eviction: %v", got)
	}
	if svc.State(overlayPeer(13).ID) != StateConnected {
		t.Fatal("new peer not connected after eviction")
	}
}

func TestAnnounceNode(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{
		Services: []string{"compute"},
		Region:   "eu-west",
	})
	if err := svc.AnnounceNode(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := svc.records.get("node:" + svc.Self())
	if rec == nil {
		t.Fatal("self record missing")
	}
	if rec.Publisher != svc.Self() {
		t.Fatalf("publisher: %q", rec.Publisher)
	}
}

func TestBestPeer(t *testing.T) {
	svc, store, _, _ := newTestService(t, Config{})

	mk := func(id, region string, services []string, rep float64, stakeTokens uint64) {
		p := &peerstore.Peer{
			ID:       id,
			NodeID:   "node-" + id,
			Services: mapset.NewSet(services...),
			Region:   region,
			AgentID:  uint256.NewInt(1),
			Meta:     map[string]string{"endpoint": "http://h/" + id},
		}
		store.Add(p)
		store.UpdateScore(id, peerstore.ScoreUpdate{
			Reputation: &rep,
			Stake:      new(uint256.Int).Mul(uint256.NewInt(stakeTokens), uint256.NewInt(1e18)),
		})
	}
	mk("a", "us-east", []string{"inference"}, 90, 0)
	mk("b", "eu-west", []string{"inference"}, 10, 0)
	mk("c", "us-east", []string{"storage"}, 99, 0)
	mk("d", "eu-west", []string{"inference"}, 10, 500)

	if got := svc.BestPeer("inference", ""); got.ID != "a" {
		t.Fatalf("best overall: got %s, want a", got.ID)
	}
	// Region preference narrows the field even when a better peer exists
	// elsewhere; stake breaks the tie inside the region.
	if got := svc.BestPeer("inference", "eu-west"); got.ID != "d" {
		t.Fatalf("best regional: got %s, want d", got.ID)
	}
	if got := svc.BestPeer("gpu", ""); got != nil {
		t.Fatalf("unknown service returned %v", got)
	}
}
