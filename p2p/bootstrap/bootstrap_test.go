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

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/miekg/dns"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/p2p/peerstore"
)

type fakePinger struct {
	mu   sync.Mutex
	down map[string]bool
	rtt  map[string]time.Duration
}

func (f *fakePinger) Ping(ctx context.Context, endpoint string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[endpoint] {
		return 0, errors.New("unreachable")
	}
	if rtt, ok := f.rtt[endpoint]; ok {
		return rtt, nil
	}
	return 20 * time.Millisecond, nil
}

type fakeRegistry struct {
	agents []RegistryAgent
	err    error
}

func (f *fakeRegistry) AgentsByType(ctx context.Context, agentType string) ([]RegistryAgent, error) {
	return f.agents, f.err
}

func seedAddr(i int) string {
	return fmt.Sprintf("/ip4/10.1.0.%d/tcp/4001", i)
}

func TestPeerFromMultiaddr(t *testing.T) {
	p, err := peerFromMultiaddr("/ip4/10.1.0.1/tcp/4001/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N" {
		t.Fatalf("id from p2p component: %q", p.ID)
	}
	if got := p.Endpoint(); got != "http://10.1.0.1:4001" {
		t.Fatalf("endpoint: %q", got)
	}

	// Without a /p2p component the id is derived from the address.
	p2, err := peerFromMultiaddr("/ip4/10.1.0.2/tcp/4001")
	if err != nil {
		t.Fatal(err)
	}
	if len(p2.ID) != 48 || p2.ID[:2] != "Qm" {
		t.Fatalf("derived id: %q", p2.ID)
	}

	if _, err := peerFromMultiaddr("not a multiaddr"); err == nil {
		t.Fatal("invalid multiaddr accepted")
	}
}

func TestExtractDnsaddrs(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = []dns.RR{
		&dns.TXT{Txt: []string{"dnsaddr=/ip4/1.2.3.4/tcp/4001"}},
		&dns.TXT{Txt: []string{"unrelated=value"}},
		&dns.TXT{Txt: []string{"dnsaddr=/ip4/5.6.7.8/tcp/4001"}},
	}
	addrs := extractDnsaddrs(msg)
	if len(addrs) != 2 {
		t.Fatalf("got %d addrs, want 2", len(addrs))
	}
	if addrs[0] != "/ip4/1.2.3.4/tcp/4001" {
		t.Fatalf("addr: %q", addrs[0])
	}
}

func TestDoHResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var q dns.Msg
		if err := q.Unpack(body); err != nil {
			t.Errorf("bad query: %v", err)
		}
		if q.Question[0].Name != "_dnsaddr.seed.example.org." {
			t.Errorf("question: %q", q.Question[0].Name)
		}
		reply := new(dns.Msg)
		reply.SetReply(&q)
		txt := &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300},
			Txt: []string{"dnsaddr=/ip4/9.9.9.9/tcp/4001"},
		}
		reply.Answer = append(reply.Answer, txt)
		packed, _ := reply.Pack()
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(packed)
	}))
	defer srv.Close()

	r := newDoHResolver(srv.URL)
	addrs, err := r.resolve(context.Background(), "seed.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != "/ip4/9.9.9.9/tcp/4001" {
		t.Fatalf("addrs: %v", addrs)
	}

	// Second resolve is served from the cache.
	srv.Close()
	again, err := r.resolve(context.Background(), "seed.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 {
		t.Fatalf("cached addrs: %v", again)
	}
}

func TestMetadataFetchIPFSRewrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ipfs/QmMetaCID" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"nodeId":"node-7","multiaddr":"/ip4/10.2.0.7/tcp/4001","services":["compute"],"region":"us-east"}`)
	}))
	defer srv.Close()

	f := newMetadataFetcher(srv.URL + "/ipfs/")
	meta, err := f.fetch(context.Background(), "ipfs://QmMetaCID")
	if err != nil {
		t.Fatal(err)
	}
	if meta.NodeID != "node-7" || meta.Region != "us-east" {
		t.Fatalf("metadata: %+v", meta)
	}
	if got := meta.addrs(); len(got) != 1 || got[0] != "/ip4/10.2.0.7/tcp/4001" {
		t.Fatalf("addrs: %v", got)
	}
}

func TestRefreshAdoptsRegistryPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nodeId":"agent-node","multiaddr":"/ip4/10.3.0.1/tcp/4001","services":["inference"]}`)
	}))
	defer srv.Close()

	clock := new(mclock.Simulated)
	store := peerstore.New("", clock)
	reg := &fakeRegistry{agents: []RegistryAgent{
		{AgentID: uint256.NewInt(7), MetadataURI: srv.URL + "/meta"},
	}}
	m := New(Config{Registry: reg, AgentType: "worker"}, store, &fakePinger{}, clock)

	m.Refresh(context.Background())

	var found *BootPeer
	for _, bp := range m.Peers() {
		if bp.Source == "registry" {
			found = bp
		}
	}
	if found == nil {
		t.Fatal("registry peer not adopted")
	}
	if !found.Healthy {
		t.Fatal("registry peer not health-checked")
	}
	stored := store.Get(found.Peer.ID)
	if stored == nil {
		t.Fatal("healthy peer not fed into store")
	}
	if !stored.Services.Contains("inference") || !stored.AgentID.Eq(uint256.NewInt(7)) {
		t.Fatalf("peer attributes lost: %+v", stored)
	}
}

func TestRefreshPrunesUnhealthy(t *testing.T) {
	clock := new(mclock.Simulated)
	store := peerstore.New("", clock)
	pinger := &fakePinger{down: map[string]bool{"http://10.1.0.1:4001": true}}

	m := New(Config{Seeds: []string{seedAddr(1)}}, store, pinger, clock)
	// Inject one non-hardcoded peer that will fail its health check.
	p, _ := peerFromMultiaddr(seedAddr(2))
	pinger.mu.Lock()
	pinger.down[p.Endpoint()] = true
	pinger.mu.Unlock()
	m.mu.Lock()
	m.peers[p.ID] = &BootPeer{Peer: p, Source: "dns"}
	m.mu.Unlock()

	m.Refresh(context.Background())

	if m.Len() != 1 {
		t.Fatalf("pool size: got %d, want 1", m.Len())
	}
	// The hardcoded seed survives even though it is down.
	for _, bp := range m.Peers() {
		if !bp.Hardcoded {
			t.Fatalf("non-hardcoded peer survived: %+v", bp)
		}
		if bp.Healthy {
			t.Fatal("down seed marked healthy")
		}
	}
	if len(m.Healthy()) != 0 {
		t.Fatal("unhealthy peers reported as healthy")
	}
}

func TestHealthCheckEndpointlessPeer(t *testing.T) {
	clock := new(mclock.Simulated)
	clock.Run(time.Second)
	store := peerstore.New("", clock)
	m := New(Config{}, store, &fakePinger{}, clock)

	m.mu.Lock()
	m.peers["QmNoAddr"] = &BootPeer{Peer: &peerstore.Peer{ID: "QmNoAddr"}, Source: "dns", Healthy: true}
	m.mu.Unlock()

	// Read the pool concurrently while the check marks the peer down.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			m.Peers()
		}
	}()
	m.healthCheck(context.Background())
	<-done

	m.mu.Lock()
	bp := m.peers["QmNoAddr"]
	healthy, checked := bp.Healthy, bp.LastCheck
	m.mu.Unlock()
	if healthy {
		t.Fatal("peer without endpoint still healthy")
	}
	if checked == 0 {
		t.Fatal("check timestamp not stamped")
	}
}

func TestPruneTrimsToMax(t *testing.T) {
	clock := new(mclock.Simulated)
	store := peerstore.New("", clock)
	pinger := &fakePinger{rtt: make(map[string]time.Duration)}
	m := New(Config{MaxPeers: 3, Seeds: []string{seedAddr(1)}}, store, pinger, clock)

	// Five extra peers with increasing latency.
	m.mu.Lock()
	for i := 2; i <= 6; i++ {
		p, _ := peerFromMultiaddr(seedAddr(i))
		pinger.mu.Lock()
		pinger.rtt[p.Endpoint()] = time.Duration(i*10) * time.Millisecond
		pinger.mu.Unlock()
		m.peers[p.ID] = &BootPeer{Peer: p, Source: "dns"}
	}
	m.mu.Unlock()

	m.Refresh(context.Background())

	if m.Len() != 3 {
		t.Fatalf("pool size after trim: got %d, want 3", m.Len())
	}
	var maxLat float64
	hardcoded := false
	for _, bp := range m.Peers() {
		if bp.Hardcoded {
			hardcoded = true
			continue
		}
		if bp.LatencyMs > maxLat {
			maxLat = bp.LatencyMs
		}
	}
	if !hardcoded {
		t.Fatal("hardcoded seed trimmed")
	}
	// The survivors are the lowest-latency extras (20ms and 30ms).
	if maxLat > 30 {
		t.Fatalf("high-latency peer survived trim: %vms", maxLat)
	}
}

func TestRegistryFailureIsNonFatal(t *testing.T) {
	clock := new(mclock.Simulated)
	store := peerstore.New("", clock)
	reg := &fakeRegistry{err: errors.New("rpc down")}
	m := New(Config{Seeds: []string{seedAddr(1)}, Registry: reg}, store, &fakePinger{}, clock)

	m.Refresh(context.Background())
	if m.Len() != 1 {
		t.Fatalf("pool size: %d", m.Len())
	}
	if len(m.Healthy()) != 1 {
		t.Fatal("hardcoded seed not healthy")
	}
}
