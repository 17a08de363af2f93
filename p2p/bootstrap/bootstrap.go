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

// Package bootstrap keeps a healthy pool of seed peers for the discovery
// layer. Seeds come from three isolated sources: hardcoded multiaddresses,
// _dnsaddr TXT records resolved over DNS-over-HTTPS, and the on-chain agent
// registry.
package bootstrap

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/log"
	"github.com/jeju-network/dws/p2p/discover"
	"github.com/jeju-network/dws/p2p/peerstore"
)

const (
	defaultMaxPeers        = 50
	defaultRefreshInterval = 5 * time.Minute
	defaultRetryInterval   = 10 * time.Second
	defaultHealthTimeout   = 5 * time.Second
)

// Pinger measures reachability and latency of a peer endpoint.
type Pinger interface {
	Ping(ctx context.Context, endpoint string) (time.Duration, error)
}

// Config tunes the bootstrap manager. Zero values fall back to defaults;
// Registry and DNSSeeds may be nil/empty, disabling that source.
type Config struct {
	Seeds       []string // hardcoded seed multiaddresses, never pruned
	DNSSeeds    []string // domains carrying _dnsaddr TXT records
	DoHEndpoint string
	Registry    Registry
	AgentType   string
	IPFSGateway string

	MaxPeers        int
	RefreshInterval time.Duration
	RetryInterval   time.Duration
	HealthTimeout   time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	return cfg
}

// BootPeer is one candidate seed with its health state.
type BootPeer struct {
	Peer      *peerstore.Peer
	Source    string // hardcoded, dns or registry
	Hardcoded bool
	Healthy   bool
	LatencyMs float64
	LastCheck int64
}

// Manager refreshes the seed pool on a timer and feeds healthy seeds into
// the peer store.
type Manager struct {
	cfg      Config
	resolver *dohResolver
	fetcher  *metadataFetcher
	pinger   Pinger
	store    *peerstore.Store
	clock    mclock.Clock
	log      log.Logger

	mu    sync.RWMutex
	peers map[string]*BootPeer

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a manager. Hardcoded seeds are adopted immediately; invalid
// multiaddresses are skipped with a warning.
func New(cfg Config, store *peerstore.Store, pinger Pinger, clock mclock.Clock) *Manager {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = mclock.System{}
	}
	m := &Manager{
		cfg:      cfg,
		resolver: newDoHResolver(cfg.DoHEndpoint),
		fetcher:  newMetadataFetcher(cfg.IPFSGateway),
		pinger:   pinger,
		store:    store,
		clock:    clock,
		log:      log.New("component", "bootstrap"),
		peers:    make(map[string]*BootPeer),
		quit:     make(chan struct{}),
	}
	for _, seed := range cfg.Seeds {
		p, err := peerFromMultiaddr(seed)
		if err != nil {
			m.log.Warn("Skipping invalid hardcoded seed", "addr", seed, "err", err)
			continue
		}
		m.peers[p.ID] = &BootPeer{Peer: p, Source: "hardcoded", Hardcoded: true}
	}
	return m
}

// Start runs one immediate refresh and then refreshes periodically. A
// completely empty pool after the initial refresh is retried on a short
// interval.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
	m.log.Info("Bootstrap started", "hardcoded", len(m.cfg.Seeds), "dns", len(m.cfg.DNSSeeds))
}

// Stop terminates the refresh loop.
func (m *Manager) Stop() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()

	m.Refresh(context.Background())
	interval := m.cfg.RefreshInterval
	if m.Len() == 0 {
		interval = m.cfg.RetryInterval
	}
	timer := m.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C():
			m.Refresh(context.Background())
			interval = m.cfg.RefreshInterval
			if m.Len() == 0 {
				interval = m.cfg.RetryInterval
			}
			timer.Reset(interval)
		case <-m.quit:
			return
		}
	}
}

// Refresh pulls all sources concurrently, health-checks the pool, drops
// unhealthy non-hardcoded seeds and trims to the configured maximum.
// Partial source failures are logged and tolerated.
func (m *Manager) Refresh(ctx context.Context) {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		dnsAddrs []string
		regPeers []*peerstore.Peer
	)
	if len(m.cfg.DNSSeeds) > 0 {
		g.Go(func() error {
			for _, domain := range m.cfg.DNSSeeds {
				addrs, err := m.resolver.resolve(ctx, domain)
				if err != nil {
					m.log.Warn("DNS seed resolution failed", "domain", domain, "err", err)
					continue
				}
				mu.Lock()
				dnsAddrs = append(dnsAddrs, addrs...)
				mu.Unlock()
			}
			return nil
		})
	}
	if m.cfg.Registry != nil {
		g.Go(func() error {
			peers, err := m.registryPeers(ctx)
			if err != nil {
				m.log.Warn("Registry read failed", "err", err)
				return nil
			}
			mu.Lock()
			regPeers = peers
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	for _, addr := range dnsAddrs {
		p, err := peerFromMultiaddr(addr)
		if err != nil {
			m.log.Debug("Skipping invalid dnsaddr", "addr", addr, "err", err)
			continue
		}
		if _, ok := m.peers[p.ID]; !ok {
			m.peers[p.ID] = &BootPeer{Peer: p, Source: "dns"}
		}
	}
	for _, p := range regPeers {
		if _, ok := m.peers[p.ID]; !ok {
			m.peers[p.ID] = &BootPeer{Peer: p, Source: "registry"}
		}
	}
	m.mu.Unlock()

	m.healthCheck(ctx)
	m.prune()
	m.log.Debug("Bootstrap refresh complete", "peers", m.Len())
}

// registryPeers reads the agent registry and resolves each agent's metadata
// blob into peers.
func (m *Manager) registryPeers(ctx context.Context) ([]*peerstore.Peer, error) {
	agents, err := m.cfg.Registry.AgentsByType(ctx, m.cfg.AgentType)
	if err != nil {
		return nil, err
	}
	var peers []*peerstore.Peer
	for _, agent := range agents {
		meta, err := m.fetcher.fetch(ctx, agent.MetadataURI)
		if err != nil {
			m.log.Debug("Agent metadata fetch failed", "agent", agent.AgentID, "err", err)
			continue
		}
		for _, addr := range meta.addrs() {
			p, err := peerFromMultiaddr(addr)
			if err != nil {
				continue
			}
			p.AgentID = agent.AgentID.Clone()
			p.NodeID = meta.NodeID
			p.Region = meta.Region
			for _, svc := range meta.Services {
				p.Services.Add(svc)
			}
			if meta.Endpoint != "" {
				p.Meta["endpoint"] = meta.Endpoint
			}
			peers = append(peers, p)
		}
	}
	return peers, nil
}

// healthCheck pings every pool member and feeds the healthy ones into the
// peer store.
func (m *Manager) healthCheck(ctx context.Context) {
	m.mu.RLock()
	targets := make([]*BootPeer, 0, len(m.peers))
	for _, bp := range m.peers {
		targets = append(targets, bp)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, bp := range targets {
		endpoint := bp.Peer.Endpoint()
		if endpoint == "" {
			m.mu.Lock()
			bp.Healthy = false
			bp.LastCheck = m.clock.Now().UnixMilli()
			m.mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(bp *BootPeer, endpoint string) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
			rtt, err := m.pinger.Ping(pctx, endpoint)
			cancel()

			m.mu.Lock()
			bp.LastCheck = m.clock.Now().UnixMilli()
			bp.Healthy = err == nil
			if err == nil {
				bp.LatencyMs = float64(rtt.Milliseconds())
			}
			m.mu.Unlock()

			if err == nil {
				m.store.Add(bp.Peer)
				lat := float64(rtt.Milliseconds())
				m.store.UpdateScore(bp.Peer.ID, peerstore.ScoreUpdate{LatencyMs: &lat})
			}
		}(bp, endpoint)
	}
	wg.Wait()
}

// prune drops unhealthy non-hardcoded seeds and trims the pool to MaxPeers,
// keeping hardcoded seeds and preferring healthy low-latency peers.
func (m *Manager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, bp := range m.peers {
		if !bp.Hardcoded && !bp.Healthy && bp.LastCheck != 0 {
			delete(m.peers, id)
		}
	}
	if len(m.peers) <= m.cfg.MaxPeers {
		return
	}

	prunable := make([]*BootPeer, 0, len(m.peers))
	for _, bp := range m.peers {
		if !bp.Hardcoded {
			prunable = append(prunable, bp)
		}
	}
	sort.Slice(prunable, func(i, j int) bool {
		if prunable[i].Healthy != prunable[j].Healthy {
			return !prunable[i].Healthy
		}
		return prunable[i].LatencyMs > prunable[j].LatencyMs
	})
	excess := len(m.peers) - m.cfg.MaxPeers
	for i := 0; i < excess && i < len(prunable); i++ {
		delete(m.peers, prunable[i].Peer.ID)
	}
}

// Len returns the current pool size.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Peers returns a snapshot of the pool.
func (m *Manager) Peers() []*BootPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*BootPeer, 0, len(m.peers))
	for _, bp := range m.peers {
		cpy := *bp
		out = append(out, &cpy)
	}
	return out
}

// Healthy returns the peers that passed their last health check, for the
// discovery layer to dial.
func (m *Manager) Healthy() []*peerstore.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*peerstore.Peer
	for _, bp := range m.peers {
		if bp.Healthy {
			out = append(out, bp.Peer)
		}
	}
	return out
}

// peerFromMultiaddr builds a store peer from a seed multiaddress. The peer
// id comes from the /p2p component when present, otherwise it is derived
// from the address itself.
func peerFromMultiaddr(addr string) (*peerstore.Peer, error) {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	id, err := a.ValueForProtocol(ma.P_P2P)
	if err != nil || id == "" {
		id = discover.DerivePeerID(addr)
	}
	return &peerstore.Peer{
		ID:       id,
		Addrs:    []ma.Multiaddr{a},
		Services: mapset.NewSet[string](),
		Meta:     make(map[string]string),
	}, nil
}
