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
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/jeju-network/dws/common"
	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/event"
	"github.com/jeju-network/dws/log"
	"github.com/jeju-network/dws/p2p/peerstore"
)

const (
	defaultMaxConnections  = 100
	defaultMinConnections  = 10
	defaultRefreshInterval = 30 * time.Second
	defaultPingInterval    = 15 * time.Second
	defaultStaleTimeout    = 60 * time.Second
	defaultRequestTimeout  = 5 * time.Second
	defaultAnnounceTTL     = 5 * time.Minute

	// evictCount peers are dropped when the connection table is full.
	evictCount = 10

	walkPeerLimit = 10
)

// weiPerToken converts raw stake units into whole tokens for ranking.
var weiPerToken = uint256.NewInt(1e18)

var (
	ErrStopped     = errors.New("discovery stopped")
	ErrNotFound    = errors.New("record not found")
	errNoEndpoint  = errors.New("peer has no usable endpoint")
	errValueTooOld = errors.New("record already expired")
)

// ConnState tracks one peer through its connection lifecycle.
type ConnState int

const (
	StateUnknown ConnState = iota
	StateDialing
	StateConnected
	StateStale
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerEventType is the kind of a peer lifecycle event.
type PeerEventType int

const (
	PeerConnected PeerEventType = iota
	PeerDisconnected
)

// PeerEvent is delivered on the discovery event feed whenever a peer joins
// or leaves the connection table.
type PeerEvent struct {
	Type PeerEventType
	ID   string
}

// NodeInfo is the self-description exchanged on connect and served from the
// node info endpoint.
type NodeInfo struct {
	PeerID      string   `json:"peerId"`
	NodeID      string   `json:"nodeId"`
	Services    []string `json:"services"`
	Region      string   `json:"region,omitempty"`
	AgentID     string   `json:"agentId,omitempty"`
	Endpoint    string   `json:"endpoint,omitempty"`
	Connections int      `json:"connections"`
	Peers       int      `json:"peers"`
}

// Transport is the outbound side of the overlay protocol. The p2p package
// provides the HTTP implementation; tests inject fakes. All calls must
// honor the context deadline.
type Transport interface {
	Ping(ctx context.Context, endpoint string) (time.Duration, error)
	Info(ctx context.Context, endpoint string) (*NodeInfo, error)
	Peers(ctx context.Context, endpoint string, limit int) ([]*peerstore.Peer, error)
	DHTPut(ctx context.Context, endpoint string, rec *Record) error
	DHTGet(ctx context.Context, endpoint string, key string) (*Record, error)
}

// Config holds the identity and tuning of the discovery service. Zero
// durations and counts fall back to the protocol defaults.
type Config struct {
	NodeID   string
	Services []string
	Region   string
	AgentID  string
	Endpoint string

	MaxConnections  int
	MinConnections  int
	RefreshInterval time.Duration
	PingInterval    time.Duration
	StaleTimeout    time.Duration
	RequestTimeout  time.Duration
	AnnounceTTL     time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.MinConnections == 0 {
		cfg.MinConnections = defaultMinConnections
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.AnnounceTTL == 0 {
		cfg.AnnounceTTL = defaultAnnounceTTL
	}
	return cfg
}

type conn struct {
	state        ConnState
	lastActivity mclock.AbsTime
}

// Service maintains the overlay: the routing table, the connection table and
// the local DHT slice. Peer metadata and scores live in the peer store.
type Service struct {
	cfg       Config
	self      string // derived peer id
	table     *Table
	records   *recordStore
	store     *peerstore.Store
	transport Transport
	clock     mclock.Clock
	log       log.Logger

	mu    sync.Mutex
	conns map[string]*conn

	feed event.FeedOf[PeerEvent]

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates the discovery service. It does not start the periodic tasks;
// call Start for that.
func New(cfg Config, store *peerstore.Store, transport Transport, clock mclock.Clock) *Service {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = mclock.System{}
	}
	self := DerivePeerID(cfg.NodeID)
	return &Service{
		cfg:       cfg,
		self:      self,
		table:     NewTable(self),
		records:   newRecordStore(clock),
		store:     store,
		transport: transport,
		clock:     clock,
		log:       log.New("component", "discover", "self", self),
		conns:     make(map[string]*conn),
		quit:      make(chan struct{}),
	}
}

// Self returns the local peer id.
func (s *Service) Self() string { return s.self }

// LocalInfo builds the node's current self-description.
func (s *Service) LocalInfo() *NodeInfo {
	return &NodeInfo{
		PeerID:      s.self,
		NodeID:      s.cfg.NodeID,
		Services:    append([]string(nil), s.cfg.Services...),
		Region:      s.cfg.Region,
		AgentID:     s.cfg.AgentID,
		Endpoint:    s.cfg.Endpoint,
		Connections: s.ConnCount(),
		Peers:       s.store.Len(),
	}
}

// SubscribeEvents delivers peer lifecycle events to the given channel.
func (s *Service) SubscribeEvents(ch chan<- PeerEvent) event.Subscription {
	return s.feed.Subscribe(ch)
}

// Start launches the refresh and ping loops.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.loop()
	s.log.Info("Discovery started", "refresh", s.cfg.RefreshInterval, "ping", s.cfg.PingInterval)
}

// Stop terminates the background loops and waits for them.
func (s *Service) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()

	refresh := s.clock.NewTimer(s.cfg.RefreshInterval)
	defer refresh.Stop()
	ping := s.clock.NewTimer(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-refresh.C():
			s.refreshPeers()
			s.records.sweep()
			refresh.Reset(s.cfg.RefreshInterval)
		case <-ping.C():
			s.pingAllPeers()
			ping.Reset(s.cfg.PingInterval)
		case <-s.quit:
			return
		}
	}
}

// ConnCount returns the number of live connections.
func (s *Service) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.state == StateConnected || c.state == StateStale {
			n++
		}
	}
	return n
}

// ConnectedIDs returns the ids of all live connections.
func (s *Service) ConnectedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id, c := range s.conns {
		if c.state == StateConnected || c.state == StateStale {
			ids = append(ids, id)
		}
	}
	return ids
}

// State returns the connection state of a peer.
func (s *Service) State(id string) ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		return c.state
	}
	return StateUnknown
}

// Connect dials the peer: a successful ping moves it to Connected, records
// latency, joins it to the routing table and fetches its node info. A full
// connection table first evicts the lowest-scored peers.
func (s *Service) Connect(ctx context.Context, p *peerstore.Peer) error {
	if p.ID == s.self {
		return nil
	}
	endpoint := p.Endpoint()
	if endpoint == "" {
		return errNoEndpoint
	}

	s.mu.Lock()
	if c, ok := s.conns[p.ID]; ok && (c.state == StateConnected || c.state == StateDialing) {
		s.mu.Unlock()
		return nil
	}
	if s.liveLocked() >= s.cfg.MaxConnections {
		s.evictLocked()
	}
	s.conns[p.ID] = &conn{state: StateDialing}
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	rtt, err := s.transport.Ping(pctx, endpoint)
	cancel()
	if err != nil {
		s.mu.Lock()
		delete(s.conns, p.ID)
		s.mu.Unlock()
		s.store.RecordConnection(p.ID, false)
		s.log.Debug("Dial failed", "peer", p.ID, "err", err)
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.conns[p.ID] = &conn{state: StateConnected, lastActivity: now}
	s.mu.Unlock()

	s.store.Add(p)
	s.table.Add(p.ID)
	s.store.RecordConnection(p.ID, true)
	lat := float64(rtt.Milliseconds())
	s.store.UpdateScore(p.ID, peerstore.ScoreUpdate{LatencyMs: &lat})
	s.feed.Send(PeerEvent{Type: PeerConnected, ID: p.ID})

	// Populate node attributes from the remote info endpoint. Failure here
	// is not fatal, the connection stands on the ping alone.
	ictx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	info, err := s.transport.Info(ictx, endpoint)
	cancel()
	if err != nil {
		s.log.Debug("Node info fetch failed", "peer", p.ID, "err", err)
	} else {
		s.store.UpdateInfo(p.ID, info.Region, info.Services, info.Endpoint)
	}
	s.log.Debug("Peer connected", "peer", p.ID, "rtt", rtt)
	return nil
}

// Disconnect drops the peer from the connection table and routing table.
func (s *Service) Disconnect(id, reason string) {
	s.mu.Lock()
	c, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	alive := c.lastActivity
	delete(s.conns, id)
	s.mu.Unlock()

	s.table.Delete(id)
	dur := time.Duration(s.clock.Now() - alive)
	s.store.RecordDisconnection(id, dur, reason)
	s.feed.Send(PeerEvent{Type: PeerDisconnected, ID: id})
	s.log.Debug("Peer disconnected", "peer", id, "reason", reason)
}

// liveLocked counts live connections. Caller holds s.mu.
func (s *Service) liveLocked() int {
	n := 0
	for _, c := range s.conns {
		if c.state == StateConnected || c.state == StateStale {
			n++
		}
	}
	return n
}

// evictLocked removes the lowest-scored live connections to make room.
// Caller holds s.mu; table/store updates happen after release.
func (s *Service) evictLocked() {
	type cand struct {
		id    string
		score float64
	}
	cands := make([]cand, 0, len(s.conns))
	for id, c := range s.conns {
		if c.state != StateConnected && c.state != StateStale {
			continue
		}
		overall := 0.0
		if sc := s.store.GetScore(id); sc != nil {
			overall = sc.Overall
		}
		cands = append(cands, cand{id, overall})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score < cands[j].score })
	n := evictCount
	if n > len(cands) {
		n = len(cands)
	}
	for _, c := range cands[:n] {
		delete(s.conns, c.id)
		go func(id string) {
			s.table.Delete(id)
			s.store.RecordDisconnection(id, 0, "evicted")
			s.feed.Send(PeerEvent{Type: PeerDisconnected, ID: id})
		}(c.id)
	}
	s.log.Debug("Evicted low-score connections", "count", n)
}

// refreshPeers disconnects stale connections and, when the table runs low,
// tops it up with a random-walk discovery round.
func (s *Service) refreshPeers() {
	now := s.clock.Now()
	staleAfter := mclock.AbsTime(s.cfg.StaleTimeout)

	var stale []string
	s.mu.Lock()
	for id, c := range s.conns {
		switch c.state {
		case StateConnected:
			if now-c.lastActivity > staleAfter {
				c.state = StateStale
				stale = append(stale, id)
			}
		case StateStale:
			stale = append(stale, id)
		}
	}
	live := s.liveLocked()
	s.mu.Unlock()

	for _, id := range stale {
		s.Disconnect(id, "stale")
	}
	if live-len(stale) < s.cfg.MinConnections {
		s.randomWalk()
	}
}

// randomWalk looks up a random key and harvests the peer lists of the
// closest known peers.
func (s *Service) randomWalk() {
	var buf [32]byte
	crand.Read(buf[:])
	target := "walk:" + hex.EncodeToString(buf[:])

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	s.Get(ctx, target) // warms caches along the path; miss expected
	cancel()

	closest := s.table.Closest(RecordKey(target), bucketSize)
	var wg sync.WaitGroup
	for _, id := range closest {
		p := s.store.Get(id)
		if p == nil || p.Endpoint() == "" {
			continue
		}
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			defer cancel()
			found, err := s.transport.Peers(ctx, endpoint, walkPeerLimit)
			if err != nil {
				return
			}
			for _, np := range found {
				if np.ID == s.self || s.store.Has(np.ID) {
					continue
				}
				s.store.Add(np)
				cctx, ccancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
				s.Connect(cctx, np)
				ccancel()
			}
		}(p.Endpoint())
	}
	wg.Wait()
}

// pingAllPeers measures round-trip latency of every live connection. A
// failed ping disconnects the peer.
func (s *Service) pingAllPeers() {
	ids := s.ConnectedIDs()

	var wg sync.WaitGroup
	for _, id := range ids {
		p := s.store.Get(id)
		if p == nil || p.Endpoint() == "" {
			s.Disconnect(id, "no endpoint")
			continue
		}
		wg.Add(1)
		go func(id, endpoint string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			rtt, err := s.transport.Ping(ctx, endpoint)
			cancel()
			if err != nil {
				s.Disconnect(id, "ping failed")
				return
			}
			now := s.clock.Now()
			s.mu.Lock()
			if c, ok := s.conns[id]; ok {
				c.state = StateConnected
				c.lastActivity = now
			}
			s.mu.Unlock()
			lat := float64(rtt.Milliseconds())
			s.store.UpdateScore(id, peerstore.ScoreUpdate{LatencyMs: &lat})
		}(id, p.Endpoint())
	}
	wg.Wait()
}

// Touch refreshes a peer's activity timestamp, e.g. on inbound traffic.
func (s *Service) Touch(id string) {
	now := s.clock.Now()
	s.mu.Lock()
	if c, ok := s.conns[id]; ok {
		c.lastActivity = now
		if c.state == StateStale {
			c.state = StateConnected
		}
	}
	s.mu.Unlock()
}

// Put stores the record locally and replicates it to the closest live
// peers.
func (s *Service) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rec := &Record{
		Key:       key,
		Value:     value,
		Publisher: s.self,
		Timestamp: s.clock.Now().UnixMilli(),
		TTL:       ttl.Milliseconds(),
	}
	return s.PutRecord(ctx, rec)
}

// PutRecord replicates an existing record; used both for local publishes
// and for records relayed on behalf of other publishers.
func (s *Service) PutRecord(ctx context.Context, rec *Record) error {
	if rec.Expired(s.clock.Now().UnixMilli()) {
		return errValueTooOld
	}
	s.records.put(rec)

	targets := s.closestLive(RecordKey(rec.Key), replication)
	var wg sync.WaitGroup
	for _, endpoint := range targets {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
			if err := s.transport.DHTPut(pctx, endpoint, rec); err != nil {
				s.log.Trace("DHT replication failed", "key", rec.Key, "endpoint", endpoint, "err", err)
			}
		}(endpoint)
	}
	wg.Wait()
	return nil
}

// StoreRecord stores a record received from a remote publisher without
// re-replicating it.
func (s *Service) StoreRecord(rec *Record) error {
	if rec.Key == "" || rec.Expired(s.clock.Now().UnixMilli()) {
		return errValueTooOld
	}
	s.records.put(rec)
	return nil
}

// LocalRecord returns the unexpired local copy of a record, without
// querying the network. Remote lookups are served from this to keep
// cross-node queries from recursing.
func (s *Service) LocalRecord(key string) *Record {
	return s.records.get(key)
}

// Get returns the record under key. A local unexpired copy wins; otherwise
// the closest live peers are queried and the first unexpired response is
// cached and returned.
func (s *Service) Get(ctx context.Context, key string) (*Record, error) {
	if rec := s.records.get(key); rec != nil {
		return rec, nil
	}

	targets := s.closestLive(RecordKey(key), alpha)
	if len(targets) == 0 {
		return nil, ErrNotFound
	}

	results := make(chan *Record, len(targets))
	var wg sync.WaitGroup
	for _, endpoint := range targets {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
			rec, err := s.transport.DHTGet(qctx, endpoint, key)
			if err != nil || rec == nil {
				return
			}
			if !rec.Expired(s.clock.Now().UnixMilli()) {
				results <- rec
			}
		}(endpoint)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for rec := range results {
		s.records.put(rec)
		return rec, nil
	}
	return nil, ErrNotFound
}

// AnnounceNode publishes the node's self record into the DHT. Repeated
// calls refresh the record's timestamp.
func (s *Service) AnnounceNode(ctx context.Context) error {
	info := s.LocalInfo()
	value, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.Put(ctx, "node:"+s.self, value, s.cfg.AnnounceTTL)
}

// closestLive returns the endpoints of up to n live peers closest to
// target.
func (s *Service) closestLive(target common.Hash, n int) []string {
	ids := s.table.Closest(target, s.table.Len())
	live := make([]string, 0, n)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		c, ok := s.conns[id]
		if !ok || c.state != StateConnected {
			continue
		}
		p := s.store.Get(id)
		if p == nil {
			continue
		}
		if ep := p.Endpoint(); ep != "" {
			live = append(live, ep)
			if len(live) == n {
				break
			}
		}
	}
	return live
}

// BestPeer picks the highest-ranked provider of a service. Peers in the
// preferred region win over out-of-region peers when any exist; within a
// group the rank is score - latency/10 + whole-token stake.
func (s *Service) BestPeer(service, preferredRegion string) *peerstore.Peer {
	var candidates []*peerstore.Peer
	for _, p := range s.store.All() {
		if p.Services == nil || !p.Services.Contains(service) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}
	if preferredRegion != "" {
		var regional []*peerstore.Peer
		for _, p := range candidates {
			if p.Region == preferredRegion {
				regional = append(regional, p)
			}
		}
		if len(regional) > 0 {
			candidates = regional
		}
	}

	var best *peerstore.Peer
	bestRank := 0.0
	for _, p := range candidates {
		sc := s.store.GetScore(p.ID)
		if sc == nil {
			continue
		}
		tokens := new(uint256.Int).Div(sc.Stake, weiPerToken)
		rank := sc.Overall - sc.Latency/10 + float64(tokens.Uint64())
		if best == nil || rank > bestRank {
			best, bestRank = p, rank
		}
	}
	return best
}

// Table exposes the routing table, mainly for the HTTP surface and tests.
func (s *Service) RoutingTable() *Table { return s.table }

// RecordCount returns the size of the local DHT slice.
func (s *Service) RecordCount() int { return s.records.len() }
