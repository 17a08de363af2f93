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

// Package p2p assembles the overlay node: peer store, bootstrap, discovery
// and gossip, wired over an HTTP transport, plus the HTTP API surface other
// nodes and operators talk to.
package p2p

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/log"
	"github.com/jeju-network/dws/p2p/bootstrap"
	"github.com/jeju-network/dws/p2p/discover"
	"github.com/jeju-network/dws/p2p/gossip"
	"github.com/jeju-network/dws/p2p/peerstore"
)

// Config assembles the sub-service configurations of one node.
type Config struct {
	NodeID     string
	ListenAddr string // host:port of the HTTP surface
	Endpoint   string // advertised base URL of this node

	Services []string
	Region   string
	AgentID  string

	DataDir string // peer snapshot location; empty disables persistence

	Bootstrap bootstrap.Config
	Discovery discover.Config
	Gossip    gossip.Config
}

// Service is one running overlay node.
type Service struct {
	cfg   Config
	clock mclock.Clock
	log   log.Logger

	Store     *peerstore.Store
	Bootstrap *bootstrap.Manager
	Discovery *discover.Service
	Gossip    *gossip.Service

	transport *httpTransport
	metrics   *metrics
	server    *http.Server
	listener  net.Listener
	started   mclock.AbsTime

	quit chan struct{}
}

// New wires the overlay node together. Nothing is started yet.
func New(cfg Config, clock mclock.Clock) *Service {
	if clock == nil {
		clock = mclock.System{}
	}
	s := &Service{
		cfg:     cfg,
		clock:   clock,
		log:     log.New("component", "p2p"),
		metrics: newMetrics(),
		quit:    make(chan struct{}),
	}

	snapshotPath := ""
	if cfg.DataDir != "" {
		snapshotPath = cfg.DataDir + "/peers.json"
	}
	s.Store = peerstore.New(snapshotPath, clock)

	dcfg := cfg.Discovery
	dcfg.NodeID = cfg.NodeID
	dcfg.Services = cfg.Services
	dcfg.Region = cfg.Region
	dcfg.AgentID = cfg.AgentID
	dcfg.Endpoint = cfg.Endpoint

	s.transport = newHTTPTransport(discover.DerivePeerID(cfg.NodeID), s.endpointOf)
	s.Discovery = discover.New(dcfg, s.Store, s.transport, clock)
	s.Bootstrap = bootstrap.New(cfg.Bootstrap, s.Store, s.transport, clock)

	gcfg := cfg.Gossip
	gcfg.Self = s.Discovery.Self()
	s.Gossip = gossip.New(gcfg, s.Discovery.ConnectedIDs, clock)
	s.Gossip.SetSender(s.transport)
	return s
}

// endpointOf resolves a peer id to its HTTP base URL via the peer store.
func (s *Service) endpointOf(peerID string) string {
	if p := s.Store.Get(peerID); p != nil {
		return p.Endpoint()
	}
	return ""
}

// Self returns the local peer id.
func (s *Service) Self() string { return s.Discovery.Self() }

// Start brings up the HTTP surface and all sub-services, dials the healthy
// bootstrap seeds and announces the node into the DHT.
func (s *Service) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server failed", "err", err)
		}
	}()
	s.started = s.clock.Now()

	s.Store.Start()
	s.Bootstrap.Start()
	s.Discovery.Start()
	s.Gossip.Start()

	go s.dialSeeds()
	s.log.Info("P2P node up", "peer", s.Self(), "addr", ln.Addr())
	return nil
}

// dialSeeds connects the discovery layer to the current healthy bootstrap
// peers and publishes the self record.
func (s *Service) dialSeeds() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, p := range s.Bootstrap.Healthy() {
		select {
		case <-s.quit:
			return
		default:
		}
		if err := s.Discovery.Connect(ctx, p); err != nil {
			s.log.Debug("Seed dial failed", "peer", p.ID, "err", err)
		}
	}
	if err := s.Discovery.AnnounceNode(ctx); err != nil {
		s.log.Warn("Node announcement failed", "err", err)
	}
	s.metrics.peersConnected.Set(float64(s.Discovery.ConnCount()))
}

// Stop shuts everything down in reverse start order. The peer store saves a
// final snapshot.
func (s *Service) Stop() error {
	close(s.quit)
	s.Gossip.Stop()
	s.Discovery.Stop()
	s.Bootstrap.Stop()
	if err := s.Store.Stop(); err != nil {
		s.log.Warn("Peer store shutdown failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound listen address, useful when ListenAddr used port 0.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
