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

// Package node assembles a dws node from its subsystems: overlay, service
// mesh, ingress, autoscaler and proof-of-cloud verifier, with one
// lifecycle in dependency order.
package node

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/ingress"
	"github.com/jeju-network/dws/log"
	"github.com/jeju-network/dws/mesh"
	"github.com/jeju-network/dws/p2p"
	"github.com/jeju-network/dws/p2p/bootstrap"
	"github.com/jeju-network/dws/poc"
	"github.com/jeju-network/dws/scale"
)

// Dependencies are the external collaborators injected at startup. All of
// them are optional; absent ones disable the feature they power.
type Dependencies struct {
	QuoteParser      poc.QuoteParser
	HardwareRegistry poc.HardwareRegistry
	AgentRegistry    bootstrap.Registry
	Dispatcher       ingress.Dispatcher
	RateStore        ingress.CounterStore
	ScaleCallback    scale.ScaleCallback
	NodeCallback     scale.NodeCallback
}

// Node is the assembled process.
type Node struct {
	cfg   Config
	clock mclock.Clock
	log   log.Logger

	P2P        *p2p.Service
	Mesh       *mesh.Mesh
	Ingress    *ingress.Controller
	Autoscaler *scale.Autoscaler
	Verifier   *poc.Verifier

	ingressSrv *http.Server
	ingressLn  net.Listener

	mu      sync.Mutex
	started bool
}

// New builds the node. Construction validates the config and the mesh CA;
// nothing is started.
func New(cfg Config, deps Dependencies, clock mclock.Clock) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = mclock.System{}
	}
	n := &Node{
		cfg:   cfg,
		clock: clock,
		log:   log.New("node", cfg.NodeID),
	}

	n.P2P = p2p.New(p2p.Config{
		NodeID:     cfg.NodeID,
		ListenAddr: cfg.P2P.ListenAddr,
		Endpoint:   cfg.P2P.Endpoint,
		Services:   cfg.P2P.Services,
		Region:     cfg.P2P.Region,
		AgentID:    cfg.P2P.AgentID,
		DataDir:    cfg.DataDir,
		Bootstrap: bootstrap.Config{
			Seeds:       cfg.P2P.Seeds,
			DNSSeeds:    cfg.P2P.DNSSeeds,
			DoHEndpoint: cfg.P2P.DoHEndpoint,
			Registry:    deps.AgentRegistry,
			IPFSGateway: cfg.P2P.IPFSGateway,
		},
	}, clock)

	var err error
	n.Mesh, err = mesh.New(mesh.Config{
		CACertPEM: cfg.MeshCACertPEM,
		CAKeyPEM:  cfg.MeshCAKeyPEM,
	}, clock)
	if err != nil {
		return nil, err
	}

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = newPeerDispatcher(n.P2P)
	}
	n.Ingress = ingress.New(ingress.Config{
		Dispatcher: dispatcher,
		RateStore:  deps.RateStore,
	}, clock)

	n.Autoscaler = scale.New(scale.Config{
		ScaleCallback: deps.ScaleCallback,
		NodeCallback:  deps.NodeCallback,
	}, clock)

	if deps.QuoteParser != nil && deps.HardwareRegistry != nil {
		n.Verifier = poc.New(poc.Config{
			Parser:     deps.QuoteParser,
			Registry:   deps.HardwareRegistry,
			Salt:       cfg.HardwareSalt,
			Reputation: n.applyReputation,
		}, clock)
	}
	return n, nil
}

// applyReputation maps a verification delta onto the peer store entry of
// the agent that owns the verified node.
func (n *Node) applyReputation(agentID string, delta float64) {
	for _, p := range n.P2P.Store.All() {
		if p.AgentID != nil && p.AgentID.Dec() == agentID {
			n.P2P.Store.AddReputation(p.ID, delta)
			return
		}
	}
	n.log.Debug("No peer for verified agent", "agent", agentID, "delta", delta)
}

// Start brings the subsystems up in dependency order.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}

	if err := n.P2P.Start(); err != nil {
		return fmt.Errorf("p2p: %w", err)
	}
	n.Autoscaler.Start()
	if n.cfg.Ingress.ListenAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.Ingress.ListenAddr)
		if err != nil {
			n.stopStartedLocked()
			return fmt.Errorf("ingress: %w", err)
		}
		n.ingressLn = ln
		n.ingressSrv = &http.Server{
			Handler:           n.Ingress,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := n.ingressSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				n.log.Error("Ingress server failed", "err", err)
			}
		}()
	}

	n.started = true
	n.log.Info("Node started", "network", n.cfg.Network, "p2p", n.P2P.Addr(), "ingress", n.IngressAddr())
	return nil
}

// Stop shuts down in reverse order.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	n.started = false
	return n.stopStartedLocked()
}

func (n *Node) stopStartedLocked() error {
	var firstErr error
	if n.ingressSrv != nil {
		if err := n.ingressSrv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.ingressSrv = nil
		n.ingressLn = nil
	}
	n.Autoscaler.Stop()
	if err := n.P2P.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// IngressAddr returns the bound ingress listen address.
func (n *Node) IngressAddr() string {
	if n.ingressLn == nil {
		return ""
	}
	return n.ingressLn.Addr().String()
}
