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

package p2p

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/jeju-network/dws/p2p/discover"
	"github.com/jeju-network/dws/p2p/gossip"
)

const maxBodySize = 2 << 20

// handler builds the HTTP API of the node.
func (s *Service) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/p2p/ping", s.handlePing)
	mux.HandleFunc("/p2p/info", s.handleInfo)
	mux.HandleFunc("/p2p/peers", s.handlePeers)
	mux.HandleFunc("/p2p/dht/get", s.handleDHTGet)
	mux.HandleFunc("/p2p/dht/put", s.handleDHTPut)
	mux.HandleFunc("/p2p/gossip", s.handleGossip)
	mux.HandleFunc("/p2p/bootstrap", s.handleBootstrap)
	mux.HandleFunc("/p2p/health", s.handleHealth)
	mux.HandleFunc("/p2p/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.apiRequests.WithLabelValues(r.URL.Path).Inc()
		mux.ServeHTTP(w, r)
	})
	return cors.AllowAll().Handler(counted)
}

func (s *Service) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.metrics.pingsReceived.Inc()
	if req.From != "" {
		s.Discovery.Touch(req.From)
	}
	writeJSON(w, pingResponse{
		Pong:      true,
		From:      req.From,
		Timestamp: s.clock.Now().UnixMilli(),
		Peer:      s.Self(),
	})
}

func (s *Service) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Discovery.LocalInfo())
}

func (s *Service) handlePeers(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	service := r.URL.Query().Get("service")

	peers := s.Store.TopPeers(limit, service)
	entries := make([]peerEntry, 0, len(peers))
	for _, p := range peers {
		e := peerEntry{
			PeerID:   p.ID,
			NodeID:   p.NodeID,
			Endpoint: p.Endpoint(),
			Services: p.Services.ToSlice(),
			Region:   p.Region,
		}
		if sc := s.Store.GetScore(p.ID); sc != nil {
			e.Latency = sc.Latency
			e.Score = sc.Overall
		}
		entries = append(entries, e)
	}
	writeJSON(w, entries)
}

func (s *Service) handleDHTGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	s.metrics.dhtGets.Inc()
	rec := s.Discovery.LocalRecord(key)
	if rec == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func (s *Service) handleDHTPut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rec discover.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&rec); err != nil {
		http.Error(w, "invalid record", http.StatusBadRequest)
		return
	}
	if err := s.Discovery.StoreRecord(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.metrics.dhtPuts.Inc()
	writeJSON(w, map[string]bool{"stored": true})
}

// handleGossip accepts an envelope and dispatches it: control verbs go to
// the mesh state machine, everything else through the dedup/forward path.
func (s *Service) handleGossip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg gossip.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&msg); err != nil {
		s.metrics.gossipInvalid.Inc()
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	s.Discovery.Touch(msg.From)

	if msg.Topic == gossip.ControlTopic {
		var ctrl gossip.Control
		if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
			s.metrics.gossipInvalid.Inc()
			http.Error(w, "invalid control", http.StatusBadRequest)
			return
		}
		s.Gossip.HandleControl(msg.From, &ctrl)
		writeJSON(w, map[string]bool{"ok": true})
		return
	}

	if err := s.Gossip.HandleMessage(msg.From, &msg); err != nil {
		s.metrics.gossipInvalid.Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.metrics.gossipReceived.Inc()
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Service) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	type bootEntry struct {
		PeerID    string  `json:"peerId"`
		Source    string  `json:"source"`
		Healthy   bool    `json:"healthy"`
		LatencyMs float64 `json:"latencyMs"`
	}
	peers := s.Bootstrap.Peers()
	entries := make([]bootEntry, 0, len(peers))
	for _, bp := range peers {
		entries = append(entries, bootEntry{
			PeerID:    bp.Peer.ID,
			Source:    bp.Source,
			Healthy:   bp.Healthy,
			LatencyMs: bp.LatencyMs,
		})
	}
	writeJSON(w, entries)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"peer":   s.Self(),
		"uptime": time.Duration(s.clock.Now() - s.started).String(),
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"peers":       s.Store.Len(),
		"connections": s.Discovery.ConnCount(),
		"records":     s.Discovery.RecordCount(),
		"bootstrap":   s.Bootstrap.Len(),
		"history":     len(s.Store.History()),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
