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

package node

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/jeju-network/dws/ingress"
	"github.com/jeju-network/dws/log"
	"github.com/jeju-network/dws/p2p"
)

// peerDispatcher forwards matched ingress requests to the best overlay
// peer advertising the backend target as a service. It is the default
// when no platform dispatcher is injected.
type peerDispatcher struct {
	p2p *p2p.Service
	log log.Logger
}

func newPeerDispatcher(svc *p2p.Service) *peerDispatcher {
	return &peerDispatcher{p2p: svc, log: log.New("component", "dispatcher")}
}

func (d *peerDispatcher) Forward(ctx context.Context, backend *ingress.Backend, path string, w http.ResponseWriter, r *http.Request) error {
	switch backend.Type {
	case ingress.BackendWorker, ingress.BackendContainer, ingress.BackendService:
	default:
		return fmt.Errorf("unsupported backend type %q", backend.Type)
	}
	peer := d.p2p.Discovery.BestPeer(backend.Target, "")
	if peer == nil {
		return fmt.Errorf("no peer serves %q", backend.Target)
	}
	endpoint := peer.Endpoint()
	if endpoint == "" {
		return fmt.Errorf("peer %s has no endpoint", peer.ID)
	}
	target, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("peer %s endpoint: %w", peer.ID, err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		d.log.Warn("Upstream proxy failed", "peer", peer.ID, "err", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	out := r.Clone(ctx)
	out.URL.Path = path
	proxy.ServeHTTP(w, out)
	return nil
}
