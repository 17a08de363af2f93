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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are scoped to one service instance so tests can run several nodes
// in a process without duplicate registration.
type metrics struct {
	registry *prometheus.Registry

	pingsReceived   prometheus.Counter
	gossipReceived  prometheus.Counter
	gossipInvalid   prometheus.Counter
	dhtPuts         prometheus.Counter
	dhtGets         prometheus.Counter
	peersConnected  prometheus.Gauge
	apiRequests     *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		pingsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "dws_p2p_pings_received_total",
			Help: "Inbound ping requests handled.",
		}),
		gossipReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "dws_p2p_gossip_received_total",
			Help: "Gossip envelopes accepted on the HTTP surface.",
		}),
		gossipInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "dws_p2p_gossip_invalid_total",
			Help: "Gossip envelopes rejected as malformed.",
		}),
		dhtPuts: factory.NewCounter(prometheus.CounterOpts{
			Name: "dws_p2p_dht_puts_total",
			Help: "DHT records stored on behalf of remote publishers.",
		}),
		dhtGets: factory.NewCounter(prometheus.CounterOpts{
			Name: "dws_p2p_dht_gets_total",
			Help: "DHT lookups served from the local record store.",
		}),
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dws_p2p_peers_connected",
			Help: "Current number of live overlay connections.",
		}),
		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dws_p2p_api_requests_total",
			Help: "HTTP API requests by path.",
		}, []string{"path"}),
	}
}
