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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/p2p/discover"
	"github.com/jeju-network/dws/p2p/gossip"
	"github.com/jeju-network/dws/p2p/peerstore"
)

func newTestNode(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	svc := New(Config{
		NodeID:   "test-node",
		Services: []string{"compute"},
		Region:   "eu-west",
	}, new(mclock.Simulated))
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestPingHandler(t *testing.T) {
	svc, srv := newTestNode(t)

	resp := postJSON(t, srv.URL+"/p2p/ping", pingRequest{From: "QmCaller"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pong pingResponse
	decodeBody(t, resp, &pong)
	require.True(t, pong.Pong)
	require.Equal(t, "QmCaller", pong.From)
	require.Equal(t, svc.Self(), pong.Peer)

	// GET is rejected.
	get, err := http.Get(srv.URL + "/p2p/ping")
	require.NoError(t, err)
	get.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestInfoHandler(t *testing.T) {
	svc, srv := newTestNode(t)

	resp, err := http.Get(srv.URL + "/p2p/info")
	require.NoError(t, err)
	var info discover.NodeInfo
	decodeBody(t, resp, &info)
	require.Equal(t, svc.Self(), info.PeerID)
	require.Equal(t, "test-node", info.NodeID)
	require.Contains(t, info.Services, "compute")
	require.Equal(t, "eu-west", info.Region)
}

func TestPeersHandler(t *testing.T) {
	svc, srv := newTestNode(t)
	for _, id := range []string{"QmA", "QmB"} {
		svc.Store.Add(&peerstore.Peer{
			ID:       id,
			NodeID:   "node-" + id,
			Services: mapset.NewSet("inference"),
			Meta:     map[string]string{"endpoint": "http://host/" + id},
		})
	}
	svc.Store.Add(&peerstore.Peer{ID: "QmC", Services: mapset.NewSet("storage")})

	resp, err := http.Get(srv.URL + "/p2p/peers?limit=10&service=inference")
	require.NoError(t, err)
	var entries []peerEntry
	decodeBody(t, resp, &entries)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Contains(t, e.Services, "inference")
		require.NotZero(t, e.Score)
	}

	bad, err := http.Get(srv.URL + "/p2p/peers?limit=nope")
	require.NoError(t, err)
	bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestDHTHandlers(t *testing.T) {
	svc, srv := newTestNode(t)

	rec := discover.Record{
		Key:       "svc:db",
		Value:     []byte("addr"),
		Publisher: "QmPublisher",
		Timestamp: svc.clock.Now().UnixMilli(),
		TTL:       time.Minute.Milliseconds(),
	}
	resp := postJSON(t, srv.URL+"/p2p/dht/put", rec)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	got, err := http.Get(srv.URL + "/p2p/dht/get?key=svc:db")
	require.NoError(t, err)
	var out discover.Record
	decodeBody(t, got, &out)
	require.Equal(t, rec.Key, out.Key)
	require.Equal(t, rec.Value, out.Value)
	require.Equal(t, rec.Publisher, out.Publisher)

	miss, err := http.Get(srv.URL + "/p2p/dht/get?key=unknown")
	require.NoError(t, err)
	miss.Body.Close()
	require.Equal(t, http.StatusNotFound, miss.StatusCode)

	// Expired records are rejected at the door.
	stale := rec
	stale.Key = "stale"
	stale.Timestamp -= 10 * time.Minute.Milliseconds()
	resp = postJSON(t, srv.URL+"/p2p/dht/put", stale)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGossipHandlerMessage(t *testing.T) {
	svc, srv := newTestNode(t)
	delivered := make(chan *gossip.Message, 1)
	svc.Gossip.Subscribe("jobs", func(m *gossip.Message) { delivered <- m })

	ts := time.Now().UnixMilli()
	msg := gossip.Message{
		Topic:     "jobs",
		From:      "QmRemote",
		Seqno:     1,
		Data:      []byte("work"),
		Timestamp: ts,
	}
	msg.ID = gossip.MessageID(msg.From, msg.Seqno, ts)

	resp := postJSON(t, srv.URL+"/p2p/gossip", msg)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case m := <-delivered:
		require.Equal(t, []byte("work"), m.Data)
	default:
		t.Fatal("message not delivered")
	}

	// Malformed envelopes come back 400.
	msg.ID = "bogus"
	resp = postJSON(t, srv.URL+"/p2p/gossip", msg)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGossipHandlerControl(t *testing.T) {
	svc, srv := newTestNode(t)

	ctrl, err := json.Marshal(gossip.Control{Type: gossip.CtrlGraft, Topic: "jobs"})
	require.NoError(t, err)
	ts := time.Now().UnixMilli()
	env := gossip.Message{
		Topic:     gossip.ControlTopic,
		From:      "QmRemote",
		Data:      ctrl,
		Timestamp: ts,
	}
	env.ID = gossip.MessageID(env.From, 0, ts)

	resp := postJSON(t, srv.URL+"/p2p/gossip", env)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, svc.Gossip.MeshPeers("jobs"), "QmRemote")
}

func TestHealthAndStats(t *testing.T) {
	svc, srv := newTestNode(t)
	svc.Store.Add(&peerstore.Peer{ID: "QmA"})

	resp, err := http.Get(srv.URL + "/p2p/health")
	require.NoError(t, err)
	var health map[string]interface{}
	decodeBody(t, resp, &health)
	require.Equal(t, "ok", health["status"])

	resp, err = http.Get(srv.URL + "/p2p/stats")
	require.NoError(t, err)
	var stats map[string]interface{}
	decodeBody(t, resp, &stats)
	require.EqualValues(t, 1, stats["peers"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestNode(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestTransportAgainstAPI drives the HTTP transport against a live handler,
// covering both sides of the wire protocol.
func TestTransportAgainstAPI(t *testing.T) {
	svc, srv := newTestNode(t)
	tr := newHTTPTransport("QmCaller", func(string) string { return srv.URL })

	rtt, err := tr.Ping(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))

	info, err := tr.Info(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, svc.Self(), info.PeerID)

	rec := &discover.Record{
		Key:       "k",
		Value:     []byte("v"),
		Publisher: "QmCaller",
		Timestamp: time.Now().UnixMilli(),
		TTL:       time.Minute.Milliseconds(),
	}
	require.NoError(t, tr.DHTPut(context.Background(), srv.URL, rec))
	got, err := tr.DHTGet(context.Background(), srv.URL, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got.Value)

	_, err = tr.DHTGet(context.Background(), srv.URL, "missing")
	require.Error(t, err)

	// Gossip send resolves the peer id through the resolver.
	delivered := make(chan struct{}, 1)
	svc.Gossip.Subscribe("jobs", func(*gossip.Message) { delivered <- struct{}{} })
	ts := time.Now().UnixMilli()
	msg := &gossip.Message{Topic: "jobs", From: "QmCaller", Seqno: 9, Data: []byte("x"), Timestamp: ts}
	msg.ID = gossip.MessageID(msg.From, msg.Seqno, ts)
	require.NoError(t, tr.SendMessage(context.Background(), svc.Self(), msg))
	select {
	case <-delivered:
	default:
		t.Fatal("gossip not delivered via transport")
	}

	unknown := newHTTPTransport("QmCaller", func(string) string { return "" })
	err = unknown.SendMessage(context.Background(), "QmNobody", msg)
	require.True(t, errors.Is(err, errPeerUnknown))
}

func TestSendControlEnvelopesDistinct(t *testing.T) {
	var (
		mu  sync.Mutex
		got []gossip.Message
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg gossip.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}))
	defer srv.Close()

	tr := newHTTPTransport("QmCaller", func(string) string { return srv.URL })
	ctrl := &gossip.Control{Type: gossip.CtrlGraft, Topic: "jobs"}
	require.NoError(t, tr.SendControl(context.Background(), "QmPeer", ctrl))
	require.NoError(t, tr.SendControl(context.Background(), "QmPeer", ctrl))

	// Back-to-back controls land in the same millisecond; the seqno alone
	// must keep their envelope ids apart.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.NotEqual(t, got[0].Seqno, got[1].Seqno)
	require.NotEqual(t, got[0].ID, got[1].ID)
}
