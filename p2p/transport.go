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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/jeju-network/dws/p2p/discover"
	"github.com/jeju-network/dws/p2p/gossip"
	"github.com/jeju-network/dws/p2p/peerstore"
)

const maxResponseSize = 4 << 20

var errPeerUnknown = errors.New("peer endpoint unknown")

// httpTransport speaks the overlay HTTP protocol to remote peers. It
// implements discover.Transport (endpoint-addressed) and gossip.Sender
// (peer-id addressed, resolved through the peer store).
type httpTransport struct {
	self    string
	client  *http.Client
	resolve func(peerID string) string
	seqno   atomic.Uint64 // control envelope sequence
}

func newHTTPTransport(self string, resolve func(string) string) *httpTransport {
	return &httpTransport{
		self:    self,
		client:  &http.Client{Timeout: 10 * time.Second},
		resolve: resolve,
	}
}

type pingRequest struct {
	From string `json:"from"`
}

type pingResponse struct {
	Pong      bool   `json:"pong"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
	Peer      string `json:"peer"`
}

// peerEntry is one row of the /p2p/peers listing.
type peerEntry struct {
	PeerID   string   `json:"peerId"`
	NodeID   string   `json:"nodeId"`
	Endpoint string   `json:"endpoint"`
	Services []string `json:"services"`
	Region   string   `json:"region,omitempty"`
	Latency  float64  `json:"latency"`
	Score    float64  `json:"score"`
}

func (t *httpTransport) Ping(ctx context.Context, endpoint string) (time.Duration, error) {
	start := time.Now()
	var resp pingResponse
	err := t.post(ctx, endpoint+"/p2p/ping", pingRequest{From: t.self}, &resp)
	if err != nil {
		return 0, err
	}
	if !resp.Pong {
		return 0, errors.New("malformed pong")
	}
	return time.Since(start), nil
}

func (t *httpTransport) Info(ctx context.Context, endpoint string) (*discover.NodeInfo, error) {
	var info discover.NodeInfo
	if err := t.get(ctx, endpoint+"/p2p/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (t *httpTransport) Peers(ctx context.Context, endpoint string, limit int) ([]*peerstore.Peer, error) {
	var entries []peerEntry
	url := endpoint + "/p2p/peers?limit=" + strconv.Itoa(limit)
	if err := t.get(ctx, url, &entries); err != nil {
		return nil, err
	}
	peers := make([]*peerstore.Peer, 0, len(entries))
	for _, e := range entries {
		if e.PeerID == "" {
			continue
		}
		p := &peerstore.Peer{
			ID:       e.PeerID,
			NodeID:   e.NodeID,
			Services: mapset.NewSet(e.Services...),
			Region:   e.Region,
			Meta:     make(map[string]string),
		}
		if e.Endpoint != "" {
			p.Meta["endpoint"] = e.Endpoint
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func (t *httpTransport) DHTPut(ctx context.Context, endpoint string, rec *discover.Record) error {
	return t.post(ctx, endpoint+"/p2p/dht/put", rec, nil)
}

func (t *httpTransport) DHTGet(ctx context.Context, endpoint string, key string) (*discover.Record, error) {
	var rec discover.Record
	u := endpoint + "/p2p/dht/get?key=" + url.QueryEscape(key)
	if err := t.get(ctx, u, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SendMessage delivers a gossip envelope to a peer by id.
func (t *httpTransport) SendMessage(ctx context.Context, peerID string, msg *gossip.Message) error {
	endpoint := t.resolve(peerID)
	if endpoint == "" {
		return errPeerUnknown
	}
	return t.post(ctx, endpoint+"/p2p/gossip", msg, nil)
}

// SendControl wraps a control verb into an envelope on the control topic.
func (t *httpTransport) SendControl(ctx context.Context, peerID string, ctrl *gossip.Control) error {
	data, err := json.Marshal(ctrl)
	if err != nil {
		return err
	}
	ts := time.Now().UnixMilli()
	msg := &gossip.Message{
		Topic:     gossip.ControlTopic,
		From:      t.self,
		Seqno:     t.seqno.Add(1),
		Data:      data,
		Timestamp: ts,
	}
	msg.ID = gossip.MessageID(msg.From, msg.Seqno, ts)
	return t.SendMessage(ctx, peerID, msg)
}

func (t *httpTransport) post(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, out)
}

func (t *httpTransport) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return t.do(req, out)
}

func (t *httpTransport) do(req *http.Request, out interface{}) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
