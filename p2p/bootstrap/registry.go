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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

const (
	defaultIPFSGateway = "https://ipfs.io/ipfs/"
	metadataTimeout    = 10 * time.Second
	maxMetadataSize    = 1 << 20
)

// RegistryAgent is one entry of the on-chain agent registry.
type RegistryAgent struct {
	AgentID     *uint256.Int
	MetadataURI string
}

// Registry reads agent listings from the chain. Implementations wrap the
// actual contract binding; tests use fakes.
type Registry interface {
	AgentsByType(ctx context.Context, agentType string) ([]RegistryAgent, error)
}

// agentMetadata is the off-chain blob an agent publishes about itself.
// Single and plural multiaddr fields both occur in the wild.
type agentMetadata struct {
	NodeID     string   `json:"nodeId"`
	Multiaddr  string   `json:"multiaddr"`
	Multiaddrs []string `json:"multiaddrs"`
	Services   []string `json:"services"`
	Region     string   `json:"region"`
	Endpoint   string   `json:"endpoint"`
}

func (m *agentMetadata) addrs() []string {
	if m.Multiaddr != "" {
		return append([]string{m.Multiaddr}, m.Multiaddrs...)
	}
	return m.Multiaddrs
}

// metadataFetcher loads agent metadata blobs, rewriting ipfs:// URIs to the
// configured gateway.
type metadataFetcher struct {
	gateway string
	client  *http.Client
}

func newMetadataFetcher(gateway string) *metadataFetcher {
	if gateway == "" {
		gateway = defaultIPFSGateway
	}
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	return &metadataFetcher{
		gateway: gateway,
		client:  &http.Client{Timeout: metadataTimeout},
	}
}

func (f *metadataFetcher) fetch(ctx context.Context, uri string) (*agentMetadata, error) {
	url := uri
	if cid, ok := strings.CutPrefix(uri, "ipfs://"); ok {
		url = f.gateway + cid
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata fetch failed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, err
	}
	var meta agentMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("invalid agent metadata: %w", err)
	}
	return &meta, nil
}
