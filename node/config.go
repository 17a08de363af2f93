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
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Networks the node can join.
const (
	NetworkLocalnet = "localnet"
	NetworkTestnet  = "testnet"
	NetworkMainnet  = "mainnet"
)

// Environment variables consumed by the node.
const (
	envNetwork    = "JEJU_NETWORK"
	envSalt       = "HARDWARE_ID_SALT"
	envMeshCACert = "DWS_MESH_CA_CERT"
	envMeshCAKey  = "DWS_MESH_CA_KEY"
)

// P2PConfig is the [p2p] section.
type P2PConfig struct {
	ListenAddr  string   `toml:"listen"`
	Endpoint    string   `toml:"endpoint"`
	Services    []string `toml:"services"`
	Region      string   `toml:"region"`
	AgentID     string   `toml:"agent-id"`
	Seeds       []string `toml:"seeds"`
	DNSSeeds    []string `toml:"dns-seeds"`
	DoHEndpoint string   `toml:"doh-endpoint"`
	IPFSGateway string   `toml:"ipfs-gateway"`
}

// IngressConfig is the [ingress] section.
type IngressConfig struct {
	ListenAddr string `toml:"listen"`
}

// Config is the full node configuration. Environment variables override
// the file for the fields they cover.
type Config struct {
	NodeID  string `toml:"node-id"`
	Network string `toml:"network"`
	DataDir string `toml:"datadir"`

	P2P     P2PConfig     `toml:"p2p"`
	Ingress IngressConfig `toml:"ingress"`

	// Populated from the environment, never from the file.
	HardwareSalt  string `toml:"-"`
	MeshCACertPEM []byte `toml:"-"`
	MeshCAKeyPEM  []byte `toml:"-"`
}

// DefaultConfig returns the localnet baseline.
func DefaultConfig() Config {
	return Config{
		Network: NetworkLocalnet,
		P2P: P2PConfig{
			ListenAddr: "0.0.0.0:9000",
		},
	}
}

// LoadConfig reads a TOML file over the defaults and applies the
// environment. An empty path skips the file. Validation is left to the
// caller so flags can still fill missing fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
		}
	}
	return cfg, cfg.applyEnv()
}

// applyEnv folds the environment into the config. CA values may be either
// inline PEM or a path to a PEM file.
func (c *Config) applyEnv() error {
	if v := os.Getenv(envNetwork); v != "" {
		c.Network = v
	}
	if v := os.Getenv(envSalt); v != "" {
		c.HardwareSalt = v
	}
	var err error
	if c.MeshCACertPEM, err = pemFromEnv(envMeshCACert); err != nil {
		return err
	}
	if c.MeshCAKeyPEM, err = pemFromEnv(envMeshCAKey); err != nil {
		return err
	}
	return nil
}

func pemFromEnv(key string) ([]byte, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "-----BEGIN") {
		return []byte(v), nil
	}
	data, err := os.ReadFile(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return data, nil
}

// Validate enforces the startup invariants. A mainnet node without a
// well-formed hardware salt must not come up.
func (c *Config) Validate() error {
	switch c.Network {
	case NetworkLocalnet, NetworkTestnet, NetworkMainnet:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.NodeID == "" {
		return errors.New("node-id is required")
	}
	if c.Network == NetworkMainnet {
		if c.HardwareSalt == "" {
			return fmt.Errorf("%s is required on mainnet", envSalt)
		}
		if err := checkSalt(c.HardwareSalt); err != nil {
			return fmt.Errorf("%s: %w", envSalt, err)
		}
	}
	return nil
}

// checkSalt requires a 32-byte hex value, 0x prefix optional.
func checkSalt(salt string) error {
	s := strings.TrimPrefix(salt, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return errors.New("not valid hex")
	}
	if len(raw) != 32 {
		return fmt.Errorf("want 32 bytes, have %d", len(raw))
	}
	return nil
}
