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

// Package mesh provides workload identity and mutual TLS for in-cluster
// services: deterministic service ids, access policies with priority
// ordering, and certificate issuance against a process-local CA.
package mesh

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/crypto"
	"github.com/jeju-network/dws/log"
)

// serviceIDLen is the length of the hex-truncated identity hash.
const serviceIDLen = 18

var (
	ErrServiceExists   = errors.New("service already registered")
	ErrServiceNotFound = errors.New("service not found")
	ErrPolicyNotFound  = errors.New("access policy not found")
)

// Identity is one registered workload.
type Identity struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Namespace string   `json:"namespace"`
	Owner     string   `json:"owner,omitempty"`
	PublicKey string   `json:"publicKey,omitempty"`
	Endpoints []string `json:"endpoints,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// ServiceID derives the deterministic identity hash for a service.
func ServiceID(namespace, name string) string {
	sum := crypto.Keccak256([]byte(namespace + "/" + name))
	return hex.EncodeToString(sum)[:serviceIDLen]
}

// Selector matches a set of services. Empty fields are wildcards; Tags
// requires every listed tag to be present.
type Selector struct {
	Namespace string   `json:"namespace,omitempty"`
	Name      string   `json:"name,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Owner     string   `json:"owner,omitempty"`
}

// Matches reports whether the selector selects the given identity.
func (s *Selector) Matches(id *Identity) bool {
	if s == nil {
		return true
	}
	if s.Namespace != "" && s.Namespace != id.Namespace {
		return false
	}
	if s.Name != "" && s.Name != id.Name {
		return false
	}
	if s.Owner != "" && s.Owner != id.Owner {
		return false
	}
	for _, want := range s.Tags {
		found := false
		for _, have := range id.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Condition match modes.
const (
	MatchExact    = "exact"
	MatchContains = "contains"
	MatchRegex    = "regex"
	MatchExists   = "exists"
)

// Condition constrains one request attribute. Field is method, path or
// header; Header names the header when Field is "header".
type Condition struct {
	Field  string `json:"field"`
	Header string `json:"header,omitempty"`
	Match  string `json:"match"`
	Value  string `json:"value,omitempty"`
}

// AccessRequest carries the request attributes evaluated by policies.
type AccessRequest struct {
	Method  string
	Path    string
	Headers map[string]string
}

func (c *Condition) matches(req *AccessRequest) bool {
	var subject string
	var present bool
	switch c.Field {
	case "method":
		subject, present = req.Method, req.Method != ""
	case "path":
		subject, present = req.Path, req.Path != ""
	case "header":
		subject, present = req.Headers[strings.ToLower(c.Header)]
	default:
		return false
	}
	switch c.Match {
	case MatchExists:
		return present
	case MatchExact:
		return subject == c.Value
	case MatchContains:
		return strings.Contains(subject, c.Value)
	case MatchRegex:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(subject)
	}
	return false
}

// Policy actions.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// AccessPolicy is one source-to-destination rule. Higher priority wins.
type AccessPolicy struct {
	ID          string      `json:"id"`
	Source      *Selector   `json:"source,omitempty"`
	Destination *Selector   `json:"destination,omitempty"`
	Action      string      `json:"action"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Priority    int         `json:"priority"`
}

// Decision is the outcome of one access check.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	PolicyID string `json:"policyId,omitempty"`
	Reason   string `json:"reason"`
}

// Mesh owns the service registry, the policy table and the certificate
// authority.
type Mesh struct {
	clock mclock.Clock
	log   log.Logger

	mu       sync.RWMutex
	services map[string]*Identity // by id
	byName   map[string]string    // namespace/name -> id
	policies map[string]*AccessPolicy

	ca    *authority
	certs map[string]*Certificate // by service id
}

// Config carries the optional operator-supplied CA. When empty the mesh
// self-generates a trust root on first demand.
type Config struct {
	CACertPEM []byte
	CAKeyPEM  []byte
}

// New creates a mesh. An operator CA from cfg is adopted eagerly so a bad
// key pair fails startup instead of the first certificate request.
func New(cfg Config, clock mclock.Clock) (*Mesh, error) {
	if clock == nil {
		clock = mclock.System{}
	}
	m := &Mesh{
		clock:    clock,
		log:      log.New("component", "mesh"),
		services: make(map[string]*Identity),
		byName:   make(map[string]string),
		policies: make(map[string]*AccessPolicy),
		certs:    make(map[string]*Certificate),
	}
	if len(cfg.CACertPEM) > 0 || len(cfg.CAKeyPEM) > 0 {
		ca, err := loadAuthority(cfg.CACertPEM, cfg.CAKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("mesh CA: %w", err)
		}
		m.ca = ca
		m.log.Info("Adopted operator mesh CA", "subject", ca.cert.Subject.CommonName)
	}
	return m, nil
}

// RegisterService adds a workload under its deterministic id.
func (m *Mesh) RegisterService(id *Identity) (*Identity, error) {
	if id.Name == "" || id.Namespace == "" {
		return nil, errors.New("service name and namespace are required")
	}
	key := id.Namespace + "/" + id.Name

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[key]; ok {
		return nil, ErrServiceExists
	}
	cpy := *id
	cpy.ID = ServiceID(id.Namespace, id.Name)
	m.services[cpy.ID] = &cpy
	m.byName[key] = cpy.ID
	m.log.Info("Service registered", "service", key, "id", cpy.ID)
	out := cpy
	return &out, nil
}

// DiscoverService looks a service up by name and namespace.
func (m *Mesh) DiscoverService(name, namespace string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[namespace+"/"+name]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cpy := *m.services[id]
	return &cpy, nil
}

// ServiceByID looks a service up by identity hash.
func (m *Mesh) ServiceByID(id string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cpy := *svc
	return &cpy, nil
}

// ListServices returns all services matching the selector, nil selecting
// everything.
func (m *Mesh) ListServices(sel *Selector) []*Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Identity
	for _, svc := range m.services {
		if sel.Matches(svc) {
			cpy := *svc
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddPolicy installs an access policy.
func (m *Mesh) AddPolicy(p *AccessPolicy) error {
	if p.ID == "" {
		return errors.New("policy id is required")
	}
	if p.Action != ActionAllow && p.Action != ActionDeny {
		return fmt.Errorf("unknown policy action %q", p.Action)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := *p
	m.policies[cpy.ID] = &cpy
	return nil
}

// RemovePolicy deletes an access policy.
func (m *Mesh) RemovePolicy(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

// CheckAccess evaluates the policy table for a source-to-destination
// request. Matching policies are ordered by priority descending and the
// first whose conditions all hold decides. No match denies.
func (m *Mesh) CheckAccess(source, destination *Identity, req *AccessRequest) Decision {
	if req == nil {
		req = &AccessRequest{}
	}
	m.mu.RLock()
	candidates := make([]*AccessPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		if p.Source.Matches(source) && p.Destination.Matches(destination) {
			candidates = append(candidates, p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, p := range candidates {
		if !conditionsHold(p.Conditions, req) {
			continue
		}
		return Decision{
			Allowed:  p.Action == ActionAllow,
			PolicyID: p.ID,
			Reason:   fmt.Sprintf("policy %s: %s", p.ID, p.Action),
		}
	}
	return Decision{Allowed: false, Reason: "no matching policy"}
}

func conditionsHold(conds []Condition, req *AccessRequest) bool {
	for i := range conds {
		if !conds[i].matches(req) {
			return false
		}
	}
	return true
}
