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

// Package ingress routes external HTTP traffic to internal backends by
// host and path, with per-client rate limiting and auth header checks.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/log"
)

const defaultForwardTimeout = 30 * time.Second

var (
	ErrHostBound    = errors.New("host already bound to a rule")
	ErrRuleNotFound = errors.New("ingress rule not found")
)

// PathType selects the path match mode.
type PathType string

const (
	PathExact  PathType = "Exact"
	PathPrefix PathType = "Prefix"
	PathRegex  PathType = "Regex"
)

// BackendType names the dispatch target kind.
type BackendType string

const (
	BackendWorker    BackendType = "worker"
	BackendContainer BackendType = "container"
	BackendService   BackendType = "service"
	BackendStatic    BackendType = "static"
	BackendRedirect  BackendType = "redirect"
)

// Backend identifies where a matched request goes.
type Backend struct {
	Type   BackendType `json:"type"`
	Target string      `json:"target,omitempty"` // worker/container/service id, content hash
	URL    string      `json:"url,omitempty"`    // redirect location
}

// PathRule is one path entry of a rule. Rewrite, when set, is the regex
// replacement applied to the request path before forwarding, with the
// path pattern as the expression.
type PathRule struct {
	Path     string        `json:"path"`
	PathType PathType      `json:"pathType"`
	Backend  Backend       `json:"backend"`
	Rewrite  string        `json:"rewrite,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	re *regexp.Regexp // compiled for Regex matches and rewrites
}

// AuthType names the header shape the ingress asserts. Credential
// validation is the upstream's job.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthJWT    AuthType = "jwt"
	AuthX402   AuthType = "x402"
)

// AuthConfig is a rule's auth requirement.
type AuthConfig struct {
	Type  AuthType `json:"type"`
	Realm string   `json:"realm,omitempty"`
}

// RateLimit is a rule's per-client budget. The window is fixed at one
// minute, so the effective cap is RequestsPerSecond*60 per window.
type RateLimit struct {
	RequestsPerSecond int64 `json:"requestsPerSecond"`
}

// Rule binds one host to an ordered path table.
type Rule struct {
	ID        string      `json:"id"`
	Host      string      `json:"host"`
	Paths     []*PathRule `json:"paths"`
	RateLimit *RateLimit  `json:"rateLimit,omitempty"`
	Auth      *AuthConfig `json:"auth,omitempty"`
}

// Dispatcher forwards a matched request to a worker, container, service
// or static backend. A returned error becomes a 502.
type Dispatcher interface {
	Forward(ctx context.Context, backend *Backend, path string, w http.ResponseWriter, r *http.Request) error
}

// Config wires the controller.
type Config struct {
	Dispatcher Dispatcher
	RateStore  CounterStore // optional distributed counter backend
}

// Controller is the ingress rule table and request pipeline. It
// implements http.Handler.
type Controller struct {
	cfg     Config
	clock   mclock.Clock
	log     log.Logger
	limiter *rateLimiter

	mu     sync.RWMutex
	rules  map[string]*Rule  // by rule id
	byHost map[string]string // host -> rule id
}

// New creates an ingress controller.
func New(cfg Config, clock mclock.Clock) *Controller {
	if clock == nil {
		clock = mclock.System{}
	}
	logger := log.New("component", "ingress")
	return &Controller{
		cfg:     cfg,
		clock:   clock,
		log:     logger,
		limiter: newRateLimiter(cfg.RateStore, clock, logger),
		rules:   make(map[string]*Rule),
		byHost:  make(map[string]string),
	}
}

// CreateIngress installs a rule. Each host carries at most one rule;
// regex paths and rewrites are compiled here so a bad pattern fails the
// create, not a request.
func (c *Controller) CreateIngress(rule *Rule) (*Rule, error) {
	if rule.Host == "" {
		return nil, errors.New("ingress host is required")
	}
	if len(rule.Paths) == 0 {
		return nil, errors.New("ingress rule needs at least one path")
	}
	paths := make([]*PathRule, len(rule.Paths))
	for i, pr := range rule.Paths {
		cpy := *pr
		if cpy.PathType == PathRegex || cpy.Rewrite != "" {
			re, err := regexp.Compile(cpy.Path)
			if err != nil {
				return nil, fmt.Errorf("path %q: %w", cpy.Path, err)
			}
			cpy.re = re
		}
		switch cpy.PathType {
		case PathExact, PathPrefix, PathRegex:
		default:
			return nil, fmt.Errorf("unknown path type %q", cpy.PathType)
		}
		paths[i] = &cpy
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byHost[rule.Host]; ok {
		return nil, fmt.Errorf("%w: %s", ErrHostBound, rule.Host)
	}
	installed := &Rule{
		ID:        rule.ID,
		Host:      rule.Host,
		Paths:     paths,
		RateLimit: rule.RateLimit,
		Auth:      rule.Auth,
	}
	c.rules[installed.ID] = installed
	c.byHost[installed.Host] = installed.ID
	c.log.Info("Ingress rule created", "host", installed.Host, "id", installed.ID, "paths", len(paths))
	return installed, nil
}

// DeleteIngress removes a rule and frees its host.
func (c *Controller) DeleteIngress(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule, ok := c.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	delete(c.rules, id)
	delete(c.byHost, rule.Host)
	return nil
}

// GetRule returns the rule with the given id.
func (c *Controller) GetRule(id string) *Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules[id]
}

// RuleForHost returns the rule bound to a host.
func (c *Controller) RuleForHost(host string) *Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id, ok := c.byHost[host]; ok {
		return c.rules[id]
	}
	return nil
}

// matchPath walks the path table in declaration order.
func (r *Rule) matchPath(path string) *PathRule {
	for _, pr := range r.Paths {
		switch pr.PathType {
		case PathExact:
			if path == pr.Path {
				return pr
			}
		case PathPrefix:
			if strings.HasPrefix(path, pr.Path) {
				return pr
			}
		case PathRegex:
			if pr.re != nil && pr.re.MatchString(path) {
				return pr
			}
		}
	}
	return nil
}

// ServeHTTP runs the routing pipeline: rule lookup, rate limit, auth
// shape check, backend dispatch.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	rule := c.RuleForHost(host)
	if rule == nil {
		http.NotFound(w, r)
		return
	}
	pr := rule.matchPath(r.URL.Path)
	if pr == nil {
		http.NotFound(w, r)
		return
	}

	if rule.RateLimit != nil && rule.RateLimit.RequestsPerSecond > 0 {
		key := rule.ID + ":" + clientID(r)
		max := rule.RateLimit.RequestsPerSecond * int64(rateWindow/time.Second)
		if !c.limiter.allow(r.Context(), key, max) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	if rule.Auth != nil && rule.Auth.Type != AuthNone && rule.Auth.Type != "" {
		if !checkAuthShape(w, r, rule.Auth) {
			return
		}
	}

	c.dispatch(w, r, pr)
}

// checkAuthShape asserts the presence of a well-formed credential header
// and writes the 401 challenge when it is missing.
func checkAuthShape(w http.ResponseWriter, r *http.Request, auth *AuthConfig) bool {
	realm := auth.Realm
	if realm == "" {
		realm = "dws"
	}
	switch auth.Type {
	case AuthBasic:
		if strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
			return true
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
	case AuthBearer, AuthJWT:
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			return true
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", realm))
	case AuthX402:
		if r.Header.Get("X-402-Payment") != "" {
			return true
		}
		w.Header().Set("X-402-Payment-Required", "true")
	default:
		return true
	}
	http.Error(w, "authentication required", http.StatusUnauthorized)
	return false
}

func (c *Controller) dispatch(w http.ResponseWriter, r *http.Request, pr *PathRule) {
	if pr.Backend.Type == BackendRedirect {
		http.Redirect(w, r, pr.Backend.URL, http.StatusFound)
		return
	}
	if c.cfg.Dispatcher == nil {
		http.Error(w, "no backend available", http.StatusBadGateway)
		return
	}

	path := r.URL.Path
	if pr.Rewrite != "" && pr.re != nil {
		path = pr.re.ReplaceAllString(path, pr.Rewrite)
	}
	timeout := pr.Timeout
	if timeout == 0 {
		timeout = defaultForwardTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	backend := pr.Backend
	if err := c.cfg.Dispatcher.Forward(ctx, &backend, path, w, r); err != nil {
		c.log.Warn("Backend dispatch failed", "type", backend.Type, "target", backend.Target, "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}
