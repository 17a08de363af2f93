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

// Package poc verifies that a prospective compute node runs on trusted
// hardware: it parses TEE attestation quotes, checks the hardware registry
// and turns the outcome into a reputation delta. Results are cached and
// concurrent verifications of the same quote are collapsed into one.
package poc

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/log"
)

const (
	defaultCacheTTL  = 5 * time.Minute
	cacheLimit       = 10000
	quotePrefixLen   = 66
	batchConcurrency = 5

	registryAttempts = 3
	registryBackoff  = 100 * time.Millisecond
)

// Delta keys and their reputation effects.
const (
	DeltaFailed        = "failed"
	DeltaNotRegistered = "not_registered"
	DeltaRevoked       = "revoked"
)

var reputationDeltas = map[string]float64{
	DeltaFailed:        -10,
	DeltaNotRegistered: 0,
	DeltaRevoked:       -50,
	"level_1":          10,
	"level_2":          15,
	"level_3":          25,
}

// Quote is a parsed TEE attestation quote. The concrete fields beyond
// HardwareID are opaque to the verifier.
type Quote struct {
	HardwareID  string
	Measurement string
	Raw         []byte
}

// QuoteVerification is the outcome of cryptographic quote validation.
type QuoteVerification struct {
	Valid            bool
	CertificateValid bool
	SignatureValid   bool
	MeasurementMatch bool
	TCBStatus        string
	Error            string
}

// QuoteParser is the TEE vendor contract: parse and verify quotes, and hash
// hardware ids with the deployment salt.
type QuoteParser interface {
	ParseQuote(quoteHex string) (*Quote, error)
	VerifyQuote(q *Quote, expectedMeasurement string) *QuoteVerification
	HashHardwareID(hardwareID, salt string) string
}

// RegistryEntry describes one attested hardware unit.
type RegistryEntry struct {
	HardwareIDHash    string   `json:"hardwareIdHash"`
	Level             int      `json:"level"` // 1..3
	CloudProvider     string   `json:"cloudProvider"`
	Region            string   `json:"region"`
	EvidenceHashes    []string `json:"evidenceHashes"`
	Endorsements      []string `json:"endorsements"`
	VerifiedAt        int64    `json:"verifiedAt"`
	LastVerifiedAt    int64    `json:"lastVerifiedAt"`
	MonitoringCadence int64    `json:"monitoringCadence"`
	Active            bool     `json:"active"`
}

// HardwareRegistry is the on-chain registry contract surface the verifier
// consumes. CheckHardware returns nil for unregistered hashes.
type HardwareRegistry interface {
	CheckHardware(ctx context.Context, hardwareIDHash string) (*RegistryEntry, error)
	NeedsReverification(ctx context.Context, agentID string) (bool, error)
}

// Result is the structured outcome of one node verification. It is
// returned, never thrown; errors inside the pipeline surface as Reason.
type Result struct {
	AgentID         string  `json:"agentId"`
	Valid           bool    `json:"valid"`
	Level           int     `json:"level,omitempty"`
	DeltaKey        string  `json:"deltaKey"`
	ReputationDelta float64 `json:"reputationDelta"`
	HardwareIDHash  string  `json:"hardwareIdHash,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	Timestamp       int64   `json:"timestamp"`
	Cached          bool    `json:"cached"`
}

// Event types emitted by the verifier.
const (
	EventVerified = "poc_verified"
	EventFailed   = "poc_failed"
)

// Event notifies listeners of a completed verification.
type Event struct {
	Type      string
	AgentID   string
	Result    *Result
	Timestamp int64
}

// EventHandler receives verifier events. Panics are isolated per handler.
type EventHandler func(ev Event)

// ReputationSink applies a verification delta to the node's standing.
type ReputationSink func(agentID string, delta float64)

// Config wires the verifier's external contracts.
type Config struct {
	Parser     QuoteParser
	Registry   HardwareRegistry
	Salt       string
	CacheTTL   time.Duration
	Reputation ReputationSink
}

// Verifier runs the proof-of-cloud pipeline.
type Verifier struct {
	cfg   Config
	clock mclock.Clock
	log   log.Logger

	cache  *lru.LRU[string, *Result]
	flight singleflight.Group

	mu       sync.Mutex
	handlers []EventHandler
}

// New creates a verifier. Parser and Registry are mandatory.
func New(cfg Config, clock mclock.Clock) *Verifier {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if clock == nil {
		clock = mclock.System{}
	}
	return &Verifier{
		cfg:   cfg,
		clock: clock,
		log:   log.New("component", "poc"),
		cache: lru.NewLRU[string, *Result](cacheLimit, nil, cfg.CacheTTL),
	}
}

// OnEvent registers a listener for verification events.
func (v *Verifier) OnEvent(h EventHandler) {
	v.mu.Lock()
	v.handlers = append(v.handlers, h)
	v.mu.Unlock()
}

// cacheKey is agentId plus the quote prefix; distinct quotes from the same
// agent verify independently.
func cacheKey(agentID, quote string) string {
	if len(quote) > quotePrefixLen {
		quote = quote[:quotePrefixLen]
	}
	return agentID + ":" + quote
}

// VerifyNode runs the full pipeline for one node. Concurrent calls with
// the same (agentId, quote prefix) share a single execution.
func (v *Verifier) VerifyNode(ctx context.Context, agentID, quote, expectedMeasurement string) *Result {
	key := cacheKey(agentID, quote)
	if res, ok := v.cache.Get(key); ok {
		cpy := *res
		cpy.Cached = true
		return &cpy
	}

	out, _, _ := v.flight.Do(key, func() (interface{}, error) {
		return v.verify(ctx, key, agentID, quote, expectedMeasurement), nil
	})
	return out.(*Result)
}

// verify is the uncached pipeline body.
func (v *Verifier) verify(ctx context.Context, key, agentID, quote, expectedMeasurement string) *Result {
	parsed, err := v.cfg.Parser.ParseQuote(quote)
	if err != nil {
		return v.finish(key, v.failure(agentID, fmt.Sprintf("quote parse failed: %v", err)), true)
	}

	check := v.cfg.Parser.VerifyQuote(parsed, expectedMeasurement)
	if check == nil || !check.Valid {
		reason := "quote verification failed"
		if check != nil && check.Error != "" {
			reason = check.Error
		}
		return v.finish(key, v.failure(agentID, reason), true)
	}

	hash := v.cfg.Parser.HashHardwareID(parsed.HardwareID, v.cfg.Salt)
	entry, err := v.checkRegistry(ctx, hash)
	if err != nil {
		res := v.failure(agentID, fmt.Sprintf("registry error: %v", err))
		res.HardwareIDHash = hash
		return v.finish(key, res, true)
	}

	if entry == nil {
		// Neutral outcome: no event, no delta, and deliberately uncached so
		// the node is rechecked once it registers.
		res := v.result(agentID, DeltaNotRegistered)
		res.HardwareIDHash = hash
		res.Reason = "Hardware not registered in cloud alliance"
		return res
	}
	if !entry.Active {
		res := v.result(agentID, DeltaRevoked)
		res.HardwareIDHash = hash
		res.Reason = "hardware registration revoked"
		return v.finish("", res, false) // uncached
	}

	deltaKey := fmt.Sprintf("level_%d", entry.Level)
	res := v.result(agentID, deltaKey)
	res.Valid = true
	res.Level = entry.Level
	res.HardwareIDHash = hash
	v.cache.Add(key, res)
	v.applyDelta(res)
	v.emit(EventVerified, res)
	return res
}

// checkRegistry queries the hardware registry with bounded exponential
// backoff.
func (v *Verifier) checkRegistry(ctx context.Context, hash string) (*RegistryEntry, error) {
	var lastErr error
	wait := registryBackoff
	for attempt := 0; attempt < registryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-v.clock.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			wait *= 2
		}
		entry, err := v.cfg.Registry.CheckHardware(ctx, hash)
		if err == nil {
			return entry, nil
		}
		lastErr = err
		v.log.Debug("Registry query failed", "hash", hash, "attempt", attempt+1, "err", err)
	}
	return nil, lastErr
}

// finish caches (when asked), applies the delta and emits the event for a
// terminal failure result.
func (v *Verifier) finish(key string, res *Result, cache bool) *Result {
	if cache && key != "" {
		v.cache.Add(key, res)
	}
	v.applyDelta(res)
	v.emit(EventFailed, res)
	return res
}

func (v *Verifier) failure(agentID, reason string) *Result {
	res := v.result(agentID, DeltaFailed)
	res.Reason = reason
	return res
}

func (v *Verifier) result(agentID, deltaKey string) *Result {
	return &Result{
		AgentID:         agentID,
		DeltaKey:        deltaKey,
		ReputationDelta: reputationDeltas[deltaKey],
		Timestamp:       v.clock.Now().UnixMilli(),
	}
}

func (v *Verifier) applyDelta(res *Result) {
	if v.cfg.Reputation != nil && res.ReputationDelta != 0 {
		v.cfg.Reputation(res.AgentID, res.ReputationDelta)
	}
}

// emit delivers the event to all listeners, isolating panics so one broken
// handler cannot affect the others or the verification result.
func (v *Verifier) emit(typ string, res *Result) {
	v.mu.Lock()
	handlers := append([]EventHandler(nil), v.handlers...)
	v.mu.Unlock()

	ev := Event{Type: typ, AgentID: res.AgentID, Result: res, Timestamp: res.Timestamp}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					v.log.Error("PoC event handler panicked", "type", typ, "err", r)
				}
			}()
			h(ev)
		}()
	}
}

// BatchRequest is one entry of a VerifyNodes call.
type BatchRequest struct {
	AgentID             string
	Quote               string
	ExpectedMeasurement string
}

// VerifyNodes verifies a batch with bounded concurrency. Results are
// returned in request order.
func (v *Verifier) VerifyNodes(ctx context.Context, reqs []BatchRequest) []*Result {
	results := make([]*Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			results[i] = v.VerifyNode(ctx, req.AgentID, req.Quote, req.ExpectedMeasurement)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		v.log.Warn("Batch verification failed", "err", err)
	}
	return results
}
