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

// Package scale is the workload control loop: it evaluates multi-metric
// scaling policies against collected samples, enforces cooldowns and
// behavior step limits, and drives replica counts and node-pool sizes
// through platform callbacks.
package scale

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/log"
)

const (
	defaultInterval    = 15 * time.Second
	metricWindow       = 60 * time.Second
	callbackTimeout    = 30 * time.Second
	decisionHistoryCap = 100

	// Node-pool utilization thresholds.
	poolScaleUpAt    = 0.8
	poolScaleDownAt  = 0.5
	poolUpHeadroom   = 0.8
	poolDownHeadroom = 0.7
)

var (
	ErrPolicyExists   = errors.New("policy already exists for target")
	ErrPolicyNotFound = errors.New("policy not found")
	ErrPoolNotFound   = errors.New("node pool not found")
	errInvalidPolicy  = errors.New("invalid scaling policy")
)

// ScaleCallback applies a replica decision on the platform.
type ScaleCallback func(ctx context.Context, targetID string, targetType TargetType, desired int) error

// NodeCallback applies a node-pool sizing decision on the platform.
type NodeCallback func(ctx context.Context, poolID string, desired int) error

// Config wires the autoscaler.
type Config struct {
	Interval      time.Duration
	ScaleCallback ScaleCallback
	NodeCallback  NodeCallback
}

// Autoscaler owns the policy and pool tables and the evaluation loop.
// Decisions for one policy are serialized by the loop.
type Autoscaler struct {
	cfg       Config
	collector *Collector
	clock     mclock.Clock
	log       log.Logger

	mu        sync.RWMutex
	policies  map[string]*Policy   // by policy id
	byTarget  map[string]string    // target id -> policy id
	pools     map[string]*NodePool // by pool id
	decisions []Decision           // ring, newest last

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates the autoscaler with its own metric collector.
func New(cfg Config, clock mclock.Clock) *Autoscaler {
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	if clock == nil {
		clock = mclock.System{}
	}
	return &Autoscaler{
		cfg:       cfg,
		collector: NewCollector(clock),
		clock:     clock,
		log:       log.New("component", "autoscaler"),
		policies:  make(map[string]*Policy),
		byTarget:  make(map[string]string),
		pools:     make(map[string]*NodePool),
		quit:      make(chan struct{}),
	}
}

// Collector exposes the sample store for metric producers.
func (a *Autoscaler) Collector() *Collector { return a.collector }

// Record is a convenience passthrough to the collector.
func (a *Autoscaler) Record(targetID, metricType string, value float64) {
	a.collector.Record(targetID, metricType, value)
}

// Start launches the evaluation loop.
func (a *Autoscaler) Start() {
	a.wg.Add(1)
	go a.loop()
	a.log.Info("Autoscaler started", "interval", a.cfg.Interval)
}

// Stop quiesces the loop; a tick in flight completes first.
func (a *Autoscaler) Stop() {
	close(a.quit)
	a.wg.Wait()
}

func (a *Autoscaler) loop() {
	defer a.wg.Done()

	timer := a.clock.NewTimer(a.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C():
			a.Evaluate()
			timer.Reset(a.cfg.Interval)
		case <-a.quit:
			return
		}
	}
}

// CreatePolicy registers a policy. One policy per target; replica bounds
// are validated and the id is assigned when absent.
func (a *Autoscaler) CreatePolicy(p *Policy) (*Policy, error) {
	if p.TargetID == "" || p.MaxReplicas < p.MinReplicas || p.MinReplicas < 0 {
		return nil, errInvalidPolicy
	}
	if p.CurrentReplicas < p.effectiveMin() || p.CurrentReplicas > p.MaxReplicas {
		return nil, fmt.Errorf("%w: current %d outside [%d,%d]", errInvalidPolicy,
			p.CurrentReplicas, p.effectiveMin(), p.MaxReplicas)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byTarget[p.TargetID]; ok {
		return nil, ErrPolicyExists
	}
	cpy := *p
	a.policies[cpy.ID] = &cpy
	a.byTarget[cpy.TargetID] = cpy.ID
	a.log.Info("Scaling policy created", "policy", cpy.ID, "target", cpy.TargetID, "type", cpy.TargetType)
	out := cpy
	return &out, nil
}

// UpdatePolicy replaces an existing policy, keeping its id and target.
func (a *Autoscaler) UpdatePolicy(p *Policy) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	old, ok := a.policies[p.ID]
	if !ok {
		return ErrPolicyNotFound
	}
	if p.TargetID != old.TargetID {
		return fmt.Errorf("%w: target is immutable", errInvalidPolicy)
	}
	cpy := *p
	a.policies[p.ID] = &cpy
	return nil
}

// DeletePolicy removes a policy.
func (a *Autoscaler) DeletePolicy(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.policies[id]
	if !ok {
		return ErrPolicyNotFound
	}
	delete(a.policies, id)
	delete(a.byTarget, p.TargetID)
	return nil
}

// GetPolicy returns a copy of the policy with the given id.
func (a *Autoscaler) GetPolicy(id string) *Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if p, ok := a.policies[id]; ok {
		cpy := *p
		return &cpy
	}
	return nil
}

// PolicyForTarget returns a copy of the policy bound to a target.
func (a *Autoscaler) PolicyForTarget(targetID string) *Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id, ok := a.byTarget[targetID]; ok {
		cpy := *a.policies[id]
		return &cpy
	}
	return nil
}

// ListPolicies returns copies of all policies.
func (a *Autoscaler) ListPolicies() []*Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Policy, 0, len(a.policies))
	for _, p := range a.policies {
		cpy := *p
		out = append(out, &cpy)
	}
	return out
}

// CreatePool registers a node pool.
func (a *Autoscaler) CreatePool(pool *NodePool) (*NodePool, error) {
	if pool.ID == "" {
		pool.ID = uuid.NewString()
	}
	if pool.MaxNodes < pool.MinNodes || pool.CurrentNodes < pool.MinNodes || pool.CurrentNodes > pool.MaxNodes {
		return nil, fmt.Errorf("invalid node pool bounds [%d,%d] current %d",
			pool.MinNodes, pool.MaxNodes, pool.CurrentNodes)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cpy := *pool
	a.pools[cpy.ID] = &cpy
	out := cpy
	return &out, nil
}

// GetPool returns a copy of a pool.
func (a *Autoscaler) GetPool(id string) *NodePool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if pool, ok := a.pools[id]; ok {
		cpy := *pool
		return &cpy
	}
	return nil
}

// Decisions returns the recorded decision history, newest last.
func (a *Autoscaler) Decisions() []Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Decision(nil), a.decisions...)
}

// Evaluate runs one tick over all policies and pools. It is also the test
// entry point.
func (a *Autoscaler) Evaluate() {
	a.mu.RLock()
	policies := make([]*Policy, 0, len(a.policies))
	for _, p := range a.policies {
		policies = append(policies, p)
	}
	pools := make([]*NodePool, 0, len(a.pools))
	for _, pool := range a.pools {
		pools = append(pools, pool)
	}
	a.mu.RUnlock()

	for _, p := range policies {
		if err := a.evaluatePolicy(p); err != nil {
			a.log.Warn("Policy evaluation failed", "policy", p.ID, "err", err)
		}
	}
	for _, pool := range pools {
		if err := a.evaluatePool(pool, policies); err != nil {
			a.log.Warn("Pool evaluation failed", "pool", pool.ID, "err", err)
		}
	}
}

// evaluatePolicy runs steps 1-7 of the decision pipeline for one policy.
func (a *Autoscaler) evaluatePolicy(p *Policy) error {
	if !p.Enabled || a.cfg.ScaleCallback == nil {
		return nil
	}
	now := a.clock.Now().UnixMilli()
	if p.LastScaleTime > 0 && now-p.LastScaleTime < int64(p.CooldownSeconds)*1000 {
		return nil
	}

	ratio, ok := a.weightedRatio(p)
	if !ok {
		return nil
	}
	raw := int(math.Ceil(float64(p.CurrentReplicas) * ratio))
	raw = clampInt(raw, p.effectiveMin(), p.MaxReplicas)

	var desired int
	var dir Direction
	switch {
	case raw > p.CurrentReplicas:
		dir = DirectionUp
		desired = applyBehavior(p.ScaleUp, p.CurrentReplicas, raw, true)
	case raw < p.CurrentReplicas:
		dir = DirectionDown
		desired = applyBehavior(p.ScaleDown, p.CurrentReplicas, raw, false)
	default:
		return nil
	}
	if desired == p.CurrentReplicas {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	err := a.cfg.ScaleCallback(ctx, p.TargetID, p.TargetType, desired)
	cancel()

	decision := Decision{
		ID:         uuid.NewString(),
		PolicyID:   p.ID,
		TargetID:   p.TargetID,
		TargetType: p.TargetType,
		Direction:  dir,
		From:       p.CurrentReplicas,
		To:         desired,
		Ratio:      ratio,
		Succeeded:  err == nil,
		Timestamp:  now,
	}
	if err != nil {
		decision.Reason = err.Error()
		a.record(decision)
		return fmt.Errorf("scale callback: %w", err)
	}

	a.mu.Lock()
	if live, ok := a.policies[p.ID]; ok {
		live.CurrentReplicas = desired
		live.LastScaleTime = now
	}
	a.mu.Unlock()
	a.record(decision)
	a.log.Info("Scaled target", "target", p.TargetID, "from", decision.From, "to", desired, "ratio", ratio)
	return nil
}

// weightedRatio computes step 3: the weight-combined current/target ratio.
// Metrics with no samples in the window are skipped.
func (a *Autoscaler) weightedRatio(p *Policy) (float64, bool) {
	var sum, weights float64
	for _, m := range p.Metrics {
		if m.Target <= 0 {
			continue
		}
		metricType := m.Type
		if m.CustomMetric != "" {
			metricType = m.CustomMetric
		}
		current, ok := a.collector.Average(p.TargetID, metricType, metricWindow)
		if !ok {
			continue
		}
		sum += current / m.Target * m.Weight
		weights += m.Weight
	}
	if weights == 0 {
		return 0, false
	}
	return sum / weights, true
}

// applyBehavior bounds the step from current toward raw by the behavior's
// policy entries.
func applyBehavior(b *Behavior, current, raw int, up bool) int {
	if b == nil || len(b.Policies) == 0 {
		return raw
	}
	if b.SelectPolicy == SelectDisabled {
		return current
	}

	allowed := -1
	for _, bp := range b.Policies {
		var step int
		switch bp.Type {
		case "pods":
			step = int(bp.Value)
		case "percent":
			step = int(math.Ceil(float64(current) * bp.Value / 100))
		default:
			continue
		}
		if allowed < 0 {
			allowed = step
			continue
		}
		if b.SelectPolicy == SelectMin {
			if step < allowed {
				allowed = step
			}
		} else if step > allowed {
			allowed = step
		}
	}
	if allowed < 0 {
		return raw
	}
	if up {
		if raw > current+allowed {
			return current + allowed
		}
		return raw
	}
	if raw < current-allowed {
		return current - allowed
	}
	return raw
}

// evaluatePool estimates pool utilization from the replica policies bound
// to it and resizes when the thresholds are crossed.
func (a *Autoscaler) evaluatePool(pool *NodePool, policies []*Policy) error {
	if a.cfg.NodeCallback == nil {
		return nil
	}
	var cpuRequired, memRequired float64
	for _, p := range policies {
		if p.NodePoolID != pool.ID {
			continue
		}
		if p.TargetType != TargetWorker && p.TargetType != TargetContainer {
			continue
		}
		cpuRequired += float64(p.CurrentReplicas) * p.CPUPerReplica
		memRequired += float64(p.CurrentReplicas) * p.MemoryPerReplica
	}
	if pool.CPUPerNode <= 0 || pool.MemoryPerNode <= 0 || pool.CurrentNodes <= 0 {
		return nil
	}

	cpuUtil := cpuRequired / (float64(pool.CurrentNodes) * pool.CPUPerNode)
	memUtil := memRequired / (float64(pool.CurrentNodes) * pool.MemoryPerNode)

	var desired int
	switch {
	case cpuUtil > poolScaleUpAt || memUtil > poolScaleUpAt:
		cpuTarget := int(math.Ceil(cpuRequired / (pool.CPUPerNode * poolUpHeadroom)))
		memTarget := int(math.Ceil(memRequired / (pool.MemoryPerNode * poolUpHeadroom)))
		desired = maxInt(cpuTarget, memTarget)
	case cpuUtil < poolScaleDownAt && memUtil < poolScaleDownAt:
		cpuTarget := int(math.Ceil(cpuRequired / (pool.CPUPerNode * poolDownHeadroom)))
		memTarget := int(math.Ceil(memRequired / (pool.MemoryPerNode * poolDownHeadroom)))
		desired = maxInt(maxInt(cpuTarget, memTarget), pool.MinNodes)
	default:
		return nil
	}
	desired = clampInt(desired, pool.MinNodes, pool.MaxNodes)
	if desired == pool.CurrentNodes {
		return nil
	}

	dir := DirectionUp
	if desired < pool.CurrentNodes {
		dir = DirectionDown
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	err := a.cfg.NodeCallback(ctx, pool.ID, desired)
	cancel()

	decision := Decision{
		ID:         uuid.NewString(),
		PoolID:     pool.ID,
		TargetID:   pool.ID,
		TargetType: TargetNodePool,
		Direction:  dir,
		From:       pool.CurrentNodes,
		To:         desired,
		Succeeded:  err == nil,
		Timestamp:  a.clock.Now().UnixMilli(),
	}
	if err != nil {
		decision.Reason = err.Error()
		a.record(decision)
		return fmt.Errorf("node callback: %w", err)
	}
	if desired < pool.CurrentNodes {
		decision.EstimatedSavings = float64(pool.CurrentNodes-desired) * pool.CostPerNodeMonthly
	}

	a.mu.Lock()
	if live, ok := a.pools[pool.ID]; ok {
		live.CurrentNodes = desired
	}
	a.mu.Unlock()
	a.record(decision)
	a.log.Info("Resized node pool", "pool", pool.ID, "from", decision.From, "to", desired)
	return nil
}

func (a *Autoscaler) record(d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, d)
	if len(a.decisions) > decisionHistoryCap {
		a.decisions = a.decisions[len(a.decisions)-decisionHistoryCap:]
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
