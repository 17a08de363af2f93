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

package peerstore

import (
	"time"

	"github.com/holiman/uint256"
)

// EMA smoothing factors for the score components.
const (
	latencyAlpha   = 0.2
	deliveryAlpha  = 0.1
	bandwidthAlpha = 0.2
)

// Component weights of the overall score.
const (
	weightLatency    = 0.20
	weightUptime     = 0.20
	weightDelivery   = 0.30
	weightStake      = 0.15
	weightReputation = 0.15
)

// penaltyOverall is the overall score forced while a penalty is active.
const penaltyOverall = -100

// weiPerToken converts raw stake units into whole tokens for normalization.
var weiPerToken = uint256.NewInt(1e18)

// Score is the composite quality estimate of one peer. The Overall value is
// derived from the other components on every update and is the value the
// rest of the system ranks by.
type Score struct {
	Overall       float64      `json:"overall"`
	Latency       float64      `json:"latency"`      // EMA, milliseconds
	Uptime        float64      `json:"uptime"`       // [0,1]
	DeliveryRate  float64      `json:"deliveryRate"` // [0,1]
	Bandwidth     float64      `json:"bandwidth"`    // EMA, bytes/s
	Stake         *uint256.Int `json:"-"`
	Reputation    float64      `json:"reputation"` // [0,100]
	PenaltyExpiry int64        `json:"penaltyExpiry"`
}

func newScore() *Score {
	return &Score{
		Overall:      50,
		Latency:      100,
		Uptime:       0,
		DeliveryRate: 1,
		Stake:        new(uint256.Int),
		Reputation:   50,
	}
}

// ScoreUpdate carries a partial score mutation. Nil fields are untouched;
// the smoothed components are folded in with their EMA factor.
type ScoreUpdate struct {
	LatencyMs    *float64
	DeliveryRate *float64
	Bandwidth    *float64
	Reputation   *float64
	Stake        *uint256.Int
	Uptime       *float64
}

// UpdateScore folds a partial update into the peer's score and recomputes
// the overall value.
func (s *Store) UpdateScore(id string, up ScoreUpdate) {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scores[id]
	if !ok {
		return
	}
	if up.LatencyMs != nil {
		sc.Latency = sc.Latency*(1-latencyAlpha) + *up.LatencyMs*latencyAlpha
	}
	if up.DeliveryRate != nil {
		sc.DeliveryRate = sc.DeliveryRate*(1-deliveryAlpha) + *up.DeliveryRate*deliveryAlpha
	}
	if up.Bandwidth != nil {
		sc.Bandwidth = sc.Bandwidth*(1-bandwidthAlpha) + *up.Bandwidth*bandwidthAlpha
	}
	if up.Reputation != nil {
		sc.Reputation = clamp(*up.Reputation, 0, 100)
	}
	if up.Uptime != nil {
		sc.Uptime = clamp(*up.Uptime, 0, 1)
	}
	if up.Stake != nil {
		sc.Stake = up.Stake.Clone()
	}
	sc.recompute(now)
	s.dirty = true
}

// AddReputation shifts a peer's reputation by delta, clamped to [0,100].
// This is the hook the PoC verifier drives.
func (s *Store) AddReputation(id string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scores[id]
	if !ok {
		return
	}
	sc.Reputation = clamp(sc.Reputation+delta, 0, 100)
	sc.recompute(s.clock.Now().UnixMilli())
	s.dirty = true
}

// ApplyPenalty puts the peer in the doghouse: the overall score is pinned to
// -100 until the expiry and the reputation takes a 10 point hit.
func (s *Store) ApplyPenalty(id string, duration time.Duration, reason string) {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scores[id]
	if !ok {
		return
	}
	sc.PenaltyExpiry = now + duration.Milliseconds()
	sc.Reputation = clamp(sc.Reputation-10, 0, 100)
	sc.recompute(now)
	s.dirty = true
	s.log.Debug("Applied peer penalty", "peer", id, "duration", duration, "reason", reason)
}

// GetScore returns a copy of the peer's score, or nil if unknown.
func (s *Store) GetScore(id string) *Score {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scores[id]
	if !ok {
		return nil
	}
	cpy := *sc
	cpy.Stake = sc.Stake.Clone()
	return &cpy
}

// recompute derives the overall value as the fixed weighted sum of the
// normalized components. An active penalty overrides everything.
func (sc *Score) recompute(nowMs int64) {
	if nowMs < sc.PenaltyExpiry {
		sc.Overall = penaltyOverall
		return
	}
	latencyScore := clamp(1-sc.Latency/1000, 0, 1) * 100
	uptimeScore := clamp(sc.Uptime, 0, 1) * 100
	deliveryScore := clamp(sc.DeliveryRate, 0, 1) * 100

	// Stake normalizes at 1000 whole tokens.
	tokens := new(uint256.Int).Div(sc.Stake, weiPerToken)
	stakeScore := float64(tokens.Uint64())
	if tokens.GtUint64(1000) {
		stakeScore = 1000
	}
	stakeScore = stakeScore / 1000 * 100

	sc.Overall = weightLatency*latencyScore +
		weightUptime*uptimeScore +
		weightDelivery*deliveryScore +
		weightStake*stakeScore +
		weightReputation*clamp(sc.Reputation, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
