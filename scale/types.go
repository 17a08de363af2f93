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

package scale

// TargetType identifies what a scaling policy drives.
type TargetType string

const (
	TargetWorker    TargetType = "worker"
	TargetContainer TargetType = "container"
	TargetNodePool  TargetType = "node-pool"
)

// Direction of one scaling decision.
type Direction string

const (
	DirectionNone Direction = "none"
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Metric is one observed signal with its target value and weight.
type Metric struct {
	Type         string  `json:"type"` // cpu, memory, requests, custom
	Target       float64 `json:"target"`
	AverageValue float64 `json:"averageValue,omitempty"`
	CustomMetric string  `json:"customMetric,omitempty"`
	Weight       float64 `json:"weight"`
}

// BehaviorPolicy bounds the per-decision replica delta.
type BehaviorPolicy struct {
	Type          string  `json:"type"` // pods or percent
	Value         float64 `json:"value"`
	PeriodSeconds int     `json:"periodSeconds,omitempty"`
}

// Behavior selection modes.
const (
	SelectMax      = "max"
	SelectMin      = "min"
	SelectDisabled = "disabled"
)

// Behavior combines several delta bounds; SelectPolicy picks how they
// combine, and "disabled" pins the replica count.
type Behavior struct {
	StabilizationWindowSeconds int              `json:"stabilizationWindowSeconds,omitempty"`
	Policies                   []BehaviorPolicy `json:"policies,omitempty"`
	SelectPolicy               string           `json:"selectPolicy,omitempty"`
}

// Policy is one replica-scaling configuration.
type Policy struct {
	ID              string     `json:"policyId"`
	TargetID        string     `json:"targetId"`
	TargetType      TargetType `json:"targetType"`
	MinReplicas     int        `json:"minReplicas"`
	MaxReplicas     int        `json:"maxReplicas"`
	CurrentReplicas int        `json:"currentReplicas"`
	Metrics         []Metric   `json:"metrics"`
	ScaleUp         *Behavior  `json:"scaleUpBehavior,omitempty"`
	ScaleDown       *Behavior  `json:"scaleDownBehavior,omitempty"`
	CooldownSeconds int        `json:"cooldownSeconds"`
	ScaleToZero     bool       `json:"scaleToZero"`
	Enabled         bool       `json:"enabled"`
	LastScaleTime   int64      `json:"lastScaleTime"` // ms

	// Node-pool binding and per-replica resource footprint, used for pool
	// capacity estimation.
	NodePoolID       string  `json:"nodePoolId,omitempty"`
	CPUPerReplica    float64 `json:"cpuPerReplica,omitempty"`
	MemoryPerReplica float64 `json:"memoryPerReplica,omitempty"`
}

// effectiveMin is the lower replica bound: zero when scale-to-zero is on.
func (p *Policy) effectiveMin() int {
	if p.ScaleToZero {
		return 0
	}
	return p.MinReplicas
}

// NodePool describes one scalable machine group.
type NodePool struct {
	ID                 string  `json:"poolId"`
	MinNodes           int     `json:"minNodes"`
	MaxNodes           int     `json:"maxNodes"`
	CurrentNodes       int     `json:"currentNodes"`
	CPUPerNode         float64 `json:"cpuPerNode"`
	MemoryPerNode      float64 `json:"memoryPerNode"`
	CostPerNodeMonthly float64 `json:"costPerNodeMonthly,omitempty"`
}

// Decision is one committed (or rejected) scaling action.
type Decision struct {
	ID               string     `json:"decisionId"`
	PolicyID         string     `json:"policyId,omitempty"`
	PoolID           string     `json:"poolId,omitempty"`
	TargetID         string     `json:"targetId"`
	TargetType       TargetType `json:"targetType"`
	Direction        Direction  `json:"direction"`
	From             int        `json:"from"`
	To               int        `json:"to"`
	Ratio            float64    `json:"ratio,omitempty"`
	Succeeded        bool       `json:"succeeded"`
	Reason           string     `json:"reason,omitempty"`
	EstimatedSavings float64    `json:"estimatedSavings,omitempty"` // monthly
	Timestamp        int64      `json:"timestamp"`
}
