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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeju-network/dws/common/mclock"
)

func TestCollectorAverage(t *testing.T) {
	clock := new(mclock.Simulated)
	c := NewCollector(clock)

	c.Record("t1", "cpu", 50)
	clock.Run(10 * time.Second)
	c.Record("t1", "cpu", 70)
	clock.Run(10 * time.Second)
	c.Record("t1", "cpu", 90)

	avg, ok := c.Average("t1", "cpu", time.Minute)
	require.True(t, ok)
	require.InDelta(t, 70, avg, 1e-9)

	// Other series are independent.
	_, ok = c.Average("t1", "memory", time.Minute)
	require.False(t, ok)
	_, ok = c.Average("t2", "cpu", time.Minute)
	require.False(t, ok)
}

func TestCollectorWindowExcludesOld(t *testing.T) {
	clock := new(mclock.Simulated)
	c := NewCollector(clock)

	c.Record("t1", "cpu", 1000)
	clock.Run(2 * time.Minute)
	c.Record("t1", "cpu", 10)
	c.Record("t1", "cpu", 20)

	avg, ok := c.Average("t1", "cpu", time.Minute)
	require.True(t, ok)
	require.InDelta(t, 15, avg, 1e-9)

	// An empty window reports no data even when older samples exist.
	clock.Run(5 * time.Minute)
	_, ok = c.Average("t1", "cpu", time.Minute)
	require.False(t, ok)
}

func TestCollectorRingBound(t *testing.T) {
	clock := new(mclock.Simulated)
	c := NewCollector(clock)

	for i := 0; i < maxSamples+50; i++ {
		c.Record("t1", "req", float64(i))
	}
	sr := c.series[seriesKey("t1", "req")]
	require.Len(t, sr.samples, maxSamples)
	// Oldest 50 were shifted out.
	require.Equal(t, float64(50), sr.samples[0].value)
	require.Equal(t, float64(maxSamples+49), sr.samples[maxSamples-1].value)
}

func TestCollectorP99(t *testing.T) {
	clock := new(mclock.Simulated)
	c := NewCollector(clock)

	for i := 1; i <= 100; i++ {
		c.Record("t1", "latency", float64(i))
	}
	p99, ok := c.P99("t1", "latency", time.Minute)
	require.True(t, ok)
	require.Equal(t, float64(99), p99)

	_, ok = c.P99("t1", "missing", time.Minute)
	require.False(t, ok)
}
