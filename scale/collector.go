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
	"sort"
	"sync"
	"time"

	"github.com/jeju-network/dws/common/mclock"
)

// maxSamples bounds the per-series ring.
const maxSamples = 300

type sample struct {
	value float64
	at    mclock.AbsTime
}

type series struct {
	samples []sample // ring, oldest first
}

func (s *series) add(sm sample) {
	if len(s.samples) >= maxSamples {
		copy(s.samples, s.samples[1:])
		s.samples[len(s.samples)-1] = sm
		return
	}
	s.samples = append(s.samples, sm)
}

// window returns the samples no older than w.
func (s *series) window(now mclock.AbsTime, w time.Duration) []sample {
	cutoff := now - mclock.AbsTime(w)
	i := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].at >= cutoff
	})
	return s.samples[i:]
}

// Collector stores recent metric samples per (target, metric type) pair.
type Collector struct {
	mu     sync.RWMutex
	series map[string]*series
	clock  mclock.Clock
}

// NewCollector creates an empty metric collector.
func NewCollector(clock mclock.Clock) *Collector {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Collector{
		series: make(map[string]*series),
		clock:  clock,
	}
}

func seriesKey(targetID, metricType string) string {
	return targetID + "\x00" + metricType
}

// Record appends one sample.
func (c *Collector) Record(targetID, metricType string, value float64) {
	key := seriesKey(targetID, metricType)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	sr, ok := c.series[key]
	if !ok {
		sr = new(series)
		c.series[key] = sr
	}
	sr.add(sample{value: value, at: now})
}

// Average returns the moving average over the window. ok is false when the
// window holds no samples.
func (c *Collector) Average(targetID, metricType string, window time.Duration) (avg float64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sr, exists := c.series[seriesKey(targetID, metricType)]
	if !exists {
		return 0, false
	}
	in := sr.window(c.clock.Now(), window)
	if len(in) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, sm := range in {
		sum += sm.value
	}
	return sum / float64(len(in)), true
}

// P99 returns the 99th percentile of the window.
func (c *Collector) P99(targetID, metricType string, window time.Duration) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sr, exists := c.series[seriesKey(targetID, metricType)]
	if !exists {
		return 0, false
	}
	in := sr.window(c.clock.Now(), window)
	if len(in) == 0 {
		return 0, false
	}
	values := make([]float64, len(in))
	for i, sm := range in {
		values[i] = sm.value
	}
	sort.Float64s(values)
	idx := (len(values)*99 + 99) / 100
	if idx > len(values) {
		idx = len(values)
	}
	return values[idx-1], true
}
