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

package ingress

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/log"
)

const (
	// Fixed rate-limit window.
	rateWindow = time.Minute

	// localCounterLimit bounds the fallback counter map; stale windows are
	// evicted lazily once the map grows past it.
	localCounterLimit = 10000

	storeTimeout = 2 * time.Second
)

// CounterStore is the distributed fixed-window counter, typically backed
// by a shared database. Increment bumps the counter for the key's current
// window and returns the new count.
type CounterStore interface {
	Increment(ctx context.Context, key string, windowStart int64) (count int64, err error)
}

// rateLimiter enforces fixed-window limits, preferring the distributed
// store and degrading to a process-local counter map when it fails.
type rateLimiter struct {
	store CounterStore
	clock mclock.Clock
	log   log.Logger

	mu    sync.Mutex
	local map[string]int64 // "key:window" -> count
}

func newRateLimiter(store CounterStore, clock mclock.Clock, logger log.Logger) *rateLimiter {
	return &rateLimiter{
		store: store,
		clock: clock,
		log:   logger,
		local: make(map[string]int64),
	}
}

// allow counts one request for the client and reports whether it stays
// within maxPerWindow.
func (rl *rateLimiter) allow(ctx context.Context, key string, maxPerWindow int64) bool {
	nowMs := rl.clock.Now().UnixMilli()
	windowMs := rateWindow.Milliseconds()
	windowStart := nowMs - nowMs%windowMs

	if rl.store != nil {
		cctx, cancel := context.WithTimeout(ctx, storeTimeout)
		count, err := rl.store.Increment(cctx, key, windowStart)
		cancel()
		if err == nil {
			return count <= maxPerWindow
		}
		rl.log.Warn("Rate-limit store unavailable, using local fallback", "err", err)
	}
	return rl.allowLocal(key, windowStart, maxPerWindow)
}

func (rl *rateLimiter) allowLocal(key string, windowStart, maxPerWindow int64) bool {
	bucket := key + ":" + formatWindow(windowStart)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.local) > localCounterLimit {
		rl.evictLocked(windowStart)
	}
	rl.local[bucket]++
	return rl.local[bucket] <= maxPerWindow
}

// evictLocked drops counters from past windows.
func (rl *rateLimiter) evictLocked(windowStart int64) {
	current := ":" + formatWindow(windowStart)
	for k := range rl.local {
		if !strings.HasSuffix(k, current) {
			delete(rl.local, k)
		}
	}
}

func formatWindow(windowStart int64) string {
	return strconv.FormatInt(windowStart, 10)
}

// clientID extracts the caller identity for rate limiting from proxy
// headers, in trust order.
func clientID(r *http.Request) string {
	if v := r.Header.Get("x-real-ip"); v != "" {
		return v
	}
	if v := r.Header.Get("cf-connecting-ip"); v != "" {
		return v
	}
	if v := r.Header.Get("x-forwarded-for"); v != "" {
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		return strings.TrimSpace(v)
	}
	return "unknown"
}
