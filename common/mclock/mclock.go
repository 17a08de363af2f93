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

// Package mclock is a wrapper for a monotonic clock source.
package mclock

import "time"

// AbsTime represents absolute time in nanoseconds.
type AbsTime int64

// Now returns the current absolute time.
func Now() AbsTime {
	return AbsTime(time.Now().UnixNano())
}

// Add returns t + d as absolute time.
func (t AbsTime) Add(d time.Duration) AbsTime {
	return t + AbsTime(d)
}

// Sub returns t - t2 as a duration.
func (t AbsTime) Sub(t2 AbsTime) time.Duration {
	return time.Duration(t - t2)
}

// UnixMilli returns t as a millisecond epoch value. Wire timestamps in dws
// (DHT records, gossip envelopes, penalty expiries) are millisecond epochs.
func (t AbsTime) UnixMilli() int64 {
	return int64(t) / int64(time.Millisecond)
}

// FromMilli converts a millisecond epoch value to an AbsTime.
func FromMilli(ms int64) AbsTime {
	return AbsTime(ms * int64(time.Millisecond))
}

// The Clock interface makes it possible to replace the monotonic system clock with
// a simulated clock.
type Clock interface {
	Now() AbsTime
	Sleep(time.Duration)
	NewTimer(time.Duration) ChanTimer
	After(time.Duration) <-chan AbsTime
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable event created by AfterFunc.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer has already
	// expired or been stopped.
	Stop() bool
}

// ChanTimer is a cancellable event created by NewTimer.
type ChanTimer interface {
	Timer

	// The channel returned by C receives a value when the timer expires.
	C() <-chan AbsTime
	// Reset reschedules the timer with a new timeout.
	// It should be invoked only on stopped or expired timers with drained channels.
	Reset(time.Duration)
}

// System implements Clock using the system clock.
type System struct{}

// Now returns the current time.
func (c System) Now() AbsTime {
	return AbsTime(time.Now().UnixNano())
}

// Sleep blocks for the given duration.
func (c System) Sleep(d time.Duration) {
	time.Sleep(d)
}

// NewTimer creates a timer which can be rescheduled.
func (c System) NewTimer(d time.Duration) ChanTimer {
	ch := make(chan AbsTime, 1)
	t := &systemTimer{ch: ch}
	t.timer = time.AfterFunc(d, func() {
		// The send is non-blocking because ch is one-element buffered.
		ch <- c.Now()
	})
	return t
}

// After returns a channel which receives the current time after d has elapsed.
func (c System) After(d time.Duration) <-chan AbsTime {
	ch := make(chan AbsTime, 1)
	time.AfterFunc(d, func() { ch <- c.Now() })
	return ch
}

// AfterFunc runs f on a new goroutine after the duration has elapsed.
func (c System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type systemTimer struct {
	timer *time.Timer
	ch    <-chan AbsTime
}

func (st *systemTimer) Reset(d time.Duration) {
	st.timer.Reset(d)
}

func (st *systemTimer) Stop() bool {
	return st.timer.Stop()
}

func (st *systemTimer) C() <-chan AbsTime {
	return st.ch
}
