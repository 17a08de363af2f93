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

// Package discover implements the overlay discovery protocol. It maintains a
// Kademlia-like table of the ids and endpoints of all known nodes, a small
// DHT for record replication, and the per-peer connection state machine.
package discover

import (
	"encoding/hex"
	"math/bits"
	"sort"
	"sync"

	"github.com/jeju-network/dws/common"
	"github.com/jeju-network/dws/crypto"
)

const (
	alpha      = 3   // Kademlia concurrency factor
	bucketSize = 20  // Kademlia bucket size
	hashBits   = 256 // key width
	nBuckets   = hashBits
)

// DerivePeerID computes the wire form of a peer id from the configured node
// id: "Qm" followed by the first 46 hex characters of keccak256(nodeID).
func DerivePeerID(nodeID string) string {
	h := crypto.Keccak256([]byte(nodeID))
	return "Qm" + hex.EncodeToString(h)[:46]
}

// Key returns the 256-bit Kademlia key of a peer id.
func Key(peerID string) common.Hash {
	return crypto.Keccak256Hash([]byte(peerID))
}

// logdist returns the logarithmic XOR distance between a and b: the position
// of the most significant differing bit, counted from 1. Equal keys have
// distance 0.
func logdist(a, b common.Hash) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
		} else {
			lz += bits.LeadingZeros8(x)
			break
		}
	}
	return len(a)*8 - lz
}

// distcmp compares the XOR distances target<->a and target<->b. It returns
// -1 if a is closer, 1 if b is closer and 0 when they are equal.
func distcmp(target, a, b common.Hash) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da > db {
			return 1
		} else if da < db {
			return -1
		}
	}
	return 0
}

// bucket holds up to bucketSize peer ids in arrival order. Overflow evicts
// the oldest entry.
type bucket struct {
	entries []string
}

// Table is the 256-bucket Kademlia routing table. It stores peer ids only;
// metadata lives in the peer store.
type Table struct {
	mutex   sync.Mutex
	buckets [nBuckets]*bucket
	self    common.Hash
	keys    map[string]common.Hash // peer id -> cached key
}

// NewTable creates a routing table centered on the given peer id.
func NewTable(selfID string) *Table {
	tab := &Table{
		self: Key(selfID),
		keys: make(map[string]common.Hash),
	}
	for i := range tab.buckets {
		tab.buckets[i] = new(bucket)
	}
	return tab
}

// Add inserts a peer id into its bucket. A full bucket drops its oldest
// entry (FIFO). Adding the local node or an already known peer is a no-op.
func (tab *Table) Add(id string) {
	key := Key(id)
	if key == tab.self {
		return
	}
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	if _, known := tab.keys[id]; known {
		return
	}
	b := tab.buckets[tab.bucketIndex(key)]
	if len(b.entries) >= bucketSize {
		old := b.entries[0]
		b.entries = b.entries[1:]
		delete(tab.keys, old)
	}
	b.entries = append(b.entries, id)
	tab.keys[id] = key
}

// Delete removes a peer id from the table.
func (tab *Table) Delete(id string) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	key, known := tab.keys[id]
	if !known {
		return
	}
	b := tab.buckets[tab.bucketIndex(key)]
	for i, e := range b.entries {
		if e == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	delete(tab.keys, id)
}

// Contains reports whether the table holds the given peer id.
func (tab *Table) Contains(id string) bool {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	_, ok := tab.keys[id]
	return ok
}

// Len returns the total number of table entries.
func (tab *Table) Len() (n int) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	for _, b := range tab.buckets {
		n += len(b.entries)
	}
	return n
}

// Closest returns the n peer ids whose keys are closest to target by XOR
// distance.
func (tab *Table) Closest(target common.Hash, n int) []string {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	// Linear scan over every bucket, keeping the n nearest in a sorted
	// window. Table size is bounded by nBuckets*bucketSize, so the full
	// pass stays small.
	cl := &idsByDistance{target: target}
	for _, b := range tab.buckets {
		for _, id := range b.entries {
			cl.push(id, tab.keys[id], n)
		}
	}
	return cl.ids
}

// bucketIndex maps a key to its bucket. The caller must hold tab.mutex.
func (tab *Table) bucketIndex(key common.Hash) int {
	d := logdist(tab.self, key)
	if d == 0 {
		return 0
	}
	return d - 1
}

// idsByDistance is a list of peer ids, ordered by distance to target.
type idsByDistance struct {
	ids    []string
	keys   []common.Hash
	target common.Hash
}

// push adds the given peer to the list, keeping the total size below maxElems.
func (h *idsByDistance) push(id string, key common.Hash, maxElems int) {
	ix := sort.Search(len(h.ids), func(i int) bool {
		return distcmp(h.target, h.keys[i], key) > 0
	})
	if len(h.ids) < maxElems {
		h.ids = append(h.ids, id)
		h.keys = append(h.keys, key)
	}
	if ix == len(h.ids) {
		// farther away than all entries we already have.
		// if there was room for it, the peer is now the last element.
	} else {
		// slide existing entries down to make room.
		// this will overwrite the entry we just appended.
		copy(h.ids[ix+1:], h.ids[ix:])
		copy(h.keys[ix+1:], h.keys[ix:])
		h.ids[ix] = id
		h.keys[ix] = key
	}
}
