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

package discover

import (
	"sync"

	"github.com/jeju-network/dws/common"
	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/crypto"
)

// replication is the number of closest peers a record is pushed to on put.
const replication = 20

// Record is one DHT entry. Value is opaque to the overlay. A record is live
// while now <= Timestamp+TTL.
type Record struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	Publisher string `json:"publisher"`
	Timestamp int64  `json:"timestamp"` // ms
	TTL       int64  `json:"ttl"`       // ms
}

// Expired reports whether the record is past its lifetime at the given
// ms-epoch instant.
func (r *Record) Expired(nowMs int64) bool {
	return nowMs > r.Timestamp+r.TTL
}

// RecordKey returns the Kademlia key of a DHT record key.
func RecordKey(key string) common.Hash {
	return crypto.Keccak256Hash([]byte(key))
}

// recordStore is the local slice of the DHT. Expired records are dropped
// lazily on read and swept on the discovery refresh tick.
type recordStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	clock   mclock.Clock
}

func newRecordStore(clock mclock.Clock) *recordStore {
	return &recordStore{
		records: make(map[string]*Record),
		clock:   clock,
	}
}

// put stores the record, replacing any older one under the same key.
func (rs *recordStore) put(rec *Record) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if old, ok := rs.records[rec.Key]; ok && old.Timestamp > rec.Timestamp {
		return
	}
	cpy := *rec
	cpy.Value = append([]byte(nil), rec.Value...)
	rs.records[rec.Key] = &cpy
}

// get returns a copy of the unexpired record under key, or nil.
func (rs *recordStore) get(key string) *Record {
	now := rs.clock.Now().UnixMilli()

	rs.mu.RLock()
	rec, ok := rs.records[key]
	rs.mu.RUnlock()
	if !ok {
		return nil
	}
	if rec.Expired(now) {
		rs.mu.Lock()
		// Recheck under the write lock, a fresher record may have landed.
		if cur, ok := rs.records[key]; ok && cur.Expired(now) {
			delete(rs.records, key)
		}
		rs.mu.Unlock()
		return nil
	}
	cpy := *rec
	cpy.Value = append([]byte(nil), rec.Value...)
	return &cpy
}

// sweep deletes all expired records and returns how many were dropped.
func (rs *recordStore) sweep() int {
	now := rs.clock.Now().UnixMilli()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	dropped := 0
	for key, rec := range rs.records {
		if rec.Expired(now) {
			delete(rs.records, key)
			dropped++
		}
	}
	return dropped
}

func (rs *recordStore) len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.records)
}
