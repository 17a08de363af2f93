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
	"fmt"
	"strings"
	"testing"
)

func TestDerivePeerID(t *testing.T) {
	id := DerivePeerID("node-1")
	if !strings.HasPrefix(id, "Qm") {
		t.Fatalf("missing Qm prefix: %q", id)
	}
	if len(id) != 48 {
		t.Fatalf("peer id length: got %d, want 48", len(id))
	}
	if id != DerivePeerID("node-1") {
		t.Fatal("derivation not deterministic")
	}
	if id == DerivePeerID("node-2") {
		t.Fatal("distinct node ids collide")
	}
}

func TestLogdist(t *testing.T) {
	a := Key("a")
	if logdist(a, a) != 0 {
		t.Fatal("distance to self not zero")
	}
	b := a
	b[0] ^= 0x80 // flip the most significant bit
	if got := logdist(a, b); got != 256 {
		t.Fatalf("logdist: got %d, want 256", got)
	}
	c := a
	c[31] ^= 0x01 // flip the least significant bit
	if got := logdist(a, c); got != 1 {
		t.Fatalf("logdist: got %d, want 1", got)
	}
}

func TestDistcmp(t *testing.T) {
	target := Key("t")
	near := target
	near[31] ^= 0x01
	far := target
	far[0] ^= 0x80

	if distcmp(target, near, far) != -1 {
		t.Fatal("near not ranked closer")
	}
	if distcmp(target, far, near) != 1 {
		t.Fatal("far not ranked farther")
	}
	if distcmp(target, near, near) != 0 {
		t.Fatal("equal keys not equal distance")
	}
}

func TestTableAddDelete(t *testing.T) {
	tab := NewTable("self")
	tab.Add("p1")
	tab.Add("p1") // duplicate is a no-op
	if tab.Len() != 1 {
		t.Fatalf("len after duplicate add: %d", tab.Len())
	}
	if !tab.Contains("p1") {
		t.Fatal("added peer missing")
	}
	tab.Delete("p1")
	if tab.Contains("p1") || tab.Len() != 0 {
		t.Fatal("delete did not remove peer")
	}
}

func TestTableIgnoresSelf(t *testing.T) {
	tab := NewTable("self")
	tab.Add("self")
	if tab.Len() != 0 {
		t.Fatal("table accepted the local node")
	}
}

func TestBucketFIFOEviction(t *testing.T) {
	tab := NewTable("self")

	// Collect ids that land in the same bucket until it overflows.
	byBucket := make(map[int][]string)
	var fullBucket int
	for i := 0; fullBucket == 0; i++ {
		id := fmt.Sprintf("peer-%d", i)
		bi := tab.bucketIndex(Key(id))
		byBucket[bi] = append(byBucket[bi], id)
		if len(byBucket[bi]) == bucketSize+1 {
			fullBucket = bi
		}
	}
	for _, id := range byBucket[fullBucket] {
		tab.Add(id)
	}

	b := tab.buckets[fullBucket]
	if len(b.entries) != bucketSize {
		t.Fatalf("bucket size: got %d, want %d", len(b.entries), bucketSize)
	}
	oldest := byBucket[fullBucket][0]
	if tab.Contains(oldest) {
		t.Fatal("oldest entry survived overflow")
	}
	newest := byBucket[fullBucket][bucketSize]
	if !tab.Contains(newest) {
		t.Fatal("newest entry was dropped")
	}
}

func TestClosestOrdering(t *testing.T) {
	tab := NewTable("self")
	n := 50
	for i := 0; i < n; i++ {
		tab.Add(fmt.Sprintf("peer-%d", i))
	}

	target := Key("target")
	got := tab.Closest(target, 16)
	if len(got) != 16 {
		t.Fatalf("result size: got %d, want 16", len(got))
	}
	for i := 1; i < len(got); i++ {
		if distcmp(target, Key(got[i-1]), Key(got[i])) > 0 {
			t.Fatalf("results out of order at %d: %s before %s", i, got[i-1], got[i])
		}
	}
	// The last returned peer must be at least as close as every excluded one.
	excluded := make(map[string]bool)
	for i := 0; i < n; i++ {
		excluded[fmt.Sprintf("peer-%d", i)] = true
	}
	for _, id := range got {
		delete(excluded, id)
	}
	worst := Key(got[len(got)-1])
	for id := range excluded {
		if distcmp(target, Key(id), worst) < 0 {
			t.Fatalf("excluded peer %s closer than returned tail", id)
		}
	}
}
