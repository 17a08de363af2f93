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

package gossip

import (
	"sort"

	"github.com/jeju-network/dws/common/mclock"
)

func (s *Service) heartbeatLoop() {
	defer s.wg.Done()

	timer := s.clock.NewTimer(s.cfg.Heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-timer.C():
			s.heartbeat()
			timer.Reset(s.cfg.Heartbeat)
		case <-s.quit:
			return
		}
	}
}

func (s *Service) janitorLoop() {
	defer s.wg.Done()

	interval := s.cfg.SeenTTL / 2
	timer := s.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C():
			s.trimRecent()
			timer.Reset(interval)
		case <-s.quit:
			return
		}
	}
}

// heartbeat runs one round of mesh maintenance for every topic: top up thin
// meshes, prune fat ones, emit lazy IHAVE gossip and expire idle fanout.
func (s *Service) heartbeat() {
	now := s.clock.Now()

	type graft struct{ peer, topic string }
	type prune struct{ peer, topic string }
	type ihave struct {
		peer string
		ctrl *Control
	}
	var grafts []graft
	var prunes []prune
	var ihaves []ihave

	s.mu.Lock()
	for topic, st := range s.topics {
		idle := now-st.lastPublish > mclock.AbsTime(fanoutTTL)
		if !st.subscribed {
			// Fanout-only topics expire when idle. A topic remote peers
			// grafted into stays as long as its mesh is populated.
			if idle && st.mesh.Cardinality() == 0 {
				delete(s.topics, topic)
			}
			continue
		}
		if idle {
			st.fanout.Clear()
		}

		size := st.mesh.Cardinality()
		switch {
		case size < meshDLow:
			for _, p := range s.pickPeersLocked(topic, meshD-size, st.mesh.ToSlice()) {
				st.mesh.Add(p)
				grafts = append(grafts, graft{p, topic})
			}
		case size > meshDHigh:
			members := st.mesh.ToSlice()
			sort.Slice(members, func(i, j int) bool {
				return s.scores[members[i]] < s.scores[members[j]]
			})
			for _, p := range members[:size-meshD] {
				st.mesh.Remove(p)
				prunes = append(prunes, prune{p, topic})
			}
		}

		// Lazy gossip: advertise recent ids to a few non-mesh peers.
		ids := s.recentIDsLocked(topic, now)
		if len(ids) == 0 {
			continue
		}
		candidates := s.pickPeersLocked(topic, meshDLazy, st.mesh.ToSlice())
		for _, p := range candidates {
			if s.rng.Float64() >= gossipFactor {
				continue
			}
			ihaves = append(ihaves, ihave{p, &Control{Type: CtrlIHave, Topic: topic, MsgIDs: ids}})
		}
	}
	s.mu.Unlock()

	for _, g := range grafts {
		s.sendControl(g.peer, &Control{Type: CtrlGraft, Topic: g.topic})
	}
	for _, p := range prunes {
		s.sendControl(p.peer, &Control{Type: CtrlPrune, Topic: p.topic})
	}
	for _, ih := range ihaves {
		s.sendControl(ih.peer, ih.ctrl)
	}
}

// recentIDsLocked returns ids of messages on topic published within the
// IHAVE window. Caller holds s.mu.
func (s *Service) recentIDsLocked(topic string, now mclock.AbsTime) []string {
	var ids []string
	for _, rm := range s.recent {
		if rm.topic == topic && now-rm.at <= mclock.AbsTime(ihaveWindow) {
			ids = append(ids, rm.id)
		}
	}
	return ids
}

// graftUpTo grafts random live peers into the topic mesh until it reaches
// the target degree.
func (s *Service) graftUpTo(topic string, target int) {
	s.mu.Lock()
	st := s.topicLocked(topic)
	var added []string
	if n := target - st.mesh.Cardinality(); n > 0 {
		for _, p := range s.pickPeersLocked(topic, n, st.mesh.ToSlice()) {
			st.mesh.Add(p)
			added = append(added, p)
		}
	}
	s.mu.Unlock()

	for _, p := range added {
		s.sendControl(p, &Control{Type: CtrlGraft, Topic: topic})
	}
}

// trimRecent drops replay-queue entries older than the seen TTL.
func (s *Service) trimRecent() {
	now := s.clock.Now()
	ttl := mclock.AbsTime(s.cfg.SeenTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := 0
	for ; idx < len(s.recent); idx++ {
		if now-s.recent[idx].at <= ttl {
			break
		}
	}
	if idx > 0 {
		s.recent = append([]recentMsg(nil), s.recent[idx:]...)
	}
}
