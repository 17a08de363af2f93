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

// Package gossip implements topic-based message propagation with bounded
// duplication: a mesh of D peers per topic, lazy IHAVE/IWANT gossip to
// non-mesh peers and a per-peer behavior score.
package gossip

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jeju-network/dws/common/mclock"
	"github.com/jeju-network/dws/crypto"
	"github.com/jeju-network/dws/log"
)

const (
	// Mesh degree targets.
	meshD     = 6
	meshDLow  = 4
	meshDHigh = 12
	meshDLazy = 6

	gossipFactor = 0.25

	defaultHeartbeat  = time.Second
	defaultSeenTTL    = 120 * time.Second
	fanoutTTL         = 60 * time.Second
	ihaveWindow       = 5 * time.Second
	defaultMaxMsgSize = 1 << 20

	seenCacheLimit = 100000

	// ControlTopic carries GRAFT/PRUNE/IHAVE/IWANT between peers.
	ControlTopic = "__control__"
)

// Score deltas applied on the receive path, clamped to [minScore,maxScore].
const (
	deltaDelivered = 1
	deltaDuplicate = -0.5
	deltaInvalid   = -10

	minScore = -100
	maxScore = 150
)

var (
	ErrTooLarge      = errors.New("message exceeds maximum size")
	ErrNotSubscribed = errors.New("not subscribed to topic")
)

// Message is one gossip envelope. Data is carried base64-encoded in JSON.
type Message struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	From      string `json:"from"`
	Seqno     uint64 `json:"seqno"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp"` // ms
}

// ControlType enumerates the mesh control verbs.
type ControlType string

const (
	CtrlGraft ControlType = "graft"
	CtrlPrune ControlType = "prune"
	CtrlIHave ControlType = "ihave"
	CtrlIWant ControlType = "iwant"
)

// Control is a mesh maintenance message, exchanged on ControlTopic.
type Control struct {
	Type   ControlType `json:"type"`
	Topic  string      `json:"topic"`
	MsgIDs []string    `json:"msgIds,omitempty"`
}

// Sender pushes messages to a single peer. The p2p layer injects its HTTP
// implementation via SetSender.
type Sender interface {
	SendMessage(ctx context.Context, peerID string, msg *Message) error
	SendControl(ctx context.Context, peerID string, ctrl *Control) error
}

// Handler receives messages delivered to a subscription.
type Handler func(msg *Message)

// MessageID derives the message id: keccak256 over sender, sequence number
// and timestamp.
func MessageID(from string, seqno uint64, timestamp int64) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seqno)
	binary.BigEndian.PutUint64(buf[8:], uint64(timestamp))
	return hex.EncodeToString(crypto.Keccak256([]byte(from), buf[:]))
}

type topicState struct {
	mesh        mapset.Set[string]
	fanout      mapset.Set[string]
	lastPublish mclock.AbsTime
	handlers    []Handler
	subscribed  bool
}

type recentMsg struct {
	id    string
	topic string
	at    mclock.AbsTime
	msg   *Message
}

// Config tunes the gossip service.
type Config struct {
	Self           string
	Heartbeat      time.Duration
	SeenTTL        time.Duration
	MaxMessageSize int
}

func (cfg Config) withDefaults() Config {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.SeenTTL == 0 {
		cfg.SeenTTL = defaultSeenTTL
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = defaultMaxMsgSize
	}
	return cfg
}

// Service is the gossip router of one node.
type Service struct {
	cfg   Config
	clock mclock.Clock
	log   log.Logger

	mu     sync.Mutex
	topics map[string]*topicState
	scores map[string]float64
	recent []recentMsg
	seqno  uint64
	sender Sender
	peers  func() []string // live peer ids, supplied by discovery
	rng    *rand.Rand

	seen *lru.LRU[string, struct{}]

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates the gossip service. peers supplies the current live peer set;
// the sender is injected later via SetSender.
func New(cfg Config, peers func() []string, clock mclock.Clock) *Service {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = mclock.System{}
	}
	return &Service{
		cfg:    cfg,
		clock:  clock,
		log:    log.New("component", "gossip"),
		topics: make(map[string]*topicState),
		scores: make(map[string]float64),
		peers:  peers,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:   lru.NewLRU[string, struct{}](seenCacheLimit, nil, cfg.SeenTTL),
		quit:   make(chan struct{}),
	}
}

// SetSender injects the outbound transport. Must be called before Start.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Start launches the heartbeat and the seen-cache janitor.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.janitorLoop()
	s.log.Info("Gossip started", "heartbeat", s.cfg.Heartbeat)
}

// Stop terminates the background loops.
func (s *Service) Stop() {
	close(s.quit)
	s.wg.Wait()
}

// Subscribe registers a handler for a topic and joins its mesh.
func (s *Service) Subscribe(topic string, h Handler) {
	s.mu.Lock()
	st := s.topicLocked(topic)
	st.subscribed = true
	st.handlers = append(st.handlers, h)
	s.mu.Unlock()

	s.graftUpTo(topic, meshD)
}

// Unsubscribe leaves the topic: handlers are dropped and every mesh member
// receives a PRUNE.
func (s *Service) Unsubscribe(topic string) {
	s.mu.Lock()
	st, ok := s.topics[topic]
	if !ok {
		s.mu.Unlock()
		return
	}
	members := st.mesh.ToSlice()
	delete(s.topics, topic)
	s.mu.Unlock()

	for _, peer := range members {
		s.sendControl(peer, &Control{Type: CtrlPrune, Topic: topic})
	}
}

// Publish routes data to the topic mesh. Payloads over the maximum size are
// rejected.
func (s *Service) Publish(topic string, data []byte) (string, error) {
	if len(data) > s.cfg.MaxMessageSize {
		return "", ErrTooLarge
	}
	now := s.clock.Now()

	s.mu.Lock()
	s.seqno++
	msg := &Message{
		Topic:     topic,
		From:      s.cfg.Self,
		Seqno:     s.seqno,
		Data:      data,
		Timestamp: now.UnixMilli(),
	}
	msg.ID = MessageID(msg.From, msg.Seqno, msg.Timestamp)
	s.seen.Add(msg.ID, struct{}{})
	s.recent = append(s.recent, recentMsg{id: msg.ID, topic: topic, at: now, msg: msg})

	st := s.topicLocked(topic)
	st.lastPublish = now
	targets := st.mesh.ToSlice()
	// A thin mesh is topped up from random fanout peers for this publish.
	if len(targets) < meshD {
		for _, p := range s.pickPeersLocked(topic, meshD-len(targets), append(targets, s.cfg.Self)) {
			st.fanout.Add(p)
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, peer := range targets {
		s.sendMessage(peer, msg)
	}
	return msg.ID, nil
}

// HandleMessage is the receive path for an envelope arriving from a peer.
func (s *Service) HandleMessage(from string, msg *Message) error {
	if err := s.sanity(msg); err != nil {
		s.addScore(from, deltaInvalid)
		return err
	}

	s.mu.Lock()
	if _, dup := s.seen.Get(msg.ID); dup {
		s.mu.Unlock()
		s.addScore(from, deltaDuplicate)
		return nil
	}
	s.seen.Add(msg.ID, struct{}{})
	s.recent = append(s.recent, recentMsg{id: msg.ID, topic: msg.Topic, at: s.clock.Now(), msg: msg})

	st, ok := s.topics[msg.Topic]
	var handlers []Handler
	var forward []string
	if ok {
		handlers = append(handlers, st.handlers...)
		for _, p := range st.mesh.ToSlice() {
			if p != from && p != msg.From {
				forward = append(forward, p)
			}
		}
	}
	s.mu.Unlock()

	s.addScore(from, deltaDelivered)
	for _, h := range handlers {
		s.deliver(h, msg)
	}
	for _, peer := range forward {
		s.sendMessage(peer, msg)
	}
	return nil
}

// deliver invokes one subscriber, isolating panics.
func (s *Service) deliver(h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Gossip handler panicked", "topic", msg.Topic, "err", r)
		}
	}()
	h(msg)
}

// sanity checks the structural validity of an envelope.
func (s *Service) sanity(msg *Message) error {
	switch {
	case msg == nil:
		return errors.New("nil message")
	case msg.ID == "", msg.From == "", msg.Topic == "":
		return errors.New("incomplete message")
	case len(msg.Data) > s.cfg.MaxMessageSize:
		return ErrTooLarge
	case len(msg.ID) != 64:
		return fmt.Errorf("malformed message id %q", msg.ID)
	}
	if _, err := hex.DecodeString(msg.ID); err != nil {
		return fmt.Errorf("malformed message id %q", msg.ID)
	}
	return nil
}

// HandleControl processes a mesh control verb from a peer.
func (s *Service) HandleControl(from string, ctrl *Control) {
	switch ctrl.Type {
	case CtrlGraft:
		s.handleGraft(from, ctrl.Topic)
	case CtrlPrune:
		s.mu.Lock()
		if st, ok := s.topics[ctrl.Topic]; ok {
			st.mesh.Remove(from)
		}
		s.mu.Unlock()
	case CtrlIHave:
		s.handleIHave(from, ctrl)
	case CtrlIWant:
		s.handleIWant(from, ctrl)
	default:
		s.addScore(from, deltaInvalid)
	}
}

// handleGraft accepts the peer into the mesh unless it is full or the peer
// is in bad standing, in which case a PRUNE is returned.
func (s *Service) handleGraft(from, topic string) {
	s.mu.Lock()
	st := s.topicLocked(topic)
	full := st.mesh.Cardinality() >= meshDHigh
	badScore := s.scores[from] < 0
	if !full && !badScore {
		st.mesh.Add(from)
	}
	s.mu.Unlock()

	if full || badScore {
		s.sendControl(from, &Control{Type: CtrlPrune, Topic: topic})
	}
}

// handleIHave answers with an IWANT for the advertised ids we have not seen.
func (s *Service) handleIHave(from string, ctrl *Control) {
	var want []string
	s.mu.Lock()
	for _, id := range ctrl.MsgIDs {
		if _, ok := s.seen.Get(id); !ok {
			want = append(want, id)
		}
	}
	s.mu.Unlock()
	if len(want) > 0 {
		s.sendControl(from, &Control{Type: CtrlIWant, Topic: ctrl.Topic, MsgIDs: want})
	}
}

// handleIWant replays requested messages still in the recent queue.
func (s *Service) handleIWant(from string, ctrl *Control) {
	wanted := make(map[string]bool, len(ctrl.MsgIDs))
	for _, id := range ctrl.MsgIDs {
		wanted[id] = true
	}
	var replay []*Message
	s.mu.Lock()
	for _, rm := range s.recent {
		if wanted[rm.id] {
			replay = append(replay, rm.msg)
		}
	}
	s.mu.Unlock()
	for _, msg := range replay {
		s.sendMessage(from, msg)
	}
}

// MeshPeers returns the current mesh members of a topic.
func (s *Service) MeshPeers(topic string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.topics[topic]; ok {
		return st.mesh.ToSlice()
	}
	return nil
}

// PeerScore returns the gossip behavior score of a peer.
func (s *Service) PeerScore(peer string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[peer]
}

func (s *Service) addScore(peer string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.scores[peer] + delta
	if v < minScore {
		v = minScore
	}
	if v > maxScore {
		v = maxScore
	}
	s.scores[peer] = v
}

// topicLocked returns the state of a topic, creating it on first use.
// Caller holds s.mu.
func (s *Service) topicLocked(topic string) *topicState {
	st, ok := s.topics[topic]
	if !ok {
		st = &topicState{
			mesh:   mapset.NewSet[string](),
			fanout: mapset.NewSet[string](),
		}
		s.topics[topic] = st
	}
	return st
}

// pickPeersLocked selects up to n random live peers excluding the given
// ids. Caller holds s.mu.
func (s *Service) pickPeersLocked(topic string, n int, exclude []string) []string {
	if s.peers == nil || n <= 0 {
		return nil
	}
	excluded := make(map[string]bool, len(exclude)+1)
	excluded[s.cfg.Self] = true
	for _, id := range exclude {
		excluded[id] = true
	}
	var candidates []string
	for _, id := range s.peers() {
		if !excluded[id] {
			candidates = append(candidates, id)
		}
	}
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func (s *Service) sendMessage(peer string, msg *Message) {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sender.SendMessage(ctx, peer, msg); err != nil {
		s.log.Trace("Gossip send failed", "peer", peer, "topic", msg.Topic, "err", err)
	}
}

func (s *Service) sendControl(peer string, ctrl *Control) {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sender.SendControl(ctx, peer, ctrl); err != nil {
		s.log.Trace("Gossip control send failed", "peer", peer, "type", ctrl.Type, "err", err)
	}
}
