// Package simulator is a deterministic discrete-event driver for the VR
// core. It keeps a virtual clock, a timing wheel of scheduled events,
// per-node FIFO inboxes and a table of directional links, and it enacts
// every effect the replicas produce. Given the same seed, topology and
// request script, two runs produce identical event traces.
package simulator

import (
	"container/heap"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/mgentili/govr/vr"
)

// NodeID names a node in the simulated network. By convention replicas
// occupy their replica number and clients any id at or above the group
// size; the two must not collide.
type NodeID uint64

// Link is one direction of a network path. Installed as a symmetric pair
// by SetLink.
type Link struct {
	Up       bool
	BaseMs   uint64
	JitterMs uint64
	DropPct  uint8
	DupPct   uint8
}

type wheelKind int

const (
	wheelDeliver wheelKind = iota
	wheelFireTimer
	wheelClientThink
)

// wheelEntry is one scheduled event. seq breaks ties so entries at the
// same virtual time run in insertion order.
type wheelEntry[I, O any] struct {
	at   vr.VirtualTime
	seq  uint64
	kind wheelKind

	node NodeID

	timerKind vr.TimerKind
	timerAt   vr.VirtualTime

	op         I
	requestNum *uint64
}

type wheel[I, O any] []*wheelEntry[I, O]

func (w wheel[I, O]) Len() int { return len(w) }
func (w wheel[I, O]) Less(i, j int) bool {
	if w[i].at != w[j].at {
		return w[i].at < w[j].at
	}
	return w[i].seq < w[j].seq
}
func (w wheel[I, O]) Swap(i, j int) { w[i], w[j] = w[j], w[i] }
func (w *wheel[I, O]) Push(x any)   { *w = append(*w, x.(*wheelEntry[I, O])) }
func (w *wheel[I, O]) Pop() any {
	old := *w
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*w = old[:n-1]
	return e
}

// inboxEvent is one queued input for a node: an inbound message or a
// timer firing.
type inboxEvent[I, O any] struct {
	msg     vr.Message[I, O]
	timer   vr.TimerKind
	isTimer bool
}

type Simulator[I, O any] struct {
	now   vr.VirtualTime
	wheel wheel[I, O]
	seq   uint64

	replicas map[NodeID]*vr.Replica[I, O]
	clients  map[NodeID]*Client[I, O]
	inbox    map[NodeID][]inboxEvent[I, O]
	links    map[[2]NodeID]Link

	// clientNodes routes Reply effects: client id -> node.
	clientNodes map[string]NodeID

	rng   *rand.Rand
	trace []string
}

func New[I, O any](seed int64) *Simulator[I, O] {
	return &Simulator[I, O]{
		replicas:    make(map[NodeID]*vr.Replica[I, O]),
		clients:     make(map[NodeID]*Client[I, O]),
		inbox:       make(map[NodeID][]inboxEvent[I, O]),
		links:       make(map[[2]NodeID]Link),
		clientNodes: make(map[string]NodeID),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Now is the current virtual time.
func (s *Simulator[I, O]) Now() vr.VirtualTime {
	return s.now
}

// Trace is the ordered record of everything the simulator did. Two runs
// with the same seed and script produce byte-identical traces.
func (s *Simulator[I, O]) Trace() []string {
	return s.trace
}

// AddReplica registers a replica under the given node id and enacts its
// bootstrap effects (initial timers).
func (s *Simulator[I, O]) AddReplica(id NodeID, r *vr.Replica[I, O]) {
	s.replicas[id] = r
	s.applyEffects(id, r.Bootstrap(s.now))
}

func (s *Simulator[I, O]) AddClient(id NodeID, c *Client[I, O]) {
	s.clients[id] = c
	s.clientNodes[c.ID] = id
}

func (s *Simulator[I, O]) Replica(id NodeID) *vr.Replica[I, O] {
	return s.replicas[id]
}

func (s *Simulator[I, O]) Client(id NodeID) *Client[I, O] {
	return s.clients[id]
}

// SetLink installs the link in both directions.
func (s *Simulator[I, O]) SetLink(a, b NodeID, l Link) {
	s.links[[2]NodeID{a, b}] = l
	s.links[[2]NodeID{b, a}] = l
}

// SetLinkUp flips both directions of an installed link.
func (s *Simulator[I, O]) SetLinkUp(a, b NodeID, up bool) {
	for _, key := range [][2]NodeID{{a, b}, {b, a}} {
		l, ok := s.links[key]
		if !ok {
			continue
		}
		l.Up = up
		s.links[key] = l
	}
}

// StartClientRequest schedules the client to issue op at virtual time at,
// using its next request number.
func (s *Simulator[I, O]) StartClientRequest(client NodeID, at vr.VirtualTime, op I) {
	s.schedule(&wheelEntry[I, O]{at: at, kind: wheelClientThink, node: client, op: op})
}

// StartClientRequestNumbered is StartClientRequest with an explicit
// request number, for exercising duplicate and out-of-order requests.
func (s *Simulator[I, O]) StartClientRequestNumbered(client NodeID, at vr.VirtualTime, op I, requestNumber uint64) {
	n := requestNumber
	s.schedule(&wheelEntry[I, O]{at: at, kind: wheelClientThink, node: client, op: op, requestNum: &n})
}

func (s *Simulator[I, O]) schedule(e *wheelEntry[I, O]) {
	e.seq = s.seq
	s.seq++
	heap.Push(&s.wheel, e)
}

// Step pops the earliest bucket of the wheel, advances the clock to it
// and processes every event in the bucket in insertion order. It returns
// false once the wheel is empty.
func (s *Simulator[I, O]) Step() bool {
	if len(s.wheel) == 0 {
		return false
	}
	t := s.wheel[0].at
	s.now = t
	for len(s.wheel) > 0 && s.wheel[0].at == t {
		e := heap.Pop(&s.wheel).(*wheelEntry[I, O])
		s.process(e)
	}
	return true
}

// Run drains the wheel completely. Only useful for scripts without
// recurring timers; most tests want RunUntil.
func (s *Simulator[I, O]) Run() {
	for s.Step() {
	}
}

// RunUntil steps while the next bucket is at or before max.
func (s *Simulator[I, O]) RunUntil(max vr.VirtualTime) {
	for len(s.wheel) > 0 && s.wheel[0].at <= max {
		s.Step()
	}
}

func (s *Simulator[I, O]) process(e *wheelEntry[I, O]) {
	switch e.kind {
	case wheelDeliver:
		s.deliver(e.node)
	case wheelFireTimer:
		s.fireTimer(e.node, e.timerKind, e.timerAt)
	case wheelClientThink:
		s.clientThink(e.node, e.op, e.requestNum)
	}
}

// deliver pops the head of the node's inbox and feeds it to the node.
func (s *Simulator[I, O]) deliver(to NodeID) {
	q := s.inbox[to]
	if len(q) == 0 {
		return
	}
	ev := q[0]
	s.inbox[to] = q[1:]

	if c, ok := s.clients[to]; ok {
		if !ev.isTimer {
			s.tracef("deliver node=%d kind=%s", to, ev.msg.Kind())
			c.OnMessage(ev.msg)
		}
		return
	}
	r, ok := s.replicas[to]
	if !ok {
		return
	}
	if ev.isTimer {
		s.tracef("tick node=%d kind=%s", to, ev.timer)
		s.applyEffects(to, r.Tick(s.now))
		return
	}
	s.tracef("deliver node=%d kind=%s", to, ev.msg.Kind())
	s.applyEffects(to, r.OnMessage(ev.msg, s.now))
}

// fireTimer enacts a FireTimer wheel event: if the replica's armed
// deadline still matches the firing's time, a TimerFired event is queued
// and delivered; otherwise the firing is stale and discarded.
func (s *Simulator[I, O]) fireTimer(node NodeID, kind vr.TimerKind, at vr.VirtualTime) {
	r, ok := s.replicas[node]
	if !ok {
		return
	}
	deadline, armed := r.TimerDeadline(kind)
	if !armed || deadline != at {
		s.tracef("timer-stale node=%d kind=%s at=%d", node, kind, at)
		return
	}
	s.inbox[node] = append(s.inbox[node], inboxEvent[I, O]{timer: kind, isTimer: true})
	s.schedule(&wheelEntry[I, O]{at: s.now, kind: wheelDeliver, node: node})
}

// clientThink builds a Request from the client and sends it to the
// primary of the client's current view.
func (s *Simulator[I, O]) clientThink(node NodeID, op I, requestNumber *uint64) {
	c, ok := s.clients[node]
	if !ok {
		return
	}
	var msg vr.RequestMsg[I, O]
	if requestNumber != nil {
		msg = c.RequestNumbered(op, *requestNumber)
	} else {
		msg = c.NextRequest(op)
	}
	primary := NodeID(c.CurrentView % uint64(len(c.Configuration)))
	s.tracef("client-think node=%d request=%d", node, msg.RequestNumber)
	s.send(node, primary, msg)
}

// send pushes the message into the destination inbox and schedules its
// Deliver according to the link's latency, jitter, drop and duplicate
// settings. All four random draws happen on every send so the RNG stream
// depends only on the script, not on which draws a link needs.
func (s *Simulator[I, O]) send(from, to NodeID, msg vr.Message[I, O]) {
	l, ok := s.links[[2]NodeID{from, to}]
	drop := s.rng.Intn(100) < int(l.DropPct)
	jitter := uint64(s.rng.Intn(int(l.JitterMs) + 1))
	dup := s.rng.Intn(100) < int(l.DupPct)
	jitter2 := uint64(s.rng.Intn(int(l.JitterMs) + 1))

	if !ok || !l.Up {
		s.tracef("link-down %d->%d kind=%s", from, to, msg.Kind())
		return
	}
	if drop {
		s.tracef("link-drop %d->%d kind=%s", from, to, msg.Kind())
	} else {
		at := s.now + vr.VirtualTime(l.BaseMs+jitter)
		s.tracef("send %d->%d kind=%s at=%d", from, to, msg.Kind(), at)
		s.inbox[to] = append(s.inbox[to], inboxEvent[I, O]{msg: msg})
		s.schedule(&wheelEntry[I, O]{at: at, kind: wheelDeliver, node: to})
	}
	if dup {
		at := s.now + vr.VirtualTime(l.BaseMs+jitter2)
		s.tracef("link-dup %d->%d kind=%s at=%d", from, to, msg.Kind(), at)
		s.inbox[to] = append(s.inbox[to], inboxEvent[I, O]{msg: msg})
		s.schedule(&wheelEntry[I, O]{at: at, kind: wheelDeliver, node: to})
	}
}

// applyEffects enacts the effects one node's transition produced.
func (s *Simulator[I, O]) applyEffects(from NodeID, effects []vr.Effect[I, O]) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case vr.Send[I, O]:
			s.send(from, NodeID(e.To), e.Message)
		case vr.Broadcast[I, O]:
			for _, to := range e.To {
				if NodeID(to) == from {
					continue
				}
				s.send(from, NodeID(to), e.Message)
			}
		case vr.Reply[I, O]:
			node, ok := s.clientNodes[e.ClientID]
			if !ok {
				logrus.Warnf("reply for unknown client %q", e.ClientID)
				continue
			}
			s.send(from, node, e.Message)
		case vr.SetTimer:
			s.schedule(&wheelEntry[I, O]{at: e.At, kind: wheelFireTimer, node: from, timerKind: e.Kind, timerAt: e.At})
		case vr.CancelTimer:
			// Nothing to remove: the replica already cleared its deadline
			// and the pending firing will fail the generation check.
		case vr.ApplyCommitted:
			s.tracef("apply node=%d op=%d", from, e.OpNumber)
			if r, ok := s.replicas[from]; ok {
				r.ApplyCommitted(e.OpNumber)
			}
		}
	}
}

func (s *Simulator[I, O]) tracef(format string, args ...any) {
	s.trace = append(s.trace, fmt.Sprintf("t=%06d ", s.now)+fmt.Sprintf(format, args...))
}
