package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mgentili/govr/vr"
)

// DefaultReplyTimeout bounds how long a client HTTP request waits for the
// corresponding Reply effect before the server answers with an error.
const DefaultReplyTimeout = 10 * time.Second

// Server runs one replica behind an HTTP endpoint. Inbound messages are
// decoded and fed to the core one at a time; the effects each transition
// produces are enacted here: peer sends become HTTP POSTs, replies
// complete the waiting client request, timers run on the wall clock with
// the same generation discipline the simulator uses.
type Server[I, O any] struct {
	mu      sync.Mutex
	replica *vr.Replica[I, O]
	timers  map[vr.TimerKind]*time.Timer
	pending map[string]chan vr.Message[I, O]

	httpc   *http.Client
	srv     *http.Server
	started time.Time

	ReplyTimeout time.Duration

	log *logrus.Entry
}

func NewServer[I, O any](replica *vr.Replica[I, O]) *Server[I, O] {
	return &Server[I, O]{
		replica:      replica,
		timers:       make(map[vr.TimerKind]*time.Timer),
		pending:      make(map[string]chan vr.Message[I, O]),
		httpc:        &http.Client{Timeout: 5 * time.Second},
		ReplyTimeout: DefaultReplyTimeout,
		log:          logrus.WithField("replica", replica.ReplicaNumber),
	}
}

// ListenAndServe binds the replica's own address, bootstraps its timers
// and serves until Shutdown.
func (s *Server[I, O]) ListenAndServe() error {
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{Addr: s.replica.Address(), Handler: mux}

	s.mu.Lock()
	effects := s.replica.Bootstrap(s.now())
	outbound := s.enactLocal(effects)
	s.mu.Unlock()
	s.enactOutbound(outbound)

	s.log.Infof("replica listening on %s", s.replica.Address())
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "serving replica")
}

func (s *Server[I, O]) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// now maps the wall clock onto the core's virtual-time milliseconds.
func (s *Server[I, O]) now() vr.VirtualTime {
	return vr.VirtualTime(time.Since(s.started) / time.Millisecond)
}

func (s *Server[I, O]) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := DecodeMessage[I, O](body)
	if err != nil {
		s.log.Debugf("rejecting undecodable message: %v", err)
		s.writeMessage(w, http.StatusBadRequest, vr.ErrorMsg{Message: "malformed message"})
		return
	}
	messagesReceived.WithLabelValues(msg.Kind()).Inc()

	switch m := msg.(type) {
	case vr.RequestMsg[I, O]:
		clientRequests.Inc()
		s.exchange(w, m.ClientID, msg)
	case vr.ConnectMsg:
		s.exchange(w, m.ClientID, msg)
	default:
		s.dispatch(msg)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "{}")
	}
}

// exchange dispatches a client-origin message and holds the HTTP request
// open until the core's Reply effect for that client arrives.
func (s *Server[I, O]) exchange(w http.ResponseWriter, clientID string, msg vr.Message[I, O]) {
	ch := make(chan vr.Message[I, O], 1)
	s.mu.Lock()
	s.pending[clientID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, clientID)
		s.mu.Unlock()
	}()

	s.dispatch(msg)

	select {
	case reply := <-ch:
		s.writeMessage(w, http.StatusOK, reply)
	case <-time.After(s.ReplyTimeout):
		s.writeMessage(w, http.StatusGatewayTimeout, vr.ErrorMsg{Message: "request timed out"})
	}
}

// dispatch serializes one event into the core and enacts its effects.
func (s *Server[I, O]) dispatch(msg vr.Message[I, O]) {
	s.mu.Lock()
	effects := s.replica.OnMessage(msg, s.now())
	outbound := s.enactLocal(effects)
	s.mu.Unlock()
	s.enactOutbound(outbound)
}

// enactLocal handles the effects that touch replica-local state (timers,
// applies, pending replies) and returns those that go on the network.
// Caller holds mu.
func (s *Server[I, O]) enactLocal(effects []vr.Effect[I, O]) []vr.Effect[I, O] {
	var outbound []vr.Effect[I, O]
	for _, eff := range effects {
		switch e := eff.(type) {
		case vr.SetTimer:
			s.armTimer(e.Kind, e.At)
		case vr.CancelTimer:
			if t, ok := s.timers[e.Kind]; ok {
				t.Stop()
			}
		case vr.ApplyCommitted:
			s.replica.ApplyCommitted(e.OpNumber)
		case vr.Reply[I, O]:
			if ch, ok := s.pending[e.ClientID]; ok {
				select {
				case ch <- e.Message:
				default:
				}
			} else {
				s.log.Debugf("no waiting connection for client %q", e.ClientID)
			}
		default:
			outbound = append(outbound, eff)
		}
	}
	return outbound
}

func (s *Server[I, O]) enactOutbound(effects []vr.Effect[I, O]) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case vr.Send[I, O]:
			go s.Send(e.To, e.Message)
		case vr.Broadcast[I, O]:
			go s.Broadcast(e.To, e.Message)
		}
	}
}

// armTimer schedules a wall-clock firing for the virtual deadline. Stale
// firings are filtered by re-checking the replica's armed deadline, the
// same generation discipline the simulator applies.
func (s *Server[I, O]) armTimer(kind vr.TimerKind, at vr.VirtualTime) {
	delay := time.Duration(0)
	if now := s.now(); at > now {
		delay = time.Duration(at-now) * time.Millisecond
	}
	if t, ok := s.timers[kind]; ok {
		t.Reset(delay)
		return
	}
	k := kind
	s.timers[kind] = time.AfterFunc(delay, func() { s.fireTimer(k) })
}

func (s *Server[I, O]) fireTimer(kind vr.TimerKind) {
	s.mu.Lock()
	deadline, armed := s.replica.TimerDeadline(kind)
	if !armed {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if now < deadline {
		// Re-armed while this firing was in flight; try again then.
		s.armTimer(kind, deadline)
		s.mu.Unlock()
		return
	}
	effects := s.replica.Tick(now)
	outbound := s.enactLocal(effects)
	s.mu.Unlock()
	s.enactOutbound(outbound)
}

// Send posts a message to one peer. Part of the MessageBus contract.
func (s *Server[I, O]) Send(to uint64, msg vr.Message[I, O]) {
	if to == s.replica.ReplicaNumber {
		return
	}
	if int(to) >= len(s.replica.Configuration) {
		s.log.Warnf("send to unknown replica %d", to)
		return
	}
	data, err := EncodeMessage[I, O](msg)
	if err != nil {
		s.log.Errorf("encoding %s: %v", msg.Kind(), err)
		return
	}
	addr := s.replica.Configuration[to]
	resp, err := s.httpc.Post("http://"+addr+"/", "application/json", bytes.NewReader(data))
	if err != nil {
		sendFailures.Inc()
		s.log.Debugf("posting %s to %s: %v", msg.Kind(), addr, err)
		return
	}
	resp.Body.Close()
	messagesSent.WithLabelValues(msg.Kind()).Inc()
}

// Broadcast posts a message to every listed peer; self-send is a no-op.
func (s *Server[I, O]) Broadcast(to []uint64, msg vr.Message[I, O]) {
	for _, id := range to {
		s.Send(id, msg)
	}
}

// Reply completes a waiting client exchange.
func (s *Server[I, O]) Reply(clientID string, msg vr.Message[I, O]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.pending[clientID]; ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *Server[I, O]) writeMessage(w http.ResponseWriter, status int, msg vr.Message[I, O]) {
	data, err := EncodeMessage[I, O](msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
