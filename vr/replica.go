// Package vr implements the per-replica Viewstamped Replication state
// machine for the normal-case protocol. The core is I/O-free: every
// operation is a function (state, event, now) -> (state', effects), and
// the caller (the discrete-event simulator or the HTTP transport) is
// responsible for enacting the returned effects.
package vr

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mgentili/govr/vrlog"
)

// Default timer windows, in virtual-time milliseconds.
const (
	DefaultPrimaryIdleCommitTimeout VirtualTime = 1000
	DefaultBackupWatchdogTimeout    VirtualTime = 5000
)

// Status is a replica's protocol mode. Only Normal behavior is implemented
// here; the other states have their entry edges wired and their
// sub-protocols are extension points.
type Status int

const (
	Normal Status = iota
	ViewChange
	Recovering
	Transitioning
)

func (s Status) String() string {
	switch s {
	case Normal:
		return "normal"
	case ViewChange:
		return "view_change"
	case Recovering:
		return "recovering"
	case Transitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// Quorum is the number of replicas, primary included, that must hold an
// operation before it commits.
func Quorum(n int) int {
	return n/2 + 1
}

// Replica is the protocol state for one member of the group. It is
// single-threaded by contract: the driver delivers one event at a time
// and a replica processes it to completion.
type Replica[I, O any] struct {
	// Configuration is the sorted list of replica addresses; a replica's
	// index in it is its replica number.
	Configuration []string
	ReplicaNumber uint64
	Epoch         uint64
	ViewNumber    uint64
	Status        Status
	OpNumber      uint64
	CommitNumber  uint64

	Log *vrlog.Log[ClientRequest[I, O]]
	// ClientTable maps a client id to its most recent request, used to
	// suppress re-execution of duplicates and serve cached replies.
	ClientTable map[string]ClientRequest[I, O]

	// acks[op] is the set of replica numbers, primary included, that hold
	// op. Only the primary maintains it; entries at or below CommitNumber
	// are garbage and collected on commit.
	acks map[uint64]map[uint64]struct{}

	sm StateMachine[I, O]

	TimeoutPrimaryIdleCommit VirtualTime
	TimeoutBackupWatchdog    VirtualTime

	// Armed timer deadlines, zero when disarmed. A timer firing whose
	// scheduled time no longer matches the deadline here is stale and
	// must be discarded by the driver.
	primaryIdleDeadline    VirtualTime
	backupWatchdogDeadline VirtualTime

	// ViewChangeFunc, when set, is called on every Normal -> ViewChange
	// transition with the view the replica wants to move to. The view
	// change protocol itself runs outside this core.
	ViewChangeFunc func(viewNumber uint64)

	log *logrus.Entry
}

// NewReplica builds a replica in its initial state. The configuration is
// copied and sorted; replicaNumber indexes into the sorted order. The
// replica takes exclusive ownership of the state machine.
func NewReplica[I, O any](configuration []string, replicaNumber uint64, sm StateMachine[I, O]) *Replica[I, O] {
	cfg := append([]string(nil), configuration...)
	sort.Strings(cfg)
	return &Replica[I, O]{
		Configuration:            cfg,
		ReplicaNumber:            replicaNumber,
		Status:                   Normal,
		Log:                      vrlog.New[ClientRequest[I, O]](),
		ClientTable:              make(map[string]ClientRequest[I, O]),
		acks:                     make(map[uint64]map[uint64]struct{}),
		sm:                       sm,
		TimeoutPrimaryIdleCommit: DefaultPrimaryIdleCommitTimeout,
		TimeoutBackupWatchdog:    DefaultBackupWatchdogTimeout,
		log:                      logrus.WithField("replica", replicaNumber),
	}
}

// Address is the replica's own network identity.
func (r *Replica[I, O]) Address() string {
	return r.Configuration[r.ReplicaNumber]
}

// Primary is the replica number acting as primary in the current view.
func (r *Replica[I, O]) Primary() uint64 {
	return r.ViewNumber % uint64(len(r.Configuration))
}

func (r *Replica[I, O]) IsPrimary() bool {
	return r.Primary() == r.ReplicaNumber
}

// TimerDeadline reports the armed deadline for a timer kind. Drivers use
// it to discard stale firings instead of scanning their timing wheel.
func (r *Replica[I, O]) TimerDeadline(kind TimerKind) (VirtualTime, bool) {
	switch kind {
	case PrimaryIdleCommit:
		return r.primaryIdleDeadline, r.primaryIdleDeadline != 0
	case BackupWatchdog:
		return r.backupWatchdogDeadline, r.backupWatchdogDeadline != 0
	default:
		return 0, false
	}
}

// Bootstrap arms the replica's initial timer: the idle-commit timer on the
// primary, the watchdog on backups.
func (r *Replica[I, O]) Bootstrap(now VirtualTime) []Effect[I, O] {
	if r.IsPrimary() {
		r.primaryIdleDeadline = now + r.TimeoutPrimaryIdleCommit
		return []Effect[I, O]{SetTimer{Kind: PrimaryIdleCommit, At: r.primaryIdleDeadline}}
	}
	r.backupWatchdogDeadline = now + r.TimeoutBackupWatchdog
	return []Effect[I, O]{SetTimer{Kind: BackupWatchdog, At: r.backupWatchdogDeadline}}
}

// OnMessage processes one inbound message and returns the effects to
// enact. Unknown messages are dropped.
func (r *Replica[I, O]) OnMessage(msg Message[I, O], now VirtualTime) []Effect[I, O] {
	switch m := msg.(type) {
	case RequestMsg[I, O]:
		return r.onRequest(m, now)
	case PrepareMsg[I, O]:
		return r.onPrepare(m, now)
	case PrepareOkMsg:
		return r.onPrepareOk(m)
	case CommitMsg:
		return r.onCommit(m, now)
	case ConnectMsg:
		return r.onConnect(m)
	default:
		r.log.Debugf("dropping message of kind %q", msg.Kind())
		return nil
	}
}

func (r *Replica[I, O]) onRequest(m RequestMsg[I, O], now VirtualTime) []Effect[I, O] {
	if r.Status != Normal {
		return nil
	}
	if !r.IsPrimary() {
		return []Effect[I, O]{Reply[I, O]{ClientID: m.ClientID, Message: ErrorMsg{Message: "not primary"}}}
	}

	if last, ok := r.ClientTable[m.ClientID]; ok {
		switch {
		case m.RequestNumber < last.RequestNumber:
			r.log.Debugf("dropping stale request %d from %s, last seen %d", m.RequestNumber, m.ClientID, last.RequestNumber)
			return nil
		case m.RequestNumber == last.RequestNumber:
			if last.Result != nil {
				return []Effect[I, O]{Reply[I, O]{ClientID: m.ClientID, Message: ReplyMsg[I, O]{
					ClientID:      m.ClientID,
					ViewNumber:    r.ViewNumber,
					RequestNumber: m.RequestNumber,
					Result:        last.Result,
				}}}
			}
			// Still in flight; the eventual commit replies once.
			return nil
		}
	}

	r.OpNumber++
	req := ClientRequest[I, O]{ClientID: m.ClientID, RequestNumber: m.RequestNumber, Op: m.Op}
	r.Log.Append(req)
	r.ClientTable[m.ClientID] = req
	// The primary implicitly acks its own op.
	r.acks[r.OpNumber] = map[uint64]struct{}{r.ReplicaNumber: {}}
	r.log.Debugf("accepted request %d from %s as op %d", m.RequestNumber, m.ClientID, r.OpNumber)

	r.primaryIdleDeadline = now + r.TimeoutPrimaryIdleCommit
	effects := []Effect[I, O]{
		Broadcast[I, O]{To: r.replicaNumbers(), Message: PrepareMsg[I, O]{
			ViewNumber:   r.ViewNumber,
			OpNumber:     r.OpNumber,
			CommitNumber: r.CommitNumber,
			Request:      req,
		}},
		SetTimer{Kind: PrimaryIdleCommit, At: r.primaryIdleDeadline},
	}
	// A group of one is its own quorum.
	return append(effects, r.commitReady()...)
}

func (r *Replica[I, O]) onPrepare(m PrepareMsg[I, O], now VirtualTime) []Effect[I, O] {
	if r.Status != Normal {
		return nil
	}
	switch {
	case m.ViewNumber > r.ViewNumber:
		return r.enterViewChange(m.ViewNumber)
	case m.ViewNumber < r.ViewNumber:
		r.log.Debugf("dropping prepare from old view %d, current %d", m.ViewNumber, r.ViewNumber)
		return nil
	}
	if r.IsPrimary() {
		r.log.Debugf("primary dropping prepare for op %d", m.OpNumber)
		return nil
	}

	expected := r.OpNumber + 1
	switch {
	case m.OpNumber == expected:
		r.OpNumber = expected
		r.Log.Append(m.Request)
		r.ClientTable[m.Request.ClientID] = m.Request
	case m.OpNumber > expected:
		// Missed at least one Prepare; the entry cannot be appended until
		// state transfer catches the log up. No append, no ack.
		r.log.Warnf("prepare for op %d but expected %d, state transfer needed", m.OpNumber, expected)
		return nil
	default:
		r.log.Debugf("dropping duplicate prepare for op %d, log at %d", m.OpNumber, r.OpNumber)
		return nil
	}

	effects := r.advanceCommit(m.CommitNumber)
	effects = append(effects, Send[I, O]{To: r.Primary(), Message: PrepareOkMsg{
		ViewNumber:    r.ViewNumber,
		ReplicaNumber: r.ReplicaNumber,
		OpNumber:      m.OpNumber,
		CommitNumber:  m.CommitNumber,
	}})
	r.backupWatchdogDeadline = now + r.TimeoutBackupWatchdog
	return append(effects, SetTimer{Kind: BackupWatchdog, At: r.backupWatchdogDeadline})
}

func (r *Replica[I, O]) onPrepareOk(m PrepareOkMsg) []Effect[I, O] {
	if r.Status != Normal || !r.IsPrimary() {
		return nil
	}
	if m.ViewNumber != r.ViewNumber {
		return nil
	}
	if m.OpNumber <= r.CommitNumber || m.OpNumber > r.OpNumber {
		return nil
	}
	set := r.acks[m.OpNumber]
	if set == nil {
		set = make(map[uint64]struct{})
		r.acks[m.OpNumber] = set
	}
	set[m.ReplicaNumber] = struct{}{}
	return r.commitReady()
}

// commitReady commits every op, in order, whose ack set has reached
// quorum, applying each inline and emitting its Reply. It stops at the
// first op still short of quorum so commit order matches log order.
func (r *Replica[I, O]) commitReady() []Effect[I, O] {
	var effects []Effect[I, O]
	q := Quorum(len(r.Configuration))
	for k := r.CommitNumber + 1; k <= r.OpNumber; k++ {
		if len(r.acks[k]) < q {
			break
		}
		r.CommitNumber = k
		r.ApplyCommitted(k)
		entry, ok := r.Log.Get(k)
		if !ok {
			r.log.Errorf("committed op %d missing from log", k)
			continue
		}
		r.log.Debugf("committed op %d", k)
		effects = append(effects, Reply[I, O]{ClientID: entry.ClientID, Message: ReplyMsg[I, O]{
			ClientID:      entry.ClientID,
			ViewNumber:    r.ViewNumber,
			RequestNumber: entry.RequestNumber,
			Result:        entry.Result,
		}})
	}
	for k := range r.acks {
		if k <= r.CommitNumber {
			delete(r.acks, k)
		}
	}
	return effects
}

func (r *Replica[I, O]) onCommit(m CommitMsg, now VirtualTime) []Effect[I, O] {
	if r.Status != Normal {
		return nil
	}
	switch {
	case m.ViewNumber > r.ViewNumber:
		return r.enterViewChange(m.ViewNumber)
	case m.ViewNumber < r.ViewNumber:
		return nil
	}
	if r.IsPrimary() {
		return nil
	}
	effects := r.advanceCommit(m.CommitNumber)
	r.backupWatchdogDeadline = now + r.TimeoutBackupWatchdog
	return append(effects, SetTimer{Kind: BackupWatchdog, At: r.backupWatchdogDeadline})
}

// advanceCommit moves the backup's commit number toward target and emits
// an ApplyCommitted per newly committed op. A target beyond the local log
// is clamped: the missing entries are the state-transfer extension point,
// and commit_number <= op_number must keep holding.
func (r *Replica[I, O]) advanceCommit(target uint64) []Effect[I, O] {
	if target > r.OpNumber {
		r.log.Warnf("commit number %d ahead of log end %d, state transfer needed", target, r.OpNumber)
		target = r.OpNumber
	}
	var effects []Effect[I, O]
	for k := r.CommitNumber + 1; k <= target; k++ {
		r.CommitNumber = k
		effects = append(effects, ApplyCommitted{OpNumber: k})
	}
	return effects
}

func (r *Replica[I, O]) onConnect(m ConnectMsg) []Effect[I, O] {
	if r.Status != Normal {
		return nil
	}
	return []Effect[I, O]{Reply[I, O]{ClientID: m.ClientID, Message: ConnectMsg{
		ClientID:      m.ClientID,
		Configuration: r.Configuration,
		CurrentView:   r.ViewNumber,
		Epoch:         r.Epoch,
	}}}
}

// Tick handles a timer firing. The driver calls it with the current time
// after the generation check against TimerDeadline has passed.
func (r *Replica[I, O]) Tick(now VirtualTime) []Effect[I, O] {
	if r.Status != Normal {
		return nil
	}
	if r.IsPrimary() {
		if r.primaryIdleDeadline == 0 || now < r.primaryIdleDeadline {
			return nil
		}
		r.primaryIdleDeadline = now + r.TimeoutPrimaryIdleCommit
		return []Effect[I, O]{
			Broadcast[I, O]{To: r.replicaNumbers(), Message: CommitMsg{
				ViewNumber:   r.ViewNumber,
				OpNumber:     r.OpNumber,
				CommitNumber: r.CommitNumber,
			}},
			SetTimer{Kind: PrimaryIdleCommit, At: r.primaryIdleDeadline},
		}
	}
	if r.backupWatchdogDeadline == 0 || now < r.backupWatchdogDeadline {
		return nil
	}
	// The primary went quiet; suspect it and start a view change for the
	// next view. The protocol body runs outside this core.
	r.log.Warnf("backup watchdog expired at %d, suspecting primary %d", now, r.Primary())
	return r.enterViewChange(r.ViewNumber + 1)
}

// ApplyCommitted runs the state machine for the log entry at opNumber and
// records the result in both the log and the client table. It is the
// enactment of the ApplyCommitted effect on backups and the inline apply
// path on the primary. Re-application of an already executed entry is a
// no-op, so duplicate signals cannot double-execute.
func (r *Replica[I, O]) ApplyCommitted(opNumber uint64) {
	entry, ok := r.Log.Get(opNumber)
	if !ok {
		r.log.Errorf("apply for op %d but log ends at %d", opNumber, r.Log.Len())
		return
	}
	if entry.Result != nil {
		return
	}
	out := r.sm.Apply(entry.Op)
	entry.Result = &out
	r.Log.Set(opNumber, entry)
	if cur, ok := r.ClientTable[entry.ClientID]; ok && cur.RequestNumber == entry.RequestNumber {
		r.ClientTable[entry.ClientID] = entry
	}
}

// enterViewChange leaves Normal status, disarms the normal-case timers and
// fires the view-change hook. Messages from higher views promote the view
// number before the transition.
func (r *Replica[I, O]) enterViewChange(viewNumber uint64) []Effect[I, O] {
	if viewNumber > r.ViewNumber {
		r.ViewNumber = viewNumber
	}
	r.Status = ViewChange
	r.primaryIdleDeadline = 0
	r.backupWatchdogDeadline = 0
	if r.ViewChangeFunc != nil {
		r.ViewChangeFunc(viewNumber)
	}
	return []Effect[I, O]{
		CancelTimer{Kind: PrimaryIdleCommit},
		CancelTimer{Kind: BackupWatchdog},
	}
}

func (r *Replica[I, O]) replicaNumbers() []uint64 {
	ids := make([]uint64, len(r.Configuration))
	for i := range ids {
		ids[i] = uint64(i)
	}
	return ids
}
