package simulator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgentili/govr/kvstore"
	"github.com/mgentili/govr/queuestore"
	"github.com/mgentili/govr/simulator"
	"github.com/mgentili/govr/vr"
)

var addrs = []string{"a", "b", "c"}

const clientNode = simulator.NodeID(10)

type kvSim = simulator.Simulator[kvstore.Op, kvstore.Result]

// countingStore counts Apply calls per replica for the at-most-once
// checks.
type countingStore struct {
	inner   *kvstore.Store
	applies int
}

func (c *countingStore) Apply(op kvstore.Op) kvstore.Result {
	c.applies++
	return c.inner.Apply(op)
}

// newCluster builds three replicas 0..2 with the given link everywhere, a
// client C1 at node 10 linked to replica 0, and returns the per-replica
// stores for state inspection.
func newCluster(seed int64, link simulator.Link) (*kvSim, *simulator.Client[kvstore.Op, kvstore.Result], []*countingStore) {
	sim := simulator.New[kvstore.Op, kvstore.Result](seed)
	stores := make([]*countingStore, 3)
	for i := 0; i < 3; i++ {
		stores[i] = &countingStore{inner: kvstore.New()}
		sim.AddReplica(simulator.NodeID(i), vr.NewReplica[kvstore.Op, kvstore.Result](addrs, uint64(i), stores[i]))
	}
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			sim.SetLink(simulator.NodeID(i), simulator.NodeID(j), link)
		}
	}
	c := simulator.NewClient[kvstore.Op, kvstore.Result]("C1", addrs)
	sim.AddClient(clientNode, c)
	sim.SetLink(clientNode, 0, link)
	return sim, c, stores
}

func cleanLink() simulator.Link {
	return simulator.Link{Up: true, BaseMs: 100}
}

func TestHappyPathSet(t *testing.T) {
	sim, c, stores := newCluster(1, cleanLink())
	sim.StartClientRequest(clientNode, 0, kvstore.SetOp("x", "1"))
	sim.RunUntil(400)

	// Request at t=100, prepares at t=200, acks at t=300 where the
	// primary commits, reply lands at t=400.
	require.Len(t, c.Replies, 1)
	reply := c.Replies[0]
	assert.Equal(t, uint64(0), reply.RequestNumber)
	require.NotNil(t, reply.Result)
	assert.Equal(t, kvstore.Result{"OK"}, *reply.Result)

	primary := sim.Replica(0)
	assert.Equal(t, uint64(1), primary.CommitNumber)
	assert.Equal(t, uint64(1), primary.OpNumber)
	v, ok := stores[0].inner.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestBackupsApplyAfterHeartbeat(t *testing.T) {
	sim, _, stores := newCluster(1, cleanLink())
	sim.StartClientRequest(clientNode, 0, kvstore.SetOp("x", "1"))

	// The idle heartbeat (re-armed to t=1100 by the Prepare broadcast)
	// carries commit_number=1 to the backups, which then apply.
	sim.RunUntil(1300)
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint64(1), sim.Replica(simulator.NodeID(i)).CommitNumber, "replica %d", i)
		v, ok := stores[i].inner.Lookup("x")
		require.True(t, ok, "replica %d", i)
		assert.Equal(t, "1", v)
	}

	// Agreement: identical logs everywhere once everyone committed.
	hash := sim.Replica(0).Log.Hash()
	assert.Equal(t, hash, sim.Replica(1).Log.Hash())
	assert.Equal(t, hash, sim.Replica(2).Log.Hash())
}

func TestDuplicateRequestAnsweredFromCache(t *testing.T) {
	sim, c, _ := newCluster(1, cleanLink())
	sim.StartClientRequest(clientNode, 0, kvstore.SetOp("x", "1"))
	sim.RunUntil(400)
	require.Len(t, c.Replies, 1)

	sim.StartClientRequestNumbered(clientNode, 500, kvstore.SetOp("x", "1"), 0)
	sim.RunUntil(900)

	require.Len(t, c.Replies, 2)
	assert.Equal(t, c.Replies[0].Result, c.Replies[1].Result)
	assert.Equal(t, uint64(1), sim.Replica(0).OpNumber, "no new log entry")
}

func TestOutOfOrderRequestNumbers(t *testing.T) {
	sim, c, stores := newCluster(1, cleanLink())
	sim.StartClientRequestNumbered(clientNode, 0, kvstore.SetOp("x", "2"), 2)
	sim.StartClientRequestNumbered(clientNode, 50, kvstore.SetOp("x", "1"), 1)
	sim.RunUntil(600)

	// req=2 was accepted and committed; the later req=1 is stale and
	// silently dropped.
	require.Len(t, c.Replies, 1)
	assert.Equal(t, uint64(2), c.Replies[0].RequestNumber)
	assert.Equal(t, uint64(1), sim.Replica(0).OpNumber)
	v, _ := stores[0].inner.Lookup("x")
	assert.Equal(t, "2", v)
}

func TestBackupGapAfterDroppedPrepare(t *testing.T) {
	sim, c, _ := newCluster(1, cleanLink())
	sim.SetLinkUp(0, 2, false)
	sim.StartClientRequest(clientNode, 0, kvstore.SetOp("x", "1"))
	sim.RunUntil(450)

	// Quorum via replica 1 alone.
	require.Len(t, c.Replies, 1)
	assert.Equal(t, uint64(1), sim.Replica(0).CommitNumber)
	assert.Zero(t, sim.Replica(2).OpNumber)

	sim.SetLinkUp(0, 2, true)
	sim.StartClientRequest(clientNode, 500, kvstore.SetOp("y", "2"))
	sim.RunUntil(950)

	// Replica 2 sees Prepare(op=2), detects the gap, and neither appends
	// nor acks until state transfer catches it up.
	assert.Zero(t, sim.Replica(2).OpNumber)
	assert.Zero(t, sim.Replica(2).Log.Len())
	assert.Equal(t, uint64(2), sim.Replica(0).CommitNumber)
	require.Len(t, c.Replies, 2)
}

func TestPrimaryIdleHeartbeat(t *testing.T) {
	sim, _, _ := newCluster(1, cleanLink())
	sim.RunUntil(1200)

	// The heartbeat at t=1000 reaches the backups at t=1100 and re-arms
	// their watchdogs.
	for _, id := range []simulator.NodeID{1, 2} {
		deadline, armed := sim.Replica(id).TimerDeadline(vr.BackupWatchdog)
		require.True(t, armed, "replica %d", id)
		assert.Equal(t, vr.VirtualTime(1100)+vr.DefaultBackupWatchdogTimeout, deadline, "replica %d", id)
	}

	var heartbeats int
	for _, line := range sim.Trace() {
		if line == "t=001000 send 0->1 kind=commit at=1100" || line == "t=001000 send 0->2 kind=commit at=1100" {
			heartbeats++
		}
	}
	assert.Equal(t, 2, heartbeats)
}

func TestBackupWatchdogFiresWhenPartitioned(t *testing.T) {
	sim, _, _ := newCluster(1, cleanLink())
	sim.SetLinkUp(0, 1, false)

	var hooked uint64
	sim.Replica(1).ViewChangeFunc = func(v uint64) { hooked = v }

	sim.RunUntil(vr.VirtualTime(vr.DefaultBackupWatchdogTimeout))

	assert.Equal(t, vr.ViewChange, sim.Replica(1).Status)
	assert.Equal(t, uint64(1), hooked)
	// Replica 2 keeps hearing heartbeats and stays Normal.
	assert.Equal(t, vr.Normal, sim.Replica(2).Status)
}

func lossyScript(seed int64) []string {
	link := simulator.Link{Up: true, BaseMs: 100, JitterMs: 20, DropPct: 10, DupPct: 10}
	sim, _, _ := newCluster(seed, link)
	for i := 0; i < 5; i++ {
		sim.StartClientRequest(clientNode, vr.VirtualTime(i*200), kvstore.SetOp("k", "v"))
	}
	sim.RunUntil(3000)
	return sim.Trace()
}

func TestDeterministicReplay(t *testing.T) {
	first := lossyScript(7)
	second := lossyScript(7)
	require.Equal(t, first, second, "same seed and script must replay identically")
}

func TestAtMostOnceUnderDuplication(t *testing.T) {
	link := simulator.Link{Up: true, BaseMs: 100, JitterMs: 10, DupPct: 30}
	sim, c, stores := newCluster(3, link)
	for i := 0; i < 4; i++ {
		sim.StartClientRequest(clientNode, vr.VirtualTime(i*150), kvstore.SetOp("k", "v"))
	}
	sim.RunUntil(5000)

	require.NotEmpty(t, c.Replies)
	for i := 0; i < 3; i++ {
		r := sim.Replica(simulator.NodeID(i))
		assert.LessOrEqual(t, r.CommitNumber, r.OpNumber, "replica %d", i)
		assert.Equal(t, int(r.CommitNumber), stores[i].applies,
			"replica %d must apply each committed op exactly once", i)
	}
}

func TestAgreementOnCommittedPrefix(t *testing.T) {
	link := simulator.Link{Up: true, BaseMs: 100, JitterMs: 15, DupPct: 10}
	sim, _, _ := newCluster(11, link)
	for i := 0; i < 6; i++ {
		sim.StartClientRequest(clientNode, vr.VirtualTime(i*100), kvstore.SetOp("k", "v"))
	}
	sim.RunUntil(8000)

	min := sim.Replica(0).CommitNumber
	for i := 1; i < 3; i++ {
		if c := sim.Replica(simulator.NodeID(i)).CommitNumber; c < min {
			min = c
		}
	}
	require.NotZero(t, min)
	for k := uint64(1); k <= min; k++ {
		base, ok := sim.Replica(0).Log.Get(k)
		require.True(t, ok)
		for i := 1; i < 3; i++ {
			entry, ok := sim.Replica(simulator.NodeID(i)).Log.Get(k)
			require.True(t, ok, "replica %d missing op %d", i, k)
			assert.Equal(t, base, entry, "replica %d disagrees at op %d", i, k)
		}
	}
}

func TestReplicatedQueue(t *testing.T) {
	sim := simulator.New[queuestore.Op, queuestore.Result](1)
	for i := 0; i < 3; i++ {
		sim.AddReplica(simulator.NodeID(i), vr.NewReplica[queuestore.Op, queuestore.Result](addrs, uint64(i), queuestore.New()))
	}
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			sim.SetLink(simulator.NodeID(i), simulator.NodeID(j), cleanLink())
		}
	}
	c := simulator.NewClient[queuestore.Op, queuestore.Result]("W1", addrs)
	sim.AddClient(clientNode, c)
	sim.SetLink(clientNode, 0, cleanLink())

	sim.StartClientRequest(clientNode, 0, queuestore.PushOp("job-1"))
	sim.StartClientRequest(clientNode, 500, queuestore.PopOp())
	sim.RunUntil(1000)

	require.Len(t, c.Replies, 2)
	require.NotNil(t, c.Replies[1].Result)
	assert.Equal(t, queuestore.Result{"job-1"}, *c.Replies[1].Result)
}
