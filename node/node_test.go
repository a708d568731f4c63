package node_test

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorq/mirrorq/node"
	"github.com/mirrorq/mirrorq/queue"
	"github.com/mirrorq/mirrorq/replication"
	"github.com/mirrorq/mirrorq/utils"
)

func testConfig() *utils.Config {
	return &utils.Config{
		QueueName:   "orders",
		CreditBound: 4,
		CreditBatch: 2,
	}
}

func publish(t *testing.T, n *node.Node, count int) []string {
	t.Helper()
	var want []string
	for i := 0; i < count; i++ {
		body := fmt.Sprintf("m%d", i)
		require.Nil(t, n.Publish(queue.Envelope{Body: []byte(body)}))
		want = append(want, body)
	}
	return want
}

func bodies(store queue.Store) []string {
	var out []string
	store.Fold(func(env queue.Envelope) error {
		out = append(out, string(env.Body))
		return nil
	})
	return out
}

func TestNode_TriggerSyncReplicatesTheBacklog(t *testing.T) {
	t.Parallel()

	// --- given ---
	SUT := node.New(testConfig(), queue.NewMemStore(), nil)
	defer SUT.Shutdown()
	_, err := SUT.AddReplica("r1")
	require.Nil(t, err)
	_, err = SUT.AddReplica("r2")
	require.Nil(t, err)
	want := publish(t, SUT, 5)

	// --- when ---
	report, err := SUT.TriggerSync()

	// --- then ---
	require.Nil(t, err)
	assert.Len(t, report.Outcomes, 2)
	assert.Equal(t, 2, report.Completed())
	for _, name := range []string{"r1", "r2"} {
		r, ok := SUT.Replica(name)
		require.True(t, ok)
		assert.Equal(t, want, bodies(r.Store()))
	}
}

func TestNode_ResyncResendsTheWholeBacklog(t *testing.T) {
	t.Parallel()

	// --- given ---
	SUT := node.New(testConfig(), queue.NewMemStore(), nil)
	defer SUT.Shutdown()
	_, err := SUT.AddReplica("r1")
	require.Nil(t, err)
	publish(t, SUT, 3)
	_, err = SUT.TriggerSync()
	require.Nil(t, err)

	// --- when ---
	// two more messages, then a second full round
	require.Nil(t, SUT.Publish(queue.Envelope{Body: []byte("m3")}))
	require.Nil(t, SUT.Publish(queue.Envelope{Body: []byte("m4")}))
	report, err := SUT.TriggerSync()

	// --- then ---
	require.Nil(t, err)
	assert.Equal(t, 1, report.Completed())
	r, _ := SUT.Replica("r1")
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, bodies(r.Store()),
		"each round is a full resend, not a delta")
}

func TestNode_StoppedReplicaIsNotACandidate(t *testing.T) {
	t.Parallel()

	// --- given ---
	SUT := node.New(testConfig(), queue.NewMemStore(), nil)
	defer SUT.Shutdown()
	_, err := SUT.AddReplica("r1")
	require.Nil(t, err)
	_, err = SUT.AddReplica("r2")
	require.Nil(t, err)
	publish(t, SUT, 2)

	// --- when ---
	require.Nil(t, SUT.StopReplica("r2", nil))
	report, err := SUT.TriggerSync()

	// --- then ---
	require.Nil(t, err)
	assert.Len(t, report.Outcomes, 1)
	assert.Equal(t, "r1", string(report.Outcomes[0].Slave))
}

func TestNode_KilledReplicaIsRemovedFromTheRound(t *testing.T) {
	t.Parallel()

	// --- given ---
	SUT := node.New(testConfig(), queue.NewMemStore(), nil)
	defer SUT.Shutdown()
	_, err := SUT.AddReplica("r1")
	require.Nil(t, err)
	publish(t, SUT, 1)

	// --- when ---
	require.Nil(t, SUT.KillReplica("r1", errors.New("oom killed")))
	report, err := SUT.TriggerSync()

	// --- then ---
	// the kill removed it from the replica set before the round started
	require.Nil(t, err)
	assert.Len(t, report.Outcomes, 0)
}

func TestNode_ReaddedReplicaIsNotMarkedByAPriorRoundsDeath(t *testing.T) {
	t.Parallel()

	// --- given ---
	SUT := node.New(testConfig(), queue.NewMemStore(), nil)
	defer SUT.Shutdown()
	_, err := SUT.AddReplica("r1")
	require.Nil(t, err)
	publish(t, SUT, 3)

	// a round races with the replica's crash; whatever death report that
	// produces belongs to that round only
	roundDone := make(chan struct{})
	go func() {
		SUT.TriggerSync()
		close(roundDone)
	}()
	require.Nil(t, SUT.KillReplica("r1", errors.New("crashed")))
	<-roundDone

	// --- when ---
	_, err = SUT.AddReplica("r1")
	require.Nil(t, err)
	report, err := SUT.TriggerSync()

	// --- then ---
	require.Nil(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.False(t, report.Outcomes[0].Died, "a death from the earlier round must not leak in")
	assert.Equal(t, replication.OutcomeCompleted, report.Outcomes[0].Outcome)
}

func TestNode_StoppedReplicaReleasesItsMailbox(t *testing.T) {
	t.Parallel()

	// --- given ---
	SUT := node.New(testConfig(), queue.NewMemStore(), nil)
	defer SUT.Shutdown()
	r, err := SUT.AddReplica("r1")
	require.Nil(t, err)

	// --- when ---
	require.Nil(t, SUT.StopReplica("r1", nil))
	<-r.Peer().Handle.Done()

	// --- then ---
	// the mailbox drains and its receive channel closes
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-r.Peer().Mbox.Receive():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("the stopped replica's mailbox never closed")
		}
	}
}

func TestNode_RepeatedRoundsDoNotAccumulateGoroutines(t *testing.T) {
	// not parallel: the assertion counts process-wide goroutines

	// --- given ---
	SUT := node.New(testConfig(), queue.NewMemStore(), nil)
	defer SUT.Shutdown()
	_, err := SUT.AddReplica("r1")
	require.Nil(t, err)
	publish(t, SUT, 1)
	for i := 0; i < 5; i++ {
		_, err := SUT.TriggerSync()
		require.Nil(t, err)
	}
	before := runtime.NumGoroutine()

	// --- when ---
	for i := 0; i < 50; i++ {
		_, err := SUT.TriggerSync()
		require.Nil(t, err)
	}

	// --- then ---
	// each round's syncer, its mailboxes, and the monitors must unwind
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+10
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNode_DuplicateReplicaNameIsRejected(t *testing.T) {
	t.Parallel()

	// --- given ---
	SUT := node.New(testConfig(), queue.NewMemStore(), nil)
	defer SUT.Shutdown()
	_, err := SUT.AddReplica("r1")
	require.Nil(t, err)

	// --- when ---
	_, err = SUT.AddReplica("r1")

	// --- then ---
	assert.NotNil(t, err)
}

func TestNode_TuneReplicaRAM(t *testing.T) {
	t.Parallel()

	// --- given ---
	SUT := node.New(testConfig(), queue.NewMemStore(), nil)
	defer SUT.Shutdown()
	r, err := SUT.AddReplica("r1")
	require.Nil(t, err)

	// --- when ---
	require.Nil(t, SUT.TuneReplicaRAM("r1", 10*time.Second))

	// --- then ---
	mem := r.Store().(*queue.MemStore)
	assert.Eventually(t, func() bool {
		return mem.RAMDurationTarget() == 10*time.Second
	}, 5*time.Second, 10*time.Millisecond)

	assert.NotNil(t, SUT.TuneReplicaRAM("nope", time.Second))
}

func TestNode_ProgressEventsReachTheSink(t *testing.T) {
	t.Parallel()

	// --- given ---
	events := make(chan replication.ProgressEvent, 16)
	cfg := testConfig()
	SUT := node.New(cfg, queue.NewMemStore(), func(ev replication.ProgressEvent) {
		events <- ev
	})
	defer SUT.Shutdown()
	_, err := SUT.AddReplica("r1")
	require.Nil(t, err)
	publish(t, SUT, 3)

	// --- when ---
	_, err = SUT.TriggerSync()
	require.Nil(t, err)

	// --- then ---
	// at least the final "done" event is always emitted
	select {
	case ev := <-events:
		assert.Equal(t, "orders", ev.Queue)
	case <-time.After(5 * time.Second):
		t.Fatal("no progress event was emitted")
	}
}
