package replication_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorq/mirrorq/broadcast"
	"github.com/mirrorq/mirrorq/proc"
	"github.com/mirrorq/mirrorq/queue"
	"github.com/mirrorq/mirrorq/replication"
)

func newPeer(id string) *replication.Peer {
	return &replication.Peer{
		ID:     proc.ID(id),
		Handle: proc.NewHandle(proc.ID(id)),
		Mbox:   proc.NewMailbox(),
	}
}

func recvTimeout(t *testing.T, mbox *proc.Mailbox) interface{} {
	t.Helper()
	select {
	case msg := <-mbox.Receive():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a protocol message")
		return nil
	}
}

func assertSilent(t *testing.T, mbox *proc.Mailbox, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-mbox.Receive():
		t.Fatalf("unexpected message: %#v", msg)
	case <-time.After(wait):
	}
}

type slaveResult struct {
	store   queue.Store
	outcome replication.Outcome
	err     error
}

// runReplica mimics a replica loop: it waits for the round announcement on
// the peer's mailbox and invokes a slave receiver.
func runReplica(peer *replication.Peer, store queue.Store, cfg replication.Config) <-chan slaveResult {
	out := make(chan slaveResult, 1)
	go func() {
		start := (<-peer.Mbox.Receive()).(replication.SyncStart)
		s, o, err := replication.RunSlave(start.Ref, peer, start.Syncer, store, cfg)
		out <- slaveResult{store: s, outcome: o, err: err}
	}()
	return out
}

func masterWith(t *testing.T, bodies ...string) *queue.MemStore {
	t.Helper()
	store := queue.NewMemStore()
	for _, b := range bodies {
		env := queue.Envelope{Body: []byte(b), Props: queue.Properties{NeedsConfirm: true}}
		require.Nil(t, store.Publish(env, false))
	}
	return store
}

func bodies(store queue.Store) []string {
	var out []string
	store.Fold(func(env queue.Envelope) error {
		out = append(out, string(env.Body))
		return nil
	})
	return out
}

// flakyStore fails the nth publish, emulating a replica whose disk gives
// out mid-round.
type flakyStore struct {
	*queue.MemStore
	failAt int
	n      int
}

func (s *flakyStore) Publish(env queue.Envelope, force bool) error {
	s.n++
	if s.n == s.failAt {
		return errors.New("disk full")
	}
	return s.MemStore.Publish(env, force)
}

func awaitResult(t *testing.T, c <-chan slaveResult) slaveResult {
	t.Helper()
	select {
	case res := <-c:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the slave outcome")
		return slaveResult{}
	}
}

func TestSync_TwoSlavesCompleteWithFullBacklog(t *testing.T) {
	t.Parallel()

	// --- given ---
	// a small credit window so the round exercises backpressure
	cfg := replication.Config{CreditBound: 2, CreditBatch: 1}
	bcast := broadcast.New()
	master := masterWith(t, "M1", "M2", "M3")

	a, b := newPeer("slave-a"), newPeer("slave-b")
	bcast.Subscribe(a.ID, a.Mbox)
	bcast.Subscribe(b.ID, b.Mbox)
	resA := runReplica(a, queue.NewMemStore(), cfg)
	resB := runReplica(b, queue.NewMemStore(), cfg)

	// --- when ---
	d := replication.NewDriver(cfg)
	ref := replication.NewRef()
	s := d.Prepare(ref, []*replication.Peer{a, b}, bcast)
	_, err := d.Run(s, ref, "orders", master)

	// --- then ---
	require.Nil(t, err)
	for _, res := range []slaveResult{awaitResult(t, resA), awaitResult(t, resB)} {
		require.Nil(t, res.err)
		assert.Equal(t, replication.OutcomeCompleted, res.outcome)
		assert.Equal(t, []string{"M1", "M2", "M3"}, bodies(res.store))
		// the confirm flag must not survive the transfer
		res.store.Fold(func(env queue.Envelope) error {
			assert.False(t, env.Props.NeedsConfirm)
			return nil
		})
	}
	assert.Equal(t, []string{"M1", "M2", "M3"}, bodies(master), "the master store is untouched")
}

func TestSync_SlaveDeathDoesNotDisturbSurvivors(t *testing.T) {
	t.Parallel()

	// --- given ---
	// bound 2 with a batch of 2 forces the syncer to drain peer events
	// before relaying M3, so B's death is observed before the last fan-out
	cfg := replication.Config{CreditBound: 2, CreditBatch: 2}
	bcast := broadcast.New()
	master := masterWith(t, "M1", "M2", "M3")

	a, b := newPeer("slave-a"), newPeer("slave-b")
	bcast.Subscribe(a.ID, a.Mbox)
	bcast.Subscribe(b.ID, b.Mbox)
	resA := runReplica(a, queue.NewMemStore(), cfg)

	d := replication.NewDriver(cfg)
	ref := replication.NewRef()

	// --- when ---
	s := d.Prepare(ref, []*replication.Peer{a, b}, bcast)

	// slave B is played by hand: it joins, receives two messages, and dies
	runErr := make(chan error, 1)
	go func() {
		_, err := d.Run(s, ref, "orders", master)
		runErr <- err
	}()

	start := recvTimeout(t, b.Mbox).(replication.SyncStart)
	start.Syncer.Mbox.Send(replication.SyncReady{Ref: start.Ref, Slave: b.ID})
	for _, want := range []string{"M1", "M2"} {
		m := recvTimeout(t, b.Mbox).(replication.SyncMsg)
		assert.Equal(t, want, string(m.Env.Body))
	}
	b.Handle.Exit(errors.New("replica crashed"))

	// --- then ---
	require.Nil(t, <-runErr)

	resultA := awaitResult(t, resA)
	require.Nil(t, resultA.err)
	assert.Equal(t, replication.OutcomeCompleted, resultA.outcome)
	assert.Equal(t, []string{"M1", "M2", "M3"}, bodies(resultA.store))

	// B was dropped from the fan-out set: no M3, no completion notice
	assertSilent(t, b.Mbox, 300*time.Millisecond)
}

func TestSync_SlaveStoreFailureDoesNotStallTheRound(t *testing.T) {
	t.Parallel()

	// --- given ---
	// a tight window: once the failing slave stops bumping, its spent
	// credit would block the round unless the syncer drops it
	cfg := replication.Config{CreditBound: 2, CreditBatch: 2}
	bcast := broadcast.New()
	master := masterWith(t, "m0", "m1", "m2", "m3", "m4", "m5")

	healthy, broken := newPeer("slave-a"), newPeer("slave-b")
	bcast.Subscribe(healthy.ID, healthy.Mbox)
	bcast.Subscribe(broken.ID, broken.Mbox)
	resHealthy := runReplica(healthy, queue.NewMemStore(), cfg)
	resBroken := runReplica(broken, &flakyStore{MemStore: queue.NewMemStore(), failAt: 2}, cfg)

	// --- when ---
	d := replication.NewDriver(cfg)
	ref := replication.NewRef()
	s := d.Prepare(ref, []*replication.Peer{healthy, broken}, bcast)
	_, err := d.Run(s, ref, "orders", master)

	// --- then ---
	require.Nil(t, err, "the round must not stall on the failed slave")

	failed := awaitResult(t, resBroken)
	assert.Equal(t, replication.OutcomeFailed, failed.outcome)
	assert.NotNil(t, failed.err)
	assert.Equal(t, 0, failed.store.Len(), "the suspect content is purged")

	survivor := awaitResult(t, resHealthy)
	require.Nil(t, survivor.err)
	assert.Equal(t, replication.OutcomeCompleted, survivor.outcome)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5"}, bodies(survivor.store))
}

func TestSync_DriverAbortsWhenSyncerDies(t *testing.T) {
	t.Parallel()

	// --- given ---
	bcast := broadcast.New()
	master := masterWith(t, "M1", "M2")

	// the candidate never replies ready, so the syncer never acks
	mute := newPeer("slave-mute")
	bcast.Subscribe(mute.ID, mute.Mbox)

	d := replication.NewDriver(replication.Config{})
	ref := replication.NewRef()
	s := d.Prepare(ref, []*replication.Peer{mute}, bcast)

	runErr := make(chan error, 1)
	go func() {
		_, err := d.Run(s, ref, "orders", master)
		runErr <- err
	}()

	// --- when ---
	s.Handle().Exit(errors.New("syncer crashed"))

	// --- then ---
	select {
	case err := <-runErr:
		assert.Equal(t, replication.ErrSyncAborted, errors.Cause(err))
	case <-time.After(5 * time.Second):
		t.Fatal("the driver did not observe the syncer's death")
	}
}

func TestSync_CreditBoundIsNeverExceeded(t *testing.T) {
	t.Parallel()

	// --- given ---
	const bound = 3
	bcast := broadcast.New()
	var msgs []string
	for i := 0; i < 10; i++ {
		msgs = append(msgs, fmt.Sprintf("m%d", i))
	}
	master := masterWith(t, msgs...)

	slave := newPeer("slave-slow")
	bcast.Subscribe(slave.ID, slave.Mbox)

	d := replication.NewDriver(replication.Config{CreditBound: bound})
	ref := replication.NewRef()
	s := d.Prepare(ref, []*replication.Peer{slave}, bcast)

	runErr := make(chan error, 1)
	go func() {
		_, err := d.Run(s, ref, "orders", master)
		runErr <- err
	}()

	start := recvTimeout(t, slave.Mbox).(replication.SyncStart)
	start.Syncer.Mbox.Send(replication.SyncReady{Ref: start.Ref, Slave: slave.ID})

	// --- when/then ---
	// without a bump, exactly `bound` messages may arrive, then silence
	next := 0
	for batch := 0; batch < 3; batch++ {
		for i := 0; i < bound; i++ {
			m := recvTimeout(t, slave.Mbox).(replication.SyncMsg)
			assert.Equal(t, fmt.Sprintf("m%d", next), string(m.Env.Body))
			next++
		}
		assertSilent(t, slave.Mbox, 300*time.Millisecond)
		start.Syncer.Mbox.Send(replication.BumpCredit{Peer: slave.ID, Delta: bound})
	}

	// the final message and the completion notice follow the last bump
	m := recvTimeout(t, slave.Mbox).(replication.SyncMsg)
	assert.Equal(t, "m9", string(m.Env.Body))
	_, ok := recvTimeout(t, slave.Mbox).(replication.SyncComplete)
	assert.True(t, ok)
	require.Nil(t, <-runErr)
}
