package replication

import (
	"time"

	"github.com/google/uuid"

	"github.com/mirrorq/mirrorq/proc"
	"github.com/mirrorq/mirrorq/queue"
)

// Ref is the round-scoped token carried by every protocol message. Messages
// with a token that does not match the receiver's current round are ignored.
type Ref uuid.UUID

func NewRef() Ref {
	return Ref(uuid.New())
}

func (r Ref) String() string {
	return uuid.UUID(r).String()
}

// Peer bundles a process identity with its liveness handle and inbox. It is
// how one role addresses, and monitors, another.
type Peer struct {
	ID     proc.ID
	Handle *proc.Handle
	Mbox   *proc.Mailbox
}

// SyncStart announces a round over the cluster-wide ordered channel. It
// carries the syncer's peer so candidates can reply and monitor it.
type SyncStart struct {
	Ref    Ref
	Syncer *Peer
}

// SyncReady is a candidate's reply that it purged and is ready to receive.
type SyncReady struct {
	Ref   Ref
	Slave proc.ID
}

// SyncMsg carries one message envelope, driver to syncer and syncer to slave.
type SyncMsg struct {
	Ref Ref
	Env queue.Envelope
}

// MsgOK acknowledges one SyncMsg back to the driver.
type MsgOK struct {
	Ref Ref
}

// SyncFailed tells the syncer a slave abandoned the round after a local
// store failure. The slave's process is still alive, so no monitor fires;
// the syncer treats this like the slave's death, scoped to the round.
type SyncFailed struct {
	Ref    Ref
	Slave  proc.ID
	Reason error
}

// BumpCredit replenishes the sender-side credit window for Peer.
type BumpCredit struct {
	Peer  proc.ID
	Delta int
}

// done tells the syncer the driver has streamed the whole backlog.
type done struct {
	ref Ref
}

// SyncComplete tells a slave the round finished and its store now mirrors
// the master's backlog.
type SyncComplete struct {
	Ref Ref
}

// SyncCompleteOK is the slave's completion acknowledgment. The syncer does
// not wait for it; it only matters to the slave's own state machine.
type SyncCompleteOK struct {
	Ref   Ref
	Slave proc.ID
}

// SetRAMDuration tunes a slave store's memory target mid-round.
type SetRAMDuration struct {
	Target time.Duration
}

// Stop asks a slave receiver to abandon the round because its own process is
// terminating. The reason is propagated to the receiver's caller.
type Stop struct {
	Reason error
}
