package node

import (
	"github.com/mirrorq/mirrorq/proc"
	"github.com/mirrorq/mirrorq/queue"
	"github.com/mirrorq/mirrorq/replication"
	"github.com/mirrorq/mirrorq/utils/log"
)

// OutcomeReport is what a replica posts back to the node when a sync round
// ends for it, one way or another.
type OutcomeReport struct {
	Ref     replication.Ref
	Slave   proc.ID
	Outcome replication.Outcome
	Err     error
	// Died marks a report synthesized by the node because the replica's
	// process terminated before it could report.
	Died bool
}

// Replica is one in-process slave: a store plus a goroutine consuming the
// replica's mailbox, invoking a slave receiver whenever a round starts.
type Replica struct {
	peer    *replication.Peer
	store   queue.Store
	cfg     replication.Config
	reports *proc.Mailbox
}

// Peer exposes the replica's protocol identity.
func (r *Replica) Peer() *replication.Peer { return r.peer }

// Store exposes the replica's store for inspection.
func (r *Replica) Store() queue.Store { return r.store }

func (r *Replica) loop() {
	for raw := range r.peer.Mbox.Receive() {
		switch m := raw.(type) {
		case replication.SyncStart:
			store, outcome, err := replication.RunSlave(m.Ref, r.peer, m.Syncer, r.store, r.cfg)
			r.store = store
			log.Info("replica %v finished round %v: %v", r.peer.ID, m.Ref, outcome)
			r.reports.Send(OutcomeReport{
				Ref:     m.Ref,
				Slave:   r.peer.ID,
				Outcome: outcome,
				Err:     err,
			})
			if outcome == replication.OutcomeStopped {
				r.peer.Handle.Exit(err)
				return
			}
		case replication.SetRAMDuration:
			// outside a round the tuning message applies straight to the
			// store; mid-round the slave receiver handles it instead
			if err := r.store.SetRAMDurationTarget(m.Target); err != nil {
				log.Error("replica %v failed to tune the ram duration target: %v", r.peer.ID, err)
			}
		case replication.Stop:
			r.peer.Handle.Exit(m.Reason)
			return
		}
	}
	// mailbox closed without a stop message
	r.peer.Handle.Exit(nil)
}
