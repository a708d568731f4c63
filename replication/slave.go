package replication

import (
	"github.com/pkg/errors"

	"github.com/mirrorq/mirrorq/flow"
	"github.com/mirrorq/mirrorq/proc"
	"github.com/mirrorq/mirrorq/queue"
	"github.com/mirrorq/mirrorq/utils/log"
)

// Outcome tags how a slave receiver left a sync round.
type Outcome int

const (
	// OutcomeCompleted means the slave's store now mirrors the backlog the
	// master streamed during the round.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed means the slave purged its store and needs a full
	// resync in a future round.
	OutcomeFailed
	// OutcomeStopped means the slave's own process is terminating and the
	// round was abandoned.
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunSlave drives one slave's side of round ref inside the replica's own
// goroutine. self is the replica's identity, mbox included; syncer is the
// peer announced in the SyncStart that triggered this invocation. It returns
// the store and the outcome when the round ends for this slave; Completed and
// Failed are terminal, a new round needs a fresh invocation.
//
// The store is purged on entry, unconditionally: a replica that joins
// mid-round or re-joins after a partial round may hold a range that does not
// line up with this round's backlog, and a gap or duplicate mid-stream must
// never reach consumers.
func RunSlave(ref Ref, self *Peer, syncer *Peer, store queue.Store, cfg Config) (queue.Store, Outcome, error) {
	cfg.setDefaults()

	cancelMon := proc.Monitor(syncer.Handle, self.Mbox)
	syncer.Mbox.Send(SyncReady{Ref: ref, Slave: self.ID})

	if n, err := store.Purge(); err != nil {
		syncer.Mbox.Send(SyncFailed{Ref: ref, Slave: self.ID, Reason: err})
		cancelMon()
		return store, OutcomeFailed, errors.Wrap(err, "failed to purge the store entering sync")
	} else if n > 0 {
		log.Debug("slave %v purged %d stale messages entering round %v", self.ID, n, ref)
	}

	acker := flow.NewAcker(cfg.CreditBatch)
	// grants addressed to this replica's own outbound flows land here while
	// the receiver owns the mailbox; grants for flows it never opened drop
	outbound := flow.NewController(cfg.CreditBound)

	for {
		raw, ok := <-self.Mbox.Receive()
		if !ok {
			// the mailbox closed under us: the replica is being torn down
			if delta, due := acker.Flush(); due {
				syncer.Mbox.Send(BumpCredit{Peer: self.ID, Delta: delta})
			}
			cancelMon()
			return store, OutcomeStopped, nil
		}

		switch m := raw.(type) {
		case SyncMsg:
			if m.Ref != ref {
				continue
			}
			if delta, due := acker.Ack(); due {
				syncer.Mbox.Send(BumpCredit{Peer: self.ID, Delta: delta})
			}
			env := m.Env
			// sync traffic is not part of the original publish-confirm
			// flow, so the confirm flag must not survive the transfer
			env.Props.NeedsConfirm = false
			if err := store.Publish(env, true); err != nil {
				// the local content is now suspect mid-stream; the syncer
				// must hear about the departure or the credit spent on this
				// slave would block the round for the survivors
				store.Purge()
				syncer.Mbox.Send(SyncFailed{Ref: ref, Slave: self.ID, Reason: err})
				cancelMon()
				return store, OutcomeFailed, errors.Wrap(err, "failed to append a sync message")
			}

		case SyncComplete:
			if m.Ref != ref {
				continue
			}
			if delta, due := acker.Flush(); due {
				syncer.Mbox.Send(BumpCredit{Peer: self.ID, Delta: delta})
			}
			syncer.Mbox.Send(SyncCompleteOK{Ref: ref, Slave: self.ID})
			cancelMon()
			log.Info("slave %v completed sync round %v with %d messages", self.ID, ref, store.Len())
			return store, OutcomeCompleted, nil

		case proc.Down:
			if m.ID != syncer.ID {
				continue
			}
			// only a head-biased partial set was received; it must not be
			// trusted, so purge again even though the data may be complete
			store.Purge()
			acker.Flush()
			cancelMon()
			log.Warn("slave %v lost the syncer in round %v: %v", self.ID, ref, m.Reason)
			return store, OutcomeFailed, nil

		case BumpCredit:
			outbound.Bump(m.Peer, m.Delta)

		case SetRAMDuration:
			if err := store.SetRAMDurationTarget(m.Target); err != nil {
				log.Error("slave %v failed to tune the ram duration target: %v", self.ID, err)
			}

		case Stop:
			if delta, due := acker.Flush(); due {
				syncer.Mbox.Send(BumpCredit{Peer: self.ID, Delta: delta})
			}
			cancelMon()
			return store, OutcomeStopped, m.Reason

		case SyncStart:
			log.Debug("slave %v ignoring sync start for round %v while in round %v",
				self.ID, m.Ref, ref)
		}
	}
}
