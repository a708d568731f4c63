package replication

import (
	"github.com/mirrorq/mirrorq/broadcast"
	"github.com/mirrorq/mirrorq/flow"
	"github.com/mirrorq/mirrorq/metrics"
	"github.com/mirrorq/mirrorq/proc"
	"github.com/mirrorq/mirrorq/utils/log"
)

type participant struct {
	peer      *Peer
	cancelMon func()
}

// Syncer is the per-round coordinator between the master driver and the
// slaves. It owns no durable state: the participant set and the credit
// ledger vanish when it terminates.
type Syncer struct {
	ref        Ref
	cfg        Config
	handle     *proc.Handle
	self       *Peer         // identity announced to slaves; Mbox is events
	data       *proc.Mailbox // driver traffic: SyncMsg, done
	events     *proc.Mailbox // slave replies, credit bumps, monitor downs
	acks       chan MsgOK
	bcast      *broadcast.Channel
	credit     *flow.Controller
	candidates []*Peer
	live       []participant
}

func newSyncer(ref Ref, candidates []*Peer, bcast *broadcast.Channel, cfg Config) *Syncer {
	events := proc.NewMailbox()
	handle := proc.NewHandle(proc.ID("syncer-" + ref.String()))
	return &Syncer{
		ref:        ref,
		cfg:        cfg,
		handle:     handle,
		self:       &Peer{ID: handle.ID(), Handle: handle, Mbox: events},
		data:       proc.NewMailbox(),
		events:     events,
		acks:       make(chan MsgOK, 1),
		bcast:      bcast,
		credit:     flow.NewController(cfg.CreditBound),
		candidates: candidates,
	}
}

func (s *Syncer) Ref() Ref { return s.ref }

// Handle exposes the syncer's liveness so the driver, and the slaves through
// their monitors, observe its termination.
func (s *Syncer) Handle() *proc.Handle { return s.handle }

func (s *Syncer) run() {
	defer s.events.Close()
	defer s.data.Close()
	defer s.release()
	defer s.handle.Exit(nil)
	if s.awaitReady() {
		s.relay()
	}
}

// release cancels the remaining monitors and empties the fan-out set. Run on
// every exit path so a dead syncer holds no references to its participants.
func (s *Syncer) release() {
	for _, p := range s.live {
		p.cancelMon()
	}
	s.live = nil
	metrics.LiveParticipants.Set(0)
}

// awaitReady monitors every candidate, announces the round over the ordered
// broadcast channel, and collects a ready or a down per candidate. The
// broadcast goes over the same ordered channel as any other cluster traffic
// addressed to the candidates, so a "ready" reply guarantees no
// earlier-ordered message can arrive at that slave after sync traffic begins.
// It reports false when the syncer was terminated while collecting.
func (s *Syncer) awaitReady() bool {
	pending := map[proc.ID]bool{}
	for _, c := range s.candidates {
		cancel := proc.Monitor(c.Handle, s.events)
		s.live = append(s.live, participant{peer: c, cancelMon: cancel})
		pending[c.ID] = true
	}

	s.bcast.Send(SyncStart{Ref: s.ref, Syncer: s.self})
	log.Debug("sync round %v announced to %d candidates", s.ref, len(s.candidates))

	for len(pending) > 0 {
		select {
		case raw := <-s.events.Receive():
			switch m := raw.(type) {
			case SyncReady:
				if m.Ref != s.ref || !pending[m.Slave] {
					continue
				}
				delete(pending, m.Slave)
				s.credit.Add(m.Slave)
			case SyncFailed:
				if m.Ref != s.ref {
					continue
				}
				s.drop(m.Slave, m.Reason)
				delete(pending, m.Slave)
			case proc.Down:
				s.drop(m.ID, m.Reason)
				delete(pending, m.ID)
			case BumpCredit:
				s.credit.Bump(m.Peer, m.Delta)
			}
		case <-s.handle.Done():
			return false
		}
	}
	metrics.LiveParticipants.Set(float64(len(s.live)))
	return true
}

// relay is the transfer loop: ack the driver immediately so its pace is
// decoupled from the slaves', drain credit while blocked, then fan out in
// participant order. Fan-out order plus per-mailbox arrival order is what
// gives every surviving slave the backlog in the master's original order.
func (s *Syncer) relay() {
	for {
		select {
		case raw := <-s.data.Receive():
			switch m := raw.(type) {
			case SyncMsg:
				if m.Ref != s.ref {
					continue
				}
				s.acks <- MsgOK{Ref: s.ref}
				for s.credit.Blocked() {
					select {
					case ev := <-s.events.Receive():
						s.handleEvent(ev)
					case <-s.handle.Done():
						return
					}
				}
				for _, p := range s.live {
					p.peer.Mbox.Send(SyncMsg{Ref: s.ref, Env: m.Env})
					s.credit.Send(p.peer.ID)
				}
			case done:
				if m.ref != s.ref {
					continue
				}
				for _, p := range s.live {
					p.peer.Mbox.Send(SyncComplete{Ref: s.ref})
				}
				log.Debug("sync round %v done, syncer terminating", s.ref)
				return
			}
		case raw := <-s.events.Receive():
			s.handleEvent(raw)
		case <-s.handle.Done():
			return
		}
	}
}

func (s *Syncer) handleEvent(raw interface{}) {
	switch m := raw.(type) {
	case BumpCredit:
		s.credit.Bump(m.Peer, m.Delta)
	case SyncFailed:
		if m.Ref == s.ref {
			s.drop(m.Slave, m.Reason)
		}
	case proc.Down:
		s.drop(m.ID, m.Reason)
	case SyncCompleteOK:
		// completion acks only matter to the slave's own state machine
	case SyncReady:
		// a ready from a superseded round, or from a candidate already
		// dropped as down
	}
}

// drop removes a dead slave from the fan-out set and releases its credit so
// an exhausted window on a dead peer cannot wedge the round.
func (s *Syncer) drop(id proc.ID, reason error) {
	for i, p := range s.live {
		if p.peer.ID != id {
			continue
		}
		p.cancelMon()
		s.live = append(s.live[:i], s.live[i+1:]...)
		s.credit.Forget(id)
		metrics.ParticipantsDropped.Inc()
		metrics.LiveParticipants.Set(float64(len(s.live)))
		log.Warn("slave %v left sync round %v: %v", id, s.ref, reason)
		return
	}
}
