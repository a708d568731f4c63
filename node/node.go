// Package node wires one master queue and its in-process replicas to the
// sync protocol: it owns the broadcast channel, spawns replicas, and triggers
// sync rounds on demand. Deciding when to sync lives here, outside the
// protocol itself.
package node

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mirrorq/mirrorq/broadcast"
	"github.com/mirrorq/mirrorq/proc"
	"github.com/mirrorq/mirrorq/queue"
	"github.com/mirrorq/mirrorq/replication"
	"github.com/mirrorq/mirrorq/utils"
	"github.com/mirrorq/mirrorq/utils/log"
)

// RoundReport summarizes one sync round: the outcome of every candidate that
// was targeted at round start.
type RoundReport struct {
	Ref      replication.Ref
	Outcomes []OutcomeReport
}

// Completed reports how many candidates finished the round in sync.
func (r *RoundReport) Completed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Died && o.Outcome == replication.OutcomeCompleted {
			n++
		}
	}
	return n
}

type Node struct {
	queueName string
	rcfg      replication.Config

	// syncMu serializes sync rounds; mu guards the maps and the master
	// store handle and is never held across a round, so replicas can be
	// stopped or killed while a round is in flight.
	syncMu sync.Mutex

	mu       sync.Mutex
	master   queue.Store
	bcast    *broadcast.Channel
	replicas map[proc.ID]*Replica
	reports  *proc.Mailbox
}

// New builds a node around an existing master store. progress may be nil;
// when set it receives the driver's progress events.
func New(cfg *utils.Config, master queue.Store, progress func(replication.ProgressEvent)) *Node {
	return &Node{
		queueName: cfg.QueueName,
		rcfg: replication.Config{
			CreditBound:      cfg.CreditBound,
			CreditBatch:      cfg.CreditBatch,
			ProgressInterval: cfg.ProgressInterval,
			Progress:         progress,
		},
		master:   master,
		bcast:    broadcast.New(),
		replicas: map[proc.ID]*Replica{},
		reports:  proc.NewMailbox(),
	}
}

// AddReplica spawns a fresh replica with an empty store and subscribes it to
// the broadcast channel.
func (n *Node) AddReplica(name string) (*Replica, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := proc.ID(name)
	if _, ok := n.replicas[id]; ok {
		return nil, errors.Errorf("replica %s already exists", name)
	}

	r := &Replica{
		peer: &replication.Peer{
			ID:     id,
			Handle: proc.NewHandle(id),
			Mbox:   proc.NewMailbox(),
		},
		store:   queue.NewMemStore(),
		cfg:     n.rcfg,
		reports: n.reports,
	}
	n.bcast.Subscribe(r.peer.ID, r.peer.Mbox)
	n.replicas[id] = r
	go r.loop()

	log.Info("replica %s joined queue %s", name, n.queueName)
	return r, nil
}

// Replica looks up a replica by name.
func (n *Node) Replica(name string) (*Replica, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.replicas[proc.ID(name)]
	return r, ok
}

// Publish appends a message to the master store.
func (n *Node) Publish(env queue.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.master.Publish(env, false)
}

// Master exposes the master store for inspection.
func (n *Node) Master() queue.Store {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.master
}

// TriggerSync runs one full sync round against every replica alive at round
// start and blocks until each candidate either reported an outcome or died.
// Rounds are serialized; a second trigger waits for the first to finish.
func (n *Node) TriggerSync() (*RoundReport, error) {
	n.syncMu.Lock()
	defer n.syncMu.Unlock()

	ref := replication.NewRef()
	n.mu.Lock()
	master := n.master
	var candidates []*replication.Peer
	for _, r := range n.replicas {
		select {
		case <-r.peer.Handle.Done():
			continue
		default:
		}
		candidates = append(candidates, r.peer)
	}
	n.mu.Unlock()
	log.Info("starting sync round %v for queue %s with %d candidates",
		ref, n.queueName, len(candidates))

	// watch the candidates so a replica dying before it reports doesn't
	// leave the collection loop waiting forever. Downs go to a round-scoped
	// mailbox: one that outlives its round could mark a later replica of
	// the same name as dead.
	downs := proc.NewMailbox()
	defer downs.Close()
	cancels := make([]func(), 0, len(candidates))
	for _, c := range candidates {
		cancels = append(cancels, proc.Monitor(c.Handle, downs))
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	d := replication.NewDriver(n.rcfg)
	s := d.Prepare(ref, candidates, n.bcast)
	master, err := d.Run(s, ref, n.queueName, master)
	n.mu.Lock()
	n.master = master
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}

	report := &RoundReport{Ref: ref}
	remaining := map[proc.ID]bool{}
	for _, c := range candidates {
		remaining[c.ID] = true
	}
	for len(remaining) > 0 {
		select {
		case raw := <-n.reports.Receive():
			m, ok := raw.(OutcomeReport)
			if !ok || m.Ref != ref || !remaining[m.Slave] {
				continue
			}
			delete(remaining, m.Slave)
			report.Outcomes = append(report.Outcomes, m)
		case raw := <-downs.Receive():
			m, ok := raw.(proc.Down)
			if !ok || !remaining[m.ID] {
				continue
			}
			delete(remaining, m.ID)
			report.Outcomes = append(report.Outcomes, OutcomeReport{
				Ref:   ref,
				Slave: m.ID,
				Err:   m.Reason,
				Died:  true,
			})
		}
	}
	return report, nil
}

// StopReplica asks a replica to terminate gracefully and drops it from the
// broadcast channel.
func (n *Node) StopReplica(name string, reason error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := proc.ID(name)
	r, ok := n.replicas[id]
	if !ok {
		return errors.Errorf("no such replica %s", name)
	}
	n.bcast.Unsubscribe(id)
	delete(n.replicas, id)
	// the stop is queued before the close, so it is still delivered
	r.peer.Mbox.Send(replication.Stop{Reason: reason})
	r.peer.Mbox.Close()
	return nil
}

// TuneReplicaRAM sends the ram-duration tuning control message to a replica.
// It applies whether or not the replica is mid-round.
func (n *Node) TuneReplicaRAM(name string, target time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	r, ok := n.replicas[proc.ID(name)]
	if !ok {
		return errors.Errorf("no such replica %s", name)
	}
	r.peer.Mbox.Send(replication.SetRAMDuration{Target: target})
	return nil
}

// KillReplica simulates a replica crash: the process is marked dead at once,
// so monitors fire immediately, and the loop is then told to unwind.
func (n *Node) KillReplica(name string, reason error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := proc.ID(name)
	r, ok := n.replicas[id]
	if !ok {
		return errors.Errorf("no such replica %s", name)
	}
	n.bcast.Unsubscribe(id)
	delete(n.replicas, id)
	r.peer.Handle.Exit(reason)
	r.peer.Mbox.Send(replication.Stop{Reason: reason})
	r.peer.Mbox.Close()
	return nil
}

// Shutdown stops every replica and waits for their processes to terminate.
func (n *Node) Shutdown() {
	n.mu.Lock()
	replicas := make([]*Replica, 0, len(n.replicas))
	for id, r := range n.replicas {
		n.bcast.Unsubscribe(id)
		replicas = append(replicas, r)
	}
	n.replicas = map[proc.ID]*Replica{}
	n.mu.Unlock()

	for _, r := range replicas {
		r.peer.Mbox.Send(replication.Stop{Reason: nil})
		r.peer.Mbox.Close()
	}
	for _, r := range replicas {
		<-r.peer.Handle.Done()
	}
	n.reports.Close()
}
