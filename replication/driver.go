package replication

import (
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"

	"github.com/mirrorq/mirrorq/broadcast"
	"github.com/mirrorq/mirrorq/metrics"
	"github.com/mirrorq/mirrorq/queue"
	"github.com/mirrorq/mirrorq/utils/log"
)

// ErrSyncAborted reports that the syncer terminated while the driver was
// blocked waiting for an acknowledgment. It is fatal to the current round,
// not to the queue: the caller may start a fresh round later.
var ErrSyncAborted = errors.New("sync round aborted, shutting down")

// Driver runs the master side of sync rounds.
type Driver struct {
	cfg Config
}

func NewDriver(cfg Config) *Driver {
	cfg.setDefaults()
	return &Driver{cfg: cfg}
}

// Prepare spawns the syncer for round ref targeting candidates, announced
// over bcast, and returns its handle for the later Run call.
func (d *Driver) Prepare(ref Ref, candidates []*Peer, bcast *broadcast.Channel) *Syncer {
	s := newSyncer(ref, candidates, bcast, d.cfg)
	go s.run()
	return s
}

// Run streams every message currently in store, in store order, through the
// syncer: one synchronous send-and-await-ack handshake per message, so at
// most one message is ever outstanding and a dead syncer is observed on the
// very next ack wait. After the last message it signals completion and
// returns the store to the caller.
func (d *Driver) Run(s *Syncer, ref Ref, queueName string, store queue.Store) (queue.Store, error) {
	var (
		sent    int
		bytes   uint64
		lastLog = time.Now()
	)

	err := store.Fold(func(env queue.Envelope) error {
		s.data.Send(SyncMsg{Ref: ref, Env: env})

	awaitAck:
		for {
			select {
			case ok := <-s.acks:
				// an ack from a superseded round is dropped, not counted
				if ok.Ref == ref {
					break awaitAck
				}
			case <-s.handle.Done():
				return ErrSyncAborted
			}
		}

		sent++
		bytes += env.Size()
		metrics.SyncMessages.WithLabelValues(queueName).Inc()
		metrics.SyncBytes.WithLabelValues(queueName).Add(float64(env.Size()))

		if time.Since(lastLog) >= d.cfg.ProgressInterval {
			lastLog = time.Now()
			log.Info("syncing queue %s: %d messages (%s) sent", queueName, sent, bytefmt.ByteSize(bytes))
			d.emit(ProgressEvent{Ref: ref.String(), Queue: queueName, Sent: sent, Bytes: bytes})
		}
		return nil
	})
	if err != nil {
		if errors.Cause(err) == ErrSyncAborted {
			metrics.RoundsAborted.Inc()
			log.Error("sync of queue %s aborted after %d messages: %v", queueName, sent, s.handle.Reason())
		}
		return store, err
	}

	s.data.Send(done{ref: ref})
	metrics.RoundsCompleted.Inc()
	log.Info("sync of queue %s complete: %d messages (%s) sent", queueName, sent, bytefmt.ByteSize(bytes))
	d.emit(ProgressEvent{Ref: ref.String(), Queue: queueName, Sent: sent, Bytes: bytes, Done: true})
	return store, nil
}

func (d *Driver) emit(ev ProgressEvent) {
	if d.cfg.Progress != nil {
		d.cfg.Progress(ev)
	}
}
