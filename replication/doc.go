// Package replication implements the sync protocol that brings lagging
// replicas of a queue up to date with the master's backlog.
//
// Three roles take part in a round:
//
//   - the master Driver folds the master store and hands messages to the
//     syncer one at a time, blocking on each acknowledgment so its own
//     outstanding work is bounded to a single message;
//   - the Syncer, spawned per round, fans each message out to the live
//     slaves under credit-based backpressure and drops slaves from the
//     fan-out set as they die;
//   - a slave receiver purges its own store, appends the streamed backlog
//     in delivery order, and reports one of Completed, Failed or Stopped.
//
// Every protocol message carries the round token, so traffic from a
// superseded or finished round is ignored instead of misapplied. The roles
// share no memory: coordination is mailbox message passing plus the
// synchronous driver/syncer handshake.
package replication
