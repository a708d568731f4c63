// Package sync is an offline tool: it loads a master snapshot, runs one full
// sync round against a set of fresh replicas, and writes each replica's
// resulting store back out as a snapshot.
package sync

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mirrorq/mirrorq/node"
	"github.com/mirrorq/mirrorq/queue"
	"github.com/mirrorq/mirrorq/replication"
	"github.com/mirrorq/mirrorq/utils"
	"github.com/mirrorq/mirrorq/utils/log"
)

const (
	syncUsage     = "sync"
	syncShortDesc = "Runs one sync round from a snapshot against fresh replicas"
	syncLongDesc  = "This command loads a master snapshot, syncs it to N in-process replicas, and dumps their stores"
	snapshotDesc  = "path to the master snapshot"
	outDirDesc    = "directory the replica snapshots are written to"
	replicasDesc  = "number of replicas to sync"
	creditDesc    = "per-slave credit bound"
)

var (
	// Cmd is the sync command.
	Cmd = &cobra.Command{
		Use:     syncUsage,
		Short:   syncShortDesc,
		Long:    syncLongDesc,
		Example: "mirrorq tool sync --snapshot master.snap --replicas 2 --out ./out",
		RunE:    executeSync,
	}
	snapshotPath string
	outDir       string
	replicas     int
	creditBound  int
)

func init() {
	// Parse flags.
	Cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "", snapshotDesc)
	Cmd.Flags().StringVarP(&outDir, "out", "o", ".", outDirDesc)
	Cmd.Flags().IntVarP(&replicas, "replicas", "n", 1, replicasDesc)
	Cmd.Flags().IntVarP(&creditBound, "credit", "b", 0, creditDesc)
	Cmd.MarkFlagRequired("snapshot")
}

func executeSync(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	master, err := queue.LoadSnapshot(snapshotPath)
	if err != nil {
		return err
	}
	log.Info("loaded %d messages from %s", master.Len(), snapshotPath)

	cfg := &utils.Config{
		QueueName:   filepath.Base(snapshotPath),
		CreditBound: creditBound,
	}
	n := node.New(cfg, master, nil)
	for i := 0; i < replicas; i++ {
		if _, err := n.AddReplica(fmt.Sprintf("replica-%d", i)); err != nil {
			return err
		}
	}
	defer n.Shutdown()

	report, err := n.TriggerSync()
	if err != nil {
		return err
	}

	for _, o := range report.Outcomes {
		log.Info("replica %v: %v", o.Slave, o.Outcome)
		if o.Died || o.Outcome != replication.OutcomeCompleted {
			continue
		}
		r, ok := n.Replica(string(o.Slave))
		if !ok {
			continue
		}
		out := filepath.Join(outDir, fmt.Sprintf("%s.snap", o.Slave))
		if err := queue.SaveSnapshot(out, r.Store()); err != nil {
			return err
		}
		log.Info("wrote %s", out)
	}
	log.Info("round %v: %d/%d replicas completed", report.Ref, report.Completed(), len(report.Outcomes))
	return nil
}
