package start

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mirrorq/mirrorq/frontend/stream"
	"github.com/mirrorq/mirrorq/node"
	"github.com/mirrorq/mirrorq/queue"
	"github.com/mirrorq/mirrorq/utils"
	"github.com/mirrorq/mirrorq/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a mirrorq node"
	long                  = "This command starts a mirrorq node serving one replicated queue"
	example               = "mirrorq start --config <path>"
	defaultConfigFilePath = "./mirrorq.yml"
	configDesc            = "set the path for the mirrorq YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return err
	}

	// Don't output command usage if the args are correct.
	cmd.SilenceUsage = true

	log.Info("using %v for configuration", configFilePath)
	if err := utils.InstanceConfig.Parse(data); err != nil {
		return err
	}
	cfg := &utils.InstanceConfig

	// Seed the master store from a snapshot when one is configured.
	var master queue.Store
	if cfg.SnapshotPath != "" {
		master, err = queue.LoadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return err
		}
		log.Info("seeded master store with %d messages from %s", master.Len(), cfg.SnapshotPath)
	} else {
		master = queue.NewMemStore()
	}

	stream.Initialize()
	n := node.New(cfg, master, stream.Push)
	for _, rep := range cfg.Replicas {
		if _, err := n.AddReplica(rep.Name); err != nil {
			return err
		}
	}

	sigChannel := make(chan os.Signal, 1)
	go func() {
		for sig := range sigChannel {
			switch sig {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 request")
				pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)
			case syscall.SIGINT:
				log.Info("initiating graceful shutdown due to SIGINT request")
				log.Info("waiting a grace period of %v to shutdown...", cfg.StopGracePeriod)
				time.Sleep(cfg.StopGracePeriod)
				n.Shutdown()
				log.Info("exiting...")
				os.Exit(0)
			}
		}
	}()
	signal.Notify(sigChannel, syscall.SIGUSR1)
	signal.Notify(sigChannel, syscall.SIGINT)

	http.HandleFunc("/ws", stream.Handler)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/sync", syncHandler(n))
	http.HandleFunc("/ram_target", ramTargetHandler(n))

	log.Info("launching mirrorq node for queue %s on %s...", cfg.QueueName, cfg.ListenPort)
	return http.ListenAndServe(cfg.ListenPort, nil)
}

// syncHandler triggers one full sync round and reports per-slave outcomes.
func syncHandler(n *node.Node) http.HandlerFunc {
	type outcome struct {
		Slave   string `json:"slave"`
		Outcome string `json:"outcome"`
		Died    bool   `json:"died,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	type response struct {
		Ref      string    `json:"ref"`
		Outcomes []outcome `json:"outcomes"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		report, err := n.TriggerSync()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := response{Ref: report.Ref.String()}
		for _, o := range report.Outcomes {
			oc := outcome{Slave: string(o.Slave), Outcome: o.Outcome.String(), Died: o.Died}
			if o.Err != nil {
				oc.Error = o.Err.Error()
			}
			resp.Outcomes = append(resp.Outcomes, oc)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// ramTargetHandler applies the ram-duration tuning control message.
func ramTargetHandler(n *node.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Query().Get("replica")
		secs, err := strconv.Atoi(r.URL.Query().Get("seconds"))
		if err != nil || name == "" {
			http.Error(w, "replica and seconds are required", http.StatusBadRequest)
			return
		}
		if err := n.TuneReplicaRAM(name, time.Duration(secs)*time.Second); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
