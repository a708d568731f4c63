package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/mirrorq/mirrorq/utils/log"
)

var InstanceConfig Config

func init() {
	InstanceConfig.StartTime = time.Now()
}

// ReplicaSetting describes one in-process replica declared in the config file.
type ReplicaSetting struct {
	Name string
}

type Config struct {
	QueueName        string
	ListenPort       string
	SnapshotPath     string
	ReplicaSnapshots string
	CreditBound      int
	CreditBatch      int
	ProgressInterval time.Duration
	StopGracePeriod  time.Duration
	StartTime        time.Time
	Replicas         []*ReplicaSetting
}

func (m *Config) Parse(data []byte) error {
	var aux struct {
		QueueName        string `yaml:"queue_name"`
		ListenPort       string `yaml:"listen_port"`
		LogLevel         string `yaml:"log_level"`
		SnapshotPath     string `yaml:"snapshot_path"`
		ReplicaSnapshots string `yaml:"replica_snapshot_dir"`
		CreditBound      int    `yaml:"credit_bound"`
		CreditBatch      int    `yaml:"credit_batch"`
		ProgressInterval int    `yaml:"progress_interval"`
		StopGracePeriod  int    `yaml:"stop_grace_period"`
		Replicas         []struct {
			Name string `yaml:"name"`
		} `yaml:"replicas"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "failed to unmarshal the config file")
	}

	if aux.QueueName == "" {
		return errors.New("invalid queue name")
	}

	if aux.ListenPort == "" {
		return errors.New("invalid listen port")
	}

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			log.SetLevel(log.FATAL)
		case "error":
			log.SetLevel(log.ERROR)
		case "warning":
			log.SetLevel(log.WARNING)
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			fallthrough
		default:
			log.SetLevel(log.INFO)
		}
	}

	if aux.CreditBound < 0 || aux.CreditBatch < 0 {
		return errors.New("credit_bound and credit_batch must not be negative")
	}
	if aux.CreditBatch > aux.CreditBound && aux.CreditBound != 0 {
		log.Warn("credit_batch %v exceeds credit_bound %v, clamping to the bound",
			aux.CreditBatch, aux.CreditBound)
		aux.CreditBatch = aux.CreditBound
	}
	m.CreditBound = aux.CreditBound
	m.CreditBatch = aux.CreditBatch

	if aux.ProgressInterval > 0 {
		m.ProgressInterval = time.Duration(aux.ProgressInterval) * time.Second
	}

	if aux.StopGracePeriod > 0 {
		m.StopGracePeriod = time.Duration(aux.StopGracePeriod) * time.Second
	}

	m.QueueName = aux.QueueName
	m.SnapshotPath = aux.SnapshotPath
	m.ReplicaSnapshots = aux.ReplicaSnapshots
	m.ListenPort = fmt.Sprintf(":%v", aux.ListenPort)

	for _, rep := range aux.Replicas {
		m.Replicas = append(m.Replicas, &ReplicaSetting{Name: rep.Name})
	}

	return nil
}
