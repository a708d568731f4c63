package replication

import (
	"time"

	"github.com/mirrorq/mirrorq/flow"
)

const defaultProgressInterval = time.Second

// Config carries the tunables for a sync round. The zero value picks the
// defaults for every field.
type Config struct {
	// CreditBound is the per-slave window of unacknowledged messages the
	// syncer may have in flight.
	CreditBound int
	// CreditBatch is how many messages a slave consumes before it sends
	// one batched credit bump back.
	CreditBatch int
	// ProgressInterval is the wall-clock cadence of the driver's progress
	// reports. Reporting is time based, not message-count based, so large
	// backlogs don't flood the log.
	ProgressInterval time.Duration
	// Progress, when set, receives progress events alongside the log.
	Progress func(ProgressEvent)
}

// ProgressEvent reports how far the driver has streamed the backlog.
type ProgressEvent struct {
	Ref   string `msgpack:"ref"`
	Queue string `msgpack:"queue"`
	Sent  int    `msgpack:"sent"`
	Bytes uint64 `msgpack:"bytes"`
	Done  bool   `msgpack:"done"`
}

func (c *Config) setDefaults() {
	if c.CreditBound <= 0 {
		c.CreditBound = flow.DefaultInitialCredit
	}
	if c.CreditBatch <= 0 {
		c.CreditBatch = flow.DefaultMoreCreditAfter
	}
	if c.CreditBatch > c.CreditBound {
		c.CreditBatch = c.CreditBound
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}
}
