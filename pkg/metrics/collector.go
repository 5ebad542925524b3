package metrics

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/tproxy/internal/fabric/checkpoint"
)

// Collector periodically samples state that nothing updates inline -
// namely how many fabric sessions the checkpoint store still holds, which
// includes sessions a crashed controller never got to tear down.
type Collector struct {
	store  *checkpoint.Store
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewCollector creates a collector sampling the given checkpoint store.
func NewCollector(store *checkpoint.Store, logger zerolog.Logger) *Collector {
	return &Collector{
		store:  store,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting on a fixed interval, in its own goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	records, err := c.store.List()
	if err != nil {
		c.logger.Warn().Err(err).Msg("metrics: list checkpoint records")
		return
	}
	FabricSessionsActive.Set(float64(len(records)))
}
