package lag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/altafin/dr-orchestrator/internal/concurrent"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/repository"
)

// Collector polls every replicated store's admin endpoint on a fixed interval
// and feeds the samples into the tracker. A store that fails to answer simply
// produces no sample; the tracker's staleness rule handles the rest.
type Collector struct {
	stores       []repository.ReplicatedStore
	tracker      *Tracker
	pollInterval time.Duration
	logger       *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a lag collector
func NewCollector(stores []repository.ReplicatedStore, tracker *Tracker, pollInterval time.Duration, logger *slog.Logger) *Collector {
	return &Collector{
		stores:       stores,
		tracker:      tracker,
		pollInterval: pollInterval,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start begins periodic lag collection
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.run()

	c.logger.Info("lag collector started",
		slog.Int("stores", len(c.stores)),
		slog.Duration("poll_interval", c.pollInterval),
	)
}

// Stop stops the collector and waits for the poll loop to exit
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("lag collector stopped")
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	// Collect immediately so the first decision cycle has data
	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

// collect polls all stores in parallel, continues past individual failures
func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.pollInterval)
	defer cancel()

	results := concurrent.ParallelMap(ctx, c.stores, func(ctx context.Context, store repository.ReplicatedStore) (model.ReplicationLagSample, error) {
		lag, err := store.CurrentLag(ctx)
		if err != nil {
			return model.ReplicationLagSample{}, err
		}
		return model.ReplicationLagSample{
			StoreID:   store.ID(),
			Lag:       lag,
			Timestamp: time.Now(),
		}, nil
	})

	for i, result := range results {
		if result.Error != nil {
			c.logger.Warn("failed to collect lag sample",
				slog.String("store", c.stores[i].ID()),
				slog.String("error", result.Error.Error()),
			)
			continue
		}
		c.tracker.Record(result.Value)
	}
}
