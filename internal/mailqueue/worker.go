package mailqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string
	// StatsInterval controls how often queue size metrics are refreshed.
	StatsInterval time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Schedule:      "@every 1m",
		StatsInterval: 15 * time.Second,
	}
}

// Worker triggers processing passes on a schedule.
type Worker struct {
	config    WorkerConfig
	processor *Processor
	store     *Store
	cron      *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewWorker creates a worker. The schedule is validated here so a bad
// expression fails at startup.
func NewWorker(config WorkerConfig, processor *Processor, store *Store) (*Worker, error) {
	if config.StatsInterval <= 0 {
		config.StatsInterval = DefaultWorkerConfig().StatsInterval
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	w := &Worker{
		config:    config,
		processor: processor,
		store:     store,
		cron:      c,
	}

	if _, err := c.AddFunc(config.Schedule, w.runPass); err != nil {
		return nil, fmt.Errorf("invalid queue schedule %q: %w", config.Schedule, err)
	}

	return w, nil
}

// Start launches the scheduler and the metrics refresher.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.ctx, w.cancel = context.WithCancel(ctx)

	slog.Info("starting mail queue worker",
		"schedule", w.config.Schedule,
		"stats_interval", w.config.StatsInterval,
	)

	w.cron.Start()

	w.wg.Add(1)
	go w.collectStats()
}

// Stop stops scheduling new passes, interrupts a running pass between items
// and waits for it to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	stopped := w.cron.Stop()
	w.cancel()
	<-stopped.Done()
	w.wg.Wait()
	slog.Info("mail queue worker stopped")
}

func (w *Worker) runPass() {
	res, err := w.processor.ProcessQueue(w.ctx)
	if err != nil {
		slog.Warn("scheduled processing pass interrupted", "error", err, "processed", res.Processed)
		return
	}
	if res.Processed > 0 {
		slog.Debug("scheduled processing pass done",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
		)
	}
}

func (w *Worker) collectStats() {
	defer w.wg.Done()

	RecordQueueStats(w.store.Stats(w.ctx))

	ticker := time.NewTicker(w.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			RecordQueueStats(w.store.Stats(w.ctx))
		case <-w.ctx.Done():
			return
		}
	}
}
