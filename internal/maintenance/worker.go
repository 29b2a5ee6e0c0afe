package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcliao/tiered-memory/internal/snapshot"
)

// Clusterer folds unclustered snapshots into meta-snapshots.
type Clusterer interface {
	ClusterSnapshots(ctx context.Context, force bool) ([]*snapshot.MetaResult, error)
}

// WorkerConfig controls the periodic pass.
type WorkerConfig struct {
	Interval      time.Duration
	RetentionDays int // 0 disables cleanup
	Timeout       time.Duration
}

// Report summarizes one pass.
type Report struct {
	Evicted       []string `json:"evicted"`
	MetaSnapshots int      `json:"meta_snapshots"`
}

// Worker runs cleanup and clustering on a ticker.
type Worker struct {
	svc       *Service
	clusterer Clusterer
	cfg       WorkerConfig

	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewWorker creates a worker. clusterer may be nil.
func NewWorker(svc *Service, clusterer Clusterer, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Worker{
		svc:       svc,
		clusterer: clusterer,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the periodic loop. Call Stop to terminate.
func (w *Worker) Start() {
	if w.started.CompareAndSwap(false, true) {
		go w.run()
	}
}

// Stop terminates the loop and waits for an in-flight pass to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.done
	}
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
			if _, err := w.RunOnce(ctx); err != nil {
				w.svc.logger.Warn("maintenance pass failed", "error", err)
			}
			cancel()
		}
	}
}

// RunOnce executes a single pass: cleanup, then clustering.
func (w *Worker) RunOnce(ctx context.Context) (*Report, error) {
	r := &Report{Evicted: []string{}}
	if w.cfg.RetentionDays > 0 {
		ids, err := w.svc.CleanupOldMemories(ctx, w.cfg.RetentionDays)
		if err != nil {
			return r, err
		}
		r.Evicted = ids
	}
	if w.clusterer != nil {
		metas, err := w.clusterer.ClusterSnapshots(ctx, false)
		r.MetaSnapshots = len(metas)
		if err != nil {
			return r, err
		}
	}
	return r, nil
}
