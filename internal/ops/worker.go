package ops

import (
	"context"
	"sync"
	"time"

	"github.com/nooterra/settld/internal/logging"
)

// Tick is one unit of periodic work, scoped to a single shard.
type Tick func(ctx context.Context, shard string) error

// Worker runs Tick on a fixed interval for each of Shards, holding a
// per-shard lease for the duration of the run so overlapping replicas
// never double-process the same shard.
type Worker struct {
	Name     string
	WorkerID string
	Shards   []string
	Interval time.Duration
	LeaseTTL time.Duration
	Leases   *LeaseManager
	Tick     Tick
	Log      *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Start begins the periodic ticker loop in the background. Calling Start
// on an already-running Worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.runOnce(runCtx)
			}
		}
	}()
}

// Stop cancels the ticker loop and waits for the in-flight tick to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Worker) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	for _, shard := range w.Shards {
		if !w.Leases.Acquire(w.WorkerID, shard, w.LeaseTTL, now) {
			continue
		}
		if err := w.Tick(ctx, shard); err != nil && w.Log != nil {
			w.Log.WithFields(map[string]any{"worker": w.Name, "shard": shard}).WithError(err).Error("ops worker tick failed")
		}
	}
}
