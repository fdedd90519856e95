package disksync

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/getodk/collect-sub021/internal/filex"
	"github.com/getodk/collect-sub021/internal/logging"
)

// DefaultSettle is how long the watcher waits after the last change before
// scanning, so a directory being copied in is complete.
const DefaultSettle = 500 * time.Millisecond

// Watcher runs Sync whenever the instances directory changes.
type Watcher struct {
	sync   *Synchronizer
	settle time.Duration
	log    logging.Logger

	// synced receives the result of every scan; used by tests.
	synced chan int
}

func NewWatcher(s *Synchronizer, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{sync: s, settle: settle, log: s.log}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := filex.EnsureDir(w.sync.dir); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.sync.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.sync.dir, err)
	}

	timer := time.NewTimer(w.settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fw.Add(ev.Name)
				}
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.settle)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn(ctx, "instances watcher error", "error", err)
		case <-timer.C:
			n, err := w.sync.Sync(ctx)
			if err != nil {
				w.log.Error(ctx, "instance scan failed", "error", err)
			} else if n > 0 {
				w.log.Info(ctx, "instances registered", "count", n)
			}
			if w.synced != nil {
				w.synced <- n
			}
		}
	}
}
