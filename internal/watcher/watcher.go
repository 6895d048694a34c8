// ABOUTME: Watch-folder intake with write-stability detection
// ABOUTME: fsnotify events plus startup sweep feed a bounded admission queue

package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gomaslegal/lexengine/internal/config"
	"github.com/gomaslegal/lexengine/internal/logger"
	"github.com/gomaslegal/lexengine/internal/metrics"
)

// Admission is one file deemed ready for the pipeline.
type Admission struct {
	Path string
	// Empty marks a file that stayed zero-length until the pending
	// timeout. It is admitted anyway so it leaves a trace, and the
	// pipeline routes it to review.
	Empty bool
	// TimedOut marks a file that never stabilized within the pending
	// timeout and was admitted on its last observed content.
	TimedOut bool

	release func()
}

// Release hands the admission's path back to the watcher. Consumers
// call it when they take the admission off the queue; until then,
// further events for the same path are ignored.
func (a Admission) Release() {
	if a.release != nil {
		a.release()
	}
}

// Watcher observes the intake directory and admits files once their
// size and mtime stop changing. A path stays tracked from first sight
// until its admission is released by the consumer, so one file drop
// yields exactly one admission no matter how many events it fires.
type Watcher struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	admissions chan Admission

	mu      sync.Mutex
	pending map[string]struct{}
}

// New builds a watcher for the configured intake directory.
func New(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) *Watcher {
	return &Watcher{
		cfg:        cfg,
		log:        log.Component("watcher"),
		metrics:    m,
		admissions: make(chan Admission, cfg.QueueBound),
		pending:    make(map[string]struct{}),
	}
}

// Admissions is the stream of stabilized files. Closed when Run
// returns.
func (w *Watcher) Admissions() <-chan Admission {
	return w.admissions
}

// Run watches until the context is cancelled. Files already sitting in
// the intake directory are swept first, so work queued while the
// service was down is never lost.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.WatchDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.WatchDir, err)
	}
	w.log.Info().Str("dir", w.cfg.WatchDir).Msg("Watching intake directory")

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(w.admissions)
	}()

	if err := w.sweep(ctx, &wg); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.observe(ctx, &wg, ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// sweep admits files that were already present at startup.
func (w *Watcher) sweep(ctx context.Context, wg *sync.WaitGroup) error {
	entries, err := os.ReadDir(w.cfg.WatchDir)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", w.cfg.WatchDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.observe(ctx, wg, filepath.Join(w.cfg.WatchDir, e.Name()))
	}
	return nil
}

func (w *Watcher) observe(ctx context.Context, wg *sync.WaitGroup, path string) {
	w.metrics.FilesObserved.Inc()

	if !w.cfg.Accepts(filepath.Base(path)) {
		w.metrics.FilesIgnored.Inc()
		w.log.Debug().Str("path", path).Msg("Ignored for extension")
		return
	}

	w.mu.Lock()
	if _, tracking := w.pending[path]; tracking {
		w.mu.Unlock()
		return
	}
	w.pending[path] = struct{}{}
	w.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		adm, ok := w.stabilize(ctx, path)
		if !ok {
			w.forget(path)
			return
		}
		adm.release = func() { w.forget(path) }
		if !w.admit(ctx, adm) {
			w.forget(path)
		}
	}()
}

// forget releases a path so a later drop starts a new stabilization.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// stabilize polls the file until its size and mtime hold still for the
// configured number of samples. Zero-length and never-settling files
// come back flagged once the pending timeout expires; a vanished file
// or a cancelled context yields nothing.
func (w *Watcher) stabilize(ctx context.Context, path string) (Admission, bool) {
	deadline := time.Now().Add(w.cfg.PendingTimeout)
	ticker := time.NewTicker(w.cfg.StabilityInterval)
	defer ticker.Stop()

	var lastSize int64 = -1
	var lastMod time.Time
	stable := 0

	for {
		select {
		case <-ctx.Done():
			return Admission{}, false
		case <-ticker.C:
		}

		fi, err := os.Stat(path)
		if err != nil {
			// Gone before it settled; nothing to admit.
			w.log.Debug().Str("path", path).Msg("File vanished during stabilization")
			return Admission{}, false
		}

		if fi.Size() == lastSize && fi.ModTime().Equal(lastMod) {
			stable++
		} else {
			stable = 1
			lastSize = fi.Size()
			lastMod = fi.ModTime()
		}

		if stable >= w.cfg.StabilitySamples && lastSize > 0 {
			return Admission{Path: path}, true
		}

		if time.Now().After(deadline) {
			adm := Admission{Path: path, Empty: lastSize == 0, TimedOut: lastSize > 0}
			w.log.Warn().Str("path", path).Bool("empty", adm.Empty).
				Msg("Pending timeout reached, admitting flagged")
			return adm, true
		}
	}
}

func (w *Watcher) admit(ctx context.Context, adm Admission) bool {
	select {
	case <-ctx.Done():
		return false
	case w.admissions <- adm:
		w.metrics.FilesAdmitted.Inc()
		w.metrics.QueueDepth.Set(float64(len(w.admissions)))
		w.log.Info().Str("path", adm.Path).Msg("File admitted")
		return true
	}
}
