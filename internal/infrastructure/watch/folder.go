// Package watch reports changes under protected folders to the monitor.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
)

// flushInterval is how often settled changes are reported
const flushInterval = 100 * time.Millisecond

// Ingester is satisfied by *monitor.Monitor
type Ingester interface {
	Ingest(ctx context.Context, draft activity.Draft) error
}

// Options configures a FolderWatcher
type Options struct {
	// Paths are the protected files or folders. Folders are watched
	// recursively, including subfolders created later.
	Paths []string
	// Debounce is how long a path must stay quiet before it is reported
	Debounce time.Duration
	// Limit and Burst cap the report rate; a zero Limit reports everything
	Limit rate.Limit
	Burst int

	Clock  activity.Clock
	Logger *zap.Logger
}

// FolderWatcher turns filesystem changes under protected paths into
// system-monitor activity.
type FolderWatcher struct {
	sink     Ingester
	paths    []string
	debounce time.Duration
	limiter  *rate.Limiter
	clock    activity.Clock
	logger   *zap.Logger

	running atomic.Bool
	ready   chan struct{}

	mu         sync.Mutex
	pending    map[string]change
	suppressed int
}

type change struct {
	category activity.Category
	op       string
	at       time.Time
}

// NewFolderWatcher validates the protected paths. Every path must exist.
func NewFolderWatcher(sink Ingester, opts Options) (*FolderWatcher, error) {
	if sink == nil {
		return nil, errors.NewConfigurationError("folder watcher requires an ingester")
	}
	if len(opts.Paths) == 0 {
		return nil, errors.NewConfigurationError("no protected paths configured")
	}
	if opts.Debounce <= 0 {
		return nil, errors.NewConfigurationError("watch debounce must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = activity.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	paths := make([]string, 0, len(opts.Paths))
	for _, p := range opts.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, errors.NewConfigurationError("protected path " + p).WithCause(err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, errors.NewConfigurationError("protected path " + p).WithCause(err)
		}
		paths = append(paths, abs)
	}

	w := &FolderWatcher{
		sink:     sink,
		paths:    paths,
		debounce: opts.Debounce,
		clock:    opts.Clock,
		logger:   opts.Logger.With(zap.String("component", "folder-watcher")),
		ready:    make(chan struct{}),
		pending:  make(map[string]change),
	}
	if opts.Limit > 0 {
		w.limiter = rate.NewLimiter(opts.Limit, max(opts.Burst, 1))
	}
	return w, nil
}

// Ready is closed once every protected path is being watched
func (w *FolderWatcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx ends. Changes still inside the debounce window at
// that point are dropped.
func (w *FolderWatcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.NewInternalError("folder watcher already running")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewInternalError("creating filesystem watcher").WithCause(err)
	}
	defer func() {
		if err := fw.Close(); err != nil {
			w.logger.Warn("failed to close filesystem watcher", zap.Error(err))
		}
	}()

	for _, p := range w.paths {
		if err := addTree(fw, p); err != nil {
			return errors.NewConfigurationError("watching protected path " + p).WithCause(err)
		}
	}
	close(w.ready)
	w.logger.Info("watching protected paths", zap.Strings("paths", w.paths))

	ticker := time.NewTicker(min(flushInterval, w.debounce))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("folder watcher stopped", zap.Int("unreported", w.pendingCount()))
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *FolderWatcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	var (
		category activity.Category
		op       string
	)
	switch {
	case ev.Has(fsnotify.Create):
		category, op = activity.CategoryProtectedModified, "create"
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addTree(fw, ev.Name); err != nil {
				w.logger.Warn("failed to watch new folder", zap.String("path", ev.Name), zap.Error(err))
			}
		}
	case ev.Has(fsnotify.Write):
		category, op = activity.CategoryProtectedModified, "write"
	case ev.Has(fsnotify.Remove):
		category, op = activity.CategoryProtectedRemoved, "remove"
	case ev.Has(fsnotify.Rename):
		category, op = activity.CategoryProtectedRemoved, "rename"
	default:
		return
	}
	w.record(ev.Name, category, op)
}

// record notes a change; the latest operation on a path wins
func (w *FolderWatcher) record(path string, category activity.Category, op string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = change{category: category, op: op, at: w.clock.Now()}
}

// flush reports every path that has been quiet for the debounce window
func (w *FolderWatcher) flush(ctx context.Context) {
	now := w.clock.Now()

	w.mu.Lock()
	settled := make([]string, 0, len(w.pending))
	for path, c := range w.pending {
		if now.Sub(c.at) >= w.debounce {
			settled = append(settled, path)
		}
	}
	slices.Sort(settled)
	changes := make([]change, len(settled))
	for i, path := range settled {
		changes[i] = w.pending[path]
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for i, path := range settled {
		if w.limiter != nil && !w.limiter.AllowN(now, 1) {
			w.suppressed++
			continue
		}
		payload := activity.Payload{"path": path, "op": changes[i].op}
		if w.suppressed > 0 {
			payload["suppressed"] = strconv.Itoa(w.suppressed)
		}
		err := w.sink.Ingest(ctx, activity.Draft{
			Source:   activity.SourceSystemMonitor,
			Category: changes[i].category,
			Severity: activity.SeveritySuspicious,
			Payload:  payload,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to report protected path change", zap.String("path", path), zap.Error(err))
			continue
		}
		w.suppressed = 0
		w.logger.Warn("protected path changed", zap.String("path", path), zap.String("op", changes[i].op))
	}
}

func (w *FolderWatcher) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// addTree watches root and, when it is a folder, every folder below it
func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path == root {
			return fw.Add(path)
		}
		return nil
	})
}
