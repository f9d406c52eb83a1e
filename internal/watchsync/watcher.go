// Package watchsync runs the reconciliation engine continuously: on a fixed
// interval, and early whenever a watched directory changes. Filesystem
// events are debounced so an editor save burst triggers one run, not ten.
package watchsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/fsnotify/fsnotify"

	"github.com/knowledgeforge/ragsync/internal/ragsync"
)

const (
	defaultInterval = 5 * time.Minute
	defaultDebounce = 2 * time.Second
)

// Runner is the engine surface the watcher needs.
type Runner interface {
	RunOnce(ctx context.Context) (*ragsync.RunReport, error)
}

type Options struct {
	// Interval between scheduled runs. Zero means the default.
	Interval time.Duration
	// Debounce is how long to wait after the last filesystem event before
	// triggering a run. Zero means the default.
	Debounce time.Duration
	// WatchPaths are directories to watch for changes. Empty disables
	// filesystem triggering; the watcher then runs on interval only.
	WatchPaths []string
	// OnReport, when set, receives every completed run report.
	OnReport func(*ragsync.RunReport)
}

type Watcher struct {
	runner   Runner
	interval time.Duration
	debounce time.Duration
	paths    []string
	onReport func(*ragsync.RunReport)
}

func New(runner Runner, opts Options) (*Watcher, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	paths := make([]string, 0, len(opts.WatchPaths))
	for _, path := range opts.WatchPaths {
		if trimmed := strings.TrimSpace(path); trimmed != "" {
			paths = append(paths, trimmed)
		}
	}
	return &Watcher{
		runner:   runner,
		interval: interval,
		debounce: debounce,
		paths:    paths,
		onReport: opts.OnReport,
	}, nil
}

// Run executes one immediate run and then loops until the context is
// cancelled. A failed run is logged and the loop continues; only state
// persistence failures and context cancellation stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	var fsEvents <-chan fsnotify.Event
	if len(w.paths) > 0 {
		notifier, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer notifier.Close()
		for _, path := range w.paths {
			if err := notifier.Add(path); err != nil {
				return err
			}
		}
		go drainErrors(ctx, notifier.Errors)
		fsEvents = notifier.Events
	}

	if err := w.runOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.runOnce(ctx); err != nil {
				return err
			}
		case event, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if !relevantEvent(event) {
				continue
			}
			log.Debug("change detected", "path", event.Name, "op", event.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
				pending = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.debounce)
			}
		case <-pending:
			debounce = nil
			pending = nil
			if err := w.runOnce(ctx); err != nil {
				return err
			}
			ticker.Reset(w.interval)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) error {
	log := clog.FromContext(ctx)
	report, err := w.runner.RunOnce(ctx)
	if report != nil && w.onReport != nil {
		w.onReport(report)
	}
	if err != nil {
		if report != nil && report.PersistFailure != "" {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("run failed", "error", err)
	}
	return nil
}

// relevantEvent filters out chmod noise and editor temp files.
func relevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := event.Name
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return true
}

func drainErrors(ctx context.Context, errs <-chan error) {
	log := clog.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Warn("watch error", "error", err)
		}
	}
}
