// Package watch re-imports plan markdown edited on disk. Each plan's
// rendered <id>.md sits next to its JSON; when someone edits the markdown
// by hand the watcher parses it and replaces the stored plan, and a new
// <id>.md dropped into the directory becomes a new plan.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tannus-ai/tannus/plan"
)

const defaultDebounce = 200 * time.Millisecond

// PlanWatcher watches a plan directory for markdown edits.
type PlanWatcher struct {
	dir      string
	plans    *plan.Manager
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	onSync   func(id string, err error)

	mu     sync.Mutex
	timers map[string]*time.Timer
	due    chan string
	done   chan struct{}
}

// Option configures a PlanWatcher.
type Option func(*PlanWatcher)

// WithDebounce sets how long a file must be quiet before it is read.
func WithDebounce(d time.Duration) Option { return func(w *PlanWatcher) { w.debounce = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *PlanWatcher) { w.logger = l } }

// OnSync registers a callback run after each file is handled. err is nil
// when the file matched the stored plan or was applied.
func OnSync(fn func(id string, err error)) Option { return func(w *PlanWatcher) { w.onSync = fn } }

// New starts watching dir. Events are processed once Run is called.
func New(dir string, plans *plan.Manager, opts ...Option) (*PlanWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &PlanWatcher{
		dir:      dir,
		plans:    plans,
		debounce: defaultDebounce,
		logger:   slog.Default(),
		watcher:  fw,
		timers:   make(map[string]*time.Timer),
		due:      make(chan string, 16),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}
	return w, nil
}

// Run handles file events until ctx is done. It closes the underlying
// watcher on return.
func (w *PlanWatcher) Run(ctx context.Context) error {
	defer func() {
		close(w.done)
		w.watcher.Close()
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if id, ok := planFile(event.Name); ok {
				w.schedule(id)
			}
		case id := <-w.due:
			err := w.sync(ctx, id)
			if err != nil {
				w.logger.Warn("sync plan markdown", "plan_id", id, "error", err)
			}
			if w.onSync != nil {
				w.onSync(id, err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

// planFile returns the plan id a path names. Dotfiles, editor swap files
// and anything that is not <id>.md are ignored.
func planFile(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != ".md" {
		return "", false
	}
	id := strings.TrimSuffix(name, ".md")
	return id, plan.ValidID(id)
}

// schedule restarts id's quiet period.
func (w *PlanWatcher) schedule(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		select {
		case w.due <- id:
		case <-w.done:
		}
	})
}

// sync applies the file for id. The comparison with the stored plan happens
// under the plan's lock, so a file rewritten by a save that raced this event
// is never mistaken for an edit.
func (w *PlanWatcher) sync(ctx context.Context, id string) error {
	path := filepath.Join(w.dir, id+".md")
	read := func() (string, error) {
		data, err := os.ReadFile(path)
		return string(data), err
	}

	existing, err := w.plans.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		content, err := read()
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.plans.Import(ctx, id, content); err != nil && !errors.Is(err, plan.ErrExists) {
			return err
		}
		w.logger.Info("imported plan from markdown", "plan_id", id)
		return nil
	}

	p, err := w.plans.ReplaceIfEdited(ctx, id, read)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if p != nil {
		w.logger.Info("applied markdown edit", "plan_id", id)
	}
	return nil
}
