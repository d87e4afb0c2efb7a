package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ArrivalHandler receives new or rewritten source ids, grouped by collection.
type ArrivalHandler func(ctx context.Context, collection string, sourceIDs []string)

// Watcher reports files written into collection directories. Events are
// batched until the debounce window passes quietly.
type Watcher struct {
	store    *FSStore
	handler  ArrivalHandler
	debounce time.Duration
	logger   *slog.Logger
}

func NewWatcher(store *FSStore, handler ArrivalHandler, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: store, handler: handler, debounce: debounce, logger: logger}
}

// Run watches the root and every directory below it until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.store.Root()); err != nil {
		return err
	}

	pending := make(map[string]map[string]bool)
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	flush := func() {
		for collection, set := range pending {
			ids := make([]string, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			w.handler(ctx, collection, ids)
		}
		clear(pending)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("source watcher error", "error", err)
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if err := w.addTree(fw, ev.Name); err != nil {
					w.logger.Warn("watching new directory", "path", ev.Name, "error", err)
				}
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") || !Supported(ev.Name) {
				continue
			}
			id, collection, ok := w.store.SourceID(ev.Name)
			if !ok {
				continue
			}
			if pending[collection] == nil {
				pending[collection] = make(map[string]bool)
			}
			pending[collection][id] = true
			timer.Reset(w.debounce)
		case <-timer.C:
			flush()
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}
