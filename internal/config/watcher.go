/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/qmlhelper/qmldap/pkg/resiliency"
)

const (
	reloadDelay    = 100 * time.Millisecond
	maxReloadDelay = time.Second
)

// Watcher holds the current presentation options and notifies subscribers when the options file changes.
type Watcher struct {
	path string
	log  logr.Logger

	lock        sync.Mutex
	current     Presentation
	subscribers map[int]func(Presentation)
	nextId      int
}

// NewWatcher loads the options file. An empty path yields a watcher that always reports the defaults.
func NewWatcher(path string, log logr.Logger) (*Watcher, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	w := &Watcher{
		log:         log,
		subscribers: map[int]func(Presentation){},
	}
	if path != "" {
		absPath, absErr := filepath.Abs(path)
		if absErr != nil {
			return nil, fmt.Errorf("invalid presentation options path '%s': %w", path, absErr)
		}
		w.path = absPath
	}

	current, loadErr := Load(w.path)
	if loadErr != nil && !errors.Is(loadErr, ErrUnknownKeys) {
		return nil, loadErr
	} else if loadErr != nil {
		log.Info("Ignoring unrecognized presentation options", "error", loadErr.Error())
	}
	w.current = current
	return w, nil
}

func (w *Watcher) Current() Presentation {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.current
}

// Subscribe registers fn to be called with the new options after every effective change.
// The returned function removes the subscription.
func (w *Watcher) Subscribe(fn func(Presentation)) func() {
	w.lock.Lock()
	defer w.lock.Unlock()
	id := w.nextId
	w.nextId++
	w.subscribers[id] = fn
	return func() {
		w.lock.Lock()
		defer w.lock.Unlock()
		delete(w.subscribers, id)
	}
}

// Run watches the options file until the context is done. It returns immediately if there is no file to watch.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		return nil
	}

	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return fmt.Errorf("failed to create file watcher: %w", watcherErr)
	}
	defer watcher.Close()

	// Watch the directory; editors often replace the file instead of writing it in place.
	dir := filepath.Dir(w.path)
	if addErr := watcher.Add(dir); addErr != nil {
		return fmt.Errorf("failed to watch '%s': %w", dir, addErr)
	}
	w.log.V(1).Info("Watching presentation options", "path", w.path)

	reload := resiliency.NewDebounceLastAction(func(string) { w.reload() }, reloadDelay, maxReloadDelay)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, isOpen := <-watcher.Events:
			if !isOpen {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove) {
				reload.Run(ctx, event.Name)
			}

		case watchErr, isOpen := <-watcher.Errors:
			if !isOpen {
				return nil
			}
			w.log.Error(watchErr, "Presentation options watcher reported an error")
		}
	}
}

func (w *Watcher) reload() {
	updated, loadErr := Load(w.path)
	if loadErr != nil && !errors.Is(loadErr, ErrUnknownKeys) {
		w.log.Error(loadErr, "Keeping previous presentation options")
		return
	} else if loadErr != nil {
		w.log.Info("Ignoring unrecognized presentation options", "error", loadErr.Error())
	}

	w.lock.Lock()
	if updated == w.current {
		w.lock.Unlock()
		return
	}
	w.current = updated
	subscribers := make([]func(Presentation), 0, len(w.subscribers))
	for _, fn := range w.subscribers {
		subscribers = append(subscribers, fn)
	}
	w.lock.Unlock()

	w.log.Info("Presentation options changed", "filterFunctions", updated.FilterFunctions, "sortMembers", updated.SortMembers)
	for _, fn := range subscribers {
		fn(updated)
	}
}
