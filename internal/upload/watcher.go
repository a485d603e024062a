// Package upload watches a drop folder and imports the files that land in it
// as uploaded layers: GeoJSON files become vector layers and *.service.json
// files reconnect a map service.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/logger"
)

var log = logger.ForComponent("upload")

// Sink receives imported files. Both methods return the id of the layer they
// created or replaced.
type Sink interface {
	UploadVector(ctx context.Context, layerID, name string, data []byte) (string, error)
	UploadService(ctx context.Context, layerID, name string, d catalog.Descriptor) (string, error)
}

type Watcher struct {
	config      Config
	sink        Sink
	fsWatcher   *fsnotify.Watcher
	fsWatcherMu sync.Mutex
	batcher     *batcher

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(config Config, sink Sink) (*Watcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("upload watcher needs a sink")
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:    config,
		sink:      sink,
		fsWatcher: fsWatcher,
	}
	w.batcher = newBatcher(config.DebounceWindow, config.MaxBatchSize, w.onFlush)
	return w, nil
}

// Start watches the drop folder, creating it if needed, and imports the
// files already in it.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(w.config.Dir, 0755); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create upload dir: %w", err)
	}

	w.fsWatcherMu.Lock()
	err := w.fsWatcher.Add(w.config.Dir)
	w.fsWatcherMu.Unlock()
	if err != nil {
		w.mu.Unlock()
		return err
	}

	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.mu.Unlock()

	log.Info("watching upload folder", "dir", w.config.Dir)
	w.importExisting()
	go w.handleEvents()
	return nil
}

func (w *Watcher) importExisting() {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		log.Debug("failed to read upload folder", "dir", w.config.Dir, "error", err)
		return
	}
	for _, entry := range entries {
		path := filepath.Join(w.config.Dir, entry.Name())
		if entry.IsDir() || w.shouldIgnore(path) {
			continue
		}
		w.batcher.Add(FileEvent{Path: path, Type: EventWrite, Timestamp: time.Now()})
	}
}

func (w *Watcher) handleEvents() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			log.Debug("file event", "path", event.Name, "op", event.Op.String())

			if fe := w.convertEvent(event); fe != nil {
				w.batcher.Add(*fe)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn("upload watcher error", "error", err)
		}
	}
}

func (w *Watcher) convertEvent(event fsnotify.Event) *FileEvent {
	if w.shouldIgnore(event.Name) {
		return nil
	}

	var eventType EventType
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		eventType = EventWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		eventType = EventRemove
	default:
		return nil
	}

	return &FileEvent{
		Path:      event.Name,
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

func (w *Watcher) onFlush(events []FileEvent) {
	// the final batch is delivered while stopping
	ctx := context.WithoutCancel(w.context())
	for _, event := range events {
		if event.Type == EventRemove {
			log.Debug("upload file removed, layer kept", "path", event.Path)
			continue
		}
		if info, err := os.Stat(event.Path); err != nil || info.IsDir() {
			continue
		}
		if _, err := w.Import(ctx, event.Path); err != nil {
			log.Warn("upload import failed", "path", event.Path, "error", err)
		}
	}
}

func (w *Watcher) context() context.Context {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.ctx == nil {
		return context.Background()
	}
	return w.ctx
}

// Import reads path and hands it to the sink according to its kind.
func (w *Watcher) Import(ctx context.Context, path string) (string, error) {
	kind := Classify(path)
	if kind == KindUnknown {
		return "", fmt.Errorf("unsupported upload %s", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	layerID, name := LayerID(path), DisplayName(path)

	if kind == KindService {
		d, err := catalog.DecodeDescriptor(data)
		if err != nil {
			return "", err
		}
		return w.sink.UploadService(ctx, layerID, name, d)
	}
	return w.sink.UploadVector(ctx, layerID, name, data)
}

func (w *Watcher) shouldIgnore(path string) bool {
	basename := filepath.Base(path)

	if !w.config.WatchHidden && strings.HasPrefix(basename, ".") {
		return true
	}
	if Classify(path) == KindUnknown {
		return true
	}

	for _, pattern := range w.config.IgnorePatterns {
		if match, _ := doublestar.Match(pattern, filepath.ToSlash(path)); match {
			return true
		}
	}
	return false
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.fsWatcherMu.Lock()
		defer w.fsWatcherMu.Unlock()
		return w.fsWatcher.Close()
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done
	w.batcher.Stop()

	w.fsWatcherMu.Lock()
	defer w.fsWatcherMu.Unlock()
	return w.fsWatcher.Close()
}
