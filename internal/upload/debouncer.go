package upload

import (
	"sort"
	"sync"
	"time"
)

// batcher collects file events per path and hands them over in one batch
// once the folder has been quiet for the window, or as soon as maxBatch
// distinct paths are waiting. The latest event per path wins.
type batcher struct {
	window   time.Duration
	maxBatch int
	onFlush  func([]FileEvent)

	mu      sync.Mutex
	events  map[string]FileEvent
	timer   *time.Timer
	stopped bool
}

func newBatcher(window time.Duration, maxBatch int, onFlush func([]FileEvent)) *batcher {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &batcher{
		window:   window,
		maxBatch: maxBatch,
		events:   make(map[string]FileEvent),
		onFlush:  onFlush,
	}
}

func (b *batcher) Add(event FileEvent) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	b.events[event.Path] = event
	if len(b.events) >= b.maxBatch {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.deliver(batch)
		return
	}

	b.timer = time.AfterFunc(b.window, func() {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		batch := b.takeLocked()
		b.mu.Unlock()
		b.deliver(batch)
	})
	b.mu.Unlock()
}

func (b *batcher) takeLocked() []FileEvent {
	batch := make([]FileEvent, 0, len(b.events))
	for _, event := range b.events {
		batch = append(batch, event)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })

	b.events = make(map[string]FileEvent)
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *batcher) deliver(batch []FileEvent) {
	if len(batch) > 0 && b.onFlush != nil {
		b.onFlush(batch)
	}
}

// Stop delivers what is waiting and drops later events.
func (b *batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	batch := b.takeLocked()
	b.mu.Unlock()

	b.deliver(batch)
}
