package persist

import (
	"strings"
	"sync"
	"time"
)

// Timer is the part of *time.Timer the debouncer uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests swap in a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type pendingTask struct {
	key   string
	timer Timer
	run   func()
}

// keyLock serializes the runs of one key; refs counts holders and waiters.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Debouncer runs at most one deferred task per key. Triggering a key again
// inside the window replaces its task and restarts the wait, so a burst of
// triggers runs once after the burst goes quiet. Runs of the same key never
// overlap: a run that starts while another is in flight waits for it.
type Debouncer struct {
	window time.Duration
	after  AfterFunc

	mu      sync.Mutex
	pending map[string]*pendingTask
	running map[string]*keyLock
	stopped bool
}

func NewDebouncer(window time.Duration, after AfterFunc) *Debouncer {
	if after == nil {
		after = realAfterFunc
	}
	return &Debouncer{
		window:  window,
		after:   after,
		pending: make(map[string]*pendingTask),
		running: make(map[string]*keyLock),
	}
}

func (d *Debouncer) Trigger(key string, run func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	task := &pendingTask{key: key, run: run}
	task.timer = d.after(d.window, func() {
		d.mu.Lock()
		if d.pending[key] != task {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()

		d.Run(key, task.run)
	})
	d.pending[key] = task
}

// Flush cancels the timer of key and runs its task now. It reports whether a
// task was pending.
func (d *Debouncer) Flush(key string) bool {
	d.mu.Lock()
	task, ok := d.pending[key]
	if ok {
		task.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		d.Run(key, task.run)
	}
	return ok
}

// FlushAll runs every pending task once and returns how many ran.
func (d *Debouncer) FlushAll() int {
	d.mu.Lock()
	tasks := make([]*pendingTask, 0, len(d.pending))
	for key, task := range d.pending {
		task.timer.Stop()
		tasks = append(tasks, task)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, task := range tasks {
		d.Run(task.key, task.run)
	}
	return len(tasks)
}

// Run executes run for key once no other run of key is in flight. Writes
// that bypass the timer go through Run so they queue behind a debounced one.
func (d *Debouncer) Run(key string, run func()) {
	d.mu.Lock()
	l, ok := d.running[key]
	if !ok {
		l = &keyLock{}
		d.running[key] = l
	}
	l.refs++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.running, key)
		}
		d.mu.Unlock()
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	run()
}

// InFlight reports whether a run of key is executing or waiting to.
func (d *Debouncer) InFlight(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[key]
	return ok
}

func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.pending[key]
	if ok {
		task.timer.Stop()
		delete(d.pending, key)
	}
	return ok
}

// CancelPrefix drops every pending task whose key starts with prefix.
func (d *Debouncer) CancelPrefix(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for key, task := range d.pending {
		if strings.HasPrefix(key, prefix) {
			task.timer.Stop()
			delete(d.pending, key)
			n++
		}
	}
	return n
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop flushes what is pending and ignores later triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.FlushAll()
}
