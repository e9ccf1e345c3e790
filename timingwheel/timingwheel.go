// Package timingwheel implements a coarse, second-resolution bucketed
// timer used for idle-connection eviction. It intentionally does not
// offer sub-second precision: the connection engine re-arms entries at
// most once per second anyway (see Connection.kickIdleTimer), so finer
// resolution would buy nothing.
package timingwheel

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a handle returned by Wheel.InsertEntry. The bucket it sits in
// holds it, so its callback fires when that bucket rotates through
// whether or not the caller still holds the handle; only Cancel stops
// it. Dropping the handle does not cancel the entry.
//
// Connections do not keep their Entry at all: each idle-timer kick
// inserts a fresh entry whose callback compares a generation counter
// and does nothing if a later kick has superseded it.
type Entry struct {
	mu       sync.Mutex
	callback func()
	canceled bool
}

// Cancel prevents the entry's callback from firing, if it has not
// already.
func (e *Entry) Cancel() {
	e.mu.Lock()
	e.canceled = true
	e.mu.Unlock()
}

func (e *Entry) fire() {
	e.mu.Lock()
	canceled := e.canceled
	cb := e.callback
	e.mu.Unlock()
	if !canceled && cb != nil {
		cb()
	}
}

// Wheel is a ring of buckets, one per second, advanced by a single
// ticker goroutine. It is safe for concurrent use: InsertEntry may be
// called from any goroutine (the engine's own loop goroutines included).
type Wheel struct {
	mu      sync.Mutex
	buckets []*list.List
	cursor  int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Wheel with numBuckets one-second slots (numBuckets is
// effectively the maximum idle timeout this wheel can schedule; a
// longer secondsFromNow is clamped to numBuckets-1 slots ahead).
func New(numBuckets int) *Wheel {
	if numBuckets < 1 {
		numBuckets = 1
	}
	w := &Wheel{
		buckets: make([]*list.List, numBuckets),
		stop:    make(chan struct{}),
	}
	for i := range w.buckets {
		w.buckets[i] = list.New()
	}
	w.ticker = time.NewTicker(time.Second)
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Wheel) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			w.ticker.Stop()
			return
		case <-w.ticker.C:
			w.tick()
		}
	}
}

func (w *Wheel) tick() {
	w.mu.Lock()
	bucket := w.buckets[w.cursor]
	w.buckets[w.cursor] = list.New()
	w.cursor = (w.cursor + 1) % len(w.buckets)
	w.mu.Unlock()

	for e := bucket.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*Entry)
		entry.fire()
	}
}

// InsertEntry schedules callback to fire approximately secondsFromNow
// seconds from now (clamped to the wheel's span) and returns the Entry
// handle. A seconds value of 0 or less fires on the next tick.
func (w *Wheel) InsertEntry(secondsFromNow int, callback func()) *Entry {
	e := &Entry{callback: callback}
	w.Reinsert(e, secondsFromNow)
	return e
}

// Reinsert moves an existing entry into the bucket secondsFromNow slots
// ahead of the current cursor, effectively re-arming it without
// allocating a new Entry.
func (w *Wheel) Reinsert(e *Entry, secondsFromNow int) {
	if secondsFromNow < 0 {
		secondsFromNow = 0
	}
	w.mu.Lock()
	for _, b := range w.buckets {
		for el := b.Front(); el != nil; el = el.Next() {
			if el.Value == e {
				b.Remove(el)
				break
			}
		}
	}
	span := len(w.buckets)
	if secondsFromNow >= span {
		secondsFromNow = span - 1
	}
	idx := (w.cursor + secondsFromNow) % span
	w.buckets[idx].PushBack(e)
	w.mu.Unlock()
}

// Close stops the wheel's ticker goroutine. Pending entries are
// discarded without firing. Calling Close again is a no-op.
func (w *Wheel) Close() {
	w.mu.Lock()
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
