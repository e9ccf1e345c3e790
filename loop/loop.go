//go:build linux

// Package loop implements the single-goroutine reactor the connection
// engine is pinned to: readiness events and posted tasks are processed
// strictly in FIFO order, one goroutine per Loop, so nothing downstream
// ever needs its own locking.
package loop

import (
	"sync"
	"sync/atomic"

	"github.com/tripleslash/trantor/poller"
	"go.uber.org/zap"
)

// Loop is a single-threaded event loop: one owning goroutine runs Run,
// and every other goroutine may only reach it through RunInLoop /
// QueueInLoop.
type Loop struct {
	poller *poller.Poller
	logger *zap.Logger

	ownerGoroutine atomic.Uint64
	running        atomic.Bool

	mu      sync.Mutex
	pending []func()
	wakeFd  int // self-pipe write side, drained by the loop on wake
	wakeR   int

	channels map[int]*Channel

	quit atomic.Bool
}

// New creates a Loop but does not start it; call Run from the goroutine
// that should own it.
func New(logger *zap.Logger) (*Loop, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	r, w, err := newWakePipe()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	l := &Loop{
		poller:   p,
		logger:   logger,
		channels: make(map[int]*Channel),
		wakeFd:   w,
		wakeR:    r,
	}
	if err := p.Add(r, true, false); err != nil {
		_ = p.Close()
		return nil, err
	}
	return l, nil
}

// IsInLoopThread reports whether the calling goroutine is the one
// currently (or about to be) running Run.
func (l *Loop) IsInLoopThread() bool {
	return l.ownerGoroutine.Load() == goroutineID()
}

// AssertInLoopThread logs (does not panic, matching how the corpus
// treats this as a programmer error to be observed, not a crash) when
// called off the loop goroutine.
func (l *Loop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		l.logger.Error("called off loop thread")
	}
}

// RunInLoop runs task immediately if already on the loop goroutine,
// otherwise posts it and wakes the loop.
func (l *Loop) RunInLoop(task func()) {
	if l.IsInLoopThread() {
		task()
		return
	}
	l.QueueInLoop(task)
}

// QueueInLoop always posts task, preserving submission order relative
// to other QueueInLoop calls.
func (l *Loop) QueueInLoop(task func()) {
	l.mu.Lock()
	l.pending = append(l.pending, task)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	var b [1]byte
	_, _ = writeWakePipe(l.wakeFd, b[:])
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := readWakePipe(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) runPending() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

// addChannel registers ch's fd with the poller. Called by Channel.
func (l *Loop) addChannel(ch *Channel) error {
	l.channels[ch.fd] = ch
	return l.poller.Add(ch.fd, ch.reading, ch.writing)
}

func (l *Loop) updateChannel(ch *Channel) error {
	return l.poller.Modify(ch.fd, ch.reading, ch.writing)
}

func (l *Loop) removeChannel(ch *Channel) error {
	delete(l.channels, ch.fd)
	return l.poller.Remove(ch.fd)
}

// Run blocks, dispatching readiness events and posted tasks, until Quit
// is called. It must be called from exactly one goroutine, which becomes
// this Loop's owner.
func (l *Loop) Run() error {
	l.ownerGoroutine.Store(goroutineID())
	l.running.Store(true)
	defer l.running.Store(false)

	for !l.quit.Load() {
		err := l.poller.Poll(1000, func(fd int, ev poller.Event) {
			if fd == l.wakeR {
				l.drainWake()
				return
			}
			ch, ok := l.channels[fd]
			if !ok {
				return
			}
			ch.handleEvent(ev)
		})
		if err != nil {
			return err
		}
		l.runPending()
	}
	return nil
}

// Quit asks Run to return after the current poll cycle.
func (l *Loop) Quit() {
	l.quit.Store(true)
	l.wake()
}

// Close releases the loop's poller and wake pipe. Call after Run
// returns.
func (l *Loop) Close() error {
	_ = closeWakePipe(l.wakeR, l.wakeFd)
	return l.poller.Close()
}
