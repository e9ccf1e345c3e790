package conn

import (
	"runtime"
	"sync"
)

// weakConnRegistry backs the "weak reference to the connection" the
// spec asks an AsyncStream producer handle to hold. Go has no native
// weak pointer, so this resolves the requirement the way its actual
// intent reads: a producer should stop being able to push data once
// the connection is gone, and "gone" for an event-loop connection is a
// deterministic lifecycle event (handleClose), not merely
// unreferenced-by-something-else. Connections deregister themselves
// from the registry at handleClose; resolve() against a forgotten id
// returns nil exactly like a dead weak pointer would.
//
// A finalizer is also armed as a backstop for a Connection that is
// garbage collected without ever reaching handleClose (for instance
// one abandoned before connectEstablished), so the registry entry
// cannot outlive every other reference to the Connection indefinitely.
type weakConnRegistry struct {
	mu   sync.Mutex
	m    map[uint64]*Connection
	next uint64
}

var connRegistry = &weakConnRegistry{m: make(map[uint64]*Connection)}

func (r *weakConnRegistry) register(c *Connection) uint64 {
	r.mu.Lock()
	r.next++
	id := r.next
	r.m[id] = c
	r.mu.Unlock()
	runtime.SetFinalizer(c, func(c *Connection) { connRegistry.forget(id) })
	return id
}

func (r *weakConnRegistry) forget(id uint64) {
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
}

func (r *weakConnRegistry) resolve(id uint64) *Connection {
	r.mu.Lock()
	c := r.m[id]
	r.mu.Unlock()
	return c
}

// AsyncStream is a producer handle returned by Connection.SendAsyncStream.
// It may be used from any goroutine. Send and Close post work items to
// the connection's loop; once the connection has closed (or been
// collected), they become no-ops rather than panicking, matching
// "dropping the connection cancels further production".
type AsyncStream struct {
	connID uint64
	node   *asyncStreamNode

	mu     sync.Mutex
	closed bool
}

func newAsyncStream(c *Connection, node *asyncStreamNode) *AsyncStream {
	return &AsyncStream{connID: c.registryID, node: node}
}

// Send pushes data to be appended to this stream's BufferNode. Order
// across calls from the same goroutine is preserved; order across
// calls from different goroutines follows the order in which they
// reach QueueInLoop, same as any other cross-thread post to the loop.
func (s *AsyncStream) Send(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	c := connRegistry.resolve(s.connID)
	if c == nil {
		return
	}
	owned := append([]byte(nil), data...)
	c.loop.RunInLoop(func() {
		c.sendAsyncDataInLoop(s.node, owned)
	})
}

// Close marks the stream done. Idempotent; safe to call from any
// goroutine, and implied by the handle being garbage collected without
// an explicit call (see runtime.SetFinalizer in armCloseOnDrop).
func (s *AsyncStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	c := connRegistry.resolve(s.connID)
	if c == nil {
		return
	}
	node := s.node
	c.loop.RunInLoop(func() {
		node.Done()
		c.kickWritable()
	})
}

// armCloseOnDrop installs a finalizer so a producer that drops its last
// reference to the handle without calling Close still marks the node
// done, per "AsyncStream drop ... has the same effect as calling close
// exactly once".
func armCloseOnDrop(s *AsyncStream) *AsyncStream {
	runtime.SetFinalizer(s, func(s *AsyncStream) { s.Close() })
	return s
}
