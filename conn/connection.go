//go:build linux

// Package conn implements the per-connection state machine: the
// read/write path, the mixed-variant egress queue, idle eviction and
// the optional TLS shim. Everything here runs on exactly one loop
// goroutine per Connection; cross-goroutine callers only ever reach it
// through Send/SendFile/SendStream/Shutdown/ForceClose, which all post
// through loop.RunInLoop when called off that goroutine.
package conn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tripleslash/trantor/loop"
	"github.com/tripleslash/trantor/socket"
	"github.com/tripleslash/trantor/timingwheel"
	"github.com/tripleslash/trantor/tlsshim"
)

// Callbacks groups every application-visible hook a Connection can
// fire. All fields are optional.
type Callbacks struct {
	Connection    func(c *Connection)
	Message       func(c *Connection, buf *IngressBuffer)
	WriteComplete func(c *Connection)
	HighWater     func(c *Connection, queuedBytes int)
	Close         func(c *Connection)
	TLSError      func(c *Connection, err error)
	TLSUpgrade    func(c *Connection)
}

// Options configures a Connection at construction time.
type Options struct {
	ReadChunkBytes     int
	HighWaterMarkBytes int
	IdleTimeoutSeconds int
	Callbacks          Callbacks
	Wheel              *timingwheel.Wheel
	TLSConfig          *tls.Config
	TLSRole            tlsshim.Role
	Logger             *zap.Logger
}

// Connection is a single nonblocking TCP stream driven by one event
// loop. Every field below is touched only from that loop's goroutine,
// except where explicitly noted (registryID, the status snapshot, and
// the byte counters, which are safe to read from any goroutine).
type Connection struct {
	loop    *loop.Loop
	channel *loop.Channel
	fd      int
	logger  *zap.Logger

	localAddr *net.TCPAddr
	peerAddr  *net.TCPAddr
	name      string

	status     atomic.Int32
	registryID uint64

	ingress     *IngressBuffer
	readScratch []byte

	queue []BufferNode

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	idleSeconds  int
	wheel        *timingwheel.Wheel
	lastIdleKick time.Time
	idleGen      atomic.Uint64

	closeOnEmpty  bool
	highWaterMark int

	shim              *tlsshim.Shim
	handshakeComplete bool
	cipherBacklog     []byte

	closedOnce bool

	cb Callbacks
}

// newConnection constructs a Connection around fd, wired into l. It does not
// enable any channel interest or fire any callback; call
// ConnectEstablished (normally posted to l by the accept/connect path)
// to do that.
func newConnection(l *loop.Loop, fd int, local, peer *net.TCPAddr, opts Options) *Connection {
	readChunk := opts.ReadChunkBytes
	if readChunk <= 0 {
		readChunk = 16 * 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connection{
		loop:          l,
		fd:            fd,
		logger:        logger,
		localAddr:     local,
		peerAddr:      peer,
		name:          fmt.Sprintf("%s->%s", localString(local), localString(peer)),
		ingress:       newIngressBuffer(),
		readScratch:   make([]byte, readChunk),
		idleSeconds:   opts.IdleTimeoutSeconds,
		wheel:         opts.Wheel,
		highWaterMark: opts.HighWaterMarkBytes,
		cb:            opts.Callbacks,
	}
	c.registryID = connRegistry.register(c)

	ch := loop.NewChannel(l, fd)
	ch.Tie(c)
	ch.ReadCallback = c.handleRead
	ch.WriteCallback = c.handleWrite
	ch.CloseCallback = c.handleClose
	ch.ErrorCallback = c.handleSocketError
	c.channel = ch

	if opts.TLSConfig != nil {
		c.shim = tlsshim.New(opts.TLSRole, opts.TLSConfig, tlsshim.Callbacks{
			WriteRaw: func(data []byte) {
				c.loop.RunInLoop(func() { c.absorbCiphertext(data) })
			},
			Error: func(err error) {
				c.loop.RunInLoop(func() { c.handleTLSError(err) })
			},
			HandshakeComplete: func() {
				c.loop.RunInLoop(func() { c.handleHandshakeComplete() })
			},
			CloseAlert: func() {
				c.loop.RunInLoop(func() { c.handleClose() })
			},
			Message: func(data []byte) {
				c.loop.RunInLoop(func() { c.deliverMessage(data) })
			},
		})
	}
	return c
}

func localString(a *net.TCPAddr) string {
	if a == nil {
		return "?"
	}
	return a.String()
}

// Name returns the printable "local->peer" identity of the connection.
func (c *Connection) Name() string { return c.name }

// Status reports the connection's current lifecycle state. Safe to
// call from any goroutine.
func (c *Connection) Status() Status { return Status(c.status.Load()) }

// BytesSent and BytesReceived are monotonic counters, safe to read
// from any goroutine.
func (c *Connection) BytesSent() uint64     { return c.bytesSent.Load() }
func (c *Connection) BytesReceived() uint64 { return c.bytesReceived.Load() }

// LocalAddr and PeerAddr return the connection's two endpoints.
func (c *Connection) LocalAddr() *net.TCPAddr { return c.localAddr }
func (c *Connection) PeerAddr() *net.TCPAddr  { return c.peerAddr }

// ConnectEstablished transitions a freshly accepted/dialed connection
// from Connecting to Connected, enables read interest, and either
// starts the TLS handshake or fires the connection callback. The
// accept/connect path posts this to the owning loop.
func (c *Connection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if Status(c.status.Load()) != StatusConnecting {
		return
	}
	c.status.Store(int32(StatusConnected))
	_ = c.channel.EnableReading()
	c.kickIdleTimer()

	if c.shim != nil {
		if err := c.shim.StartEncryption(); err != nil {
			c.logger.Error("tls start failed", zap.Error(err), zap.String("conn", c.name))
			c.ForceClose()
			return
		}
		return
	}
	c.fireConnectionCallback()
}

func (c *Connection) fireConnectionCallback() {
	if c.cb.Connection != nil {
		c.cb.Connection(c)
	}
}

func (c *Connection) handleHandshakeComplete() {
	c.handshakeComplete = true
	c.fireConnectionCallback()
	if c.cb.TLSUpgrade != nil {
		c.cb.TLSUpgrade(c)
	}
	// Anything queued while the handshake was outstanding needs a
	// chance to actually hit the wire now.
	if len(c.queue) > 0 {
		_ = c.channel.EnableWriting()
		c.handleWrite()
	}
}

func (c *Connection) handleTLSError(err error) {
	if c.cb.TLSError != nil {
		c.cb.TLSError(c, err)
	}
	c.ForceClose()
}

// --- read path --------------------------------------------------------

func (c *Connection) handleRead() {
	c.loop.AssertInLoopThread()
	n, err := socket.Read(c.fd, c.readScratch)
	switch {
	case n == 0 && err == nil:
		c.handleClose()
		return
	case n > 0:
		c.bytesReceived.Add(uint64(n))
		c.kickIdleTimer()
		if c.shim != nil {
			if rerr := c.shim.RecvData(c.readScratch[:n]); rerr != nil {
				c.handleTLSError(rerr)
			}
			return
		}
		c.deliverMessage(c.readScratch[:n])
		return
	default:
		switch classifyIOError(err) {
		case ioTransient:
			return
		case ioPeerReset:
			return
		case ioAbort:
			c.handleClose()
		case ioFatal:
			c.logger.Error("read failed", zap.Error(err), zap.String("conn", c.name))
			c.handleClose()
		}
	}
}

func (c *Connection) deliverMessage(data []byte) {
	c.ingress.append(data)
	if c.cb.Message != nil {
		c.cb.Message(c, c.ingress)
	}
}

type ioClass int

const (
	ioTransient ioClass = iota
	ioPeerReset
	ioAbort
	ioFatal
)

func classifyIOError(err error) ioClass {
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
		return ioTransient
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
		return ioPeerReset
	case errors.Is(err, unix.ECONNABORTED):
		return ioAbort
	default:
		return ioFatal
	}
}

func (c *Connection) handleSocketError() {
	if err := socket.SocketError(c.fd); err != nil {
		c.logger.Warn("socket error", zap.Error(err), zap.String("conn", c.name))
	}
}

// --- idle timer -------------------------------------------------------

func (c *Connection) kickIdleTimer() {
	if c.idleSeconds <= 0 || c.wheel == nil {
		return
	}
	now := time.Now()
	if !c.lastIdleKick.IsZero() && now.Sub(c.lastIdleKick) < time.Second {
		return
	}
	c.lastIdleKick = now
	gen := c.idleGen.Add(1)
	c.wheel.InsertEntry(c.idleSeconds, func() {
		c.loop.RunInLoop(func() {
			if c.idleGen.Load() == gen {
				c.ForceClose()
			}
		})
	})
}

// --- write path ---------------------------------------------------

// Send queues data for transmission, preserving call order as wire
// order regardless of which goroutine called it.
func (c *Connection) Send(data []byte) {
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	owned := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(owned) })
}

func (c *Connection) sendInLoop(data []byte) {
	if Status(c.status.Load()) != StatusConnected {
		c.logger.Warn("send while not connected, dropping", zap.String("conn", c.name))
		return
	}
	c.kickIdleTimer()

	handshakePending := c.shim != nil && !c.handshakeComplete

	if len(c.queue) == 0 && !c.channel.IsWriting() && !handshakePending {
		n := c.writeInLoop(data)
		data = data[n:]
	}
	if len(data) > 0 {
		c.enqueue(data)
		_ = c.channel.EnableWriting()
	}
	c.maybeFireHighWater()
}

// writeInLoop is the single entry point for putting plaintext bytes on
// the wire: route through the TLS shim if one exists, otherwise write
// raw. Returns how many bytes of data were actually handed off (either
// accepted by the socket outright, or accepted by the shim for
// encryption — in both cases the caller may safely stop tracking them).
func (c *Connection) writeInLoop(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	if c.shim != nil {
		if len(c.cipherBacklog) > 0 {
			// Earlier ciphertext hasn't reached the socket yet; refuse
			// more plaintext rather than let this window's ciphertext
			// race ahead of it in absorbCiphertext's append order.
			return 0
		}
		n, err := c.shim.SendData(data)
		if err != nil {
			c.handleTLSError(err)
			return 0
		}
		return n
	}
	return c.rawWrite(data)
}

// absorbCiphertext appends bytes the shim just produced to the
// ciphertext backlog and tries to push them straight to the socket.
// Always runs on the loop goroutine: the shim's WriteRaw callback posts
// here via RunInLoop since it fires from its own background pump
// goroutine, never from the loop itself.
func (c *Connection) absorbCiphertext(data []byte) {
	c.cipherBacklog = append(c.cipherBacklog, data...)
	c.flushCipherBacklog()
}

// flushCipherBacklog writes as much of the pending ciphertext as the
// socket currently accepts. Returns true once the backlog is fully
// drained.
func (c *Connection) flushCipherBacklog() bool {
	for len(c.cipherBacklog) > 0 {
		n, err := socket.Write(c.fd, c.cipherBacklog)
		if n > 0 {
			c.bytesSent.Add(uint64(n))
			c.cipherBacklog = c.cipherBacklog[n:]
		}
		if err != nil {
			switch classifyIOError(err) {
			case ioTransient:
				_ = c.channel.EnableWriting()
				return false
			case ioPeerReset:
				c.cipherBacklog = nil
				return true
			default:
				c.logger.Warn("write failed", zap.Error(err), zap.String("conn", c.name))
				c.cipherBacklog = nil
				return true
			}
		}
		if n == 0 {
			break
		}
	}
	if len(c.cipherBacklog) == 0 {
		c.cipherBacklog = nil
		return true
	}
	_ = c.channel.EnableWriting()
	return false
}

// rawWrite performs the actual nonblocking socket write for the
// plaintext fast path (sendInLoop's direct send, or
// sendAsyncDataInLoop's direct write for a drained async head) and
// returns how many bytes the socket accepted. A write error counts as 0
// bytes accepted; the caller buffers whatever was not accepted.
func (c *Connection) rawWrite(data []byte) int {
	n, err := socket.Write(c.fd, data)
	if n < 0 {
		n = 0
	}
	if n > 0 {
		c.bytesSent.Add(uint64(n))
	}
	if err == nil {
		return n
	}
	switch classifyIOError(err) {
	case ioTransient:
		_ = c.channel.EnableWriting()
		return n
	case ioPeerReset:
		return n
	default:
		c.logger.Warn("write failed", zap.Error(err), zap.String("conn", c.name))
		return n
	}
}

// enqueueRaw appends data to the egress queue using the same
// coalescing rule as enqueue; an empty slice is ignored.
func (c *Connection) enqueueRaw(data []byte) {
	if len(data) == 0 {
		return
	}
	c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) {
	if n := len(c.queue); n > 0 {
		tail := c.queue[n-1]
		if !tail.IsFile() && !tail.IsStream() {
			tail.Append(data)
			return
		}
	}
	c.queue = append(c.queue, newMemoryNode(data))
}

func (c *Connection) maybeFireHighWater() {
	if c.highWaterMark <= 0 || c.cb.HighWater == nil {
		return
	}
	total := c.tailBytes()
	if total > c.highWaterMark {
		c.cb.HighWater(c, total)
	}
}

// tailBytes reports the size a Send call's own backpressure is judged
// against: the tail node's remaining bytes (the one a same-destination
// Send coalesces into) plus whatever ciphertext is backlogged waiting
// on the socket. Earlier nodes already queued ahead of the tail (a
// File or PullStream send queued before it) have their own independent
// producers and aren't what throttles a plain Send caller.
func (c *Connection) tailBytes() int {
	total := 0
	if n := len(c.queue); n > 0 {
		total = c.queue[n-1].Remaining()
	}
	total += len(c.cipherBacklog)
	return total
}

// SendFile enqueues a File BufferNode covering [offset, offset+length)
// of path (length == 0 means "to end of file"). Invalid bounds or an
// open/stat failure produce an already-done, unavailable node that is
// logged and dropped without any socket I/O.
func (c *Connection) SendFile(path string, offset, length int64) {
	run := func() {
		node := newFileNode(path, offset, length)
		if !node.Available() {
			c.logger.Error("sendFile rejected", zap.String("path", path),
				zap.Int64("offset", offset), zap.Int64("length", length),
				zap.String("conn", c.name))
			return
		}
		handshakePending := c.shim != nil && !c.handshakeComplete
		wasEmpty := len(c.queue) == 0 && !c.channel.IsWriting() && !handshakePending
		c.queue = append(c.queue, node)
		if wasEmpty {
			c.handleWrite()
		} else {
			_ = c.channel.EnableWriting()
		}
	}
	if c.loop.IsInLoopThread() {
		run()
		return
	}
	c.loop.QueueInLoop(run)
}

// SendStream enqueues a PullStream node whose producer fills a
// caller-provided window on demand; a return of 0 marks end of stream.
func (c *Connection) SendStream(producer PullStreamProducer) {
	run := func() {
		node := newPullStreamNode(producer)
		handshakePending := c.shim != nil && !c.handshakeComplete
		wasEmpty := len(c.queue) == 0 && !c.channel.IsWriting() && !handshakePending
		c.queue = append(c.queue, node)
		_ = c.channel.EnableWriting()
		if wasEmpty {
			c.handleWrite()
		}
	}
	if c.loop.IsInLoopThread() {
		run()
		return
	}
	c.loop.QueueInLoop(run)
}

// SendAsyncStream enqueues an AsyncStream node and returns a producer
// handle any goroutine may push bytes through. Dropping the handle
// without calling Close has the same effect as calling Close once.
func (c *Connection) SendAsyncStream() *AsyncStream {
	node := newAsyncStreamNode()
	c.loop.RunInLoop(func() {
		c.queue = append(c.queue, node)
		_ = c.channel.EnableWriting()
	})
	handle := newAsyncStream(c, node)
	return armCloseOnDrop(handle)
}

// sendAsyncDataInLoop appends producer-pushed bytes to node. If node is
// the current queue head and was fully drained, it attempts a direct
// write first rather than buffering, minimizing latency for the common
// steady trickle case.
func (c *Connection) sendAsyncDataInLoop(node *asyncStreamNode, data []byte) {
	if Status(c.status.Load()) != StatusConnected {
		return
	}
	handshakePending := c.shim != nil && !c.handshakeComplete
	isHead := len(c.queue) > 0 && c.queue[0] == BufferNode(node)
	if isHead && node.Remaining() == 0 && !c.channel.IsWriting() && !handshakePending {
		n := c.writeInLoop(data)
		data = data[n:]
	}
	if len(data) > 0 {
		node.Append(data)
	}
	c.kickWritable()
	c.maybeFireHighWater()
}

func (c *Connection) kickWritable() {
	if len(c.queue) > 0 {
		_ = c.channel.EnableWriting()
	}
}

// --- drain (writable event) -------------------------------------

func (c *Connection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() && len(c.queue) == 0 {
		return
	}
	c.kickIdleTimer()

	if c.shim != nil {
		if !c.flushCipherBacklog() {
			return
		}
		if !c.handshakeComplete {
			// Nothing in the queue is ciphertext yet (handshake bytes
			// flow through cipherBacklog, not c.queue); wait for
			// handleHandshakeComplete to kick the drain instead of
			// handing a still-pending shim application data to encrypt.
			return
		}
	}

	hadQueued := len(c.queue) > 0
	for len(c.queue) > 0 {
		head := c.queue[0]
		if head.Remaining() == 0 {
			if head.IsAsync() && !head.IsDone() {
				_ = c.channel.DisableWriting()
				return
			}
			c.popHead()
			continue
		}
		if !c.sendNode(head) {
			return
		}
		if head.Remaining() > 0 {
			return
		}
	}

	_ = c.channel.DisableWriting()
	if hadQueued && c.cb.WriteComplete != nil {
		c.cb.WriteComplete(c)
	}
	if c.closeOnEmpty && len(c.cipherBacklog) == 0 {
		c.shutdownInLoop()
	}
}

func (c *Connection) popHead() {
	head := c.queue[0]
	c.queue = c.queue[1:]
	switch n := head.(type) {
	case *memoryNode:
		n.release()
	case *asyncStreamNode:
		n.release()
	}
}

// sendNode drains as much of head as a single event should: the
// zero-copy path for an unencrypted File node head, the shim-encrypted
// path whenever TLS is active (regardless of node type — Memory, File,
// and PullStream windows all go through the same encryption), or a
// plain byte-window copy loop for the remaining unencrypted case.
// Returns false if the caller should stop (would-block, partial
// progress, or fatal error already logged/handled).
func (c *Connection) sendNode(head BufferNode) bool {
	if c.shim != nil {
		return c.sendNodeEncrypted(head)
	}
	if f, ok := head.(*fileNode); ok && socket.HasSendFile {
		return c.sendFileNodeZeroCopy(f)
	}
	for {
		window, ok := head.GetData()
		if !ok {
			return true // node finished mid-loop (e.g. pull-stream hit EOF)
		}
		if len(window) == 0 {
			head.Done()
			return true
		}
		n, err := socket.Write(c.fd, window)
		if n > 0 {
			c.bytesSent.Add(uint64(n))
			head.Retrieve(n)
		}
		if err != nil {
			switch classifyIOError(err) {
			case ioTransient:
				_ = c.channel.EnableWriting()
				return false
			case ioPeerReset:
				return false
			default:
				c.logger.Warn("write failed", zap.Error(err), zap.String("conn", c.name))
				return false
			}
		}
		if n < len(window) {
			_ = c.channel.EnableWriting()
			return false
		}
	}
}

// sendNodeEncrypted is sendNode's TLS counterpart: every window, no
// matter which BufferNode variant it came from, must be handed to the
// shim before it can reach the wire (spec's "when a shim is present,
// all writeInLoop calls route through the shim", applied uniformly
// here rather than only on the Send fast path). The resulting
// ciphertext is tracked in c.cipherBacklog, not the plaintext queue —
// absorbCiphertext appends in the exact order the shim produces it, so
// FIFO wire ordering holds regardless of how many nodes this call
// drains.
func (c *Connection) sendNodeEncrypted(head BufferNode) bool {
	for {
		window, ok := head.GetData()
		if !ok {
			return true
		}
		if len(window) == 0 {
			head.Done()
			return true
		}
		n, err := c.shim.SendData(window)
		if err != nil {
			c.handleTLSError(err)
			return false
		}
		head.Retrieve(n)
	}
}

func (c *Connection) sendFileNodeZeroCopy(f *fileNode) bool {
	fd, ok := f.Fd()
	if !ok {
		return true
	}
	n, newOffset, err := socket.SendFile(c.fd, fd, f.Offset(), f.Remaining())
	if n > 0 {
		c.bytesSent.Add(uint64(n))
		f.ConsumeViaSendfile(n, newOffset)
	}
	if err != nil {
		switch classifyIOError(err) {
		case ioTransient:
			_ = c.channel.EnableWriting()
			return false
		case ioPeerReset:
			return false
		default:
			c.logger.Warn("sendfile failed", zap.Error(err), zap.String("conn", c.name))
			return false
		}
	}
	if f.Remaining() > 0 {
		_ = c.channel.EnableWriting()
		return false
	}
	return true
}

// --- shutdown / close ----------------------------------------------

// Shutdown begins a graceful half-close: if egress (application queue
// or TLS backlog) is nonempty, it defers until drained.
func (c *Connection) Shutdown() {
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *Connection) shutdownInLoop() {
	if Status(c.status.Load()) != StatusConnected {
		return
	}
	backlog := len(c.queue) > 0 || len(c.cipherBacklog) > 0
	if backlog {
		c.closeOnEmpty = true
		return
	}
	c.status.Store(int32(StatusDisconnecting))
	if c.shim != nil {
		_ = c.shim.Close()
	}
	if !c.channel.IsWriting() {
		_ = socket.CloseWrite(c.fd)
	}
}

// ForceClose tears the connection down immediately regardless of
// pending egress.
func (c *Connection) ForceClose() {
	c.loop.RunInLoop(func() {
		st := Status(c.status.Load())
		if st != StatusConnected && st != StatusDisconnecting {
			return
		}
		c.status.Store(int32(StatusDisconnecting))
		c.handleClose()
		if c.shim != nil {
			_ = c.shim.Close()
		}
	})
}

// handleClose performs the terminal transition exactly once: it sets
// Disconnected, drops channel interest, and fires the connection and
// close callbacks in that order, holding the connection alive via this
// call's own stack frame for the duration.
func (c *Connection) handleClose() {
	if c.closedOnce {
		return
	}
	c.closedOnce = true
	c.status.Store(int32(StatusDisconnected))
	_ = c.channel.DisableAll()

	c.fireConnectionCallback()
	if c.cb.Close != nil {
		c.cb.Close(c)
	}
	connRegistry.forget(c.registryID)
	c.release()
}

// ConnectDestroyed is the event-loop-side teardown a listener/connector
// calls once it is done with the connection (after handleClose, or
// directly if the connection never reached Connected). It deregisters
// the channel from the poller and releases the socket.
func (c *Connection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if Status(c.status.Load()) == StatusConnected {
		c.status.Store(int32(StatusDisconnected))
		_ = c.channel.DisableAll()
		c.fireConnectionCallback()
	}
	_ = c.channel.Remove()
	_ = socket.Close(c.fd)
}

func (c *Connection) release() {
	for _, n := range c.queue {
		switch v := n.(type) {
		case *memoryNode:
			v.release()
		case *asyncStreamNode:
			v.release()
		case *fileNode:
			v.closeFile()
		}
	}
	c.queue = nil
	c.cipherBacklog = nil
	c.ingress.release()
}
