package conn

import (
	"os"

	"github.com/valyala/bytebufferpool"
)

// fileChunkSize bounds how much of a File node is read into memory per
// on-demand chunk when no zero-copy primitive is available. 16KiB
// matches the chunking used by the file-backed node on platforms
// without sendfile.
const fileChunkSize = 16 * 1024

// BufferNode is one outbound chunk in a Connection's egress queue. All
// four variants share this contract; the queue is a []BufferNode and
// the drain loop never switches on concrete type, only on the
// predicates below.
type BufferNode interface {
	// Remaining reports bytes not yet retrieved. For PullStream nodes
	// this is only the unsent part of the current chunk, or a
	// placeholder 1 while no chunk is held and the producer has not yet
	// returned 0.
	Remaining() int
	// GetData returns the next readable window and whether one is
	// currently available. A false ok with Remaining() == 0 means the
	// node has no more data right now but isn't necessarily finished
	// (AsyncStream awaiting its producer).
	GetData() (window []byte, ok bool)
	// Retrieve consumes n bytes from the front of the current window.
	Retrieve(n int)
	// Append adds bytes to the node's internal buffer. Only Memory and
	// AsyncStream nodes do anything with this.
	Append(data []byte)
	// Done marks the node finished for variants whose producer signals
	// completion out of band (PullStream, AsyncStream).
	Done()
	// IsDone reports whether Done has been called (or end-of-stream was
	// observed from a producer callback).
	IsDone() bool

	IsFile() bool
	IsStream() bool
	IsAsync() bool
	// Available reports whether the node can produce any data at all;
	// a File node that failed to open is unavailable and already done.
	Available() bool
	// Fd returns the OS file handle backing the node, for the
	// zero-copy fast path. Only File nodes support this.
	Fd() (fd int, ok bool)
}

// --- Memory node ---------------------------------------------------

type memoryNode struct {
	bb  *bytebufferpool.ByteBuffer
	off int
}

func newMemoryNode(data []byte) *memoryNode {
	bb := bytebufferpool.Get()
	_, _ = bb.Write(data)
	return &memoryNode{bb: bb}
}

func (n *memoryNode) Remaining() int { return len(n.bb.B) - n.off }

func (n *memoryNode) GetData() ([]byte, bool) {
	if n.off >= len(n.bb.B) {
		return nil, false
	}
	return n.bb.B[n.off:], true
}

func (n *memoryNode) Retrieve(k int) { n.off += k }
func (n *memoryNode) Append(data []byte) {
	_, _ = n.bb.Write(data)
}
func (n *memoryNode) Done()            {}
func (n *memoryNode) IsDone() bool     { return n.Remaining() == 0 }
func (n *memoryNode) IsFile() bool     { return false }
func (n *memoryNode) IsStream() bool   { return false }
func (n *memoryNode) IsAsync() bool    { return false }
func (n *memoryNode) Available() bool  { return true }
func (n *memoryNode) Fd() (int, bool)  { return -1, false }

// release returns the node's buffer to the pool. Callers must not touch
// the node afterward. The drain loop calls this after popping a fully
// consumed node, and Connection.release calls it for every node still
// queued at close.
func (n *memoryNode) release() {
	n.bb.Reset()
	bytebufferpool.Put(n.bb)
}

// --- File node ------------------------------------------------------

type fileNode struct {
	file      *os.File
	fd        int
	offset    int64 // absolute position of the next unretrieved byte
	remaining int64 // bytes not yet retrieved

	chunk    []byte
	chunkLen int
	chunkOff int

	avail bool
	done  bool
}

// newFileNode opens path, validates offset/length against the file's
// size and returns a node positioned at offset. Any failure (open,
// stat, or out-of-bounds offset/length) produces an already-done,
// unavailable node rather than an error, per the sendFile contract:
// the caller logs and the node is popped without I/O.
func newFileNode(path string, offset, length int64) *fileNode {
	f, err := os.Open(path)
	if err != nil {
		return &fileNode{done: true}
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return &fileNode{done: true}
	}
	size := info.Size()
	remaining, ok := validateFileBounds(size, offset, length)
	if !ok {
		_ = f.Close()
		return &fileNode{done: true}
	}
	if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
		_ = f.Close()
		return &fileNode{done: true}
	}
	if remaining == 0 {
		_ = f.Close()
		return &fileNode{done: true, avail: true}
	}
	return &fileNode{
		file:      f,
		fd:        int(f.Fd()),
		offset:    offset,
		remaining: remaining,
		chunk:     make([]byte, fileChunkSize),
		avail:     true,
	}
}

// validateFileBounds codifies the bounds check the source applies
// inconsistently: offset past end of file is always invalid, a
// positive length that would read past end of file is invalid, and
// offset exactly at end of file is invalid only when length is
// positive (length == 0 there just means "the rest of the file",
// which is empty and fine).
func validateFileBounds(size, offset, length int64) (remaining int64, ok bool) {
	if offset < 0 || offset > size {
		return 0, false
	}
	if length > 0 {
		if offset == size || offset+length > size {
			return 0, false
		}
		return length, true
	}
	return size - offset, true
}

func (n *fileNode) Remaining() int {
	if n.remaining < 0 {
		return 0
	}
	return int(n.remaining)
}

func (n *fileNode) GetData() ([]byte, bool) {
	if n.chunkOff < n.chunkLen {
		return n.chunk[n.chunkOff:n.chunkLen], true
	}
	if n.done || n.remaining <= 0 || n.file == nil {
		return nil, false
	}
	want := int64(len(n.chunk))
	if want > n.remaining {
		want = n.remaining
	}
	read, err := n.file.Read(n.chunk[:want])
	if read <= 0 || err != nil {
		n.done = true
		return nil, false
	}
	n.chunkLen = read
	n.chunkOff = 0
	return n.chunk[:read], true
}

func (n *fileNode) Retrieve(k int) {
	n.chunkOff += k
	n.offset += int64(k)
	n.remaining -= int64(k)
	if n.remaining <= 0 {
		n.closeFile()
	}
}

// ConsumeViaSendfile advances the node's bookkeeping after the
// zero-copy fast path wrote n bytes directly from the file descriptor,
// bypassing GetData/Retrieve entirely.
func (n *fileNode) ConsumeViaSendfile(written int, newOffset int64) {
	n.offset = newOffset
	n.remaining -= int64(written)
	if n.remaining <= 0 {
		n.closeFile()
	}
}

func (n *fileNode) closeFile() {
	n.done = true
	if n.file != nil {
		_ = n.file.Close()
		n.file = nil
	}
}

func (n *fileNode) Append(data []byte) {}
func (n *fileNode) Done()              { n.closeFile() }
func (n *fileNode) IsDone() bool       { return n.done && n.Remaining() == 0 }
func (n *fileNode) IsFile() bool       { return true }
func (n *fileNode) IsStream() bool     { return false }
func (n *fileNode) IsAsync() bool      { return false }
func (n *fileNode) Available() bool    { return n.avail }
func (n *fileNode) Offset() int64      { return n.offset }

func (n *fileNode) Fd() (int, bool) {
	if n.file == nil {
		return -1, false
	}
	return n.fd, true
}

// --- PullStream node --------------------------------------------------

// PullStreamProducer fills dst and returns the number of bytes written;
// 0 marks end of stream.
type PullStreamProducer func(dst []byte) int

type pullStreamNode struct {
	producer PullStreamProducer
	chunk    []byte
	chunkLen int
	chunkOff int
	done     bool
}

func newPullStreamNode(producer PullStreamProducer) *pullStreamNode {
	return &pullStreamNode{producer: producer, chunk: make([]byte, fileChunkSize)}
}

func (n *pullStreamNode) Remaining() int {
	if n.done && n.chunkOff >= n.chunkLen {
		return 0
	}
	if n.chunkOff < n.chunkLen {
		return n.chunkLen - n.chunkOff
	}
	return 1 // unknown until the producer returns 0
}

func (n *pullStreamNode) GetData() ([]byte, bool) {
	if n.chunkOff < n.chunkLen {
		return n.chunk[n.chunkOff:n.chunkLen], true
	}
	if n.done {
		return nil, false
	}
	w := n.producer(n.chunk)
	if w <= 0 {
		n.done = true
		return nil, false
	}
	n.chunkLen = w
	n.chunkOff = 0
	return n.chunk[:w], true
}

func (n *pullStreamNode) Retrieve(k int) { n.chunkOff += k }
func (n *pullStreamNode) Append([]byte)  {}
func (n *pullStreamNode) Done()          { n.done = true }
func (n *pullStreamNode) IsDone() bool   { return n.done && n.chunkOff >= n.chunkLen }
func (n *pullStreamNode) IsFile() bool   { return false }
func (n *pullStreamNode) IsStream() bool { return true }
func (n *pullStreamNode) IsAsync() bool  { return false }
func (n *pullStreamNode) Available() bool { return true }
func (n *pullStreamNode) Fd() (int, bool) { return -1, false }

// --- AsyncStream node -------------------------------------------------

// asyncStreamNode is mutated only on the owning loop goroutine: a
// producer's cross-thread Send/Close always arrives via a posted work
// item, never directly, so no locking is needed here (unlike the
// AsyncStream handle itself, which is shared with arbitrary threads).
type asyncStreamNode struct {
	bb   *bytebufferpool.ByteBuffer
	off  int
	done bool
}

func newAsyncStreamNode() *asyncStreamNode {
	return &asyncStreamNode{bb: bytebufferpool.Get()}
}

func (n *asyncStreamNode) Remaining() int { return len(n.bb.B) - n.off }

func (n *asyncStreamNode) GetData() ([]byte, bool) {
	if n.off >= len(n.bb.B) {
		return nil, false
	}
	return n.bb.B[n.off:], true
}

func (n *asyncStreamNode) Retrieve(k int)      { n.off += k }
func (n *asyncStreamNode) Append(data []byte)  { _, _ = n.bb.Write(data) }
func (n *asyncStreamNode) Done()               { n.done = true }
func (n *asyncStreamNode) IsDone() bool        { return n.done && n.Remaining() == 0 }
func (n *asyncStreamNode) IsFile() bool        { return false }
func (n *asyncStreamNode) IsStream() bool      { return false }
func (n *asyncStreamNode) IsAsync() bool       { return true }
func (n *asyncStreamNode) Available() bool     { return true }
func (n *asyncStreamNode) Fd() (int, bool)     { return -1, false }

func (n *asyncStreamNode) release() {
	n.bb.Reset()
	bytebufferpool.Put(n.bb)
}
