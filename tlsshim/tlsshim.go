// Package tlsshim adapts crypto/tls into the byte-in/byte-out filter
// pair the connection core expects: it never reimplements record
// framing itself, it drives a real tls.Conn over an in-memory pipe and
// republishes whatever that tls.Conn produces/consumes through
// callbacks instead of a net.Conn interface.
package tlsshim

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
)

// ErrAlreadyEncrypted is returned by StartEncryption when a shim has
// already started (or finished) its handshake.
var ErrAlreadyEncrypted = errors.New("tlsshim: encryption already started")

// Role selects which side of the handshake a Shim plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Callbacks groups the five entry points a Shim invokes into the
// connection core. All of them are invoked from the shim's own
// background goroutines, possibly while a RecvData, SendData or
// StartEncryption call is still in progress on another goroutine.
type Callbacks struct {
	// WriteRaw delivers ciphertext (or, pre-handshake, handshake
	// protocol bytes) that must be written to the real socket.
	WriteRaw func(data []byte)
	// Error reports a fatal TLS-layer failure (handshake or record
	// processing). The shim is unusable afterward.
	Error func(err error)
	// HandshakeComplete fires exactly once, after a successful
	// handshake and before any Message callback.
	HandshakeComplete func()
	// CloseAlert fires when the peer (or this side, via Close) sends a
	// TLS close_notify alert.
	CloseAlert func()
	// Message delivers decrypted application bytes in arrival order.
	Message func(data []byte)
}

// Shim is a framing filter interposed between a Connection's plaintext
// API and its raw socket primitive. It is not safe for concurrent use;
// the owning Connection only ever touches it from its loop goroutine,
// same as every other piece of per-connection state.
type Shim struct {
	cb     Callbacks
	config *tls.Config
	role   Role

	conn   *tls.Conn // drives the handshake and record layer
	feed   net.Conn  // the shim's end of the in-memory pipe; Write = inject ciphertext, Read = drain what tls.Conn wants sent

	mu        sync.Mutex
	started   bool
	closed    bool
	handshook bool

	pumpDone chan struct{}
	readDone chan struct{}
}

// New constructs a Shim. No goroutines are started and no bytes flow
// until StartEncryption is called; config is used as given and is not
// validated here, so a bad config surfaces as a handshake Error.
func New(role Role, config *tls.Config, cb Callbacks) *Shim {
	return &Shim{role: role, config: config, cb: cb}
}

// StartEncryption begins the handshake. WriteRaw will be invoked
// (possibly several times, from a background goroutine) as the handshake
// produces protocol bytes; HandshakeComplete fires once it succeeds,
// Error fires if it fails.
func (s *Shim) StartEncryption() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyEncrypted
	}
	s.started = true
	s.mu.Unlock()

	netSide, feedSide := net.Pipe()
	s.feed = feedSide

	if s.role == RoleServer {
		s.conn = tls.Server(netSide, s.config)
	} else {
		s.conn = tls.Client(netSide, s.config)
	}

	s.pumpDone = make(chan struct{})
	s.readDone = make(chan struct{})
	go s.pumpOutbound()

	go func() {
		err := s.conn.Handshake()
		s.mu.Lock()
		failed := err != nil
		if !failed {
			s.handshook = true
		}
		s.mu.Unlock()
		if failed {
			s.fail(err)
			return
		}
		if s.cb.HandshakeComplete != nil {
			s.cb.HandshakeComplete()
		}
		s.pumpInbound()
	}()
	return nil
}

// pumpOutbound forwards whatever tls.Conn writes to its pipe end out
// through WriteRaw. tls.Conn writes handshake flights and, later,
// records; both look identical from here, which is the point of
// routing "all writeInLoop calls through the shim" per the core's
// contract.
func (s *Shim) pumpOutbound() {
	defer close(s.pumpDone)
	buf := make([]byte, 16*1024)
	for {
		n, err := s.feed.Read(buf)
		if n > 0 && s.cb.WriteRaw != nil {
			out := make([]byte, n)
			copy(out, buf[:n])
			s.cb.WriteRaw(out)
		}
		if err != nil {
			return
		}
	}
}

// pumpInbound drains decrypted application data after a successful
// handshake and delivers it via Message, in arrival order.
func (s *Shim) pumpInbound() {
	defer close(s.readDone)
	buf := make([]byte, 16*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 && s.cb.Message != nil {
			out := make([]byte, n)
			copy(out, buf[:n])
			s.cb.Message(out)
		}
		if err != nil {
			if isCloseAlert(err) {
				if s.cb.CloseAlert != nil {
					s.cb.CloseAlert()
				}
				return
			}
			if err != io.EOF {
				s.fail(err)
			}
			return
		}
	}
}

func isCloseAlert(err error) bool {
	return errors.Is(err, io.EOF) || err.Error() == "remote error: tls: close notify"
}

func (s *Shim) fail(err error) {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	if s.cb.Error != nil {
		s.cb.Error(err)
	}
}

// RecvData feeds ciphertext (or handshake bytes) that arrived on the
// real socket into the TLS state machine. The bytes may lead to
// Message, HandshakeComplete, Error or CloseAlert calls, which run on
// the goroutines started by StartEncryption; RecvData itself never
// waits for those, it only has to get the bytes into the pipe.
func (s *Shim) RecvData(ciphertext []byte) error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return errors.New("tlsshim: not started")
	}
	s.mu.Unlock()
	if len(ciphertext) == 0 {
		return nil
	}
	_, err := s.feed.Write(ciphertext)
	return err
}

// SendData encrypts plaintext and hands the resulting ciphertext to
// WriteRaw via the background pump. It blocks until tls.Conn has
// accepted the bytes into a record (the in-memory pipe is unbuffered,
// so this also blocks until pumpOutbound has drained the write) but
// never blocks on the real socket. The returned count is always
// len(plaintext) on success, matching Write's contract.
func (s *Shim) SendData(plaintext []byte) (int, error) {
	s.mu.Lock()
	ready := s.handshook
	s.mu.Unlock()
	if !ready {
		return 0, errors.New("tlsshim: handshake not complete")
	}
	return s.conn.Write(plaintext)
}

// Close sends a close_notify alert and tears down the shim's
// goroutines. It does not close the underlying connection; that
// remains the core's responsibility.
func (s *Shim) Close() error {
	s.mu.Lock()
	if s.closed || !s.started {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	_ = s.feed.Close()
	return err
}
