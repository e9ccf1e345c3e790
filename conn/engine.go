//go:build linux

package conn

import (
	"context"
	"crypto/tls"
	"net"
	"runtime"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tripleslash/trantor/loop"
	"github.com/tripleslash/trantor/socket"
	"github.com/tripleslash/trantor/timingwheel"
	"github.com/tripleslash/trantor/tlsshim"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Listen             string
	NumLoops           int
	ReadChunkBytes     int
	HighWaterMarkBytes int
	IdleTimeoutSeconds int
	SocketOptions      socket.Options
	Callbacks          Callbacks
	TLSConfig          *tls.Config
	Logger             *zap.Logger
}

// Engine owns a listening socket, a pool of event loops (one goroutine
// each), and hands accepted connections to those loops round-robin. It
// is the one piece of this package with no direct analogue in the core
// state machine: listener/acceptor construction and event-loop
// implementation are both named collaborators rather than core
// responsibilities, but something has to wire them together into a
// runnable server, so the acceptor lives here, registered as an
// ordinary readable channel on the first loop.
type Engine struct {
	opts     EngineOptions
	logger   *zap.Logger
	listenFd int
	localAddr *net.TCPAddr

	loops []*loop.Loop
	next  int

	wheel *timingwheel.Wheel
}

// New creates an Engine and its listening socket; it does not start
// accepting until Serve is called.
func New(opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	n := opts.NumLoops
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if n <= 0 {
		n = 1
	}

	fd, local, err := socket.ListenTCP(opts.Listen, opts.SocketOptions)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:      opts,
		logger:    logger,
		listenFd:  fd,
		localAddr: local,
		loops:     make([]*loop.Loop, 0, n),
	}
	if opts.IdleTimeoutSeconds > 0 {
		e.wheel = timingwheel.New(opts.IdleTimeoutSeconds + 1)
	}
	for i := 0; i < n; i++ {
		l, err := loop.New(logger)
		if err != nil {
			return nil, err
		}
		e.loops = append(e.loops, l)
	}
	return e, nil
}

// Addr returns the engine's resolved listening address.
func (e *Engine) Addr() *net.TCPAddr { return e.localAddr }

// nextLoop picks the loop the next accepted connection is handed to,
// round-robin.
func (e *Engine) nextLoop() *loop.Loop {
	l := e.loops[e.next%len(e.loops)]
	e.next++
	return l
}

// Serve registers the acceptor on the first loop and runs every loop
// until ctx is canceled, at which point all loops are asked to Quit
// and Serve waits for them to drain.
func (e *Engine) Serve(ctx context.Context) error {
	acceptLoop := e.loops[0]
	ch := loop.NewChannel(acceptLoop, e.listenFd)
	ch.ReadCallback = func() { e.acceptOne(ch) }
	acceptLoop.RunInLoop(func() { _ = ch.EnableReading() })

	g, _ := errgroup.WithContext(ctx)
	for _, l := range e.loops {
		l := l
		g.Go(func() error {
			return l.Run()
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		_ = ch.DisableAll()
		for _, l := range e.loops {
			l.Quit()
		}
		return nil
	})

	return g.Wait()
}

// acceptOne runs on the accept loop's goroutine (it is only ever
// invoked as a Channel ReadCallback), drains every connection currently
// pending on the listening socket, and hands each to a loop.
func (e *Engine) acceptOne(ch *loop.Channel) {
	for {
		fd, peer, err := socket.Accept(e.listenFd)
		if err != nil {
			if classifyIOError(err) != ioTransient {
				e.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		e.dispatch(fd, peer)
	}
}

// dispatch builds a Connection for fd and posts its establishment to
// whichever loop owns it.
func (e *Engine) dispatch(fd int, peer *net.TCPAddr) {
	l := e.nextLoop()

	cb := e.opts.Callbacks
	userClose := cb.Close
	cb.Close = func(c *Connection) {
		if userClose != nil {
			userClose(c)
		}
		c.loop.QueueInLoop(c.ConnectDestroyed)
	}

	c := newConnection(l, fd, e.localAddr, peer, Options{
		ReadChunkBytes:     e.opts.ReadChunkBytes,
		HighWaterMarkBytes: e.opts.HighWaterMarkBytes,
		IdleTimeoutSeconds: e.opts.IdleTimeoutSeconds,
		Callbacks:          cb,
		Wheel:              e.wheel,
		TLSConfig:          e.opts.TLSConfig,
		TLSRole:            tlsshim.RoleServer,
		Logger:             e.logger,
	})
	l.RunInLoop(c.ConnectEstablished)
}

// Dial establishes an outbound connection on one of the engine's loops
// (round-robin, same as accepted connections) and returns once
// ConnectEstablished has been posted; the connection callback fires
// asynchronously from the chosen loop's goroutine, same as for an
// accepted connection.
func (e *Engine) Dial(addr string, tlsCfg *tls.Config, opts socket.Options, cb Callbacks) (*Connection, error) {
	fd, local, peer, err := socket.DialTCP(addr, opts)
	if err != nil {
		return nil, err
	}
	l := e.nextLoop()

	userClose := cb.Close
	cb.Close = func(c *Connection) {
		if userClose != nil {
			userClose(c)
		}
		c.loop.QueueInLoop(c.ConnectDestroyed)
	}

	c := newConnection(l, fd, local, peer, Options{
		ReadChunkBytes:     e.opts.ReadChunkBytes,
		HighWaterMarkBytes: e.opts.HighWaterMarkBytes,
		IdleTimeoutSeconds: e.opts.IdleTimeoutSeconds,
		Callbacks:          cb,
		Wheel:              e.wheel,
		TLSConfig:          tlsCfg,
		TLSRole:            tlsshim.RoleClient,
		Logger:             e.logger,
	})
	l.RunInLoop(c.ConnectEstablished)
	return c, nil
}

// Close releases the listening socket and every loop's resources. Call
// after Serve returns. Every loop gets a chance to close even if an
// earlier one fails; all failures are reported together.
func (e *Engine) Close() error {
	var err error
	if cerr := socket.Close(e.listenFd); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	for _, l := range e.loops {
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	if e.wheel != nil {
		e.wheel.Close()
	}
	return err
}
