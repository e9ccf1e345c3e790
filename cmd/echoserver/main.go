// Command echoserver runs a bare echo service on top of the engine: it
// writes back whatever it reads, demonstrating the fast-path
// send/receive loop with no TLS and no custom buffer nodes.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tripleslash/trantor/conn"
	"github.com/tripleslash/trantor/logging"
	"github.com/tripleslash/trantor/socket"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:9000", "address to listen on")
	loops := flag.Int("loops", 0, "number of event loops (0 = GOMAXPROCS)")
	idle := flag.Int("idle-timeout", 0, "idle timeout in seconds (0 = disabled)")
	flag.Parse()

	logger, err := logging.New(logging.Config{Development: true})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	engine, err := conn.New(conn.EngineOptions{
		Listen:             *listen,
		NumLoops:           *loops,
		IdleTimeoutSeconds: *idle,
		HighWaterMarkBytes: 64 * 1024 * 1024,
		SocketOptions:      socket.Options{ReuseAddr: true, TCPNoDelay: true},
		Logger:             logger,
		Callbacks: conn.Callbacks{
			Connection: func(c *conn.Connection) {
				if c.Status() == conn.StatusConnected {
					logger.Info("connected", zap.String("conn", c.Name()))
				} else {
					logger.Info("disconnected", zap.String("conn", c.Name()))
				}
			},
			Message: func(c *conn.Connection, buf *conn.IngressBuffer) {
				echoed := append([]byte(nil), buf.Bytes()...)
				buf.RetrieveAll()
				c.Send(echoed)
			},
			Close: func(c *conn.Connection) {
				logger.Info("closed", zap.String("conn", c.Name()))
			},
		},
	})
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}
	defer engine.Close()

	logger.Info("listening", zap.Stringer("addr", engine.Addr()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := engine.Serve(ctx); err != nil {
		logger.Error("serve exited with error", zap.Error(err))
	}
}
