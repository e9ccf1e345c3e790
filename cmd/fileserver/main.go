// Command fileserver accepts one newline-terminated file path per
// connection and streams that file back, exercising the File
// BufferNode and its zero-copy sendfile fast path.
package main

import (
	"bytes"
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
	listen := flag.String("listen", "127.0.0.1:9001", "address to listen on")
	root := flag.String("root", ".", "directory requests are served from")
	flag.Parse()

	logger, err := logging.New(logging.Config{Development: true})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	engine, err := conn.New(conn.EngineOptions{
		Listen:        *listen,
		SocketOptions: socket.Options{ReuseAddr: true, TCPNoDelay: true},
		Logger:        logger,
		Callbacks: conn.Callbacks{
			Message: func(c *conn.Connection, buf *conn.IngressBuffer) {
				data := buf.Bytes()
				idx := bytes.IndexByte(data, '\n')
				if idx < 0 {
					return
				}
				name := string(bytes.TrimSpace(data[:idx]))
				buf.Retrieve(idx + 1)

				path := *root + "/" + name
				c.SendFile(path, 0, 0)
				c.Shutdown()
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
