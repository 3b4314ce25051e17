// Command echoserver wires a TcpServer up to a YAML config and zap
// logging, echoing back whatever each client sends until it disconnects.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tinynet/reactor"
	"github.com/tinynet/reactor/config"
	"github.com/tinynet/reactor/logging"
)

func main() {
	configPath := flag.String("config", "", "path to server config YAML")
	flag.Parse()

	if *configPath == "" {
		os.Stderr.WriteString("usage: echoserver -config <path>\n")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		os.Stderr.WriteString("build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	runtime.LockOSThread()
	mainLoop := reactor.NewEventLoop(log)

	server := reactor.NewTcpServer(mainLoop, cfg.Listen, "echoserver", log,
		reactor.WithReusePort(cfg.ReusePort),
		reactor.WithIOLoops(cfg.IOLoops),
	)
	server.SetHighWaterMarkCallback(func(conn *reactor.TcpConnection, size int) {
		log.Warn("connection crossed high water mark", zap.String("conn", conn.Name()), zap.Int("size", size))
	}, cfg.HighWaterMark)
	server.SetConnectionCallback(func(conn *reactor.TcpConnection) {
		if conn.Connected() {
			log.Info("connection up", zap.String("conn", conn.Name()), zap.Stringer("peer", conn.PeerAddr()))
			if cfg.TCPNoDelay {
				_ = conn.SetTCPNoDelay(true)
			}
			if cfg.KeepAlive > 0 {
				_ = conn.SetKeepAlive(true, time.Duration(cfg.KeepAlive))
			}
		} else {
			log.Info("connection down", zap.String("conn", conn.Name()))
		}
	})
	server.SetMessageCallback(func(conn *reactor.TcpConnection, buf *reactor.Buffer, _ time.Time) {
		conn.SendString(buf.RetrieveAllString())
	})

	server.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received")
		server.Stop()
		mainLoop.Quit()
	}()

	mainLoop.Loop()
	mainLoop.Close()
}
