// wsprobe connects to the realtime endpoint as a client, authenticates,
// subscribes to a channel, and prints pushed notifications to stdout.
// Usage: go run ./cmd/wsprobe --url ws://localhost:8090/ws --user u1
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AScozzari/cashflow-realtime/internal/client"
	"github.com/AScozzari/cashflow-realtime/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8090/ws", "realtime endpoint URL")
	user := flag.String("user", "", "user id to authenticate as")
	session := flag.String("session", "", "session id to present")
	channel := flag.String("channel", "", "channel to subscribe to")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg := client.DefaultConfig()
	cfg.URL = *url

	mgr := client.New(cfg, logger)

	p := &probe{
		mgr:     mgr,
		logger:  logger,
		user:    *user,
		session: *session,
		channel: *channel,
	}
	mgr.On(client.EventConnected, p)
	mgr.On(client.EventDisconnected, p)
	mgr.On(client.EventMessage, p)
	mgr.On(client.EventError, p)
	mgr.On(client.EventMaxRetriesReached, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("connecting", "url", *url)
	mgr.Connect()

	<-ctx.Done()
	mgr.Disconnect()
	logger.Info("wsprobe stopped")
}

// probe reacts to connection events and prints pushed messages.
type probe struct {
	mgr     client.Manager
	logger  *slog.Logger
	user    string
	session string
	channel string
}

func (p *probe) Notify(n client.Notice) {
	switch n.Event {
	case client.EventConnected:
		p.logger.Info("connected")
		if p.user != "" {
			p.mgr.Send(map[string]string{
				"type":      protocol.TypeAuth,
				"userId":    p.user,
				"sessionId": p.session,
			})
		}
		if p.channel != "" {
			p.mgr.Send(map[string]string{
				"type":    protocol.TypeSubscribe,
				"channel": p.channel,
			})
		}
	case client.EventDisconnected:
		p.logger.Info("disconnected")
	case client.EventMessage:
		fmt.Println(string(n.Data))
	case client.EventError:
		p.logger.Warn("connection error", "error", n.Err)
	case client.EventMaxRetriesReached:
		p.logger.Error("retry budget exhausted; exiting")
		os.Exit(1)
	}
}
