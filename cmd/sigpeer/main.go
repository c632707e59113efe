// sigpeer is an overlay peer: it connects to a relay, prints every signal it
// receives and can send one signal to another peer.
// Usage: go run ./cmd/sigpeer -relay localhost:9090 [-to <peer id> -signal <text>]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SWAI-Ltd/sigrelay/client"
	"github.com/SWAI-Ltd/sigrelay/internal/identity"
)

func main() {
	relayAddr := flag.String("relay", "localhost:9090", "relay overlay address")
	relayID := flag.String("relay-id", "", "expected relay peer id (optional)")
	keyFile := flag.String("key", "", "key file for a stable peer id (created if missing)")
	to := flag.String("to", "", "peer id to send a signal to")
	payload := flag.String("signal", "", "signal payload to send")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := identity.LoadOrGenerate(*keyFile)
	if err != nil {
		slog.Error("failed to load key", "err", err)
		os.Exit(1)
	}
	var expect identity.PeerID
	if *relayID != "" {
		if expect, err = identity.ParsePeerID(*relayID); err != nil {
			slog.Error("invalid relay-id", "err", err)
			os.Exit(1)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.New(dctx, client.Config{RelayAddr: *relayAddr, KeyPair: keys, RelayID: expect})
	cancel()
	if err != nil {
		slog.Error("failed to connect", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	slog.Info("connected", "relay", c.RelayID(), "id", c.ID())
	fmt.Println("PeerID:", c.ID())

	if *to != "" {
		target, err := identity.ParsePeerID(*to)
		if err != nil {
			slog.Error("invalid -to", "err", err)
			os.Exit(1)
		}
		if err := c.Signal(ctx, target, []byte(*payload)); err != nil {
			slog.Error("signal failed", "err", err)
		} else {
			slog.Info("signal sent", "to", target)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			slog.Info("relay connection closed")
			return
		case s, ok := <-c.Signals():
			if ok {
				slog.Info("signal received", "from", s.From, "payload", string(s.Payload))
			}
		case e, ok := <-c.Errors():
			if ok {
				slog.Warn("relay error", "code", e.Code, "target", e.Target, "message", e.Message)
			}
		}
	}
}
