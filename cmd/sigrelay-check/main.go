// sigrelay-check probes the websocket endpoint of a relay: it sends one
// envelope and prints what comes back.
// Usage: go run ./cmd/sigrelay-check -url ws://localhost:9091/signal -to <peer id>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
)

func main() {
	endpoint := flag.String("url", "ws://localhost:9091/signal", "relay websocket endpoint")
	from := flag.String("from", "", "peer id to send as (default: random)")
	to := flag.String("to", "", "target peer id (default: random, expects PEER_NOT_CONNECTED)")
	payload := flag.String("signal", "sigrelay-check", "signal payload")
	wait := flag.Duration("wait", 5*time.Second, "how long to wait for replies")
	flag.Parse()

	sender := *from
	if sender == "" {
		sender = randomID().String()
	}
	target := *to
	if target == "" {
		target = randomID().String()
	}

	u, err := url.Parse(*endpoint)
	if err != nil {
		log.Fatalf("invalid url: %v", err)
	}
	q := u.Query()
	q.Add("peer", sender)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigCh; conn.Close() }()

	if err := conn.WriteJSON(proto.Envelope{From: sender, To: target, Signal: *payload}); err != nil {
		log.Fatalf("send failed: %v", err)
	}
	fmt.Printf("sent %s -> %s, waiting %s for replies\n", sender, target, *wait)

	deadline := time.Now().Add(*wait)
	_ = conn.SetReadDeadline(deadline)
	var count int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			fmt.Printf("\nDone. Messages: %d\n", count)
			return
		}
		count++
		var msg proto.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Printf("[%s] FAIL undecodable message: %q\n", time.Now().Format("15:04:05"), data)
			continue
		}
		switch msg.Type {
		case proto.ClientTypeSignal:
			fmt.Printf("[%s] SIGNAL %s -> %s: %s\n", time.Now().Format("15:04:05"), msg.From, msg.To, msg.Signal)
		case proto.ClientTypeError:
			fmt.Printf("[%s] ERROR %s (to %s): %s\n", time.Now().Format("15:04:05"), msg.Code, msg.To, msg.Message)
		default:
			fmt.Printf("[%s] FAIL unknown type %q\n", time.Now().Format("15:04:05"), msg.Type)
		}
	}
}

func randomID() identity.PeerID {
	k, err := identity.Generate()
	if err != nil {
		log.Fatalf("key generation failed: %v", err)
	}
	return k.ID()
}
