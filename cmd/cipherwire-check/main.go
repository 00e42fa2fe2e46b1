// cipherwire-check is a validation CLI: it probes a relay's health
// endpoint, then opens a socket, authenticates with a throwaway address,
// and measures a ping round-trip.
// Usage: go run ./cmd/cipherwire-check -relay localhost:6121 -api http://127.0.0.1:8080
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cipherwire/cipherwire/client"
	"github.com/cipherwire/cipherwire/internal/crypto"
	"github.com/cipherwire/cipherwire/internal/identity"
	"github.com/cipherwire/cipherwire/internal/proto"
)

func main() {
	relay := flag.String("relay", "localhost:6121", "relay QUIC address")
	apiBase := flag.String("api", "http://127.0.0.1:8080", "relay HTTP API base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "overall probe timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	health, err := fetchHealth(ctx, *apiBase)
	if err != nil {
		log.Fatalf("health probe failed: %v", err)
	}
	fmt.Printf("health: status=%s uptime=%ds connections=%d queued=%d\n",
		health.Status, health.UptimeSec, health.LiveConnections, health.QueuedMessages)

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		log.Fatalf("keypair generation failed: %v", err)
	}
	addr := identity.FromPublicKey(keys.Public[:])

	start := time.Now()
	c, err := client.Dial(ctx, client.Config{RelayAddr: *relay, Address: addr})
	if err != nil {
		log.Fatalf("socket probe failed: %v", err)
	}
	defer c.Close()
	fmt.Printf("auth: ok address=%s rtt=%s\n", addr, time.Since(start).Round(time.Millisecond))

	start = time.Now()
	if err := c.Ping(); err != nil {
		log.Fatalf("ping failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			log.Fatalf("ping timed out: %v", ctx.Err())
		case ev, ok := <-c.Events():
			if !ok {
				log.Fatal("connection closed before pong")
			}
			if ev.Type == proto.TypePong {
				fmt.Printf("ping: ok rtt=%s\n", time.Since(start).Round(time.Millisecond))
				return
			}
		}
	}
}

type healthView struct {
	Status          string `json:"status"`
	UptimeSec       int64  `json:"uptimeSec"`
	LiveConnections int    `json:"liveConnections"`
	QueuedMessages  int    `json:"queuedMessages"`
}

func fetchHealth(ctx context.Context, apiBase string) (healthView, error) {
	var out healthView
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/health", nil)
	if err != nil {
		return out, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}
