package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cipherwire/cipherwire/client"
	"github.com/cipherwire/cipherwire/internal/crypto"
	"github.com/cipherwire/cipherwire/internal/discovery"
	"github.com/cipherwire/cipherwire/internal/identity"
)

func main() {
	relayAddr := flag.String("relay", "localhost:6121", "relay QUIC address")
	apiBase := flag.String("api", "http://127.0.0.1:8080", "relay HTTP API base URL")
	address := flag.String("address", "", "identity address (empty to derive from a fresh keypair)")
	discover := flag.Bool("discover", false, "find a relay over mDNS instead of -relay")
	mode := flag.String("mode", "listen", "listen | send")
	to := flag.String("to", "", "recipient address for send mode")
	content := flag.String("content", "hello", "message content for send mode")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	addr := *address
	var keys *crypto.KeyPair
	if addr == "" {
		var err error
		keys, err = crypto.GenerateKeyPair()
		if err != nil {
			slog.Error("keypair generation failed", "err", err)
			os.Exit(1)
		}
		addr = identity.FromPublicKey(keys.Public[:])
		display, _ := identity.Checksum(addr)
		fmt.Println("Address:", display)
		fmt.Println("PublicKey:", hex.EncodeToString(keys.Public[:]))
	}

	relay := *relayAddr
	if *discover {
		found := make(chan discovery.Relay, 1)
		disc, err := discovery.Browse(func(r discovery.Relay) {
			select {
			case found <- r:
			default:
			}
		})
		if err != nil {
			slog.Error("mdns browse failed", "err", err)
			os.Exit(1)
		}
		select {
		case r := <-found:
			relay = r.Addr
			slog.Info("relay discovered", "name", r.Name, "addr", r.Addr)
		case <-time.After(5 * time.Second):
			slog.Error("no relay found over mdns")
			disc.Close()
			os.Exit(1)
		}
		disc.Close()
	}

	c, err := client.Dial(ctx, client.Config{RelayAddr: relay, Address: addr})
	if err != nil {
		slog.Error("failed to connect", "err", err)
		os.Exit(1)
	}
	defer c.Close()
	slog.Info("connected", "relay", relay, "address", c.Address())

	if keys != nil {
		if err := c.RegisterKey(ctx, *apiBase, hex.EncodeToString(keys.Public[:])); err != nil {
			slog.Warn("key registration failed", "err", err)
		}
	}

	switch *mode {
	case "listen":
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-c.Messages():
				if !ok {
					return
				}
				tag := ""
				if m.Queued {
					tag = " (queued)"
				}
				fmt.Printf("[%s]%s %s: %s\n", time.UnixMilli(m.Timestamp).Format("15:04:05"), tag, m.From, m.Content)
				_ = c.SendReadReceipt(m.From, m.MessageID)
			case ev, ok := <-c.Events():
				if !ok {
					return
				}
				slog.Debug("event", "type", ev.Type, "from", ev.From, "messageId", ev.MessageID)
			}
		}
	case "send":
		if *to == "" {
			fmt.Println("usage: client -mode send -to 0x... [-content msg]")
			os.Exit(1)
		}
		id, err := c.Send(*to, *content)
		if err != nil {
			slog.Error("send failed", "err", err)
			os.Exit(1)
		}
		slog.Info("sent", "to", *to, "messageId", id)
		// Wait for the delivered/queued ack before exiting.
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-c.Events():
				if !ok {
					return
				}
				if ev.MessageID == id {
					slog.Info("ack", "type", ev.Type, "to", ev.To)
					return
				}
			case <-time.After(5 * time.Second):
				slog.Warn("no ack received")
				return
			}
		}
	default:
		fmt.Println("usage: client -mode listen|send [-relay localhost:6121] [-to 0x...]")
	}
}
