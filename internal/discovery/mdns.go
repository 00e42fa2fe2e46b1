// Package discovery advertises a relay on the local network over mDNS and
// lets clients find one without configuration.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_cipherwire._udp"
	Domain      = "local."
)

// Relay is a relay endpoint discovered on the local network.
type Relay struct {
	Name string
	Addr string
	Port int
}

// Discovery handles mDNS publication and browsing.
type Discovery struct {
	client *zeroconf.Client
}

// Advertise publishes a relay instance under ServiceType.
func Advertise(name string, port int) (*Discovery, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	svcType := zeroconf.NewType(ServiceType)
	self := zeroconf.NewService(svcType, name, uint16(port))
	client, err := zeroconf.New().Publish(self).Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client}, nil
}

// Browse watches for relay instances and reports each via onRelay.
func Browse(onRelay func(Relay)) (*Discovery, error) {
	svcType := zeroconf.NewType(ServiceType)
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			handleEvent(e, onRelay)
		}, svcType).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client}, nil
}

func handleEvent(e zeroconf.Event, onRelay func(Relay)) {
	var addrs []string
	for _, a := range e.Addrs {
		if a.IsValid() {
			addrs = append(addrs, net.JoinHostPort(a.String(), strconv.Itoa(int(e.Port))))
		}
	}
	if len(addrs) == 0 {
		return
	}
	// Prefer an IPv4 host:port when one is present.
	addr := addrs[0]
	for _, a := range addrs {
		if strings.Count(a, ":") == 1 {
			addr = a
			break
		}
	}
	if onRelay != nil {
		onRelay(Relay{Name: e.Name, Addr: addr, Port: int(e.Port)})
	}
}

// Close stops publication and browsing.
func (d *Discovery) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// ParsePort extracts the port from a host:port listen address.
func ParsePort(s string) (int, error) {
	_, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
