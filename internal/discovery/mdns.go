// Package discovery advertises the relay on the local network over mDNS and
// reports other relays it sees.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/betamos/zeroconf"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
)

const (
	ServiceType = "_sigrelay._udp"
	Domain      = "local."
)

// Relay is a relay found on the local network.
type Relay struct {
	Name     string
	Addr     string
	Port     int
	ID       identity.PeerID
	Protocol string
}

// Discovery publishes this relay and browses for others.
type Discovery struct {
	client *zeroconf.Client
}

// Advertise publishes instance on port with the relay id and signaling
// protocol in the TXT record. onRelay, if set, is called for every other
// relay that appears.
func Advertise(instance string, port int, id identity.PeerID, onRelay func(Relay)) (*Discovery, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}
	svcType := zeroconf.NewType(ServiceType)
	self := zeroconf.NewService(svcType, instance, uint16(port))
	self.Text = TXT(id)

	client, err := zeroconf.New().
		Publish(self).
		Browse(func(e zeroconf.Event) {
			r, ok := relayFromEvent(e)
			if !ok || r.ID == id || onRelay == nil {
				return
			}
			onRelay(r)
		}, svcType).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client}, nil
}

// TXT returns the TXT record entries advertised for id.
func TXT(id identity.PeerID) []string {
	return []string{"peer=" + id.String(), "proto=" + proto.SignalingProtocol}
}

func relayFromEvent(e zeroconf.Event) (Relay, bool) {
	if e.Op != zeroconf.OpAdded {
		return Relay{}, false
	}
	var addrs []string
	for _, a := range e.Addrs {
		if a.IsValid() {
			addrs = append(addrs, net.JoinHostPort(a.String(), strconv.Itoa(int(e.Port))))
		}
	}
	if len(addrs) == 0 {
		return Relay{}, false
	}
	addr := addrs[0]
	for _, a := range addrs {
		// prefer IPv4
		if strings.Count(a, ":") == 1 {
			addr = a
			break
		}
	}
	r := Relay{Name: e.Name, Addr: addr, Port: int(e.Port)}
	r.ID, r.Protocol = parseTXT(e.Text)
	if r.ID == "" {
		return Relay{}, false
	}
	return r, true
}

func parseTXT(txt []string) (identity.PeerID, string) {
	var (
		id       identity.PeerID
		protocol string
	)
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "peer":
			if p, err := identity.ParsePeerID(v); err == nil {
				id = p
			}
		case "proto":
			protocol = v
		}
	}
	return id, protocol
}

// Close stops advertising and browsing.
func (d *Discovery) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// ListenPort extracts the port of a listen address such as "0.0.0.0:9090".
func ListenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
