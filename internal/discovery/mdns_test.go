package discovery

import (
	"net/netip"
	"testing"

	"github.com/betamos/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
)

func relayID(t *testing.T) identity.PeerID {
	t.Helper()
	k, err := identity.Generate()
	require.NoError(t, err)
	return k.ID()
}

func TestParseTXT(t *testing.T) {
	id := relayID(t)
	got, protocol := parseTXT(TXT(id))
	assert.Equal(t, id, got)
	assert.Equal(t, proto.SignalingProtocol, protocol)

	got, _ = parseTXT([]string{"peer=garbage", "noequals"})
	assert.Empty(t, got)
}

func TestRelayFromEvent(t *testing.T) {
	id := relayID(t)
	svc := zeroconf.NewService(zeroconf.NewType(ServiceType), "relay-1", 9090)
	svc.Text = TXT(id)
	svc.Addrs = []netip.Addr{netip.MustParseAddr("fe80::1"), netip.MustParseAddr("192.168.1.5")}

	r, ok := relayFromEvent(zeroconf.Event{Service: svc, Op: zeroconf.OpAdded})
	require.True(t, ok)
	assert.Equal(t, "192.168.1.5:9090", r.Addr)
	assert.Equal(t, id, r.ID)
	assert.Equal(t, "relay-1", r.Name)

	_, ok = relayFromEvent(zeroconf.Event{Service: svc, Op: zeroconf.OpRemoved})
	assert.False(t, ok)

	svc.Text = nil
	_, ok = relayFromEvent(zeroconf.Event{Service: svc, Op: zeroconf.OpAdded})
	assert.False(t, ok, "relay without id")
}

func TestListenPort(t *testing.T) {
	port, err := ListenPort("0.0.0.0:9090")
	require.NoError(t, err)
	assert.Equal(t, 9090, port)

	_, err = ListenPort("nonsense")
	assert.Error(t, err)
}
