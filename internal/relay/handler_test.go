package relay

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
)

type pipeStream struct {
	net.Conn
}

func (p pipeStream) Close(error) error {
	return p.Conn.Close()
}

func testPeer(t *testing.T) identity.PeerID {
	t.Helper()
	k, err := identity.Generate()
	require.NoError(t, err)
	return k.ID()
}

type handlerHarness struct {
	h        *ConnHandler
	remote   net.Conn
	signals  chan Received
	closedCh chan error
}

func newHarness(t *testing.T, peer identity.PeerID, outbox int) *handlerHarness {
	t.Helper()
	local, remote := net.Pipe()
	hh := &handlerHarness{
		remote:   remote,
		signals:  make(chan Received, 8),
		closedCh: make(chan error, 8),
	}
	hh.h = NewConnHandler(peer, 7, pipeStream{local}, HandlerConfig{
		OutboxSize:   outbox,
		WriteTimeout: time.Second,
		OnSignal:     func(r Received) { hh.signals <- r },
		OnClosed:     func(reason error) { hh.closedCh <- reason },
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		hh.h.Close(nil)
		remote.Close()
	})
	return hh
}

func (hh *handlerHarness) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-hh.closedCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not close")
		return nil
	}
}

func TestConnHandler_WritesDeliver(t *testing.T) {
	sender, target := testPeer(t), testPeer(t)
	hh := newHarness(t, target, 4)
	hh.h.Start()

	require.NoError(t, hh.h.Notify(Deliver{Target: target, Sender: sender, Payload: []byte("offer-sdp-1"), Conn: 7}))

	var f proto.Frame
	require.NoError(t, f.Decode(hh.remote))
	require.Equal(t, proto.FrameTypeSignal, f.Type)
	assert.Equal(t, sender.String(), f.Signal.Sender)
	assert.Equal(t, target.String(), f.Signal.Target)
	assert.Equal(t, []byte("offer-sdp-1"), f.Signal.Payload)
}

func TestConnHandler_WritesReject(t *testing.T) {
	peer, about := testPeer(t), testPeer(t)
	hh := newHarness(t, peer, 4)
	hh.h.Start()

	require.NoError(t, hh.h.Notify(Reject{Target: peer, About: about, Code: proto.CodePeerNotConnected, Message: "not connected"}))

	var f proto.Frame
	require.NoError(t, f.Decode(hh.remote))
	require.Equal(t, proto.FrameTypeError, f.Type)
	assert.Equal(t, proto.CodePeerNotConnected, f.Error.Code)
	assert.Equal(t, about.String(), f.Error.Target)
}

func TestConnHandler_ReadsSignal(t *testing.T) {
	peer, target := testPeer(t), testPeer(t)
	hh := newHarness(t, peer, 4)
	hh.h.Start()

	go proto.NewSignal(peer.String(), target.String(), []byte("answer")).Encode(hh.remote)

	select {
	case r := <-hh.signals:
		assert.Equal(t, Received{Peer: peer, Conn: 7, Target: target, Payload: []byte("answer")}, r)
	case <-time.After(2 * time.Second):
		t.Fatal("no signal")
	}
}

func TestConnHandler_IgnoresErrorFrames(t *testing.T) {
	peer := testPeer(t)
	hh := newHarness(t, peer, 4)
	hh.h.Start()

	require.NoError(t, proto.NewError(proto.CodeDeliveryFailed, "x", "").Encode(hh.remote))
	require.NoError(t, proto.NewSignal(peer.String(), "", []byte("after")).Encode(hh.remote))

	select {
	case r := <-hh.signals:
		assert.Equal(t, []byte("after"), r.Payload)
		assert.Empty(t, r.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("no signal")
	}
}

func TestConnHandler_SenderMismatchCloses(t *testing.T) {
	peer, impostor := testPeer(t), testPeer(t)
	hh := newHarness(t, peer, 4)
	hh.h.Start()

	go proto.NewSignal(impostor.String(), peer.String(), []byte("x")).Encode(hh.remote)

	err := hh.waitClosed(t)
	assert.ErrorIs(t, err, proto.ErrProtocolDecode)
	assert.Empty(t, hh.signals)
}

func TestConnHandler_BadTargetCloses(t *testing.T) {
	peer := testPeer(t)
	hh := newHarness(t, peer, 4)
	hh.h.Start()

	go proto.NewSignal(peer.String(), "not a peer", []byte("x")).Encode(hh.remote)
	assert.ErrorIs(t, hh.waitClosed(t), proto.ErrProtocolDecode)
}

func TestConnHandler_GarbageCloses(t *testing.T) {
	hh := newHarness(t, testPeer(t), 4)
	hh.h.Start()

	go hh.remote.Write([]byte{0, 0, 0, 3, 0xff, 0xff, 0xff})
	assert.ErrorIs(t, hh.waitClosed(t), proto.ErrProtocolDecode)
}

func TestConnHandler_RemoteCloseReportedOnce(t *testing.T) {
	hh := newHarness(t, testPeer(t), 4)
	hh.h.Start()

	require.NoError(t, hh.remote.Close())
	hh.waitClosed(t)

	hh.h.Close(io.ErrClosedPipe)
	select {
	case <-hh.closedCh:
		t.Fatal("OnClosed called twice")
	case <-time.After(50 * time.Millisecond):
	}
	<-hh.h.Done()
	assert.ErrorIs(t, hh.h.Notify(Deliver{}), ErrHandlerClosed)
}

func TestConnHandler_OutboxFull(t *testing.T) {
	hh := newHarness(t, testPeer(t), 1)

	require.NoError(t, hh.h.Notify(Deliver{Payload: []byte("1")}))
	assert.ErrorIs(t, hh.h.Notify(Deliver{Payload: []byte("2")}), ErrOutboxFull)
}

func TestConnHandler_UnsupportedEvent(t *testing.T) {
	hh := newHarness(t, testPeer(t), 1)
	assert.ErrorIs(t, hh.h.Notify(Closed{}), ErrUnsupportedEvent)
	assert.ErrorIs(t, hh.h.Notify(Received{}), ErrUnsupportedEvent)
}

func TestConnHandler_StatesIdle(t *testing.T) {
	hh := newHarness(t, testPeer(t), 1)
	assert.Equal(t, StateIdle, hh.h.SendState())
	assert.Equal(t, StateIdle, hh.h.RecvState())
	assert.Equal(t, "sending", StateSending.String())
	assert.Equal(t, "receiving", StateReceiving.String())
}

func TestConnHandler_TransmitFailureCloses(t *testing.T) {
	hh := newHarness(t, testPeer(t), 4)
	hh.h.Start()
	require.NoError(t, hh.remote.Close())

	// the read side may report first; either way exactly one close is seen
	_ = hh.h.Notify(Deliver{Payload: []byte("x")})
	hh.waitClosed(t)
	select {
	case <-hh.closedCh:
		t.Fatal("OnClosed called twice")
	case <-time.After(50 * time.Millisecond):
	}
}
