package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
	"github.com/SWAI-Ltd/sigrelay/internal/transport"
)

// fakeRelay accepts one overlay connection and hands it to the test.
func fakeRelay(t *testing.T) (*identity.KeyPair, string, <-chan *transport.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	keys, err := identity.Generate()
	require.NoError(t, err)
	ln, err := transport.Listen(ctx, "127.0.0.1:0", keys, transport.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan *transport.Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			conns <- c
		}
	}()
	return keys, ln.Addr(), conns
}

func accepted(t *testing.T, conns <-chan *transport.Conn) *transport.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close(nil) })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not accept")
		return nil
	}
}

func TestClient_SignalAndReceive(t *testing.T) {
	relayKeys, addr, conns := fakeRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, Config{RelayAddr: addr, RelayID: relayKeys.ID()})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, relayKeys.ID(), c.RelayID())

	remote := accepted(t, conns)
	assert.Equal(t, c.ID(), remote.Peer())

	other, err := identity.Generate()
	require.NoError(t, err)

	require.NoError(t, c.Signal(ctx, other.ID(), []byte("offer")))
	var f proto.Frame
	require.NoError(t, remote.RecvFrame(&f))
	require.Equal(t, proto.FrameTypeSignal, f.Type)
	assert.Equal(t, c.ID().String(), f.Signal.Sender)
	assert.Equal(t, other.ID().String(), f.Signal.Target)
	assert.Equal(t, []byte("offer"), f.Signal.Payload)

	require.NoError(t, remote.SendFrame(proto.NewSignal(other.ID().String(), c.ID().String(), []byte("answer"))))
	select {
	case s := <-c.Signals():
		assert.Equal(t, Signal{From: other.ID(), Payload: []byte("answer")}, s)
	case <-ctx.Done():
		t.Fatal("no signal")
	}

	require.NoError(t, remote.SendFrame(proto.NewError(proto.CodePeerNotConnected, "gone", other.ID().String())))
	select {
	case e := <-c.Errors():
		assert.Equal(t, proto.CodePeerNotConnected, e.Code)
		assert.Equal(t, other.ID(), e.Target)
	case <-ctx.Done():
		t.Fatal("no error")
	}
}

func TestClient_WrongRelayIdentity(t *testing.T) {
	_, addr, _ := fakeRelay(t)
	impostor, err := identity.Generate()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = New(ctx, Config{RelayAddr: addr, RelayID: impostor.ID()})
	assert.Error(t, err)
}

func TestClient_CloseEndsChannels(t *testing.T) {
	_, addr, conns := fakeRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, Config{RelayAddr: addr})
	require.NoError(t, err)
	accepted(t, conns)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, ok := <-c.Signals()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Signal(ctx, c.ID(), nil), ErrClosed)
}

func TestClient_RelayGoneClosesDone(t *testing.T) {
	_, addr, conns := fakeRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, Config{RelayAddr: addr})
	require.NoError(t, err)
	defer c.Close()

	remote := accepted(t, conns)
	require.NoError(t, remote.Close(nil))
	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("client did not notice the relay closing")
	}
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
