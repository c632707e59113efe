package transport

import (
	"context"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
)

func newKeys(t *testing.T) *identity.KeyPair {
	t.Helper()
	k, err := identity.Generate()
	require.NoError(t, err)
	return k
}

func listen(t *testing.T, keys *identity.KeyPair, cfg Config) *Listener {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := Listen(ctx, "127.0.0.1:0", keys, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})
	return ln
}

func TestDialAccept_Authenticated(t *testing.T) {
	serverKeys, clientKeys := newKeys(t), newKeys(t)
	ln := listen(t, serverKeys, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, ln.Addr(), clientKeys, serverKeys.ID(), nil)
	require.NoError(t, err)
	defer func() { _ = client.Close(nil) }()

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer func() { _ = server.Close(nil) }()

	assert.Equal(t, clientKeys.ID(), server.Peer())
	assert.Equal(t, serverKeys.ID(), client.Peer())
	assert.Equal(t, Inbound, server.Direction())
	assert.Equal(t, Outbound, client.Direction())
	assert.NotEqual(t, client.ID(), server.ID())
	assert.NotEmpty(t, server.RemoteAddr())

	require.NoError(t, client.SendFrame(proto.NewSignal(clientKeys.ID().String(), "", []byte("hello"))))
	var f proto.Frame
	require.NoError(t, server.RecvFrame(&f))
	require.NotNil(t, f.Signal)
	assert.Equal(t, []byte("hello"), f.Signal.Payload)

	require.NoError(t, server.SendFrame(proto.NewError(proto.CodePeerNotConnected, "", "x")))
	require.NoError(t, client.RecvFrame(&f))
	require.NotNil(t, f.Error)
	assert.Equal(t, proto.CodePeerNotConnected, f.Error.Code)
}

func TestDial_WrongRelayIdentity(t *testing.T) {
	serverKeys, clientKeys, other := newKeys(t), newKeys(t), newKeys(t)
	ln := listen(t, serverKeys, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, ln.Addr(), clientKeys, other.ID(), nil)
	assert.Error(t, err)
}

func TestListener_DeniesSilentConnection(t *testing.T) {
	serverKeys, clientKeys := newKeys(t), newKeys(t)
	denied := make(chan error, 1)
	ln := listen(t, serverKeys, Config{
		HandshakeTimeout: 200 * time.Millisecond,
		OnDenied:         func(_ string, err error) { denied <- err },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tlsCfg, err := clientTLSConfig(clientKeys, "")
	require.NoError(t, err)
	sess, err := quic.DialAddr(ctx, ln.Addr(), tlsCfg, DefaultQUICConfig())
	require.NoError(t, err)
	defer func() { _ = sess.CloseWithError(0, "") }()

	select {
	case err := <-denied:
		assert.ErrorIs(t, err, ErrConnectionDenied)
	case <-ctx.Done():
		t.Fatal("timeout waiting for denial")
	}

	actx, acancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer acancel()
	_, err = ln.Accept(actx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "denied connection must not be accepted")
}

func TestListener_Close(t *testing.T) {
	ln := listen(t, newKeys(t), Config{})
	require.NoError(t, ln.Close())
	require.NoError(t, ln.Close())

	_, err := ln.Accept(context.Background())
	assert.ErrorIs(t, err, ErrListenerClosed)
}

func TestConn_CloseEndsRemoteRead(t *testing.T) {
	serverKeys, clientKeys := newKeys(t), newKeys(t)
	ln := listen(t, serverKeys, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, ln.Addr(), clientKeys, "", nil)
	require.NoError(t, err)
	server, err := ln.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Close(nil))
	assert.NoError(t, client.Close(nil), "second close is a no-op")

	var f proto.Frame
	assert.Error(t, server.RecvFrame(&f))
	_ = server.Close(nil)
}

func TestConn_ShutdownCloseCode(t *testing.T) {
	serverKeys, clientKeys := newKeys(t), newKeys(t)
	ln := listen(t, serverKeys, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, ln.Addr(), clientKeys, "", nil)
	require.NoError(t, err)
	defer func() { _ = client.Close(nil) }()
	server, err := ln.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, server.Close(context.Canceled))
	require.NoError(t, ln.Close())

	_, err = client.conn.AcceptStream(ctx)
	var appErr *quic.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.Remote)
	assert.Equal(t, CodeShutdown, appErr.ErrorCode)
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "inbound", Inbound.String())
	assert.Equal(t, "outbound", Outbound.String())
}
