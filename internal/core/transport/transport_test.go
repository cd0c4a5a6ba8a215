package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-mesh/internal/core/transport"
	"github.com/dep2p/go-mesh/internal/core/transport/inmem"
	"github.com/dep2p/go-mesh/internal/core/transport/tcp"
	"github.com/dep2p/go-mesh/pkg/interfaces"
	"github.com/dep2p/go-mesh/pkg/types"
)

// roundTrip 在一对链路上做帧往返检查
func roundTrip(t *testing.T, a, b interfaces.Link) {
	t.Helper()
	ctx := context.Background()

	want := &types.Data{
		Source:      types.NodeID("src"),
		Target:      types.NodeID("dst"),
		ID:          9,
		MessageType: "echo",
		Path:        []types.NodeID{types.NodeID("src")},
		Payload:     []byte{1, 2, 3},
	}
	require.NoError(t, a.Send(ctx, want))

	select {
	case got := <-b.Frames():
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	require.NoError(t, b.Send(ctx, &types.Ping{}))
	select {
	case got := <-a.Frames():
		assert.Equal(t, types.FramePing, got.FrameType())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

// ============================================================================
//                              inmem
// ============================================================================

func TestInmem_RoundTrip(t *testing.T) {
	a, b := inmem.NewPair()
	defer a.Close()
	roundTrip(t, a, b)
}

func TestInmem_CloseTerminatesBoth(t *testing.T) {
	a, b := inmem.NewPair()

	require.NoError(t, a.Close())

	select {
	case _, ok := <-b.Frames():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	assert.Error(t, b.Err())
	assert.Error(t, a.Send(context.Background(), &types.Ping{}))
}

func TestInmem_HubDial(t *testing.T) {
	ctx := context.Background()
	hub := inmem.NewHub()
	tr := hub.Transport()

	ln, err := tr.Listen(ctx, "alpha")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan interfaces.Link, 1)
	go func() {
		link, err := ln.Accept(ctx)
		if err == nil {
			accepted <- link
		}
	}()

	client, err := tr.Dial(ctx, "alpha")
	require.NoError(t, err)

	select {
	case server := <-accepted:
		roundTrip(t, client, server)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	// 未监听地址拨号失败
	_, err = tr.Dial(ctx, "missing")
	assert.Error(t, err)
}

// ============================================================================
//                              tcp
// ============================================================================

func TestTCP_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := tcp.New()

	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan interfaces.Link, 1)
	go func() {
		link, err := ln.Accept(ctx)
		if err == nil {
			accepted <- link
		}
	}()

	client, err := tr.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer client.Close()

	select {
	case server := <-accepted:
		defer server.Close()
		roundTrip(t, client, server)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
}

func TestTCP_PeerCloseTerminatesReadLoop(t *testing.T) {
	ctx := context.Background()
	tr := tcp.New()

	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan interfaces.Link, 1)
	go func() {
		link, err := ln.Accept(ctx)
		if err == nil {
			accepted <- link
		}
	}()

	client, err := tr.Dial(ctx, ln.Addr())
	require.NoError(t, err)

	server := <-accepted
	require.NoError(t, client.Close())

	select {
	case _, ok := <-server.Frames():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	assert.Error(t, server.Err())
}

// ============================================================================
//                              注册表
// ============================================================================

func TestRegistry(t *testing.T) {
	hub := inmem.NewHub()
	r := transport.NewRegistry(tcp.New(), hub.Transport())

	tr, err := r.Get("tcp")
	require.NoError(t, err)
	assert.Equal(t, "tcp", tr.Name())

	_, err = r.Get("quic")
	assert.Error(t, err)

	assert.ElementsMatch(t, []string{"tcp", "inmem"}, r.Names())
}
