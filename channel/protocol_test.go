package channel_test

import (
	"context"
	"io"
	"io/fs"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/protocol"
	"github.com/progrium/qbridge/router/routertest"
	"github.com/progrium/qbridge/transport"
)

type pipeSetup func(p *channel.ProtocolChannel) (local io.ReadWriteCloser, remote io.ReadWriteCloser)

func netPipe(setup func(p *channel.ProtocolChannel)) pipeSetup {
	return func(p *channel.ProtocolChannel) (io.ReadWriteCloser, io.ReadWriteCloser) {
		if setup != nil {
			setup(p)
		}
		local, remote := net.Pipe()
		return local, remote
	}
}

// openPipe opens a ProtocolChannel on c1 and returns the far end of its
// transport and the ready message fields.
func openPipe(t *testing.T, cfg channel.Config, options protocol.Object, setup pipeSetup) (*routertest.Peer, io.ReadWriteCloser, protocol.Object) {
	t.Helper()
	remotes := make(chan io.ReadWriteCloser, 1)
	p := newPeer(t, cfg, func() channel.Behavior {
		return channel.NewProtocol(func(ctx context.Context, pc *channel.ProtocolChannel, options protocol.Object) (io.ReadWriteCloser, error) {
			local, remote := setup(pc)
			remotes <- remote
			return local, nil
		})
	})
	p.Open("c1", "test", options)
	ready := p.ExpectControl("c1", "ready")
	remote := <-remotes
	t.Cleanup(func() { remote.Close() })
	return p, remote, ready.Fields
}

func TestProtocolBridge(t *testing.T) {
	p, conn, ready := openPipe(t, channel.Config{}, nil, netPipe(func(pc *channel.ProtocolChannel) {
		pc.SetReadyInfo(protocol.Object{"pid": 7})
	}))
	assert.Equal(t, float64(7), ready["pid"])

	p.Data("c1", []byte("hello"))
	buf := make([]byte, 5)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = conn.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(p.ExpectData("c1")))

	// EOF leaves the channel half open
	require.NoError(t, conn.Close())
	p.ExpectControl("c1", "done")
	quiet(t, p)

	p.Control("c1", "close", nil)
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
}

func TestProtocolCloseOnEOF(t *testing.T) {
	p, conn, _ := openPipe(t, channel.Config{}, nil, netPipe(func(pc *channel.ProtocolChannel) {
		pc.CloseOnEOF()
		pc.CloseArgs = func(err error) protocol.Object {
			return protocol.Object{"exit-status": 3}
		}
	}))
	require.NoError(t, conn.Close())
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{"exit-status": float64(3)}, p.ExpectClose("c1"))
}

func TestProtocolDoneHalfCloses(t *testing.T) {
	p, conn, _ := openPipe(t, channel.Config{}, nil, func(pc *channel.ProtocolChannel) (io.ReadWriteCloser, io.ReadWriteCloser) {
		return transport.Pipe()
	})
	p.Data("c1", []byte("last words"))
	p.Control("c1", "done", nil)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(data))
}

func TestProtocolClosedByPeer(t *testing.T) {
	p, conn, _ := openPipe(t, channel.Config{}, nil, netPipe(nil))
	p.Control("c1", "close", nil)
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
	_, err := io.ReadAll(conn)
	assert.NoError(t, err)
}

func TestProtocolKilled(t *testing.T) {
	p, _, _ := openPipe(t, channel.Config{}, protocol.Object{"group": "g"}, netPipe(nil))
	p.Control("", "kill", protocol.Object{"group": "g"})
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
}

func TestProtocolConnectFails(t *testing.T) {
	p := newPeer(t, channel.Config{}, func() channel.Behavior {
		return channel.NewProtocol(func(ctx context.Context, pc *channel.ProtocolChannel, options protocol.Object) (io.ReadWriteCloser, error) {
			return nil, &fs.PathError{Op: "dial", Path: "/nope", Err: fs.ErrNotExist}
		})
	})
	p.Open("c1", "test", nil)
	assert.Equal(t, "not-found", p.ExpectClose("c1")["problem"])
}

func TestProtocolPausesReading(t *testing.T) {
	p, conn, _ := openPipe(t, channel.Config{BlockSize: 4, SendWindow: 4}, protocol.Object{"flow-control": true}, netPipe(nil))
	go conn.Write([]byte("abcdefgh"))

	assert.Equal(t, "abcd", string(p.ExpectData("c1")))
	assert.Equal(t, float64(4), p.ExpectControl("c1", "ping").Fields["sequence"])
	quiet(t, p)

	p.Control("c1", "pong", protocol.Object{"sequence": 4})
	assert.Equal(t, "efgh", string(p.ExpectData("c1")))
	assert.Equal(t, float64(8), p.ExpectControl("c1", "ping").Fields["sequence"])
}

func TestProtocolDefersPong(t *testing.T) {
	p, conn, _ := openPipe(t, channel.Config{}, nil, netPipe(func(pc *channel.ProtocolChannel) {
		pc.HighWater = 4
		pc.LowWater = 0
	}))

	// nothing reads the far end, so the write stays queued
	p.Data("c1", []byte("0123456789"))
	p.Control("c1", "ping", protocol.Object{"sequence": 1})
	p.Control("c1", "ping", protocol.Object{"sequence": 2})
	quiet(t, p)

	buf := make([]byte, 10)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, float64(2), p.ExpectControl("c1", "pong").Fields["sequence"])
	quiet(t, p)
}
