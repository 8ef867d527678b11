package payload_test

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/payload"
	"github.com/progrium/qbridge/protocol"
	"github.com/progrium/qbridge/router"
	"github.com/progrium/qbridge/router/routertest"
)

func newPeer(t *testing.T) *routertest.Peer {
	t.Helper()
	return routertest.NewPair(t, router.Config{}, channel.NewRoutingRule(payload.Types()...))
}

// collect reads data frames on channel id until n bytes arrived.
func collect(t *testing.T, p *routertest.Peer, id string, n int) string {
	t.Helper()
	var buf bytes.Buffer
	for buf.Len() < n {
		buf.Write(p.ExpectData(id))
	}
	return buf.String()
}

func TestCapabilities(t *testing.T) {
	p := newPeer(t)
	assert.Equal(t, map[string]interface{}{
		"echo":   []interface{}{"echo"},
		"null":   []interface{}{},
		"fsread": []interface{}{"fsread"},
		"stream": []interface{}{"spawn", "unix", "port"},
	}, p.Init["capabilities"])
}

func TestEcho(t *testing.T) {
	p := newPeer(t)
	p.Open("c1", "echo", nil)
	p.ExpectControl("c1", "ready")
	p.Data("c1", []byte("hi there\n"))
	assert.Equal(t, "hi there\n", string(p.ExpectData("c1")))
	p.Control("c1", "done", nil)
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
}

func TestNull(t *testing.T) {
	p := newPeer(t)
	p.Open("c1", "null", protocol.Object{"send-acks": "bytes"})
	p.ExpectControl("c1", "ready")
	p.Data("c1", []byte("void"))
	assert.Equal(t, float64(4), p.ExpectControl("c1", "ack").Fields["bytes"])
	p.Control("c1", "done", nil)
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
}

func TestFsread(t *testing.T) {
	size := channel.DefaultBlockSize*2 + 100
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644))

	p := newPeer(t)
	p.Open("c1", "fsread", protocol.Object{"path": path, "binary": "raw"})
	ready := p.ExpectControl("c1", "ready")
	assert.Equal(t, float64(size), ready.Fields["size"])
	assert.Len(t, p.ExpectData("c1"), channel.DefaultBlockSize)
	assert.Len(t, p.ExpectData("c1"), channel.DefaultBlockSize)
	assert.Len(t, p.ExpectData("c1"), 100)
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{"size": float64(size)}, p.ExpectClose("c1"))
}

func TestFsreadErrors(t *testing.T) {
	dir := t.TempDir()
	p := newPeer(t)

	p.Open("c1", "fsread", protocol.Object{"path": filepath.Join(dir, "missing")})
	assert.Equal(t, "not-found", p.ExpectClose("c1")["problem"])

	p.Open("c2", "fsread", protocol.Object{"path": "relative"})
	assert.Equal(t, "protocol-error", p.ExpectClose("c2")["problem"])

	p.Open("c3", "fsread", protocol.Object{"path": dir})
	assert.Equal(t, "protocol-error", p.ExpectClose("c3")["problem"])

	p.Open("c4", "fsread", protocol.Object{"path": 5})
	assert.Equal(t, "protocol-error", p.ExpectClose("c4")["problem"])
}

func TestStreamSpawn(t *testing.T) {
	p := newPeer(t)
	p.Open("c1", "stream", protocol.Object{"spawn": []string{"cat"}})
	ready := p.ExpectControl("c1", "ready")
	assert.Contains(t, ready.Fields, "pid")

	p.Data("c1", []byte("hello"))
	assert.Equal(t, "hello", collect(t, p, "c1", 5))
	p.Control("c1", "done", nil)
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{"exit-status": float64(0)}, p.ExpectClose("c1"))
}

func TestStreamSpawnStderr(t *testing.T) {
	p := newPeer(t)
	p.Open("c1", "stream", protocol.Object{
		"spawn": []string{"sh", "-c", "echo oops >&2; exit 3"},
		"err":   "message",
	})
	p.ExpectControl("c1", "ready")
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{
		"exit-status": float64(3),
		"message":     "oops\n",
	}, p.ExpectClose("c1"))
}

func TestStreamSpawnMergedStderr(t *testing.T) {
	p := newPeer(t)
	p.Open("c1", "stream", protocol.Object{
		"spawn": []string{"sh", "-c", "echo oops >&2"},
		"err":   "out",
	})
	p.ExpectControl("c1", "ready")
	assert.Equal(t, "oops\n", collect(t, p, "c1", 5))
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{"exit-status": float64(0)}, p.ExpectClose("c1"))
}

func TestStreamSpawnTerminated(t *testing.T) {
	p := newPeer(t)
	p.Open("c1", "stream", protocol.Object{"spawn": []string{"sleep", "60"}})
	p.ExpectControl("c1", "ready")
	p.Control("c1", "close", nil)
	assert.Equal(t, protocol.Object{"exit-signal": "terminated"}, p.ExpectClose("c1"))
}

func TestStreamSpawnErrors(t *testing.T) {
	p := newPeer(t)
	p.Open("c1", "stream", protocol.Object{"spawn": []string{"/nonexistent/qbridge-test"}})
	assert.Equal(t, "not-found", p.ExpectClose("c1")["problem"])

	p.Open("c2", "stream", protocol.Object{"spawn": []string{}})
	assert.Equal(t, "protocol-error", p.ExpectClose("c2")["problem"])

	p.Open("c3", "stream", protocol.Object{"spawn": "cat"})
	assert.Equal(t, "protocol-error", p.ExpectClose("c3")["problem"])

	p.Open("c4", "stream", nil)
	assert.Equal(t, "not-supported", p.ExpectClose("c4")["problem"])
}

func serveOnce(t *testing.T, l net.Listener) <-chan string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(got)
			return
		}
		defer conn.Close()
		conn.Write([]byte("banner\n"))
		data, _ := io.ReadAll(conn)
		got <- string(data)
	}()
	t.Cleanup(func() { l.Close() })
	return got
}

func expectSocketExchange(t *testing.T, p *routertest.Peer, got <-chan string) {
	t.Helper()
	p.ExpectControl("c1", "ready")
	assert.Equal(t, "banner\n", collect(t, p, "c1", 7))
	p.Data("c1", []byte("request"))
	p.Control("c1", "done", nil)
	assert.Equal(t, "request", <-got)
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
}

func TestStreamPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	got := serveOnce(t, l)
	port := l.Addr().(*net.TCPAddr).Port

	p := newPeer(t)
	p.Open("c1", "stream", protocol.Object{"port": port, "address": "127.0.0.1"})
	expectSocketExchange(t, p, got)
}

func TestStreamUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	got := serveOnce(t, l)

	p := newPeer(t)
	p.Open("c1", "stream", protocol.Object{"unix": path})
	expectSocketExchange(t, p, got)
}

func TestStreamPortErrors(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	p := newPeer(t)
	p.Open("c1", "stream", protocol.Object{"port": port, "address": "127.0.0.1"})
	assert.Equal(t, "not-found", p.ExpectClose("c1")["problem"])

	p.Open("c2", "stream", protocol.Object{"port": 70000})
	assert.Equal(t, "protocol-error", p.ExpectClose("c2")["problem"])

	p.Open("c3", "stream", protocol.Object{"unix": filepath.Join(t.TempDir(), "none")})
	assert.Equal(t, "not-found", p.ExpectClose("c3")["problem"])
}
