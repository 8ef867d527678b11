package transport

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, l Listener, dial func() (io.ReadWriteCloser, error)) {
	t.Helper()
	defer l.Close()

	accepted := make(chan io.ReadWriteCloser, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := dial()
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	defer server.Close()

	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = server.Write([]byte("world"))
	require.NoError(t, err)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
}

func TestTCP(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	roundTrip(t, l, func() (io.ReadWriteCloser, error) {
		return DialTCP(l.Addr().String())
	})
}

func TestUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qbridge.sock")
	l, err := ListenUnix(path)
	require.NoError(t, err)
	roundTrip(t, l, func() (io.ReadWriteCloser, error) {
		return DialUnix(path)
	})
}

func TestWS(t *testing.T) {
	l, err := ListenWS("127.0.0.1:0")
	require.NoError(t, err)
	roundTrip(t, l, func() (io.ReadWriteCloser, error) {
		return Dial("ws", l.Addr().String())
	})
}

func TestPipeHalfClose(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		a.Write([]byte("bye"))
		a.(interface{ CloseWrite() error }).CloseWrite()
	}()
	data, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))
}

func TestListenIO(t *testing.T) {
	a, b := Pipe()
	l, err := ListenIO(a.(*ioduplex).WriteCloser, a.(*ioduplex).ReadCloser)
	require.NoError(t, err)
	defer b.Close()

	conn, err := l.Accept()
	require.NoError(t, err)
	assert.NotNil(t, conn)

	done := make(chan error)
	go func() {
		_, err := l.Accept()
		done <- err
	}()
	l.Close()
	assert.Equal(t, io.EOF, <-done)
}

func TestDialUnknown(t *testing.T) {
	_, err := Dial("carrier-pigeon", "")
	assert.Error(t, err)
	_, err = Listen("carrier-pigeon", "")
	assert.Error(t, err)
}
