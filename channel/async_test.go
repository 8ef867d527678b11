package channel_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/protocol"
)

func newAsync(run channel.RunFunc) func() channel.Behavior {
	return func() channel.Behavior {
		return channel.NewAsync(run)
	}
}

func TestAsyncUpper(t *testing.T) {
	p := newPeer(t, channel.Config{}, newAsync(func(ctx context.Context, a *channel.AsyncChannel, options protocol.Object) (protocol.Object, error) {
		a.Ready(nil)
		total := 0
		for {
			data, err := a.Read(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			total += len(data)
			if err := a.Write(ctx, bytes.ToUpper(data)); err != nil {
				return nil, err
			}
		}
		// EOF is sticky
		_, err := a.Read(ctx)
		assert.Equal(t, io.EOF, err)
		return protocol.Object{"total": total}, a.Done()
	}))
	p.Open("c1", "test", protocol.Object{"send-acks": "bytes"})
	p.ExpectControl("c1", "ready")
	p.Data("c1", []byte("hello"))
	p.ExpectControl("c1", "ack")
	assert.Equal(t, "HELLO", string(p.ExpectData("c1")))
	p.Control("c1", "done", nil)
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{"total": float64(5)}, p.ExpectClose("c1"))
}

func TestAsyncProtocolError(t *testing.T) {
	p := newPeer(t, channel.Config{}, newAsync(func(ctx context.Context, a *channel.AsyncChannel, options protocol.Object) (protocol.Object, error) {
		return nil, protocol.ProtocolError("bad option")
	}))
	p.Open("c1", "test", nil)
	assert.Equal(t, protocol.Object{
		"problem": "protocol-error",
		"message": "bad option",
	}, p.ExpectClose("c1"))
}

func TestAsyncUnexpectedError(t *testing.T) {
	p := newPeer(t, channel.Config{}, newAsync(func(ctx context.Context, a *channel.AsyncChannel, options protocol.Object) (protocol.Object, error) {
		a.Ready(nil)
		return nil, errors.New("boom")
	}))
	p.Open("c1", "test", nil)
	p.ExpectControl("c1", "ready")
	attrs := p.ExpectClose("c1")
	assert.Equal(t, "internal-error", attrs["problem"])
	assert.Equal(t, "boom", attrs["message"])
	assert.Contains(t, attrs, "cause")
}

func TestAsyncCancelledByClose(t *testing.T) {
	p := newPeer(t, channel.Config{}, newAsync(func(ctx context.Context, a *channel.AsyncChannel, options protocol.Object) (protocol.Object, error) {
		a.Ready(nil)
		_, err := a.Read(ctx)
		return nil, err
	}))
	p.Open("c1", "test", nil)
	p.ExpectControl("c1", "ready")
	p.Control("c1", "close", nil)
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
}

func TestAsyncWriteWaitsForPong(t *testing.T) {
	p := newPeer(t, channel.Config{BlockSize: 4, SendWindow: 4}, newAsync(func(ctx context.Context, a *channel.AsyncChannel, options protocol.Object) (protocol.Object, error) {
		a.Ready(nil)
		if err := a.Write(ctx, []byte("abcd")); err != nil {
			return nil, err
		}
		if err := a.Write(ctx, []byte("efgh")); err != nil {
			return nil, err
		}
		return nil, nil
	}))
	p.Open("c1", "test", protocol.Object{"flow-control": true})
	p.ExpectControl("c1", "ready")
	assert.Equal(t, "abcd", string(p.ExpectData("c1")))
	assert.Equal(t, float64(4), p.ExpectControl("c1", "ping").Fields["sequence"])
	quiet(t, p)

	p.Control("c1", "pong", protocol.Object{"sequence": 4})
	assert.Equal(t, "efgh", string(p.ExpectData("c1")))
	assert.Equal(t, float64(8), p.ExpectControl("c1", "ping").Fields["sequence"])
	quiet(t, p)

	p.Control("c1", "pong", protocol.Object{"sequence": 8})
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
}

func TestAsyncPongAfterRead(t *testing.T) {
	reads := make(chan struct{})
	p := newPeer(t, channel.Config{}, newAsync(func(ctx context.Context, a *channel.AsyncChannel, options protocol.Object) (protocol.Object, error) {
		a.Ready(nil)
		<-reads
		if _, err := a.Read(ctx); err != nil {
			return nil, err
		}
		<-reads
		_, err := a.Read(ctx)
		return nil, err
	}))
	p.Open("c1", "test", protocol.Object{"send-acks": "bytes"})
	p.ExpectControl("c1", "ready")
	p.Data("c1", []byte("abc"))
	p.Control("c1", "ping", protocol.Object{"sequence": 3})
	p.Control("c1", "done", nil)
	quiet(t, p)

	reads <- struct{}{}
	assert.Equal(t, float64(3), p.ExpectControl("c1", "ack").Fields["bytes"])
	quiet(t, p)

	reads <- struct{}{}
	assert.Equal(t, float64(3), p.ExpectControl("c1", "pong").Fields["sequence"])
	// the second Read returns io.EOF, which is unexpected for the run func
	assert.Equal(t, "internal-error", p.ExpectClose("c1")["problem"])
}

func TestAsyncSendFile(t *testing.T) {
	p := newPeer(t, channel.Config{BlockSize: 4}, newAsync(func(ctx context.Context, a *channel.AsyncChannel, options protocol.Object) (protocol.Object, error) {
		a.Ready(nil)
		return nil, a.SendFile(ctx, io.NopCloser(bytes.NewReader([]byte("0123456789"))))
	}))
	p.Open("c1", "test", nil)
	p.ExpectControl("c1", "ready")
	assert.Equal(t, "0123", string(p.ExpectData("c1")))
	assert.Equal(t, "4567", string(p.ExpectData("c1")))
	assert.Equal(t, "89", string(p.ExpectData("c1")))
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
}

func TestRunBlocking(t *testing.T) {
	v, err := channel.RunBlocking(context.Background(), func() (int, error) {
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, v)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)
	_, err = channel.RunBlocking(ctx, func() (int, error) {
		<-block
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
