// Package routertest drives a Router from the remote side of an in-memory
// transport, for testing endpoints.
package routertest

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/progrium/qbridge/frame"
	"github.com/progrium/qbridge/protocol"
	"github.com/progrium/qbridge/router"
	"github.com/progrium/qbridge/transport"
)

// Timeout bounds how long Next waits for a frame.
var Timeout = 5 * time.Second

// Peer is the remote end of a Router under test.
type Peer struct {
	t      testing.TB
	Router *router.Router
	// Init is the init message the router sent.
	Init protocol.Object

	conn   io.ReadWriteCloser
	enc    *frame.Encoder
	frames chan frame.Message
	errs   chan error
}

// NewPair starts a Router with rules over an in-memory transport and
// returns the peer connected to it, after reading the router's init.
// Everything is shut down when the test ends.
func NewPair(t testing.TB, cfg router.Config, rules ...router.Rule) *Peer {
	t.Helper()
	local, remote := transport.Pipe()
	r := router.New(local, cfg)
	for _, rule := range rules {
		r.AddRule(rule)
	}
	p := &Peer{
		t:      t,
		Router: r,
		conn:   remote,
		enc:    frame.NewEncoder(remote, cfg.Codec),
		frames: make(chan frame.Message, 1024),
		errs:   make(chan error, 1),
	}
	dec := frame.NewDecoder(remote, cfg.Codec)
	go func() {
		for {
			msg, err := dec.Decode()
			if err != nil {
				p.errs <- err
				close(p.frames)
				return
			}
			p.frames <- msg
		}
	}()
	go r.Serve(context.Background())
	t.Cleanup(func() {
		remote.Close()
		r.Wait()
	})

	init := p.ExpectControl("", "init")
	p.Init = init.Fields
	return p
}

// Control sends a control frame to the router.
func (p *Peer) Control(channel, command string, fields protocol.Object) {
	p.t.Helper()
	require.NoError(p.t, p.enc.Encode(frame.NewControl(channel, command, fields)))
}

// Data sends a data frame to the router.
func (p *Peer) Data(channel string, data []byte) {
	p.t.Helper()
	require.NoError(p.t, p.enc.Encode(frame.DataMessage{ChannelID: channel, Data: data}))
}

// Hello sends a version 1 init.
func (p *Peer) Hello() {
	p.t.Helper()
	p.Control("", "init", protocol.Object{"version": router.ProtocolVersion})
}

// Open sends an open request for payload on channel.
func (p *Peer) Open(channel, payload string, options protocol.Object) {
	p.t.Helper()
	p.Control(channel, "open", options.Merge(protocol.Object{"payload": payload}))
}

// Next returns the next frame from the router, failing the test if none
// arrives within Timeout.
func (p *Peer) Next() frame.Message {
	p.t.Helper()
	select {
	case msg, ok := <-p.frames:
		if !ok {
			p.t.Fatalf("transport closed: %v", <-p.errs)
		}
		return msg
	case <-time.After(Timeout):
		p.t.Fatal("timed out waiting for frame")
		return nil
	}
}

// ExpectControl reads the next frame and requires it to be command on
// channel.
func (p *Peer) ExpectControl(channel, command string) frame.ControlMessage {
	p.t.Helper()
	msg := p.Next()
	ctrl, ok := msg.(frame.ControlMessage)
	require.True(p.t, ok, "expected %s control frame, got %s", command, msg)
	require.Equal(p.t, channel, ctrl.ChannelID, "channel of %s", msg)
	require.Equal(p.t, command, ctrl.Command, "command of %s", msg)
	return ctrl
}

// ExpectData reads the next frame and requires it to be data on channel.
func (p *Peer) ExpectData(channel string) []byte {
	p.t.Helper()
	msg := p.Next()
	data, ok := msg.(frame.DataMessage)
	require.True(p.t, ok, "expected data frame, got %s", msg)
	require.Equal(p.t, channel, data.ChannelID)
	return data.Data
}

// ExpectClose reads the next frame, requires it to close channel and
// returns its attributes without the command and channel fields.
func (p *Peer) ExpectClose(channel string) protocol.Object {
	p.t.Helper()
	return Attrs(p.ExpectControl(channel, "close"))
}

// ExpectEOF requires the router to close the transport.
func (p *Peer) ExpectEOF() {
	p.t.Helper()
	select {
	case msg, ok := <-p.frames:
		require.False(p.t, ok, "expected end of transport, got %v", msg)
	case <-time.After(Timeout):
		p.t.Fatal("timed out waiting for end of transport")
	}
}

// Close closes the peer's end of the transport.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Attrs returns the fields of a control frame other than command and
// channel.
func Attrs(msg frame.ControlMessage) protocol.Object {
	out := msg.Fields.Merge()
	delete(out, "command")
	delete(out, "channel")
	return out
}
