package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/progrium/qbridge/protocol"
)

// Write buffer limits of a ProtocolChannel transport.
const (
	DefaultHighWater = 64 * 1024
	DefaultLowWater  = 16 * 1024
)

// Connector creates the transport of a ProtocolChannel for an open request.
// ctx is cancelled if the channel is closed while connecting.
type Connector func(ctx context.Context, p *ProtocolChannel, options protocol.Object) (io.ReadWriteCloser, error)

// ProtocolChannel connects a channel to a byte stream transport such as a
// socket or the pipes of a subprocess. Data from the peer is written to
// the transport and data read from the transport is sent to the peer.
//
// Flow control works in both directions: reading from the transport pauses
// while the send window is exhausted, and pings from the peer go
// unanswered while writes to the transport are backed up.
//
// Reaching EOF on the transport sends done but keeps the channel half open,
// unless CloseOnEOF was called.
type ProtocolChannel struct {
	BaseBehavior
	*Channel

	connect Connector

	// CloseArgs returns the close attributes when the transport is lost.
	// err is nil when the transport was closed cleanly or by us.
	CloseArgs func(err error) protocol.Object
	// HighWater and LowWater bound the queued writes at which pongs are
	// deferred and resumed.
	HighWater int
	LowWater  int

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	transport  io.ReadWriteCloser
	readyInfo  protocol.Object
	closing    bool
	closeOnEOF bool
	eof        bool

	readPaused bool
	resumeRead chan struct{}

	pending      [][]byte
	pendingBytes int
	writeEOF     bool
	writeWake    chan struct{}
	writePaused  bool
	lastPing     protocol.Object
}

var _ Behavior = (*ProtocolChannel)(nil)

// NewProtocol returns a behavior that connects each opened channel with
// connect.
func NewProtocol(connect Connector) *ProtocolChannel {
	return &ProtocolChannel{
		connect:   connect,
		HighWater: DefaultHighWater,
		LowWater:  DefaultLowWater,
		writeWake: make(chan struct{}, 1),
	}
}

// SetReadyInfo stages extra fields for the ready message sent once the
// transport is connected.
func (p *ProtocolChannel) SetReadyInfo(fields protocol.Object) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyInfo = fields
}

// Transport returns the connected transport, or nil.
func (p *ProtocolChannel) Transport() io.ReadWriteCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}

// CloseOnEOF makes EOF from the transport close the channel. If EOF was
// already seen the transport is closed now.
func (p *ProtocolChannel) CloseOnEOF() {
	p.mu.Lock()
	p.closeOnEOF = true
	eof := p.eof
	p.mu.Unlock()
	if eof {
		p.closeTransport()
	}
}

func (p *ProtocolChannel) DoOpen(ch *Channel, options protocol.Object) error {
	p.Channel = ch
	p.ctx, p.cancel = context.WithCancel(ch.Context())
	ch.Go(func(context.Context) error {
		return p.serve(p.ctx, options)
	})
	return nil
}

func (p *ProtocolChannel) serve(ctx context.Context, options protocol.Object) error {
	t, err := p.connect(ctx, p, options)
	if err != nil {
		if ctx.Err() != nil {
			p.Close(nil)
			return nil
		}
		p.Close(protocol.ProblemFromError(err).Attrs())
		return nil
	}

	p.mu.Lock()
	if p.closing || p.IsClosing() {
		p.mu.Unlock()
		t.Close()
		p.Close(nil)
		return nil
	}
	p.transport = t
	info := p.readyInfo
	p.mu.Unlock()

	// every exit from readLoop closes the transport, which stops the writer
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop(ctx, t)
	}()
	p.Ready(info)
	p.readLoop(ctx, t)
	<-writerDone
	return nil
}

func (p *ProtocolChannel) readLoop(ctx context.Context, t io.Reader) {
	buf := make([]byte, p.Config().BlockSize)
	for {
		if err := p.waitReadable(ctx); err != nil {
			p.connectionLost(nil)
			return
		}
		n, err := t.Read(buf)
		if n > 0 {
			more, serr := p.SendData(buf[:n])
			if serr != nil {
				p.fail(serr)
				return
			}
			if !more {
				p.pauseReading()
			}
		}
		if err == io.EOF {
			p.eofReceived(ctx)
			return
		}
		if err != nil {
			p.connectionLost(err)
			return
		}
	}
}

func (p *ProtocolChannel) eofReceived(ctx context.Context) {
	p.mu.Lock()
	p.eof = true
	closeOnEOF := p.closeOnEOF
	p.mu.Unlock()

	if err := p.Done(); err != nil {
		p.fail(err)
		return
	}
	if closeOnEOF {
		p.closeTransport()
	}
	// half open until the channel or the transport is closed
	<-ctx.Done()
	p.connectionLost(nil)
}

func (p *ProtocolChannel) connectionLost(err error) {
	p.mu.Lock()
	if p.closing {
		err = nil
	}
	p.mu.Unlock()
	p.closeTransport()
	p.Close(p.lostArgs(err))
}

func (p *ProtocolChannel) lostArgs(err error) protocol.Object {
	if p.CloseArgs != nil {
		return p.CloseArgs(err)
	}
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return protocol.Object{}
	}
	return protocol.NewProblem(protocol.CodeDisconnected, err.Error()).Attrs()
}

func (p *ProtocolChannel) fail(err error) {
	p.Close(protocol.ProblemFromError(err).Attrs())
	p.closeTransport()
}

// closeTransport closes the transport, or aborts the connect if there is
// none yet, and stops the reader and writer.
func (p *ProtocolChannel) closeTransport() {
	p.mu.Lock()
	p.closing = true
	t := p.transport
	p.mu.Unlock()
	p.cancel()
	if t != nil {
		t.Close()
	}
}

func (p *ProtocolChannel) pauseReading() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readPaused || p.HasHeadroom() {
		return
	}
	p.readPaused = true
	p.resumeRead = make(chan struct{})
}

func (p *ProtocolChannel) waitReadable(ctx context.Context) error {
	p.mu.Lock()
	if !p.readPaused {
		p.mu.Unlock()
		return ctx.Err()
	}
	resume := p.resumeRead
	p.mu.Unlock()
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoResumeSend resumes reading from the transport.
func (p *ProtocolChannel) DoResumeSend(ch *Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readPaused {
		p.readPaused = false
		close(p.resumeRead)
	}
	return nil
}

func (p *ProtocolChannel) writeLoop(ctx context.Context, t io.Writer) {
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.writeEOF {
			p.mu.Unlock()
			select {
			case <-p.writeWake:
			case <-ctx.Done():
				return
			}
			p.mu.Lock()
		}
		if len(p.pending) == 0 {
			p.writeEOF = false
			p.mu.Unlock()
			if cw, ok := t.(interface{ CloseWrite() error }); ok {
				if err := cw.CloseWrite(); err != nil {
					p.Logger().V(1).Info("unable to half-close transport", "error", err.Error())
				}
			}
			continue
		}
		chunk := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.mu.Unlock()

		_, err := t.Write(chunk)

		p.mu.Lock()
		p.pendingBytes -= len(chunk)
		resume := p.writePaused && p.pendingBytes <= p.LowWater
		p.mu.Unlock()
		if resume {
			p.resumeWriting()
		}
		if err != nil {
			if ctx.Err() == nil {
				p.connectionLost(err)
			}
			return
		}
	}
}

func (p *ProtocolChannel) signalWriter() {
	select {
	case p.writeWake <- struct{}{}:
	default:
	}
}

// DoData queues data for the transport. Writing never blocks the router;
// instead pongs are withheld while too much is queued.
func (p *ProtocolChannel) DoData(ch *Channel, data []byte) (bool, error) {
	p.mu.Lock()
	p.pending = append(p.pending, data)
	p.pendingBytes += len(data)
	pause := !p.writePaused && p.pendingBytes > p.HighWater
	if pause {
		p.writePaused = true
	}
	p.mu.Unlock()
	p.signalWriter()
	return false, nil
}

// DoDone half-closes the transport once queued data is written, if the
// transport supports it.
func (p *ProtocolChannel) DoDone(ch *Channel) error {
	p.mu.Lock()
	p.writeEOF = true
	p.mu.Unlock()
	p.signalWriter()
	return nil
}

func (p *ProtocolChannel) DoClose(ch *Channel) error {
	p.closeTransport()
	return nil
}

// DoPing answers straight away unless writes are backed up, in which case
// only the latest ping is answered once they drain.
func (p *ProtocolChannel) DoPing(ch *Channel, ping protocol.Object) error {
	p.mu.Lock()
	if p.writePaused {
		p.lastPing = ping
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	p.SendPong(ping)
	return nil
}

func (p *ProtocolChannel) resumeWriting() {
	p.mu.Lock()
	p.writePaused = false
	ping := p.lastPing
	p.lastPing = nil
	p.mu.Unlock()
	if ping != nil {
		p.SendPong(ping)
	}
}
