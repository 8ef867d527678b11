package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/progrium/qbridge/protocol"
)

// RunFunc is the body of an AsyncChannel. It runs as a task of the
// channel; its result becomes the close frame attributes.
type RunFunc func(ctx context.Context, a *AsyncChannel, options protocol.Object) (protocol.Object, error)

// AsyncChannel is a behavior for channels written as sequential code with
// blocking Read and Write calls, with flow control in both directions.
//
// The RunFunc is spawned when the channel opens and its context is
// cancelled when the peer closes the channel. Incoming pings are answered
// only once the data before them has been consumed by Read, so a slow
// reader throttles the peer. Write blocks while the send window is full.
type AsyncChannel struct {
	BaseBehavior
	*Channel

	run   RunFunc
	queue *receiveQueue
	eof   bool

	cancelRun context.CancelFunc

	mu          sync.Mutex
	writeWaiter chan struct{}
}

var _ Behavior = (*AsyncChannel)(nil)

// NewAsync returns a behavior running run for each opened channel.
func NewAsync(run RunFunc) *AsyncChannel {
	return &AsyncChannel{run: run}
}

func (a *AsyncChannel) DoOpen(ch *Channel, options protocol.Object) error {
	a.Channel = ch
	a.queue = newReceiveQueue()
	ctx, cancel := context.WithCancel(ch.Context())
	a.cancelRun = cancel
	ch.Go(func(context.Context) error {
		defer cancel()
		return a.runWrapper(ctx, options)
	})
	return nil
}

func (a *AsyncChannel) runWrapper(ctx context.Context, options protocol.Object) error {
	defer func() {
		if p := recover(); p != nil {
			a.Close(protocol.InternalError(fmt.Sprint(p), string(debug.Stack())).Attrs())
			panic(p)
		}
	}()

	result, err := a.run(ctx, a, options)
	switch {
	case err == nil:
		a.Close(result)
	case errors.Is(err, context.Canceled):
		// requested close
		a.Close(nil)
	case protocol.IsProtocolFailure(err):
		a.Close(protocol.ProblemFromError(err).Attrs())
	default:
		a.Close(protocol.InternalError(err.Error(), fmt.Sprintf("%+v", err)).Attrs())
		return err
	}
	return nil
}

// Read returns the next chunk of data from the peer, acknowledging it, or
// io.EOF once the peer has sent done. Pings queued ahead of the data are
// answered on the way.
func (a *AsyncChannel) Read(ctx context.Context) ([]byte, error) {
	if a.eof {
		return nil, io.EOF
	}
	for {
		it, err := a.queue.get(ctx)
		if err != nil {
			return nil, err
		}
		switch it.kind {
		case itemEOF:
			a.eof = true
			return nil, io.EOF
		case itemPing:
			a.SendPong(it.ping)
		default:
			a.SendAck(it.data)
			return it.data, nil
		}
	}
}

// Write sends data, blocking until the peer makes room in the window if it
// is exhausted.
func (a *AsyncChannel) Write(ctx context.Context, data []byte) error {
	more, err := a.SendData(data)
	if err != nil || more {
		return err
	}

	a.mu.Lock()
	if a.HasHeadroom() {
		a.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	a.writeWaiter = waiter
	a.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InThread runs a blocking call off the dispatch path and waits for it.
func (a *AsyncChannel) InThread(ctx context.Context, fn func() error) error {
	_, err := RunBlocking(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RunBlocking runs fn in its own goroutine and returns its result, or the
// context error if ctx is done first. fn keeps running in that case.
func RunBlocking[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// SendFile writes the contents of r in BlockSize chunks and then sends
// done. r is closed when SendFile returns.
func (a *AsyncChannel) SendFile(ctx context.Context, r io.ReadCloser) error {
	defer r.Close()
	size := a.Config().BlockSize
	for {
		chunk, err := RunBlocking(ctx, func() ([]byte, error) {
			buf := make([]byte, size)
			n, err := io.ReadFull(r, buf)
			if err == io.ErrUnexpectedEOF {
				err = nil
			}
			return buf[:n], err
		})
		if len(chunk) > 0 {
			if werr := a.Write(ctx, chunk); werr != nil {
				return werr
			}
		}
		if err == io.EOF || (err == nil && len(chunk) < size) {
			break
		}
		if err != nil {
			return err
		}
	}
	return a.Done()
}

func (a *AsyncChannel) DoResumeSend(ch *Channel) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeWaiter != nil {
		close(a.writeWaiter)
		a.writeWaiter = nil
	}
	return nil
}

func (a *AsyncChannel) DoDone(ch *Channel) error {
	a.queue.put(item{kind: itemEOF})
	return nil
}

func (a *AsyncChannel) DoClose(ch *Channel) error {
	a.cancelRun()
	return nil
}

func (a *AsyncChannel) DoPing(ch *Channel, ping protocol.Object) error {
	a.queue.put(item{kind: itemPing, ping: ping})
	return nil
}

// DoData queues data for Read, which sends the ack.
func (a *AsyncChannel) DoData(ch *Channel, data []byte) (bool, error) {
	a.queue.put(item{kind: itemData, data: data})
	return true, nil
}
