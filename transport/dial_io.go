package transport

import (
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/multierr"
)

type ioduplex struct {
	io.WriteCloser
	io.ReadCloser
}

func (d *ioduplex) Close() error {
	return multierr.Combine(d.WriteCloser.Close(), d.ReadCloser.Close())
}

// CloseWrite closes only the writing half.
func (d *ioduplex) CloseWrite() error {
	return d.WriteCloser.Close()
}

// DialIO joins a WriteCloser and ReadCloser into one connection.
func DialIO(out io.WriteCloser, in io.ReadCloser) (io.ReadWriteCloser, error) {
	return &ioduplex{out, in}, nil
}

// DialStdio returns a connection using Stdout and Stdin.
func DialStdio() (io.ReadWriteCloser, error) {
	return DialIO(os.Stdout, os.Stdin)
}

// Pipe returns both ends of an in-memory connection.
func Pipe() (io.ReadWriteCloser, io.ReadWriteCloser) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &ioduplex{aw, ar}, &ioduplex{bw, br}
}

// ioListener hands out a single connection.
type ioListener struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
	done chan struct{}
}

// Accept returns the connection once, then blocks until Close.
func (l *ioListener) Accept() (io.ReadWriteCloser, error) {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	<-l.done
	return nil, io.EOF
}

func (l *ioListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *ioListener) Addr() net.Addr {
	return nil
}

// ListenIO returns a Listener that accepts a single connection based on
// separate WriteCloser and ReadClosers.
func ListenIO(out io.WriteCloser, in io.ReadCloser) (Listener, error) {
	return &ioListener{
		conn: &ioduplex{out, in},
		done: make(chan struct{}),
	}, nil
}

// ListenStdio is a convenience for calling ListenIO with Stdout and Stdin.
func ListenStdio() (Listener, error) {
	return ListenIO(os.Stdout, os.Stdin)
}
