package transport

import (
	"io"
	"net"
)

// NetListener accepts connections from a net.Listener.
type NetListener struct {
	net.Listener
	accepted chan io.ReadWriteCloser
	closer   chan bool
	errs     chan error
}

// Accept waits for and returns the next connection to the listener.
func (l *NetListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case <-l.closer:
		return nil, io.EOF
	case err := <-l.errs:
		return nil, err
	case conn := <-l.accepted:
		return conn, nil
	}
}

// Close closes the listener.
// Any blocked Accept operations will be unblocked and return errors.
func (l *NetListener) Close() error {
	select {
	case l.closer <- true:
	default:
	}
	return l.Listener.Close()
}

func newNetListener(l net.Listener) *NetListener {
	return &NetListener{
		Listener: l,
		errs:     make(chan error, 2),
		accepted: make(chan io.ReadWriteCloser),
		closer:   make(chan bool, 1),
	}
}

func listenNet(proto, addr string) (*NetListener, error) {
	l, err := net.Listen(proto, addr)
	if err != nil {
		return nil, err
	}
	nl := newNetListener(l)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				nl.errs <- err
				return
			}
			nl.accepted <- conn
		}
	}()
	return nl, nil
}

// ListenTCP creates a TCP listener at the given address.
func ListenTCP(addr string) (*NetListener, error) {
	return listenNet("tcp", addr)
}

// ListenUnix creates a Unix domain socket listener at the given path.
func ListenUnix(path string) (*NetListener, error) {
	return listenNet("unix", path)
}
