// Package transport provides the byte streams a Router runs over.
package transport

import (
	"fmt"
	"io"
	"net"
)

// Listener yields a connection for each peer.
type Listener interface {
	// Close closes the listener.
	// Any blocked Accept operations will be unblocked and return errors.
	Close() error

	// Accept waits for and returns the next connection.
	Accept() (io.ReadWriteCloser, error)

	// Addr returns the listener's network address, if any.
	Addr() net.Addr
}

// A Dialer connects to addr and returns the connection.
type Dialer func(addr string) (io.ReadWriteCloser, error)

// Dialers is map of transport strings to Dialers
// and includes all builtin transports
var Dialers = map[string]Dialer{
	"tcp":  DialTCP,
	"unix": DialUnix,
	"ws":   DialWS,
	"quic": DialQUIC,
	"stdio": func(_ string) (io.ReadWriteCloser, error) {
		return DialStdio()
	},
}

// Dial connects to a remote address using a registered transport.
// In the case of "stdio", the addr can be left an empty string.
func Dial(transport, addr string) (io.ReadWriteCloser, error) {
	d, ok := Dialers[transport]
	if !ok {
		return nil, fmt.Errorf("transport '%s' not in available in Dialers", transport)
	}
	return d(addr)
}

// Listen listens on addr using a builtin transport. QUIC listeners get a
// self-signed certificate.
func Listen(transport, addr string) (Listener, error) {
	switch transport {
	case "tcp":
		return listener(ListenTCP(addr))
	case "unix":
		return listener(ListenUnix(addr))
	case "ws":
		return listener(ListenWS(addr))
	case "quic":
		return listener(ListenQUIC(addr, nil))
	case "stdio":
		return ListenStdio()
	default:
		return nil, fmt.Errorf("transport '%s' cannot listen", transport)
	}
}

func listener[L Listener](l L, err error) (Listener, error) {
	if err != nil {
		return nil, err
	}
	return l, nil
}
