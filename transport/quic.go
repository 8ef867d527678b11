package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
)

var defaultTLSConfig = tls.Config{
	NextProtos: []string{"qbridge-quic"},
}

// quicConn carries a connection over the single stream of a QUIC
// connection.
type quicConn struct {
	quic.Stream
	conn quic.Connection
}

func (c *quicConn) Close() error {
	c.Stream.CancelRead(0)
	return multierr.Append(c.Stream.Close(), c.conn.CloseWithError(0, "close connection"))
}

// CloseWrite closes the sending side of the stream.
func (c *quicConn) CloseWrite() error {
	return c.Stream.Close()
}

// DialQUIC connects to a QUIC listener and opens the stream. Listeners use
// self-signed certificates, so the certificate is not verified.
func DialQUIC(addr string) (io.ReadWriteCloser, error) {
	cfg := defaultTLSConfig.Clone()
	cfg.InsecureSkipVerify = true
	return DialQUICConfig(context.Background(), addr, cfg)
}

// DialQUICConfig connects to addr with a TLS config.
func DialQUICConfig(ctx context.Context, addr string, cfg *tls.Config) (io.ReadWriteCloser, error) {
	conn, err := quic.DialAddr(ctx, addr, cfg, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &quicConn{Stream: stream, conn: conn}, nil
}

// QUICListener accepts one stream per QUIC connection. The stream becomes
// visible once the dialing side sends its first frame.
type QUICListener struct {
	l      *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// ListenQUIC listens on a UDP address. A nil cfg generates a self-signed
// certificate.
func ListenQUIC(addr string, cfg *tls.Config) (*QUICListener, error) {
	if cfg == nil {
		var err error
		cfg, err = generateTLSConfig()
		if err != nil {
			return nil, err
		}
	}
	l, err := quic.ListenAddr(addr, cfg, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICListener{l: l, ctx: ctx, cancel: cancel}, nil
}

func (l *QUICListener) Accept() (io.ReadWriteCloser, error) {
	conn, err := l.l.Accept(l.ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream")
		return nil, err
	}
	return &quicConn{Stream: stream, conn: conn}, nil
}

func (l *QUICListener) Close() error {
	l.cancel()
	return l.l.Close()
}

func (l *QUICListener) Addr() net.Addr {
	return l.l.Addr()
}

func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	cfg := defaultTLSConfig.Clone()
	cfg.Certificates = []tls.Certificate{tlsCert}
	return cfg, nil
}
