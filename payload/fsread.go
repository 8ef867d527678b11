package payload

import (
	"io"
	"os"
	"path/filepath"

	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/protocol"
)

// Fsread sends the contents of the file at "path". The ready message
// carries the file size and the close message the number of bytes sent.
func Fsread() channel.Type {
	return channel.Type{
		Payload:      "fsread",
		Capabilities: []string{"fsread"},
		New: func() channel.Behavior {
			return channel.NewGenerator(startFsread)
		},
	}
}

type fsreadOptions struct {
	Path string `json:"path"`
}

func startFsread(ch *channel.Channel, options protocol.Object) (channel.Producer, error) {
	var opts fsreadOptions
	if err := protocol.Decode(options, &opts); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(opts.Path) {
		return nil, protocol.ProtocolError("path must be absolute")
	}
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, protocol.ProtocolError("path is a directory")
	}
	ch.Ready(protocol.Object{"size": info.Size()})
	return &fileProducer{f: f, buf: make([]byte, ch.Config().BlockSize)}, nil
}

type fileProducer struct {
	f    *os.File
	buf  []byte
	sent int64
}

func (p *fileProducer) Next() (channel.Yield, error) {
	n, err := io.ReadFull(p.f, p.buf)
	if n > 0 {
		p.sent += int64(n)
		return channel.More(p.buf[:n]), nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return channel.Finished(protocol.Object{"size": p.sent}), nil
	}
	return channel.Yield{}, err
}

func (p *fileProducer) Close() error {
	return p.f.Close()
}
