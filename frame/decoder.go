package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/progrium/qbridge/codec"
	"github.com/progrium/qbridge/protocol"
)

// Decoder decodes messages given an io.Reader
type Decoder struct {
	r io.Reader
	c codec.Codec
	sync.Mutex
}

// NewDecoder returns a Decoder reading from r. Control bodies are decoded
// with c, or JSON when c is nil.
func NewDecoder(r io.Reader, c codec.Codec) *Decoder {
	if c == nil {
		c = codec.JSONCodec{}
	}
	return &Decoder{r: r, c: c}
}

func (dec *Decoder) Decode() (Message, error) {
	dec.Lock()
	defer dec.Unlock()

	var prefix [4]byte
	_, err := io.ReadFull(dec.r, prefix[:])
	if err != nil {
		var syscallErr *os.SyscallError
		if errors.As(err, &syscallErr) && syscallErr.Err == syscall.ECONNRESET {
			return nil, io.EOF
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("qbridge: frame of %d bytes exceeds maximum size", size)
	}
	packet := make([]byte, size)
	if _, err := io.ReadFull(dec.r, packet); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	nl := bytes.IndexByte(packet, '\n')
	if nl < 0 {
		return nil, errors.New("qbridge: frame without channel separator")
	}

	var msg Message
	if nl > 0 {
		msg = DataMessage{
			ChannelID: string(packet[:nl]),
			Data:      packet[nl+1:],
		}
	} else {
		msg, err = dec.decodeControl(packet[1:])
		if err != nil {
			return nil, err
		}
	}

	if Debug != nil {
		fmt.Fprintln(Debug, ">>DEC", msg)
	}

	return msg, nil
}

func (dec *Decoder) decodeControl(body []byte) (Message, error) {
	var fields map[string]interface{}
	if err := dec.c.Decoder(bytes.NewReader(body)).Decode(&fields); err != nil {
		return nil, fmt.Errorf("qbridge: invalid control frame: %w", err)
	}
	obj := protocol.Object(fields)
	command, err := obj.Str("command")
	if err != nil {
		return nil, fmt.Errorf("qbridge: invalid control frame: %w", err)
	}
	channel, err := obj.StrDefault("channel", "")
	if err != nil {
		return nil, fmt.Errorf("qbridge: invalid control frame: %w", err)
	}
	return ControlMessage{
		ChannelID: channel,
		Command:   command,
		Fields:    obj,
	}, nil
}
