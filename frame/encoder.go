package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/progrium/qbridge/codec"
)

// Encoder encodes messages given an io.Writer
type Encoder struct {
	w io.Writer
	c codec.Codec
	sync.Mutex
}

// NewEncoder returns an Encoder writing to w. Control bodies are encoded
// with c, or JSON when c is nil.
func NewEncoder(w io.Writer, c codec.Codec) *Encoder {
	if c == nil {
		c = codec.JSONCodec{}
	}
	return &Encoder{w: w, c: c}
}

func (enc *Encoder) Encode(msg Message) error {
	var buf bytes.Buffer
	buf.Write(make([]byte, 4))

	switch m := msg.(type) {
	case ControlMessage:
		buf.WriteByte('\n')
		if err := enc.c.Encoder(&buf).Encode(m.Fields); err != nil {
			return err
		}
	case DataMessage:
		if m.ChannelID == "" || strings.ContainsRune(m.ChannelID, '\n') {
			return fmt.Errorf("qbridge: invalid channel id %q for data frame", m.ChannelID)
		}
		buf.WriteString(m.ChannelID)
		buf.WriteByte('\n')
		buf.Write(m.Data)
	default:
		return errors.New("qbridge: unknown message type")
	}

	packet := buf.Bytes()
	binary.BigEndian.PutUint32(packet[:4], uint32(len(packet)-4))

	enc.Lock()
	defer enc.Unlock()

	if Debug != nil {
		fmt.Fprintln(Debug, "<<ENC", msg)
	}

	_, err := enc.w.Write(packet)
	return err
}
