package channel

import (
	"io"

	"github.com/progrium/qbridge/protocol"
)

// Yield is one step of a Producer: either more data, or the end of the
// stream with the payload for the close frame.
type Yield struct {
	Data     []byte
	Finished bool
	Close    protocol.Object
}

// More yields a chunk of data.
func More(data []byte) Yield {
	return Yield{Data: data}
}

// Finished ends the stream. payload becomes the close frame attributes.
func Finished(payload protocol.Object) Yield {
	return Yield{Finished: true, Close: payload}
}

// Producer is pulled for data whenever the send window has room. If it
// also implements io.Closer it is closed once the channel stops pulling.
type Producer interface {
	Next() (Yield, error)
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func() (Yield, error)

func (f ProducerFunc) Next() (Yield, error) {
	return f()
}

// GeneratorChannel sends the data of a Producer with flow control. When
// the producer finishes, the channel sends done and closes with the
// producer's payload.
type GeneratorChannel struct {
	BaseBehavior

	start    StartFunc
	producer Producer
}

var _ Behavior = (*GeneratorChannel)(nil)

// StartFunc prepares a Producer for an open request. It is responsible for
// calling ch.Ready, typically with fields describing the stream.
type StartFunc func(ch *Channel, options protocol.Object) (Producer, error)

// NewGenerator returns a behavior that calls start with the open options
// to obtain its Producer.
func NewGenerator(start StartFunc) *GeneratorChannel {
	return &GeneratorChannel{start: start}
}

func (g *GeneratorChannel) DoOpen(ch *Channel, options protocol.Object) error {
	p, err := g.start(ch, options)
	if err != nil {
		return err
	}
	g.producer = p
	return g.DoResumeSend(ch)
}

// DoResumeSend pulls from the producer until the window is exhausted or
// the producer finishes.
func (g *GeneratorChannel) DoResumeSend(ch *Channel) error {
	if g.producer == nil || ch.IsClosing() {
		return nil
	}
	for {
		y, err := g.producer.Next()
		if err != nil {
			g.stop()
			return err
		}
		if y.Finished {
			g.stop()
			if err := ch.Done(); err != nil {
				return err
			}
			ch.Close(y.Close)
			return nil
		}
		more, err := ch.SendData(y.Data)
		if err != nil {
			g.stop()
			return err
		}
		if !more {
			return nil
		}
	}
}

func (g *GeneratorChannel) DoClose(ch *Channel) error {
	g.stop()
	ch.Close(nil)
	return nil
}

func (g *GeneratorChannel) stop() {
	if c, ok := g.producer.(io.Closer); ok {
		c.Close()
	}
	g.producer = nil
}
