package payload

import (
	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/protocol"
)

// Null discards data and closes once the peer is done.
func Null() channel.Type {
	return channel.Type{
		Payload: "null",
		New: func() channel.Behavior {
			return &null{}
		},
	}
}

type null struct {
	channel.BaseBehavior
}

func (null) DoOpen(ch *channel.Channel, options protocol.Object) error {
	ch.Ready(nil)
	return nil
}

func (null) DoData(ch *channel.Channel, data []byte) (bool, error) {
	return false, nil
}

func (null) DoDone(ch *channel.Channel) error {
	if err := ch.Done(); err != nil {
		return err
	}
	ch.Close(nil)
	return nil
}
