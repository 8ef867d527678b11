package channel

import (
	"github.com/progrium/qbridge/protocol"
)

// Behavior is implemented by concrete channel types. The hooks are called
// by the Channel as control and data frames arrive for it. Errors returned
// from a hook close the channel with the error's problem attributes.
//
// Embed BaseBehavior to get the default for every hook but DoOpen.
type Behavior interface {
	// DoOpen is called once the open request has been parsed. It must be
	// implemented.
	DoOpen(ch *Channel, options protocol.Object) error
	DoReady(ch *Channel) error
	// DoDone is called when the peer has finished sending.
	DoDone(ch *Channel) error
	// DoClose is called when the peer or a kill asks for the channel to
	// close.
	DoClose(ch *Channel) error
	DoOptions(ch *Channel, options protocol.Object) error
	DoPing(ch *Channel, ping protocol.Object) error
	// DoData handles incoming data. It returns true if the behavior takes
	// care of acknowledging the data itself with ch.SendAck.
	DoData(ch *Channel, data []byte) (bool, error)
	// DoResumeSend is called when a pong reopens the send window.
	DoResumeSend(ch *Channel) error
}

// BaseBehavior provides the default implementation of each hook.
type BaseBehavior struct{}

func (BaseBehavior) DoOpen(ch *Channel, options protocol.Object) error {
	panic("channel: DoOpen not implemented")
}

func (BaseBehavior) DoReady(ch *Channel) error {
	return nil
}

func (BaseBehavior) DoDone(ch *Channel) error {
	return nil
}

func (BaseBehavior) DoClose(ch *Channel) error {
	ch.Close(nil)
	return nil
}

func (BaseBehavior) DoOptions(ch *Channel, options protocol.Object) error {
	return protocol.NotSupported(`This channel does not implement "options"`)
}

// DoPing replies to every ping straight away. Behaviors with receive side
// flow control override it.
func (BaseBehavior) DoPing(ch *Channel, ping protocol.Object) error {
	ch.SendPong(ping)
	return nil
}

// DoData closes the channel: by default channels can't receive data.
func (BaseBehavior) DoData(ch *Channel, data []byte) (bool, error) {
	ch.Close(nil)
	return true, nil
}

func (BaseBehavior) DoResumeSend(ch *Channel) error {
	return nil
}
