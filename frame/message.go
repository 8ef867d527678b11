package frame

import (
	"fmt"

	"github.com/progrium/qbridge/protocol"
)

// Message is a decoded frame.
type Message interface {
	// Channel returns the channel the message is addressed to, and false
	// for messages addressed to the router itself.
	Channel() (string, bool)
	String() string
}

// ControlMessage is a control frame. Fields holds the full object,
// including the command and channel fields.
type ControlMessage struct {
	ChannelID string
	Command   string
	Fields    protocol.Object
}

// NewControl builds a control message from a command and extra fields.
// An empty channel addresses the router.
func NewControl(channel, command string, fields protocol.Object) ControlMessage {
	obj := fields.Merge(protocol.Object{"command": command})
	if channel != "" {
		obj["channel"] = channel
	}
	return ControlMessage{
		ChannelID: channel,
		Command:   command,
		Fields:    obj,
	}
}

func (msg ControlMessage) String() string {
	return fmt.Sprintf("{ControlMessage Command:%s ChannelID:%q Fields:%v}",
		msg.Command, msg.ChannelID, msg.Fields)
}

func (msg ControlMessage) Channel() (string, bool) {
	return msg.ChannelID, msg.ChannelID != ""
}

type DataMessage struct {
	ChannelID string
	Data      []byte
}

func (msg DataMessage) String() string {
	return fmt.Sprintf("{DataMessage ChannelID:%q Length:%d Data: ... }",
		msg.ChannelID, len(msg.Data))
}

func (msg DataMessage) Channel() (string, bool) {
	return msg.ChannelID, true
}
