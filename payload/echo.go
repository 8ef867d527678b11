package payload

import (
	"context"
	"io"

	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/protocol"
)

// Echo sends everything it receives back to the peer, and done once the
// peer is done.
func Echo() channel.Type {
	return channel.Type{
		Payload:      "echo",
		Capabilities: []string{"echo"},
		New: func() channel.Behavior {
			return channel.NewAsync(echo)
		},
	}
}

func echo(ctx context.Context, a *channel.AsyncChannel, options protocol.Object) (protocol.Object, error) {
	a.Ready(nil)
	for {
		data, err := a.Read(ctx)
		if err == io.EOF {
			return nil, a.Done()
		}
		if err != nil {
			return nil, err
		}
		if err := a.Write(ctx, data); err != nil {
			return nil, err
		}
	}
}
