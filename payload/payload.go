// Package payload provides the channel types served by qbridge.
package payload

import (
	"github.com/progrium/qbridge/channel"
)

// Types returns every built in channel type, ready for
// channel.NewRoutingRule.
func Types() []channel.Type {
	types := []channel.Type{Echo(), Null(), Fsread()}
	return append(types, Stream()...)
}
