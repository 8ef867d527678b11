// Package frame implements encoding and decoding of bridge message frames.
//
// Each frame on the wire is a four byte big endian length followed by that
// many bytes: a channel id, a newline, and the frame body. Control frames
// use the empty channel id and carry a codec encoded object whose "command"
// field names the control message.
package frame

import "io"

var (
	// Debug can be set to get message frames as they're encoded and decoded
	Debug io.Writer
)

// MaxFrameSize bounds the length of a single inbound frame.
const MaxFrameSize = 64 << 20
