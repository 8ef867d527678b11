// Package codec provides the encodings used for control frame bodies.
// Data frames are never encoded; their payload is carried as is.
package codec

import "io"

// Encoder writes one control frame body per call.
type Encoder interface {
	Encode(v interface{}) error
}

// Decoder reads one control frame body per call into v, which is
// normally a *protocol.Object.
type Decoder interface {
	Decode(v interface{}) error
}

// Codec is chosen per router; both peers must use the same one.
type Codec interface {
	Encoder(w io.Writer) Encoder
	Decoder(r io.Reader) Decoder
}
