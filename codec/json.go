package codec

import (
	"encoding/json"
	"io"
)

// JSONCodec is the default control frame codec and the one every peer is
// expected to speak.
type JSONCodec struct{}

// Encoder returns an encoder that emits compact JSON. The trailing
// newline json.Encoder adds is part of the frame body and harmless to
// either decoder.
func (JSONCodec) Encoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

// Decoder returns a decoder that keeps numbers as float64, the way the
// protocol accessors expect them.
func (JSONCodec) Decoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}
