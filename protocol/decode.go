package protocol

import (
	"github.com/mitchellh/mapstructure"
)

// Decode decodes the fields of o into the struct pointed to by v, matching
// keys against `json` struct tags. Unknown keys are ignored, since open
// messages carry fields for several layers. A mismatch is a protocol error.
func Decode(o Object, v interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           v,
		WeaklyTypedInput: false,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]interface{}(o)); err != nil {
		return ProtocolError(err.Error())
	}
	return nil
}
