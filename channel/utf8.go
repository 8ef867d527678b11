package channel

import (
	"fmt"
	"unicode/utf8"
)

// utf8Decoder validates UTF-8 incrementally, holding back a multi-byte
// sequence that is split across calls.
type utf8Decoder struct {
	pending []byte
	offset  int64
}

// decode returns the longest valid prefix of the pending bytes plus data.
// Unless final, an incomplete trailing sequence is kept for the next call.
func (d *utf8Decoder) decode(data []byte, final bool) ([]byte, error) {
	buf := data
	if len(d.pending) > 0 {
		buf = append(d.pending, data...)
		d.pending = nil
	}
	i := 0
	for i < len(buf) {
		if buf[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size == 1 {
			if !final && !utf8.FullRune(buf[i:]) {
				d.pending = append([]byte(nil), buf[i:]...)
				break
			}
			if !utf8.FullRune(buf[i:]) {
				return nil, fmt.Errorf("'utf-8' codec can't decode bytes in position %d-%d: unexpected end of data",
					d.offset+int64(i), d.offset+int64(len(buf)-1))
			}
			return nil, fmt.Errorf("'utf-8' codec can't decode byte 0x%02x in position %d: invalid utf-8 sequence",
				buf[i], d.offset+int64(i))
		}
		i += size
	}
	d.offset += int64(i)
	return buf[:i], nil
}

func (d *utf8Decoder) partial() bool {
	return len(d.pending) > 0
}
