package channel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/protocol"
)

func chunks(n int, chunk string) channel.StartFunc {
	return func(ch *channel.Channel, options protocol.Object) (channel.Producer, error) {
		ch.Ready(protocol.Object{"chunks": n})
		sent := 0
		return channel.ProducerFunc(func() (channel.Yield, error) {
			if sent == n {
				return channel.Finished(protocol.Object{"sent": sent}), nil
			}
			sent++
			return channel.More([]byte(chunk)), nil
		}), nil
	}
}

func TestGeneratorFlowControl(t *testing.T) {
	p := newPeer(t, channel.Config{BlockSize: 4, SendWindow: 8}, func() channel.Behavior {
		return channel.NewGenerator(chunks(4, "abcd"))
	})
	p.Open("c1", "test", protocol.Object{"flow-control": true})
	assert.Equal(t, float64(4), p.ExpectControl("c1", "ready").Fields["chunks"])

	expectChunk := func(sequence float64) {
		t.Helper()
		assert.Equal(t, "abcd", string(p.ExpectData("c1")))
		assert.Equal(t, sequence, p.ExpectControl("c1", "ping").Fields["sequence"])
	}
	expectChunk(4)
	expectChunk(8)
	quiet(t, p)

	p.Control("c1", "pong", protocol.Object{"sequence": 8})
	expectChunk(12)
	expectChunk(16)
	quiet(t, p)

	p.Control("c1", "pong", protocol.Object{"sequence": 16})
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{"sent": float64(4)}, p.ExpectClose("c1"))
}

func TestGeneratorWithoutFlowControl(t *testing.T) {
	p := newPeer(t, channel.Config{BlockSize: 4, SendWindow: 4}, func() channel.Behavior {
		return channel.NewGenerator(chunks(3, "xy"))
	})
	p.Open("c1", "test", nil)
	p.ExpectControl("c1", "ready")
	for i := 0; i < 3; i++ {
		assert.Equal(t, "xy", string(p.ExpectData("c1")))
	}
	p.ExpectControl("c1", "done")
	assert.Equal(t, protocol.Object{"sent": float64(3)}, p.ExpectClose("c1"))
}

func TestGeneratorErrors(t *testing.T) {
	p := newPeer(t, channel.Config{}, func() channel.Behavior {
		return channel.NewGenerator(func(ch *channel.Channel, options protocol.Object) (channel.Producer, error) {
			if options.Has("fail-start") {
				return nil, protocol.NewProblem(protocol.CodeNotFound, "nothing here")
			}
			ch.Ready(nil)
			return channel.ProducerFunc(func() (channel.Yield, error) {
				return channel.Yield{}, protocol.ProtocolError("broken producer")
			}), nil
		})
	})

	p.Open("c1", "test", protocol.Object{"fail-start": true})
	assert.Equal(t, protocol.Object{
		"problem": "not-found",
		"message": "nothing here",
	}, p.ExpectClose("c1"))

	p.Open("c2", "test", nil)
	p.ExpectControl("c2", "ready")
	assert.Equal(t, "broken producer", p.ExpectClose("c2")["message"])
}

func TestGeneratorKilled(t *testing.T) {
	p := newPeer(t, channel.Config{BlockSize: 4, SendWindow: 4}, func() channel.Behavior {
		return channel.NewGenerator(chunks(100, "abcd"))
	})
	p.Open("c1", "test", protocol.Object{"flow-control": true})
	p.ExpectControl("c1", "ready")
	p.ExpectData("c1")
	p.ExpectControl("c1", "ping")

	p.Control("c1", "close", nil)
	assert.Equal(t, protocol.Object{}, p.ExpectClose("c1"))
}
