package channel

import "github.com/go-logr/logr"

// Flow control defaults.
const (
	DefaultBlockSize  = 16 * 1024
	DefaultSendWindow = 2 * 1024 * 1024
)

// Config holds the per-instance flow control settings of a Channel.
type Config struct {
	// BlockSize is the ping interval in bytes and the preferred size of
	// outbound data frames.
	BlockSize int
	// SendWindow is how far past the last pong the sender may run.
	SendWindow int64
	// Logger defaults to the router's logger.
	Logger logr.Logger
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		BlockSize:  DefaultBlockSize,
		SendWindow: DefaultSendWindow,
	}
}

func (c Config) withDefaults() Config {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.SendWindow <= 0 {
		c.SendWindow = DefaultSendWindow
	}
	return c
}
