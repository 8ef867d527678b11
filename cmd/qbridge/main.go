package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/progrium/qbridge/codec"
	"github.com/progrium/qbridge/frame"
)

type command struct {
	Name  string
	Usage string
	Short string
	Flags *pflag.FlagSet
	Run   func(ctx context.Context, args []string) error
}

// common flags
type connFlags struct {
	transport string
	addr      string
	codec     string
	debug     bool
}

func (f *connFlags) register(fs *pflag.FlagSet, defaultTransport string) {
	fs.StringVarP(&f.transport, "transport", "t", defaultTransport, "transport: stdio, tcp, unix, ws or quic")
	fs.StringVarP(&f.addr, "addr", "a", "", "address to listen on or dial")
	fs.StringVar(&f.codec, "codec", "json", "control frame codec: json or cbor")
	fs.BoolVar(&f.debug, "debug", false, "log frames and debug messages to stderr")
}

func (f *connFlags) setup() (codec.Codec, logr.Logger, error) {
	var c codec.Codec
	switch f.codec {
	case "json":
		c = codec.JSONCodec{}
	case "cbor":
		c = codec.CBORCodec{}
	default:
		return nil, logr.Logger{}, fmt.Errorf("unknown codec %q", f.codec)
	}
	if f.transport != "stdio" && f.addr == "" {
		return nil, logr.Logger{}, fmt.Errorf("--addr is required for transport %q", f.transport)
	}
	log, err := newLogger(f.debug)
	if err != nil {
		return nil, logr.Logger{}, err
	}
	if f.debug {
		frame.Debug = os.Stderr
	}
	return c, log, nil
}

func newLogger(debug bool) (logr.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	// stdout may be the transport
	cfg.OutputPaths = []string{"stderr"}
	z, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(z), nil
}

func usage(commands []*command) {
	fmt.Fprintln(os.Stderr, "qbridge multiplexes channels over a single transport")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage:")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-40s %s\n", cmd.Usage, cmd.Short)
	}
}

func findCommand(commands []*command, name string) *command {
	for _, cmd := range commands {
		if cmd.Name == name {
			return cmd
		}
	}
	return nil
}

func main() {
	commands := []*command{serveCmd(), openCmd()}
	if len(os.Args) < 2 {
		usage(commands)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd := findCommand(commands, os.Args[1]); cmd != nil {
		if err := cmd.Flags.Parse(os.Args[2:]); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				return
			}
			fatal(err)
		}
		fatal(cmd.Run(ctx, cmd.Flags.Args()))
		return
	}
	usage(commands)
	os.Exit(2)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "qbridge:", err)
		os.Exit(1)
	}
}
