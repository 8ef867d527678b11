package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/progrium/clon-go"
	"github.com/rs/xid"
	"github.com/spf13/pflag"

	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/codec"
	"github.com/progrium/qbridge/frame"
	"github.com/progrium/qbridge/protocol"
	"github.com/progrium/qbridge/router"
	"github.com/progrium/qbridge/transport"
)

func openCmd() *command {
	var conn connFlags
	fs := pflag.NewFlagSet("open", pflag.ContinueOnError)
	conn.register(fs, "tcp")

	return &command{
		Name:  "open",
		Usage: "open --addr ADDR payload=P [key=value...]",
		Short: "open a channel and connect it to stdin and stdout",
		Flags: fs,
		Run: func(ctx context.Context, args []string) error {
			c, log, err := conn.setup()
			if err != nil {
				return err
			}
			options, err := parseOptions(args)
			if err != nil {
				return err
			}
			t, err := transport.Dial(conn.transport, conn.addr)
			if err != nil {
				return err
			}
			defer t.Close()

			cl := &client{
				t:     t,
				codec: c,
				log:   log,
				in:    os.Stdin,
				out:   os.Stdout,
			}
			attrs, err := cl.run(ctx, xid.New().String(), options)
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(attrs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, string(b))
			if problem, ok := attrs["problem"]; ok {
				return fmt.Errorf("channel closed: %v", problem)
			}
			return nil
		},
	}
}

func parseOptions(args []string) (protocol.Object, error) {
	if len(args) == 0 {
		return nil, errors.New("open options are required, at least payload=NAME")
	}
	v, err := clon.Parse(args)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("open options must be key=value pairs, got %T", v)
	}
	options := protocol.Object(m)
	if _, err := options.Str("payload"); err != nil {
		return nil, err
	}
	return options, nil
}

// client is the opening side of a single channel, speaking frames
// directly.
type client struct {
	t     io.ReadWriteCloser
	codec codec.Codec
	log   logr.Logger
	in    io.Reader
	out   io.Writer
}

// run opens channel id with options, copies in to the channel once it is
// ready and the channel's data to out, and returns the close attributes.
func (cl *client) run(ctx context.Context, id string, options protocol.Object) (protocol.Object, error) {
	enc := frame.NewEncoder(cl.t, cl.codec)
	dec := frame.NewDecoder(cl.t, cl.codec)

	send := func(command string, fields protocol.Object) error {
		ch := id
		if command == "init" {
			ch = ""
		}
		return enc.Encode(frame.NewControl(ch, command, fields))
	}
	if err := send("init", protocol.Object{"version": router.ProtocolVersion}); err != nil {
		return nil, err
	}
	if err := send("open", options); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan frame.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := dec.Decode()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	copyErr := make(chan error, 1)
	started := false

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-readErr:
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("qbridge: reading frames: %w", err)
		case err := <-copyErr:
			return nil, fmt.Errorf("qbridge: sending input: %w", err)
		case msg := <-msgs:
			switch m := msg.(type) {
			case frame.DataMessage:
				if m.ChannelID != id {
					continue
				}
				if _, err := cl.out.Write(m.Data); err != nil {
					return nil, err
				}
			case frame.ControlMessage:
				if m.ChannelID == "" {
					if m.Command == "close" {
						code, _ := m.Fields.StrDefault("problem", protocol.CodeProtocolError)
						message, _ := m.Fields.StrDefault("message", "")
						return nil, protocol.NewProblem(code, message)
					}
					continue
				}
				if m.ChannelID != id {
					continue
				}
				cl.log.V(1).Info("control", "command", m.Command)
				switch m.Command {
				case "ready":
					if !started {
						started = true
						go func() {
							copyErr <- cl.copyInput(ctx, enc, id)
						}()
					}
				case "ping":
					if err := send("pong", m.Fields); err != nil {
						return nil, err
					}
				case "close":
					attrs := m.Fields.Merge()
					delete(attrs, "command")
					delete(attrs, "channel")
					return attrs, nil
				}
			}
		}
	}
}

// copyInput sends in as data frames followed by done. It only returns an
// error on failure.
func (cl *client) copyInput(ctx context.Context, enc *frame.Encoder, id string) error {
	buf := make([]byte, channel.DefaultBlockSize)
	for {
		n, err := cl.in.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if err := enc.Encode(frame.DataMessage{ChannelID: id, Data: data}); err != nil {
				return err
			}
		}
		if err == io.EOF {
			if err := enc.Encode(frame.NewControl(id, "done", nil)); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}
		if err != nil {
			return err
		}
	}
}
