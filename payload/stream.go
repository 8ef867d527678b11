package payload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/progrium/qbridge/channel"
	"github.com/progrium/qbridge/protocol"
)

// Grace periods for a spawned process after its transport is closed.
var (
	TerminateAfter = 100 * time.Millisecond
	KillAfter      = 5 * time.Second
)

type streamOptions struct {
	Spawn     []string `json:"spawn"`
	Environ   []string `json:"environ"`
	Directory string   `json:"directory"`
	// Err is what happens to the standard error of a spawned process:
	// "out" merges it into the stream, "message" reports it in the close
	// message, anything else discards it.
	Err string `json:"err"`

	Unix    string `json:"unix"`
	Port    int    `json:"port"`
	Address string `json:"address"`
}

func decodeStreamOptions(options protocol.Object) (streamOptions, error) {
	var opts streamOptions
	err := protocol.Decode(options, &opts)
	return opts, err
}

// Stream bridges a channel to a subprocess ("spawn"), a Unix socket
// ("unix") or a TCP port ("port", with an optional "address").
func Stream() []channel.Type {
	newType := func(key string, connect channel.Connector) channel.Type {
		return channel.Type{
			Payload:      "stream",
			Restrictions: []channel.Restriction{channel.Present(key)},
			Capabilities: []string{key},
			New: func() channel.Behavior {
				return channel.NewProtocol(connect)
			},
		}
	}
	return []channel.Type{
		newType("spawn", connectSpawn),
		newType("unix", connectUnix),
		newType("port", connectPort),
	}
}

func connectUnix(ctx context.Context, p *channel.ProtocolChannel, options protocol.Object) (io.ReadWriteCloser, error) {
	opts, err := decodeStreamOptions(options)
	if err != nil {
		return nil, err
	}
	p.CloseOnEOF()
	var d net.Dialer
	return d.DialContext(ctx, "unix", opts.Unix)
}

func connectPort(ctx context.Context, p *channel.ProtocolChannel, options protocol.Object) (io.ReadWriteCloser, error) {
	opts, err := decodeStreamOptions(options)
	if err != nil {
		return nil, err
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, protocol.ProtocolError("port must be between 1 and 65535")
	}
	if opts.Address == "" {
		opts.Address = "localhost"
	}
	p.CloseOnEOF()
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port)))
}

func connectSpawn(ctx context.Context, p *channel.ProtocolChannel, options protocol.Object) (io.ReadWriteCloser, error) {
	opts, err := decodeStreamOptions(options)
	if err != nil {
		return nil, err
	}
	if len(opts.Spawn) == 0 {
		return nil, protocol.ProtocolError("spawn must not be empty")
	}
	proc, err := startProcess(opts)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, protocol.NewProblem(protocol.CodeNotFound, err.Error())
		}
		return nil, err
	}
	p.Logger().V(1).Info("spawned process", "argv", opts.Spawn, "pid", proc.cmd.Process.Pid)
	p.SetReadyInfo(protocol.Object{"pid": proc.cmd.Process.Pid})
	p.CloseArgs = proc.closeArgs
	p.CloseOnEOF()
	return proc, nil
}

// process is the transport of a spawned command: its stdout is read and
// its stdin written.
type process struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *bytes.Buffer

	closeOnce sync.Once
	exited    chan struct{}
}

func startProcess(opts streamOptions) (*process, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}

	cmd := exec.Command(opts.Spawn[0], opts.Spawn[1:]...)
	cmd.Dir = opts.Directory
	cmd.Env = append(os.Environ(), opts.Environ...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	proc := &process{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		exited: make(chan struct{}),
	}
	switch opts.Err {
	case "out":
		cmd.Stderr = stdoutW
	case "message":
		proc.stderr = &bytes.Buffer{}
		cmd.Stderr = proc.stderr
	}

	err = cmd.Start()
	// the child holds its own copies now
	stdinR.Close()
	stdoutW.Close()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, err
	}
	go func() {
		cmd.Wait()
		close(proc.exited)
	}()
	return proc, nil
}

func (p *process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *process) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// CloseWrite closes the standard input of the process.
func (p *process) CloseWrite() error {
	return p.stdin.Close()
}

// Close closes both pipes. A process which does not exit soon after is
// terminated, and then killed.
func (p *process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = multierr.Combine(ignoreClosed(p.stdin.Close()), p.stdout.Close())
		go p.reap()
	})
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (p *process) reap() {
	select {
	case <-p.exited:
		return
	case <-time.After(TerminateAfter):
	}
	p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
		return
	case <-time.After(KillAfter):
	}
	p.cmd.Process.Kill()
}

// closeArgs reports how the process exited. It is only called after the
// transport has been closed, so the process is bound to exit.
func (p *process) closeArgs(err error) protocol.Object {
	<-p.exited
	args := protocol.Object{}
	if err != nil {
		args = protocol.NewProblem(protocol.CodeDisconnected, err.Error()).Attrs()
	}
	if state := p.cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			args["exit-signal"] = ws.Signal().String()
		} else {
			args["exit-status"] = state.ExitCode()
		}
	}
	if p.stderr != nil && p.stderr.Len() > 0 {
		args["message"] = p.stderr.String()
	}
	return args
}
