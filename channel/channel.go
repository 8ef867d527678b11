// Package channel implements the protocol state machine of a logical
// channel multiplexed over a router, together with the routing rule that
// picks a channel implementation for an open request.
//
// A Channel is the router endpoint for one channel id. Its Behavior decides
// what the channel does with the frames it receives; ProtocolChannel,
// AsyncChannel and GeneratorChannel are ready made behaviors for the common
// styles of implementation.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/go-logr/logr"

	"github.com/progrium/qbridge/protocol"
	"github.com/progrium/qbridge/router"
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateUninitialized State = iota
	// StateOpenPending is between the open request and Ready.
	StateOpenPending
	StateOpen
	// StateClosing is after Close, while tasks are still running.
	StateClosing
	StateClosed
)

var stateNames = [...]string{"uninitialized", "open-pending", "open", "closing", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Channel is one logical stream. It implements router.Endpoint.
type Channel struct {
	r        *router.Router
	behavior Behavior
	cfg      Config
	log      logr.Logger

	// set by open
	id        string
	group     string
	binary    bool
	ackBytes  bool
	sendPings bool

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu orders outbound data with its pings and guards decoder.
	sendMu  sync.Mutex
	decoder *utf8Decoder
	// wireMu makes the closed check and the frame write one step, so
	// nothing follows the close frame.
	wireMu sync.Mutex

	mu          sync.Mutex
	state       State
	outSequence int64
	outWindow   int64
	closeArgs   protocol.Object
	tasks       int
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

var _ router.Endpoint = (*Channel)(nil)

// New returns a Channel routed by r and driven by b. The Channel does
// nothing until the router delivers its open request.
func New(r *router.Router, b Behavior, cfg Config) *Channel {
	cfg = cfg.withDefaults()
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = r.Logger()
	}
	ctx, cancel := context.WithCancel(r.Context())
	return &Channel{
		r:         r,
		behavior:  b,
		cfg:       cfg,
		log:       cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		outWindow: cfg.SendWindow,
	}
}

// ID returns the channel id assigned by the peer.
func (c *Channel) ID() string {
	return c.id
}

// Group returns the kill group of the channel.
func (c *Channel) Group() string {
	return c.group
}

// IsBinary reports whether the channel carries raw bytes rather than text.
func (c *Channel) IsBinary() bool {
	return c.binary
}

func (c *Channel) Behavior() Behavior {
	return c.behavior
}

func (c *Channel) Router() *router.Router {
	return c.r
}

func (c *Channel) Config() Config {
	return c.cfg
}

func (c *Channel) Logger() logr.Logger {
	return c.log
}

// Context is cancelled once the close frame has been sent or the router
// stops.
func (c *Channel) Context() context.Context {
	return c.ctx
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosing reports whether Close has been called.
func (c *Channel) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeArgs != nil
}

// Window returns the flow control counters: bytes sent and the sequence
// the peer has made room up to.
func (c *Channel) Window() (sequence, window int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outSequence, c.outWindow
}

// DoChannelControl dispatches a control frame to the behavior.
func (c *Channel) DoChannelControl(channel, command string, msg protocol.Object) {
	if c.IsClosing() {
		return
	}
	if err := c.control(channel, command, msg); err != nil {
		c.fail(err, command)
	}
}

func (c *Channel) control(channel, command string, msg protocol.Object) error {
	switch command {
	case "open":
		return c.open(channel, msg)
	case "ready":
		return c.behavior.DoReady(c)
	case "done":
		return c.behavior.DoDone(c)
	case "close":
		return c.behavior.DoClose(c)
	case "ping":
		return c.behavior.DoPing(c, msg)
	case "pong":
		return c.doPong(msg)
	case "options":
		return c.behavior.DoOptions(c, msg)
	}
	return nil
}

// fail converts an error from frame handling into a close request.
func (c *Channel) fail(err error, where string) {
	if !protocol.IsProtocolFailure(err) {
		c.log.Error(err, "channel handler failed", "handler", where)
	}
	c.Close(protocol.ProblemFromError(err).Attrs())
}

func (c *Channel) open(channel string, msg protocol.Object) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return protocol.ProtocolError("channel is already open")
	}
	c.id = channel
	c.state = StateOpenPending
	c.mu.Unlock()
	c.log = c.log.WithValues("channel", channel)

	flow, err := msg.Bool("flow-control", false)
	if err != nil {
		return err
	}
	acks, err := msg.Enum("send-acks", []string{"bytes"}, "")
	if err != nil {
		return err
	}
	group, err := msg.StrDefault("group", "default")
	if err != nil {
		return err
	}
	binary, err := msg.Enum("binary", []string{"raw"}, "")
	if err != nil {
		return err
	}
	c.sendPings = flow
	c.ackBytes = acks != ""
	c.group = group
	c.binary = binary != ""
	c.decoder = nil

	c.r.FreezeEndpoint(c.id)
	return c.behavior.DoOpen(c, msg)
}

// DoChannelData hands incoming data to the behavior and acknowledges it
// unless the behavior said it would.
func (c *Channel) DoChannelData(channel string, data []byte) {
	if c.IsClosing() {
		return
	}
	handled, err := c.behavior.DoData(c, data)
	if err != nil {
		c.fail(err, "data")
		return
	}
	if !handled {
		c.SendAck(data)
	}
}

// DoKill closes the channel unless the kill is scoped to a host, or to a
// group other than the channel's.
func (c *Channel) DoKill(host, group *string, msg protocol.Object) {
	if c.IsClosing() {
		return
	}
	if host != nil {
		return
	}
	if group != nil && *group != c.group {
		return
	}
	if err := c.behavior.DoClose(c); err != nil {
		c.fail(err, "kill")
	}
}

func (c *Channel) doPong(msg protocol.Object) error {
	if !c.sendPings {
		c.log.Info("got wild pong")
		return nil
	}
	sequence, err := msg.Int("sequence")
	if err != nil {
		return err
	}
	c.mu.Lock()
	if window := sequence + c.cfg.SendWindow; window > c.outWindow {
		c.outWindow = window
	}
	resume := c.outSequence < c.outWindow
	c.mu.Unlock()
	if resume {
		return c.behavior.DoResumeSend(c)
	}
	return nil
}

// Ready tells the peer the channel is ready, with optional extra fields,
// and releases any frames the router held back since open.
func (c *Channel) Ready(fields protocol.Object) {
	c.mu.Lock()
	if c.state == StateOpenPending {
		c.state = StateOpen
	}
	c.mu.Unlock()
	c.r.ThawEndpoint(c.id)
	c.SendControl("ready", fields)
}

// Done tells the peer that nothing more will be sent. A text channel with
// an incomplete UTF-8 sequence buffered fails with a protocol error.
func (c *Channel) Done() error {
	c.sendMu.Lock()
	if c.decoder != nil {
		_, err := c.decoder.decode(nil, true)
		c.decoder = nil
		if err != nil {
			c.sendMu.Unlock()
			return protocol.ProtocolError(err.Error())
		}
	}
	c.sendMu.Unlock()
	c.SendControl("done", nil)
	return nil
}

// Close requests the channel to be closed. Only the first call has any
// effect. After it, no more frames are dispatched to the behavior. The
// close frame carries args and is sent once every task has returned.
func (c *Channel) Close(args protocol.Object) {
	c.mu.Lock()
	if c.closeArgs != nil {
		c.mu.Unlock()
		return
	}
	if args == nil {
		args = protocol.Object{}
	}
	c.closeArgs = args
	c.state = StateClosing
	pending := c.tasks
	c.mu.Unlock()

	if pending == 0 {
		c.closeNow()
		return
	}
	go func() {
		c.wg.Wait()
		c.closeNow()
	}()
}

func (c *Channel) closeNow() {
	c.closeOnce.Do(func() {
		c.wireMu.Lock()
		c.mu.Lock()
		c.state = StateClosed
		args := c.closeArgs
		c.mu.Unlock()
		c.cancel()
		c.r.ShutdownEndpoint(c.id, args)
		c.wireMu.Unlock()
	})
}

// Go runs fn as a task of the channel. The close frame is not sent until
// every task has returned. Go must not be called after Close.
//
// Errors returned by fn are logged; they do not close the channel.
func (c *Channel) Go(fn func(ctx context.Context) error) {
	c.mu.Lock()
	if c.closeArgs != nil {
		c.mu.Unlock()
		panic("channel: Go called after Close")
	}
	c.tasks++
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.tasks--
			c.mu.Unlock()
			c.wg.Done()
		}()
		defer func() {
			if p := recover(); p != nil {
				c.log.Error(fmt.Errorf("panic: %v", p), "channel task panicked", "stack", string(debug.Stack()))
			}
		}()
		if err := fn(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error(err, "channel task failed")
		}
	}()
}

// SendBytes sends data and does the flow control book-keeping.
//
// Flow control is advisory: the data is sent immediately, even if it is
// larger than the window. Prefer frames of about BlockSize bytes.
// SendBytes returns false once the window is exhausted, in which case the
// caller should stop sending until DoResumeSend is called.
//
// On text channels data must be valid UTF-8; use SendData otherwise.
func (c *Channel) SendBytes(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendBytesLocked(data)
}

func (c *Channel) sendBytesLocked(data []byte) bool {
	c.wireMu.Lock()
	if c.State() == StateClosed {
		c.wireMu.Unlock()
		return false
	}
	err := c.r.SendChannelData(c.id, data)
	c.wireMu.Unlock()
	if err != nil {
		c.log.V(1).Info("unable to send data", "error", err.Error())
	}

	if !c.sendPings {
		return true
	}

	block := int64(c.cfg.BlockSize)
	c.mu.Lock()
	sequence := c.outSequence + int64(len(data))
	ping := c.outSequence/block != sequence/block
	c.outSequence = sequence
	headroom := c.outSequence < c.outWindow
	c.mu.Unlock()

	if ping {
		c.SendControl("ping", protocol.Object{"sequence": sequence})
	}
	return headroom
}

// HasHeadroom reports whether the send window has room left.
func (c *Channel) HasHeadroom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.sendPings || c.outSequence < c.outWindow
}

// SendData sends data that is not guaranteed to end on a character
// boundary. On text channels a multi-byte character split across calls is
// held back until it is complete; invalid UTF-8 is a protocol error.
func (c *Channel) SendData(data []byte) (bool, error) {
	if c.binary {
		return c.SendBytes(data), nil
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.decoder == nil {
		c.decoder = &utf8Decoder{}
	}
	text, err := c.decoder.decode(data, false)
	if !c.decoder.partial() {
		c.decoder = nil
	}
	if err != nil {
		return false, protocol.ProtocolError(err.Error())
	}
	if len(text) == 0 && len(data) > 0 {
		return c.HasHeadroom(), nil
	}
	return c.sendBytesLocked(text), nil
}

// SendText sends UTF-8 encoded text.
func (c *Channel) SendText(text string) bool {
	return c.SendBytes([]byte(text))
}

// SendJSON sends obj as indented JSON followed by a newline.
func (c *Channel) SendJSON(obj protocol.Object) (bool, error) {
	b, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return false, err
	}
	return c.SendText(string(b) + "\n"), nil
}

// SendControl sends a control frame for this channel. Frames are dropped
// once the close frame has been sent.
func (c *Channel) SendControl(command string, fields protocol.Object) {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	if c.State() == StateClosed {
		c.log.V(1).Info("dropping control after close", "command", command)
		return
	}
	if err := c.r.SendChannelControl(c.id, command, fields); err != nil {
		c.log.V(1).Info("unable to send control", "command", command, "error", err.Error())
	}
}

// SendPong answers a ping, echoing its fields.
func (c *Channel) SendPong(ping protocol.Object) {
	c.SendControl("pong", ping)
}

// SendAck acknowledges received data if the peer asked for it.
func (c *Channel) SendAck(data []byte) {
	if c.ackBytes {
		c.SendControl("ack", protocol.Object{"bytes": len(data)})
	}
}
