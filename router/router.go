// Package router delivers frames between a peer and the channel endpoints
// multiplexed over one transport.
//
// A Router owns the transport. Inbound frames are decoded by a reader
// goroutine and handed to a single dispatcher goroutine, so endpoint
// callbacks for a channel are never run concurrently and always run in
// arrival order. Outbound frames may be sent from any goroutine.
package router

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"go.uber.org/multierr"

	"github.com/progrium/qbridge/codec"
	"github.com/progrium/qbridge/frame"
	"github.com/progrium/qbridge/protocol"
)

// ProtocolVersion is the only init version the router speaks.
const ProtocolVersion = 1

// Endpoint receives the frames for one channel.
type Endpoint interface {
	DoChannelControl(channel, command string, msg protocol.Object)
	DoChannelData(channel string, data []byte)
	// DoKill asks the endpoint to close if it matches host and group.
	// A nil host or group means the kill was not scoped by it.
	DoKill(host, group *string, msg protocol.Object)
}

// Rule picks an Endpoint for an open request. Apply returns nil when the
// rule does not handle the request.
type Rule interface {
	Apply(r *Router, options protocol.Object) Endpoint
	Shutdown()
}

// CapabilityProvider is implemented by rules which advertise capabilities
// in the init handshake.
type CapabilityProvider interface {
	Capabilities() map[string][]string
}

// Config configures a Router. The zero value is usable.
type Config struct {
	// Codec encodes control frame bodies. Defaults to JSON.
	Codec codec.Codec
	// Logger defaults to logr.Discard().
	Logger logr.Logger
	// Registerer receives the router metrics when set.
	Registerer prometheus.Registerer
	// InitFields are added to the outbound init message.
	InitFields protocol.Object
	// ShutdownTimeout bounds how long Serve waits for endpoints to close
	// after the transport goes away. Defaults to 5 seconds.
	ShutdownTimeout time.Duration
}

type route struct {
	ep     Endpoint
	frozen bool
	queue  []frame.Message
}

// Router is a multiplexing session over a transport.
type Router struct {
	id  xid.ID
	t   io.ReadWriteCloser
	enc *frame.Encoder
	dec *frame.Decoder
	log logr.Logger
	cfg Config
	m   *metrics

	rules []Rule
	ctx   context.Context

	mu       sync.Mutex
	routes   map[string]*route
	thawed   []string
	wake     chan struct{}
	closing  bool
	closed   bool
	drained  chan struct{}
	peerInit protocol.Object

	errCond *sync.Cond
	done    bool
	err     error
}

// New returns a router that runs over the given transport. Serve must be
// called to start processing frames.
func New(t io.ReadWriteCloser, cfg Config) *Router {
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	id := xid.New()
	return &Router{
		id:      id,
		t:       t,
		enc:     frame.NewEncoder(t, cfg.Codec),
		dec:     frame.NewDecoder(t, cfg.Codec),
		log:     cfg.Logger.WithValues("router", id.String()),
		cfg:     cfg,
		m:       newMetrics(cfg.Registerer),
		ctx:     context.Background(),
		routes:  make(map[string]*route),
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
		errCond: sync.NewCond(new(sync.Mutex)),
	}
}

// ID returns the unique identifier of this router.
func (r *Router) ID() string {
	return r.id.String()
}

// Logger returns the router's logger.
func (r *Router) Logger() logr.Logger {
	return r.log
}

// Context returns the context endpoints should derive their work from. It
// is cancelled when Serve returns.
func (r *Router) Context() context.Context {
	return r.ctx
}

// AddRule appends a routing rule. Rules are consulted in the order added.
// It must be called before Serve.
func (r *Router) AddRule(rule Rule) {
	r.rules = append(r.rules, rule)
}

// Capabilities merges the capabilities of every rule.
func (r *Router) Capabilities() map[string][]string {
	caps := make(map[string][]string)
	for _, rule := range r.rules {
		cp, ok := rule.(CapabilityProvider)
		if !ok {
			continue
		}
		for payload, tokens := range cp.Capabilities() {
			if caps[payload] == nil {
				caps[payload] = []string{}
			}
			caps[payload] = append(caps[payload], tokens...)
		}
	}
	return caps
}

// PeerInit returns the init message received from the peer, if any.
func (r *Router) PeerInit() protocol.Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerInit
}

// Close closes the underlying transport, which ends Serve.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.t.Close()
}

// Wait blocks until Serve has returned, and returns the error causing the
// shutdown. A clean end of the transport is reported as nil.
func (r *Router) Wait() error {
	r.errCond.L.Lock()
	defer r.errCond.L.Unlock()
	for !r.done {
		r.errCond.Wait()
	}
	return r.err
}

// Serve sends the init handshake and processes frames until the transport
// fails, the peer breaks the protocol, or ctx is cancelled.
func (r *Router) Serve(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.ctx = ctx

	defer func() {
		err = r.shutdown(err)
		r.errCond.L.Lock()
		r.done = true
		r.err = err
		r.errCond.Broadcast()
		r.errCond.L.Unlock()
	}()

	if err := r.sendInit(); err != nil {
		return err
	}

	inbox := make(chan frame.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := r.dec.Decode()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg := <-inbox:
			if err := r.dispatch(msg); err != nil {
				var p *protocol.Problem
				if errors.As(err, &p) {
					r.SendChannelControl("", "close", p.Attrs())
				}
				return err
			}
		case <-r.wake:
			r.flushThawed()
		case err := <-readErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Router) sendInit() error {
	fields := protocol.Object{
		"version":      ProtocolVersion,
		"host":         "localhost",
		"session-id":   r.id.String(),
		"capabilities": r.Capabilities(),
	}
	return r.SendChannelControl("", "init", fields.Merge(r.cfg.InitFields))
}

// shutdown kills every endpoint, waits for them to close, shuts the rules
// down and closes the transport. It returns the error Serve should report.
func (r *Router) shutdown(cause error) error {
	r.mu.Lock()
	r.closing = true
	closedByUs := r.closed
	eps := make([]Endpoint, 0, len(r.routes))
	for _, rt := range r.routes {
		eps = append(eps, rt.ep)
	}
	r.checkDrainedLocked()
	r.mu.Unlock()

	for _, ep := range eps {
		ep.DoKill(nil, nil, protocol.Object{})
	}

	select {
	case <-r.drained:
	case <-time.After(r.cfg.ShutdownTimeout):
		r.log.Info("endpoints did not close before shutdown timeout")
	}

	for _, rule := range r.rules {
		rule.Shutdown()
	}

	switch {
	case cause == nil:
	case errors.Is(cause, io.EOF), errors.Is(cause, io.ErrClosedPipe),
		errors.Is(cause, net.ErrClosed), errors.Is(cause, context.Canceled):
		cause = nil
	case closedByUs && !protocol.IsProtocolFailure(cause):
		// reads fail in transport specific ways once closed locally
		cause = nil
	}
	if !closedByUs {
		cause = multierr.Append(cause, r.Close())
	}
	if cause != nil {
		r.log.Error(cause, "router stopped")
	} else {
		r.log.V(1).Info("router stopped")
	}
	return cause
}

func (r *Router) checkDrainedLocked() {
	if !r.closing || len(r.routes) > 0 {
		return
	}
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
}

// dispatch handles one inbound frame on the dispatcher goroutine. Only
// errors which end the session are returned.
func (r *Router) dispatch(msg frame.Message) error {
	switch m := msg.(type) {
	case frame.DataMessage:
		r.m.framesIn.WithLabelValues("data").Inc()
		r.route(m.ChannelID, m)
		return nil
	case frame.ControlMessage:
		r.m.framesIn.WithLabelValues("control").Inc()
		if m.ChannelID == "" {
			return r.handleControl(m)
		}
		if m.Command == "open" {
			r.open(m)
			return nil
		}
		r.route(m.ChannelID, m)
		return nil
	default:
		return errors.New("qbridge: unexpected message type")
	}
}

func (r *Router) handleControl(m frame.ControlMessage) error {
	switch m.Command {
	case "init":
		version, err := m.Fields.Int("version")
		if err != nil {
			return protocol.ProtocolError(err.Error())
		}
		if version != ProtocolVersion {
			return protocol.ProtocolError("unsupported version of the protocol")
		}
		r.mu.Lock()
		r.peerInit = m.Fields
		r.mu.Unlock()
	case "ping":
		r.SendChannelControl("", "pong", m.Fields)
	case "kill":
		host, err := m.Fields.OptStr("host")
		if err != nil {
			r.log.Info("ignoring invalid kill", "error", err.Error())
			return nil
		}
		group, err := m.Fields.OptStr("group")
		if err != nil {
			r.log.Info("ignoring invalid kill", "error", err.Error())
			return nil
		}
		r.mu.Lock()
		eps := make([]Endpoint, 0, len(r.routes))
		for _, rt := range r.routes {
			eps = append(eps, rt.ep)
		}
		r.mu.Unlock()
		for _, ep := range eps {
			ep.DoKill(host, group, m.Fields)
		}
	case "open":
		r.log.Info("ignoring open without a channel")
	default:
		r.log.V(1).Info("ignoring unknown control command", "command", m.Command)
	}
	return nil
}

func (r *Router) open(m frame.ControlMessage) {
	r.mu.Lock()
	_, exists := r.routes[m.ChannelID]
	r.mu.Unlock()
	if exists {
		r.log.Info("open for a channel which is already open", "channel", m.ChannelID)
		return
	}

	for _, rule := range r.rules {
		ep := rule.Apply(r, m.Fields)
		if ep == nil {
			continue
		}
		r.mu.Lock()
		r.routes[m.ChannelID] = &route{ep: ep}
		r.mu.Unlock()
		r.m.channels.Inc()
		r.log.V(1).Info("channel opened", "channel", m.ChannelID, "payload", m.Fields["payload"])
		ep.DoChannelControl(m.ChannelID, m.Command, m.Fields)
		return
	}

	r.m.unmatched.Inc()
	r.log.V(1).Info("no rule for open request", "channel", m.ChannelID, "payload", m.Fields["payload"])
	r.SendChannelControl(m.ChannelID, "close", protocol.NotSupported("").Attrs())
}

// route delivers msg to the endpoint for channel, or queues it while the
// endpoint is frozen.
func (r *Router) route(channel string, msg frame.Message) {
	r.mu.Lock()
	rt, ok := r.routes[channel]
	if !ok {
		r.mu.Unlock()
		r.log.V(1).Info("dropping frame for unknown channel", "channel", channel)
		return
	}
	if rt.frozen || len(rt.queue) > 0 {
		rt.queue = append(rt.queue, msg)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	deliver(rt.ep, msg)
}

func deliver(ep Endpoint, msg frame.Message) {
	switch m := msg.(type) {
	case frame.DataMessage:
		ep.DoChannelData(m.ChannelID, m.Data)
	case frame.ControlMessage:
		ep.DoChannelControl(m.ChannelID, m.Command, m.Fields)
	}
}

func (r *Router) flushThawed() {
	for {
		r.mu.Lock()
		if len(r.thawed) == 0 {
			r.mu.Unlock()
			return
		}
		channel := r.thawed[0]
		r.thawed = r.thawed[1:]
		r.mu.Unlock()
		r.flush(channel)
	}
}

func (r *Router) flush(channel string) {
	for {
		r.mu.Lock()
		rt, ok := r.routes[channel]
		if !ok || rt.frozen || len(rt.queue) == 0 {
			r.mu.Unlock()
			return
		}
		msg := rt.queue[0]
		rt.queue = rt.queue[1:]
		r.mu.Unlock()
		deliver(rt.ep, msg)
	}
}

// FreezeEndpoint holds back inbound frames for channel until ThawEndpoint.
func (r *Router) FreezeEndpoint(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.routes[channel]; ok {
		rt.frozen = true
	}
}

// ThawEndpoint releases frames held for channel. They are delivered on the
// dispatcher goroutine ahead of any frame that arrives later.
func (r *Router) ThawEndpoint(channel string) {
	r.mu.Lock()
	rt, ok := r.routes[channel]
	if !ok || !rt.frozen {
		r.mu.Unlock()
		return
	}
	rt.frozen = false
	r.thawed = append(r.thawed, channel)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ShutdownEndpoint removes the route for channel and sends its close frame.
func (r *Router) ShutdownEndpoint(channel string, closeArgs protocol.Object) {
	r.mu.Lock()
	_, ok := r.routes[channel]
	delete(r.routes, channel)
	r.checkDrainedLocked()
	r.mu.Unlock()
	if ok {
		r.m.channels.Dec()
	}
	if err := r.SendChannelControl(channel, "close", closeArgs); err != nil {
		r.log.V(1).Info("unable to send close", "channel", channel, "error", err.Error())
	}
}

// SendChannelControl sends a control frame. An empty channel addresses
// the peer's router.
func (r *Router) SendChannelControl(channel, command string, fields protocol.Object) error {
	r.m.framesOut.WithLabelValues("control").Inc()
	return r.enc.Encode(frame.NewControl(channel, command, fields))
}

// SendChannelData sends a data frame.
func (r *Router) SendChannelData(channel string, data []byte) error {
	r.m.framesOut.WithLabelValues("data").Inc()
	return r.enc.Encode(frame.DataMessage{ChannelID: channel, Data: data})
}
