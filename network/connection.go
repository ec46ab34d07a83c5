package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"castlink/logging"
	"castlink/models"
	"castlink/telemetry"
)

var (
	// ErrClosed indicates the endpoint has already disconnected.
	ErrClosed = errors.New("network: connection closed")
	// ErrNotConnected indicates the endpoint has no established stream yet.
	ErrNotConnected = errors.New("network: not connected")
	// ErrAcceptTimeout indicates no peer connected before the accept deadline.
	ErrAcceptTimeout = errors.New("network: accept timed out")

	errStopped = errors.New("network: read loop stopped")
)

// ConnectionState represents the lifecycle state of one endpoint.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// Role tells whether an endpoint accepted or dialed its stream.
type Role string

const (
	RoleAcceptor  Role = "acceptor"
	RoleConnector Role = "connector"
)

// DisconnectReason classifies why an endpoint terminated.
type DisconnectReason string

const (
	ReasonLocal         DisconnectReason = "local"
	ReasonPeerStop      DisconnectReason = "peer_stop"
	ReasonRemoteClosed  DisconnectReason = "remote_closed"
	ReasonIOError       DisconnectReason = "io_error"
	ReasonAcceptTimeout DisconnectReason = "accept_timeout"
	ReasonDialFailed    DisconnectReason = "dial_failed"
)

// Options controls runtime behavior of an endpoint.
type Options struct {
	// Address is the listen address for an acceptor.
	Address string
	// LocalAddress optionally binds the connector's source IP.
	LocalAddress   string
	AcceptTimeout  time.Duration
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	WriteTimeout   time.Duration
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Address == "" {
		out.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if out.AcceptTimeout <= 0 {
		out.AcceptTimeout = DefaultAcceptTimeout
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	out.Logger = logging.OrNop(out.Logger)
	return out
}

// Stats counts traffic over one endpoint, frame headers included.
type Stats struct {
	BytesIn     int64
	BytesOut    int64
	MessagesIn  int64
	MessagesOut int64
}

type outboundFrame struct {
	op         Opcode
	payload    []byte
	closeAfter bool
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventFrame
	eventMotion
	eventAbandon
)

type event struct {
	kind eventKind
	peer string
	msg  Message
}

// PeerConnection is one transport endpoint: an acceptor waiting for its
// peer or a connector dialing it, and then the framed stream between them.
// Observers see OnConnect at most once and OnDisconnect exactly once.
type PeerConnection struct {
	role      Role
	opts      Options
	log       *zap.Logger
	observers *Observers

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener

	connMu     sync.Mutex
	conn       net.Conn
	peer       string
	terminated bool

	running atomic.Bool

	stateMu sync.RWMutex
	state   ConnectionState

	outbound *mailbox[outboundFrame]
	events   *mailbox[event]

	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	messagesIn  atomic.Int64
	messagesOut atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	errMu    sync.RWMutex
	closeErr error
	reason   DisconnectReason
}

func newPeerConnection(role Role, options Options, observers *Observers) *PeerConnection {
	opts := options.withDefaults()
	if observers == nil {
		observers = NewObservers()
	}
	ctx, cancel := context.WithCancel(context.Background())

	pc := &PeerConnection{
		role:      role,
		opts:      opts,
		log:       opts.Logger.With(zap.String("role", string(role))),
		observers: observers,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnecting,
		outbound:  newMailbox[outboundFrame](),
		events:    newMailbox[event](),
		closed:    make(chan struct{}),
	}

	pc.wg.Add(1)
	go pc.dispatchLoop()
	return pc
}

// Role returns whether the endpoint is an acceptor or a connector.
func (pc *PeerConnection) Role() Role {
	return pc.role
}

// State returns the current endpoint state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Peer returns the remote IP once connected.
func (pc *PeerConnection) Peer() string {
	pc.connMu.Lock()
	defer pc.connMu.Unlock()
	return pc.peer
}

// Done is closed when the endpoint is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// Wait blocks until every endpoint goroutine has exited, including delivery
// of OnDisconnect. It must not be called from an observer callback.
func (pc *PeerConnection) Wait() {
	pc.wg.Wait()
}

// LastError returns the terminal error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// Reason returns why the endpoint terminated; empty while it is alive.
func (pc *PeerConnection) Reason() DisconnectReason {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.reason
}

// Stats returns a traffic snapshot.
func (pc *PeerConnection) Stats() Stats {
	return Stats{
		BytesIn:     pc.bytesIn.Load(),
		BytesOut:    pc.bytesOut.Load(),
		MessagesIn:  pc.messagesIn.Load(),
		MessagesOut: pc.messagesOut.Load(),
	}
}

// SendFrame queues an opaque FRAME message. It never blocks.
func (pc *PeerConnection) SendFrame(data []byte) error {
	return pc.send(OpFrame, EncodeFrame(data), false)
}

// SendMotion queues a MOTION message. It never blocks.
func (pc *PeerConnection) SendMotion(action, x, y int32) error {
	return pc.send(OpMotion, EncodeMotion(models.Motion{Action: action, X: x, Y: y}), false)
}

// Disconnect sends STOP and closes the endpoint once it has been written.
// Without an established stream it simply closes.
func (pc *PeerConnection) Disconnect() error {
	if err := pc.send(OpStop, EncodeStop(), true); err != nil {
		pc.closeWithError(ReasonLocal, nil)
	}
	return nil
}

// Close terminates the endpoint immediately.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(ReasonLocal, nil)
	return nil
}

func (pc *PeerConnection) send(op Opcode, payload []byte, closeAfter bool) error {
	switch pc.State() {
	case StateDisconnected:
		return ErrClosed
	case StateConnecting:
		return ErrNotConnected
	}

	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	pc.outbound.push(outboundFrame{op: op, payload: payload, closeAfter: closeAfter})
	return nil
}

// attach installs an established stream and starts its loops.
func (pc *PeerConnection) attach(conn net.Conn) {
	pc.connMu.Lock()
	if pc.terminated {
		pc.connMu.Unlock()
		_ = conn.Close()
		return
	}

	pc.conn = conn
	pc.peer = hostOf(conn.RemoteAddr())
	pc.running.Store(true)
	pc.setState(StateConnected)
	pc.events.push(event{kind: eventConnect, peer: pc.peer})
	pc.connMu.Unlock()

	pc.log.Info("transport connected", zap.String("peer", pc.peer))

	pc.wg.Add(2)
	go pc.readLoop(conn)
	go pc.writeLoop(conn)
}

func (pc *PeerConnection) readLoop(conn net.Conn) {
	defer pc.wg.Done()

	reader := pollReader{pc: pc, conn: conn}
	for {
		payload, err := ReadFrame(reader)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				pc.closeWithError(ReasonIOError, ErrFrameTooLarge)
			} else {
				pc.closeAfterReadError(err)
			}
			return
		}

		pc.bytesIn.Add(int64(frameHeaderSize + len(payload)))
		telemetry.TransportBytesTotal.WithLabelValues("in").Add(float64(frameHeaderSize + len(payload)))
		if len(payload) == 0 {
			continue
		}

		msg, err := DecodeMessage(payload)
		if err != nil {
			pc.log.Debug("dropping transport message", zap.Error(err))
			continue
		}
		pc.messagesIn.Add(1)
		telemetry.TransportMessagesTotal.WithLabelValues(msg.Op.String(), "in").Inc()

		switch msg.Op {
		case OpStop:
			pc.closeWithError(ReasonPeerStop, nil)
			return
		case OpFrame:
			pc.events.push(event{kind: eventFrame, msg: msg})
		case OpMotion:
			pc.events.push(event{kind: eventMotion, msg: msg})
		}
	}
}

// pollReader reads in poll-interval slices so the running flag is checked
// once per tick. A timeout with nothing read is retried in place, which
// leaves partial frames intact for io.ReadFull to resume.
type pollReader struct {
	pc   *PeerConnection
	conn net.Conn
}

func (r pollReader) Read(buf []byte) (int, error) {
	for {
		if !r.pc.running.Load() {
			return 0, errStopped
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(r.pc.opts.PollInterval)); err != nil {
			return 0, err
		}
		n, err := r.conn.Read(buf)
		if err != nil && isTimeout(err) {
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (pc *PeerConnection) closeAfterReadError(err error) {
	switch {
	case errors.Is(err, errStopped), errors.Is(err, net.ErrClosed):
		pc.closeWithError(ReasonLocal, nil)
	case errors.Is(err, io.EOF):
		pc.closeWithError(ReasonRemoteClosed, nil)
	default:
		pc.closeWithError(ReasonIOError, err)
	}
}

func (pc *PeerConnection) writeLoop(conn net.Conn) {
	defer pc.wg.Done()

	for {
		select {
		case <-pc.outbound.signal:
		case <-pc.closed:
			return
		}

		for _, item := range pc.outbound.drain() {
			if err := conn.SetWriteDeadline(time.Now().Add(pc.opts.WriteTimeout)); err != nil {
				pc.closeWithError(ReasonIOError, fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := WriteFrame(conn, item.payload); err != nil {
				if errors.Is(err, net.ErrClosed) {
					pc.closeWithError(ReasonLocal, nil)
				} else {
					pc.closeWithError(ReasonIOError, err)
				}
				return
			}

			written := frameHeaderSize + len(item.payload)
			pc.bytesOut.Add(int64(written))
			pc.messagesOut.Add(1)
			telemetry.TransportBytesTotal.WithLabelValues("out").Add(float64(written))
			telemetry.TransportMessagesTotal.WithLabelValues(item.op.String(), "out").Inc()

			if item.closeAfter {
				pc.closeWithError(ReasonLocal, nil)
				return
			}
		}
	}
}

func (pc *PeerConnection) dispatchLoop() {
	defer pc.wg.Done()

	for range pc.events.signal {
		for _, ev := range pc.events.drain() {
			switch ev.kind {
			case eventConnect:
				pc.observers.OnConnect(ev.peer)
			case eventFrame:
				pc.observers.OnFrame(ev.msg.Frame)
			case eventMotion:
				m := ev.msg.Motion
				pc.observers.OnMotion(m.Action, m.X, m.Y)
			case eventDisconnect:
				pc.observers.OnDisconnect()
				return
			case eventAbandon:
				return
			}
		}
	}
}

func (pc *PeerConnection) setState(state ConnectionState) {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	pc.state = state
}

func (pc *PeerConnection) closeWithError(reason DisconnectReason, err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.reason = reason
		pc.errMu.Unlock()

		pc.running.Store(false)
		pc.setState(StateDisconnected)
		pc.cancel()

		pc.connMu.Lock()
		pc.terminated = true
		conn := pc.conn
		pc.connMu.Unlock()

		if pc.listener != nil {
			_ = pc.listener.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}
		close(pc.closed)

		fields := []zap.Field{zap.String("reason", string(reason))}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		pc.log.Info("transport disconnected", fields...)
		telemetry.DisconnectsTotal.WithLabelValues(string(pc.role), string(reason)).Inc()

		pc.events.push(event{kind: eventDisconnect})
	})
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
