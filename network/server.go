package network

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Listen binds the transport port and returns an acceptor endpoint that
// serves the first inbound connection only. A bind failure is returned to
// the caller; any later failure, including the accept deadline expiring,
// is reported through OnDisconnect.
func Listen(options Options, observers *Observers) (*PeerConnection, error) {
	pc := newPeerConnection(RoleAcceptor, options, observers)

	listener, err := net.Listen("tcp", pc.opts.Address)
	if err != nil {
		pc.abandon()
		return nil, fmt.Errorf("listen on %q: %w", pc.opts.Address, err)
	}
	pc.listener = listener
	pc.log.Info("transport listening", zap.String("addr", listener.Addr().String()))

	pc.wg.Add(1)
	go pc.acceptOne()
	return pc, nil
}

// Addr returns the acceptor's listening address, or nil for a connector.
func (pc *PeerConnection) Addr() net.Addr {
	if pc.listener == nil {
		return nil
	}
	return pc.listener.Addr()
}

func (pc *PeerConnection) acceptOne() {
	defer pc.wg.Done()

	if tcp, ok := pc.listener.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(time.Now().Add(pc.opts.AcceptTimeout))
	}

	conn, err := pc.listener.Accept()
	_ = pc.listener.Close()
	if err != nil {
		switch {
		case pc.ctx.Err() != nil:
			pc.closeWithError(ReasonLocal, nil)
		case isTimeout(err):
			pc.closeWithError(ReasonAcceptTimeout, ErrAcceptTimeout)
		default:
			pc.closeWithError(ReasonIOError, fmt.Errorf("accept connection: %w", err))
		}
		return
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	pc.attach(conn)
}

// abandon tears down an endpoint that never started, without notifying
// observers.
func (pc *PeerConnection) abandon() {
	pc.closeOnce.Do(func() {
		pc.running.Store(false)
		pc.setState(StateDisconnected)
		pc.cancel()
		close(pc.closed)
		pc.events.push(event{kind: eventAbandon})
	})
}
