package network

import (
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Dial returns a connector endpoint that connects to address in the
// background. A failed dial is reported through OnDisconnect.
func Dial(address string, options Options, observers *Observers) *PeerConnection {
	pc := newPeerConnection(RoleConnector, options, observers)

	pc.wg.Add(1)
	go pc.dial(address)
	return pc
}

func (pc *PeerConnection) dial(address string) {
	defer pc.wg.Done()

	dialer := net.Dialer{Timeout: pc.opts.ConnectTimeout}
	if pc.opts.LocalAddress != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(pc.opts.LocalAddress)}
	}

	pc.log.Info("transport connecting", zap.String("addr", address))
	conn, err := dialer.DialContext(pc.ctx, "tcp", address)
	if err != nil {
		pc.closeWithError(ReasonDialFailed, fmt.Errorf("dial %q: %w", address, err))
		return
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	pc.attach(conn)
}
