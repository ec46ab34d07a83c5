package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"castlink/logging"
	"castlink/telemetry"
)

// DefaultReadPollInterval bounds how long the listener blocks before it
// rechecks for shutdown.
const DefaultReadPollInterval = 200 * time.Millisecond

// Negotiator receives every REQUEST, ACCEPT and STOP datagram.
type Negotiator interface {
	HandleDatagram(from string, d Datagram)
}

// PeerSink records presence announcements.
type PeerSink interface {
	Upsert(addr string)
}

// ListenerConfig controls the discovery receiver.
type ListenerConfig struct {
	Port        int
	BindAddress string
	// LocalAddresses overrides interface detection for self suppression.
	LocalAddresses []string
	PollInterval   time.Duration
	Logger         *zap.Logger
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	out := c
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultReadPollInterval
	}
	out.Logger = logging.OrNop(out.Logger)
	return out
}

// Listener receives discovery datagrams and routes them.
type Listener struct {
	cfg        ListenerConfig
	log        *zap.Logger
	conn       *net.UDPConn
	peers      PeerSink
	negotiator Negotiator
	self       map[string]struct{}
}

// Listen binds the discovery port. A bind failure is returned.
func Listen(config ListenerConfig, peers PeerSink, negotiator Negotiator) (*Listener, error) {
	cfg := config.withDefaults()

	local := &net.UDPAddr{Port: cfg.Port}
	if cfg.BindAddress != "" {
		ip := net.ParseIP(cfg.BindAddress)
		if ip == nil {
			return nil, fmt.Errorf("invalid discovery bind address %q", cfg.BindAddress)
		}
		local.IP = ip
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, fmt.Errorf("listen on discovery port %d: %w", cfg.Port, err)
	}

	selfAddrs := cfg.LocalAddresses
	if selfAddrs == nil {
		selfAddrs, err = LocalAddresses()
		if err != nil {
			cfg.Logger.Warn("local address detection failed", zap.Error(err))
		}
	}
	self := make(map[string]struct{}, len(selfAddrs))
	for _, addr := range selfAddrs {
		self[addr] = struct{}{}
	}

	l := &Listener{
		cfg:        cfg,
		log:        cfg.Logger.Named("listener"),
		conn:       conn,
		peers:      peers,
		negotiator: negotiator,
		self:       self,
	}
	l.log.Info("discovery listening", zap.String("addr", conn.LocalAddr().String()))
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Port returns the bound port.
func (l *Listener) Port() int {
	_, port, _ := net.SplitHostPort(l.conn.LocalAddr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Close releases the socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Run receives datagrams until ctx ends, then closes the socket.
func (l *Listener) Run(ctx context.Context) error {
	defer l.conn.Close()

	buffer := make([]byte, MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.conn.SetReadDeadline(time.Now().Add(l.cfg.PollInterval)); err != nil {
			return fmt.Errorf("set discovery read deadline: %w", err)
		}

		n, from, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				continue
			case errors.Is(err, net.ErrClosed):
				return nil
			default:
				l.log.Warn("discovery receive failed", zap.Error(err))
				continue
			}
		}

		l.handle(from.IP.String(), buffer[:n])
	}
}

func (l *Listener) handle(from string, data []byte) {
	if _, isSelf := l.self[from]; isSelf {
		telemetry.DiscoveryDroppedTotal.WithLabelValues("self").Inc()
		return
	}

	d, err := DecodeDatagram(data)
	if err != nil {
		telemetry.DiscoveryDroppedTotal.WithLabelValues("malformed").Inc()
		l.log.Debug("dropping datagram", zap.String("from", from), zap.Error(err))
		return
	}
	telemetry.DiscoveryDatagramsTotal.WithLabelValues(d.Op.String(), "in").Inc()

	if d.Op == OpPresence {
		if l.peers != nil {
			l.peers.Upsert(from)
		}
		return
	}

	l.log.Info("negotiation datagram", zap.String("op", d.Op.String()), zap.String("from", from), zap.Stringer("metrics", d.Metrics))
	if l.negotiator != nil {
		l.negotiator.HandleDatagram(from, d)
	}
}
