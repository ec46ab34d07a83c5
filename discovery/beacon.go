package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"castlink/logging"
	"castlink/telemetry"
)

// BeaconConfig controls the periodic sender.
type BeaconConfig struct {
	Interval time.Duration
	// Port is the discovery port datagrams are sent to.
	Port             int
	BroadcastAddress string
	// BindAddress is the local IP of the sending socket; empty binds all.
	BindAddress string
	Logger      *zap.Logger
}

func (c BeaconConfig) withDefaults() BeaconConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = DefaultBroadcastAddress
	}
	out.Logger = logging.OrNop(out.Logger)
	return out
}

// Beacon repeats one datagram to one target every interval. By default it
// broadcasts PRESENCE; during negotiation it is retargeted to unicast a
// REQUEST to the prospective peer.
type Beacon struct {
	cfg  BeaconConfig
	log  *zap.Logger
	conn *net.UDPConn

	mu        sync.Mutex
	target    string
	payload   Datagram
	suspended bool

	rearm     chan struct{}
	closeOnce sync.Once
}

// NewBeacon opens the sending socket on an ephemeral port.
func NewBeacon(config BeaconConfig) (*Beacon, error) {
	cfg := config.withDefaults()

	local := &net.UDPAddr{}
	if cfg.BindAddress != "" {
		ip := net.ParseIP(cfg.BindAddress)
		if ip == nil {
			return nil, fmt.Errorf("invalid beacon bind address %q", cfg.BindAddress)
		}
		local.IP = ip
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, fmt.Errorf("open beacon socket: %w", err)
	}

	return &Beacon{
		cfg:     cfg,
		log:     cfg.Logger.Named("beacon"),
		conn:    conn,
		target:  cfg.BroadcastAddress,
		payload: Presence(),
		rearm:   make(chan struct{}, 1),
	}, nil
}

// Target returns the current destination and datagram.
func (b *Beacon) Target() (string, Datagram) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target, b.payload
}

// Suspended reports whether periodic sends are paused.
func (b *Beacon) Suspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended
}

// Retarget replaces the repeated destination and datagram and sends it
// right away unless the beacon is suspended.
func (b *Beacon) Retarget(addr string, d Datagram) error {
	if net.ParseIP(addr) == nil {
		return fmt.Errorf("invalid beacon target %q", addr)
	}

	b.mu.Lock()
	b.target = addr
	b.payload = d
	suspended := b.suspended
	b.mu.Unlock()

	if !suspended {
		b.sendCurrent()
		b.rearmTicker()
	}
	return nil
}

// Reset returns to broadcasting PRESENCE.
func (b *Beacon) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = b.cfg.BroadcastAddress
	b.payload = Presence()
}

// Suspend pauses periodic sends.
func (b *Beacon) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = true
}

// Resume restarts periodic sends, beginning with one immediate send.
func (b *Beacon) Resume() {
	b.mu.Lock()
	b.suspended = false
	b.mu.Unlock()

	b.sendCurrent()
	b.rearmTicker()
}

// SendTo sends d once to addr on the discovery port.
func (b *Beacon) SendTo(addr string, d Datagram) error {
	return b.write(addr, d)
}

// Run sends the current datagram every interval until ctx ends, then
// closes the socket.
func (b *Beacon) Run(ctx context.Context) error {
	defer b.Close()

	if !b.Suspended() {
		b.sendCurrent()
	}

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.rearm:
			ticker.Reset(b.cfg.Interval)
		case <-ticker.C:
			if !b.Suspended() {
				b.sendCurrent()
			}
		}
	}
}

// Close releases the socket.
func (b *Beacon) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.conn.Close()
	})
	return err
}

func (b *Beacon) rearmTicker() {
	select {
	case b.rearm <- struct{}{}:
	default:
	}
}

func (b *Beacon) sendCurrent() {
	target, payload := b.Target()
	if err := b.write(target, payload); err != nil && !errors.Is(err, net.ErrClosed) {
		b.log.Warn("beacon send failed", zap.String("target", target), zap.Error(err))
	}
}

func (b *Beacon) write(addr string, d Datagram) error {
	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(addr, strconv.Itoa(b.cfg.Port)))
	if err != nil {
		return fmt.Errorf("resolve %q: %w", addr, err)
	}
	if _, err := b.conn.WriteToUDP(EncodeDatagram(d), dst); err != nil {
		return fmt.Errorf("send %s to %s: %w", d.Op, addr, err)
	}
	telemetry.DiscoveryDatagramsTotal.WithLabelValues(d.Op.String(), "out").Inc()
	b.log.Debug("datagram sent", zap.String("op", d.Op.String()), zap.String("target", addr))
	return nil
}
