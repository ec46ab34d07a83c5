package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"castlink/logging"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_castlink._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the optional mDNS advertiser and scanner that feed the
// same registry as the UDP beacon.
type MDNSConfig struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID string
	DeviceName   string
	// Port is advertised in the SRV record; castlink advertises its
	// discovery port.
	Port   int
	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	out.Logger = logging.OrNop(out.Logger)
	return out
}

func (c MDNSConfig) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	return nil
}

// Advertiser publishes the local device over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the castlink service record.
func StartAdvertiser(config MDNSConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"device_name=" + cfg.DeviceName,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the service record.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// MDNS runs the advertiser and scanner together.
type MDNS struct {
	Advertiser *Advertiser
	Scanner    *PeerScanner
}

// StartMDNS advertises the local device and starts browsing into peers.
func StartMDNS(config MDNSConfig, peers PeerSink) (*MDNS, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg, peers)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	scanner.Start()

	return &MDNS{Advertiser: advertiser, Scanner: scanner}, nil
}

// Stop stops scanning and withdraws the advertisement.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	if m.Scanner != nil {
		m.Scanner.Stop()
	}
	if m.Advertiser != nil {
		m.Advertiser.Stop()
	}
}
