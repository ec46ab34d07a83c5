package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// DiscoveredPeer is a device found through mDNS.
type DiscoveredPeer struct {
	DeviceID   string
	DeviceName string
	Version    int
	Addresses  []string
	LastSeen   time.Time
}

// PeerScanner browses mDNS periodically and records the IPv4 address of
// every other castlink device in a PeerSink.
type PeerScanner struct {
	cfg    MDNSConfig
	log    *zap.Logger
	browse browseFunc
	sink   PeerSink

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeerScanner creates a scanner feeding sink.
func NewPeerScanner(config MDNSConfig, sink PeerSink) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:    cfg,
		log:    cfg.Logger.Named("mdns"),
		browse: browse,
		sink:   sink,
		peers:  make(map[string]DiscoveredPeer),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins background browsing.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends browsing and waits for the loop to exit.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// ListPeers returns the devices seen by the latest browse, sorted by name.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.scan()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scan()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) scan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				found[peer.DeviceID] = peer
				for _, addr := range peer.Addresses {
					if s.sink != nil {
						s.sink.Upsert(addr)
					}
				}
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.log.Warn("mDNS browse failed", zap.Error(err))
	}
	<-scanCtx.Done()
	<-collectorDone

	s.mu.Lock()
	s.peers = found
	s.mu.Unlock()
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if parsed, err := strconv.Atoi(txt["version"]); err == nil {
		version = parsed
	}

	seen := make(map[string]struct{})
	var addresses []string
	for _, ip := range entry.AddrIPv4 {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		raw := v4.String()
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	if len(addresses) == 0 {
		return DiscoveredPeer{}, false
	}
	sort.Strings(addresses)

	name := txt["device_name"]
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    version,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
