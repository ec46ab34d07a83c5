package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"castlink/logging"
	"castlink/models"
	"castlink/telemetry"
)

// RegistryConfig controls peer retention.
type RegistryConfig struct {
	// EvictionThreshold is the age after which a silent peer is removed.
	EvictionThreshold time.Duration
	// Now is the clock; tests replace it.
	Now    func() time.Time
	Logger *zap.Logger
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	out := c
	if out.EvictionThreshold <= 0 {
		out.EvictionThreshold = EvictionFactor * DefaultInterval
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	out.Logger = logging.OrNop(out.Logger)
	return out
}

// Registry is the set of peers recently heard on the LAN, keyed by IP.
// The connected peer is pinned and survives sweeps.
type Registry struct {
	cfg RegistryConfig
	log *zap.Logger

	mu        sync.RWMutex
	peers     map[models.PeerAddress]time.Time
	connected models.PeerAddress

	obsMu     sync.Mutex
	nextObsID uint64
	observers []registryObserver
}

type registryObserver struct {
	id uint64
	fn func(snapshot []string)
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	cfg := config.withDefaults()
	return &Registry{
		cfg:   cfg,
		log:   cfg.Logger.Named("registry"),
		peers: make(map[models.PeerAddress]time.Time),
	}
}

// EvictionThreshold returns the configured retention window.
func (r *Registry) EvictionThreshold() time.Duration {
	return r.cfg.EvictionThreshold
}

// Upsert records that addr was heard now.
func (r *Registry) Upsert(addr models.PeerAddress) {
	if addr == "" {
		return
	}

	r.mu.Lock()
	_, known := r.peers[addr]
	r.peers[addr] = r.cfg.Now()
	size := len(r.peers)
	r.mu.Unlock()

	if !known {
		r.log.Debug("peer discovered", zap.String("peer", addr))
		telemetry.KnownPeers.Set(float64(size))
		r.notify()
	}
}

// Sweep removes every peer silent for longer than the eviction threshold,
// except the connected one, and returns the removed addresses.
func (r *Registry) Sweep() []models.PeerAddress {
	now := r.cfg.Now()

	r.mu.Lock()
	var removed []models.PeerAddress
	for addr, lastSeen := range r.peers {
		if addr == r.connected {
			continue
		}
		if (models.PeerRecord{Address: addr, LastSeenAt: lastSeen}).Expired(now, r.cfg.EvictionThreshold) {
			delete(r.peers, addr)
			removed = append(removed, addr)
		}
	}
	size := len(r.peers)
	r.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	sort.Strings(removed)
	r.log.Debug("peers evicted", zap.Strings("peers", removed))
	telemetry.KnownPeers.Set(float64(size))
	r.notify()
	return removed
}

// SetConnected pins addr so sweeps keep it.
func (r *Registry) SetConnected(addr models.PeerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = addr
}

// ClearConnected unpins the connected peer. It becomes evictable again from
// its last presence timestamp.
func (r *Registry) ClearConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = ""
}

// Connected returns the pinned address, if any.
func (r *Registry) Connected() models.PeerAddress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Snapshot returns the live addresses in sorted order. A peer past the
// eviction threshold is left out even before the next sweep removes it.
func (r *Registry) Snapshot() []string {
	records := r.Records()
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.Address
	}
	return out
}

// Records returns the live peers with their last presence time, sorted by
// address.
func (r *Registry) Records() []models.PeerRecord {
	now := r.cfg.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PeerRecord, 0, len(r.peers))
	for addr, lastSeen := range r.peers {
		rec := models.PeerRecord{Address: addr, LastSeenAt: lastSeen}
		if addr != r.connected && rec.Expired(now, r.cfg.EvictionThreshold) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Subscribe registers fn to receive the snapshot after every membership
// change. Observers run in registration order on the goroutine that made
// the change.
func (r *Registry) Subscribe(fn func(snapshot []string)) (cancel func()) {
	r.obsMu.Lock()
	r.nextObsID++
	id := r.nextObsID
	r.observers = append(r.observers, registryObserver{id: id, fn: fn})
	r.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.obsMu.Lock()
			defer r.obsMu.Unlock()
			for i, obs := range r.observers {
				if obs.id == id {
					r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Registry) notify() {
	r.obsMu.Lock()
	observers := append([]registryObserver(nil), r.observers...)
	r.obsMu.Unlock()
	if len(observers) == 0 {
		return
	}

	snapshot := r.Snapshot()
	for _, obs := range observers {
		obs.fn(append([]string(nil), snapshot...))
	}
}

// Run sweeps once per eviction threshold until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.EvictionThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}
