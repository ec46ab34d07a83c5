// Package session owns the single screencast session: it turns discovery
// datagrams and transport events into role and state transitions.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"castlink/discovery"
	"castlink/logging"
	"castlink/models"
	"castlink/network"
	"castlink/storage"
	"castlink/telemetry"
)

var (
	// ErrBusy indicates a session is already connecting or connected.
	ErrBusy = errors.New("session: busy")
	// ErrNotConnected indicates no connected session.
	ErrNotConnected = errors.New("session: not connected")
	// ErrWrongRole indicates the operation belongs to the other role.
	ErrWrongRole = errors.New("session: wrong role for operation")
	// ErrInvalidAddress indicates a peer address that is not an IPv4 literal.
	ErrInvalidAddress = errors.New("session: invalid peer address")
)

// Beacon is the discovery sender the manager steers.
type Beacon interface {
	Retarget(addr string, d discovery.Datagram) error
	Reset()
	Suspend()
	Resume()
	SendTo(addr string, d discovery.Datagram) error
}

// PeerPinner keeps the connected peer in the registry.
type PeerPinner interface {
	SetConnected(addr string)
	ClearConnected()
}

// EventLog persists session transitions.
type EventLog interface {
	LogSessionEvent(event storage.SessionEvent) error
	RecordSessionStart(address, role string, startedAt int64) error
}

// Observer is told about every session state change and every textual log
// line the manager produces.
type Observer interface {
	OnSessionChange(s models.Session)
	OnLog(line string)
}

// Config wires the manager to its collaborators. Beacon and Transport are
// required.
type Config struct {
	LocalMetrics models.ScreenMetrics
	Beacon       Beacon
	Registry     PeerPinner
	Transport    Transport
	EventLog     EventLog
	Logger       *zap.Logger
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Now == nil {
		out.Now = time.Now
	}
	out.Logger = logging.OrNop(out.Logger)
	return out
}

// Manager negotiates and runs at most one session at a time.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu            sync.Mutex
	session       models.Session
	pendingTarget string
	endpoint      Endpoint
	generation    uint64

	obsMu     sync.Mutex
	nextObsID uint64
	observers []observerEntry

	sinks *network.Observers
}

type observerEntry struct {
	id       uint64
	observer Observer
}

// NewManager creates an idle manager.
func NewManager(config Config) (*Manager, error) {
	cfg := config.withDefaults()
	if cfg.Beacon == nil {
		return nil, errors.New("beacon is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}

	m := &Manager{
		cfg:   cfg,
		log:   cfg.Logger.Named("session"),
		sinks: network.NewObservers(),
	}
	m.session = m.idleSession(models.StateIdle)
	return m, nil
}

// Start moves an idle manager to DISCOVERING.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.session.State != models.StateIdle {
		m.mu.Unlock()
		return
	}
	m.session.State = models.StateDiscovering
	snap := m.session
	m.mu.Unlock()

	m.publish(snap)
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Stats returns the traffic counters of the current endpoint.
func (m *Manager) Stats() (network.Stats, bool) {
	m.mu.Lock()
	ep := m.endpoint
	m.mu.Unlock()
	if ep == nil {
		return network.Stats{}, false
	}
	return ep.Stats(), true
}

// Subscribe registers o. Observers run in registration order outside the
// session lock.
func (m *Manager) Subscribe(o Observer) (cancel func()) {
	m.obsMu.Lock()
	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, observerEntry{id: id, observer: o})
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			defer m.obsMu.Unlock()
			for i, entry := range m.observers {
				if entry.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// AddSink registers a network.FrameSink and/or network.InputSink that
// receives inbound frames (as Controller) or motions (as Source).
func (m *Manager) AddSink(sink any) (cancel func(), err error) {
	return m.sinks.Subscribe(sink)
}

// RequestSession asks peer to pair, with the local device as Source. The
// REQUEST is repeated every beacon interval until an ACCEPT arrives; a
// later call replaces the pending target.
func (m *Manager) RequestSession(peer string) error {
	ip := net.ParseIP(peer)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, peer)
	}
	peer = ip.To4().String()

	m.mu.Lock()
	switch m.session.State {
	case models.StateConnecting, models.StateConnected, models.StateDisconnecting:
		state := m.session.State
		m.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrBusy, state)
	}

	m.session = models.Session{
		ID:           uuid.NewString(),
		Role:         models.RoleSource,
		PeerAddress:  peer,
		LocalMetrics: m.cfg.LocalMetrics,
		State:        models.StateNegotiating,
		StartedAt:    m.cfg.Now(),
	}
	m.pendingTarget = peer
	snap := m.session
	m.mu.Unlock()

	if err := m.cfg.Beacon.Retarget(peer, discovery.Request(m.cfg.LocalMetrics)); err != nil {
		m.abandonNegotiation(snap.ID)
		return fmt.Errorf("send request to %s: %w", peer, err)
	}

	m.publish(snap)
	m.record(snap, "request_sent", storage.SeverityInfo, map[string]any{
		"width":  m.cfg.LocalMetrics.Width,
		"height": m.cfg.LocalMetrics.Height,
	})
	return nil
}

// HandleDatagram routes REQUEST, ACCEPT and STOP from the discovery listener.
func (m *Manager) HandleDatagram(from string, d discovery.Datagram) {
	switch d.Op {
	case discovery.OpRequest:
		m.handleRequest(from, d.Metrics)
	case discovery.OpAccept:
		m.handleAccept(from, d.Metrics)
	case discovery.OpStop:
		m.handleStop(from)
	}
}

func (m *Manager) handleRequest(from string, remote models.ScreenMetrics) {
	m.mu.Lock()
	current := m.session

	switch {
	case current.State == models.StateConnected,
		current.State == models.StateDisconnecting,
		current.State == models.StateConnecting && current.Role == models.RoleSource,
		current.State == models.StateConnecting && current.PeerAddress != from:
		m.mu.Unlock()
		m.record(current, "request_ignored", storage.SeverityWarning, map[string]any{
			"from":  from,
			"state": string(current.State),
		})
		return

	case current.State == models.StateConnecting:
		// Repeated REQUEST from the peer we are already accepting for: the
		// acceptor stays as it is and ACCEPT is sent again.
		m.session.RemoteMetrics = remote
		m.mu.Unlock()
		m.sendAccept(from)
		return
	}

	droppedPending := m.pendingTarget != ""
	m.pendingTarget = ""
	m.session = models.Session{
		ID:            uuid.NewString(),
		Role:          models.RoleController,
		PeerAddress:   from,
		LocalMetrics:  m.cfg.LocalMetrics,
		RemoteMetrics: remote,
		State:         models.StateConnecting,
		StartedAt:     m.cfg.Now(),
	}

	if m.endpoint == nil {
		m.generation++
		endpoint, err := m.cfg.Transport.Listen(m.endpointObservers(m.generation))
		if err != nil {
			m.session = m.idleSession(models.StateDiscovering)
			failed := m.session
			m.mu.Unlock()
			if droppedPending {
				m.cfg.Beacon.Reset()
			}
			m.publish(failed)
			m.record(failed, "listen_failed", storage.SeverityError, map[string]any{
				"peer":  from,
				"error": err.Error(),
			})
			return
		}
		m.endpoint = endpoint
	}
	snap := m.session
	m.mu.Unlock()

	if droppedPending {
		m.cfg.Beacon.Reset()
	}
	m.publish(snap)
	m.record(snap, "request_received", storage.SeverityInfo, map[string]any{
		"width":  remote.Width,
		"height": remote.Height,
	})
	m.sendAccept(from)
}

func (m *Manager) sendAccept(to string) {
	if err := m.cfg.Beacon.SendTo(to, discovery.Accept(m.cfg.LocalMetrics)); err != nil {
		m.log.Warn("send accept failed", zap.String("peer", to), zap.Error(err))
	}
}

func (m *Manager) handleAccept(from string, remote models.ScreenMetrics) {
	m.mu.Lock()
	if m.session.State != models.StateNegotiating ||
		m.session.Role != models.RoleSource ||
		m.pendingTarget != from ||
		m.endpoint != nil {
		m.mu.Unlock()
		m.log.Debug("ignoring accept", zap.String("from", from))
		return
	}

	m.pendingTarget = ""
	m.session.RemoteMetrics = remote
	m.session.State = models.StateConnecting
	m.generation++
	m.endpoint = m.cfg.Transport.Dial(from, m.endpointObservers(m.generation))
	snap := m.session
	m.mu.Unlock()

	m.cfg.Beacon.Reset()
	m.publish(snap)
	m.record(snap, "accept_received", storage.SeverityInfo, map[string]any{
		"width":  remote.Width,
		"height": remote.Height,
	})
}

func (m *Manager) handleStop(from string) {
	m.mu.Lock()
	current := m.session
	if current.PeerAddress != from {
		m.mu.Unlock()
		return
	}

	switch current.State {
	case models.StateNegotiating, models.StateConnecting, models.StateConnected:
	default:
		m.mu.Unlock()
		return
	}

	if endpoint := m.endpoint; endpoint != nil {
		m.session.State = models.StateDisconnecting
		snap := m.session
		m.mu.Unlock()

		m.publish(snap)
		m.record(snap, "stop_received", storage.SeverityInfo, nil)
		_ = endpoint.Close()
		return
	}
	m.mu.Unlock()

	m.record(current, "stop_received", storage.SeverityInfo, nil)
	m.abandonNegotiation(current.ID)
}

// Stop ends the session from the local side. A connected session sends
// the transport STOP; an unfinished negotiation unicasts a discovery STOP
// to the peer.
func (m *Manager) Stop() error {
	m.mu.Lock()
	current := m.session
	endpoint := m.endpoint

	switch current.State {
	case models.StateConnected:
		m.session.State = models.StateDisconnecting
		snap := m.session
		m.mu.Unlock()

		m.publish(snap)
		m.record(snap, "stop_requested", storage.SeverityInfo, nil)
		return endpoint.Disconnect()

	case models.StateNegotiating, models.StateConnecting:
		if endpoint != nil {
			m.session.State = models.StateDisconnecting
		}
		snap := m.session
		m.mu.Unlock()

		if err := m.cfg.Beacon.SendTo(current.PeerAddress, discovery.Stop()); err != nil {
			m.log.Warn("send stop failed", zap.String("peer", current.PeerAddress), zap.Error(err))
		}
		m.record(snap, "stop_requested", storage.SeverityInfo, nil)
		if endpoint != nil {
			m.publish(snap)
			return endpoint.Close()
		}
		m.abandonNegotiation(current.ID)
		return nil

	default:
		m.mu.Unlock()
		return nil
	}
}

// Close stops the session and waits for its endpoint to shut down. It
// must not be called from an observer or sink callback.
func (m *Manager) Close() error {
	m.mu.Lock()
	endpoint := m.endpoint
	m.mu.Unlock()

	err := m.Stop()
	if endpoint != nil {
		endpoint.Wait()
	}
	return err
}

// SendFrame streams one encoded frame to the Controller.
func (m *Manager) SendFrame(data []byte) error {
	endpoint, err := m.connectedEndpoint(models.RoleSource)
	if err != nil {
		return err
	}
	return endpoint.SendFrame(data)
}

// SendMotion relays one pointer event to the Source.
func (m *Manager) SendMotion(motion models.Motion) error {
	endpoint, err := m.connectedEndpoint(models.RoleController)
	if err != nil {
		return err
	}
	return endpoint.SendMotion(motion.Action, motion.X, motion.Y)
}

func (m *Manager) connectedEndpoint(role models.Role) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != models.StateConnected || m.endpoint == nil {
		return nil, ErrNotConnected
	}
	if m.session.Role != role {
		return nil, fmt.Errorf("%w: local role is %s", ErrWrongRole, m.session.Role)
	}
	return m.endpoint, nil
}

// abandonNegotiation returns to DISCOVERING if session id is still the
// current one and has no endpoint.
func (m *Manager) abandonNegotiation(id string) {
	m.mu.Lock()
	if m.session.ID != id || m.endpoint != nil {
		m.mu.Unlock()
		return
	}
	m.pendingTarget = ""
	m.session = m.idleSession(models.StateDiscovering)
	snap := m.session
	m.mu.Unlock()

	m.cfg.Beacon.Reset()
	m.publish(snap)
}

func (m *Manager) onConnect(generation uint64, peer string) {
	m.mu.Lock()
	if generation != m.generation || m.session.State != models.StateConnecting {
		m.mu.Unlock()
		return
	}
	m.session.State = models.StateConnected
	snap := m.session
	m.mu.Unlock()

	if m.cfg.Registry != nil {
		m.cfg.Registry.SetConnected(snap.PeerAddress)
	}
	m.cfg.Beacon.Suspend()
	telemetry.SessionsTotal.WithLabelValues(string(snap.Role)).Inc()
	if m.cfg.EventLog != nil {
		if err := m.cfg.EventLog.RecordSessionStart(snap.PeerAddress, string(snap.Role), m.cfg.Now().UnixMilli()); err != nil {
			m.log.Warn("record session start failed", zap.Error(err))
		}
	}

	m.publish(snap)
	m.record(snap, "connected", storage.SeverityInfo, map[string]any{"remote": peer})
}

func (m *Manager) onDisconnect(generation uint64) {
	m.mu.Lock()
	if generation != m.generation || m.endpoint == nil {
		m.mu.Unlock()
		return
	}
	endpoint := m.endpoint
	m.endpoint = nil
	m.generation++
	m.pendingTarget = ""

	m.session.State = models.StateDisconnecting
	closing := m.session
	m.session = m.idleSession(models.StateIdle)
	idle := m.session
	m.session.State = models.StateDiscovering
	discovering := m.session
	m.mu.Unlock()

	if m.cfg.Registry != nil {
		m.cfg.Registry.ClearConnected()
	}
	m.cfg.Beacon.Reset()
	m.cfg.Beacon.Resume()

	severity := storage.SeverityInfo
	details := map[string]any{"reason": string(endpoint.Reason())}
	if err := endpoint.LastError(); err != nil {
		severity = storage.SeverityError
		details["error"] = err.Error()
	}
	stats := endpoint.Stats()
	details["bytes_in"] = stats.BytesIn
	details["bytes_out"] = stats.BytesOut

	m.publish(closing)
	m.record(closing, "disconnected", severity, details)
	m.publish(idle)
	m.publish(discovering)
}

func (m *Manager) onFrame(generation uint64, data []byte) {
	if !m.accepts(generation, models.RoleController) {
		m.log.Debug("dropping frame outside controller session")
		return
	}
	m.sinks.OnFrame(data)
}

func (m *Manager) onMotion(generation uint64, action, x, y int32) {
	if !m.accepts(generation, models.RoleSource) {
		m.log.Debug("dropping motion outside source session")
		return
	}
	m.sinks.OnMotion(action, x, y)
}

func (m *Manager) accepts(generation uint64, role models.Role) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return generation == m.generation &&
		m.session.State == models.StateConnected &&
		m.session.Role == role
}

func (m *Manager) endpointObservers(generation uint64) *network.Observers {
	observers := network.NewObservers()
	_, _ = observers.Subscribe(endpointObserver{m: m, generation: generation})
	return observers
}

func (m *Manager) idleSession(state models.ConnectionState) models.Session {
	return models.Session{
		Role:         models.RoleUndetermined,
		LocalMetrics: m.cfg.LocalMetrics,
		State:        state,
	}
}

func (m *Manager) publish(s models.Session) {
	telemetry.SessionState.Set(float64(s.State.Code()))
	for _, o := range m.snapshotObservers() {
		o.OnSessionChange(s)
	}
}

func (m *Manager) record(s models.Session, eventType, severity string, details map[string]any) {
	fields := []zap.Field{
		zap.String("event", eventType),
		zap.String("state", string(s.State)),
		zap.String("role", string(s.Role)),
	}
	if s.PeerAddress != "" {
		fields = append(fields, zap.String("peer", s.PeerAddress))
	}
	if len(details) > 0 {
		fields = append(fields, zap.Any("details", details))
	}
	switch severity {
	case storage.SeverityError:
		m.log.Warn("session event", fields...)
	default:
		m.log.Info("session event", fields...)
	}

	line := fmt.Sprintf("%s %s peer=%s role=%s", m.cfg.Now().Format("15:04:05"), eventType, s.PeerAddress, s.Role)
	for _, o := range m.snapshotObservers() {
		o.OnLog(line)
	}

	if m.cfg.EventLog == nil {
		return
	}
	raw := "{}"
	if len(details) > 0 {
		if encoded, err := json.Marshal(details); err == nil {
			raw = string(encoded)
		}
	}
	var peer *string
	if s.PeerAddress != "" {
		addr := s.PeerAddress
		peer = &addr
	}
	if err := m.cfg.EventLog.LogSessionEvent(storage.SessionEvent{
		SessionID:   s.ID,
		EventType:   eventType,
		PeerAddress: peer,
		Role:        string(s.Role),
		State:       string(s.State),
		Details:     raw,
		Severity:    severity,
		Timestamp:   m.cfg.Now().UnixMilli(),
	}); err != nil {
		m.log.Warn("persist session event failed", zap.Error(err))
	}
}

func (m *Manager) snapshotObservers() []Observer {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	out := make([]Observer, len(m.observers))
	for i, entry := range m.observers {
		out[i] = entry.observer
	}
	return out
}

type endpointObserver struct {
	m          *Manager
	generation uint64
}

func (o endpointObserver) OnConnect(peer string) { o.m.onConnect(o.generation, peer) }
func (o endpointObserver) OnDisconnect()         { o.m.onDisconnect(o.generation) }
func (o endpointObserver) OnFrame(data []byte)   { o.m.onFrame(o.generation, data) }
func (o endpointObserver) OnMotion(action, x, y int32) {
	o.m.onMotion(o.generation, action, x, y)
}
