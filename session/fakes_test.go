package session

import (
	"errors"
	"sync"

	"castlink/discovery"
	"castlink/models"
	"castlink/network"
	"castlink/storage"
)

type sentDatagram struct {
	to string
	d  discovery.Datagram
}

type fakeBeacon struct {
	mu        sync.Mutex
	target    string
	payload   discovery.Datagram
	retargets []sentDatagram
	sent      []sentDatagram
	resets    int
	suspended bool
	resumes   int
}

func (b *fakeBeacon) Retarget(addr string, d discovery.Datagram) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target, b.payload = addr, d
	b.retargets = append(b.retargets, sentDatagram{to: addr, d: d})
	return nil
}

func (b *fakeBeacon) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target, b.payload = discovery.DefaultBroadcastAddress, discovery.Presence()
	b.resets++
}

func (b *fakeBeacon) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = true
}

func (b *fakeBeacon) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = false
	b.resumes++
}

func (b *fakeBeacon) SendTo(addr string, d discovery.Datagram) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentDatagram{to: addr, d: d})
	return nil
}

func (b *fakeBeacon) sentOps(op discovery.Opcode) []sentDatagram {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentDatagram
	for _, s := range b.sent {
		if s.d.Op == op {
			out = append(out, s)
		}
	}
	return out
}

type fakeEndpoint struct {
	observers *network.Observers

	mu          sync.Mutex
	frames      [][]byte
	motions     []models.Motion
	disconnects int
	closes      int
	terminated  bool
	reason      network.DisconnectReason
}

func (e *fakeEndpoint) SendFrame(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, data)
	return nil
}

func (e *fakeEndpoint) SendMotion(action, x, y int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.motions = append(e.motions, models.Motion{Action: action, X: x, Y: y})
	return nil
}

func (e *fakeEndpoint) Disconnect() error {
	e.mu.Lock()
	e.disconnects++
	e.mu.Unlock()
	e.terminate(network.ReasonLocal)
	return nil
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
	e.terminate(network.ReasonLocal)
	return nil
}

func (e *fakeEndpoint) terminate(reason network.DisconnectReason) {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return
	}
	e.terminated = true
	e.reason = reason
	e.mu.Unlock()
	e.observers.OnDisconnect()
}

func (e *fakeEndpoint) connect(peer string) { e.observers.OnConnect(peer) }

func (e *fakeEndpoint) Wait() {}

func (e *fakeEndpoint) Stats() network.Stats { return network.Stats{} }

func (e *fakeEndpoint) Reason() network.DisconnectReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

func (e *fakeEndpoint) LastError() error { return nil }

type fakeTransport struct {
	mu        sync.Mutex
	listens   int
	dials     []string
	endpoints []*fakeEndpoint
	listenErr error
}

func (t *fakeTransport) Listen(observers *network.Observers) (Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	t.listens++
	ep := &fakeEndpoint{observers: observers}
	t.endpoints = append(t.endpoints, ep)
	return ep, nil
}

func (t *fakeTransport) Dial(peer string, observers *network.Observers) Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials = append(t.dials, peer)
	ep := &fakeEndpoint{observers: observers}
	t.endpoints = append(t.endpoints, ep)
	return ep
}

func (t *fakeTransport) last() *fakeEndpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.endpoints) == 0 {
		return nil
	}
	return t.endpoints[len(t.endpoints)-1]
}

type fakePinner struct {
	mu        sync.Mutex
	connected string
}

func (p *fakePinner) SetConnected(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = addr
}

func (p *fakePinner) ClearConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = ""
}

func (p *fakePinner) get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

type fakeEventLog struct {
	mu       sync.Mutex
	events   []storage.SessionEvent
	sessions []string
}

func (l *fakeEventLog) LogSessionEvent(event storage.SessionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *fakeEventLog) RecordSessionStart(address, role string, _ int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append(l.sessions, address+"/"+role)
	return nil
}

func (l *fakeEventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.EventType
	}
	return out
}

type stateRecorder struct {
	mu     sync.Mutex
	states []models.ConnectionState
	lines  []string
}

func (r *stateRecorder) OnSessionChange(s models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.State)
}

func (r *stateRecorder) OnLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *stateRecorder) snapshot() []models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConnectionState(nil), r.states...)
}

type sinkRecorder struct {
	mu      sync.Mutex
	frames  [][]byte
	motions []models.Motion
}

func (s *sinkRecorder) OnFrame(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
}

func (s *sinkRecorder) OnMotion(action, x, y int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motions = append(s.motions, models.Motion{Action: action, X: x, Y: y})
}

func (s *sinkRecorder) counts() (frames, motions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames), len(s.motions)
}

var errListen = errors.New("address already in use")
