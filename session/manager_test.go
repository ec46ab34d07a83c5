package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castlink/discovery"
	"castlink/models"
)

var (
	sourceMetrics     = models.ScreenMetrics{Width: 1080, Height: 2340}
	controllerMetrics = models.ScreenMetrics{Width: 1440, Height: 3200}
)

type harness struct {
	manager   *Manager
	beacon    *fakeBeacon
	transport *fakeTransport
	pinner    *fakePinner
	events    *fakeEventLog
	states    *stateRecorder
}

func newHarness(t *testing.T, local models.ScreenMetrics) *harness {
	t.Helper()
	h := &harness{
		beacon:    &fakeBeacon{},
		transport: &fakeTransport{},
		pinner:    &fakePinner{},
		events:    &fakeEventLog{},
		states:    &stateRecorder{},
	}
	m, err := NewManager(Config{
		LocalMetrics: local,
		Beacon:       h.beacon,
		Registry:     h.pinner,
		Transport:    h.transport,
		EventLog:     h.events,
	})
	require.NoError(t, err)
	m.Subscribe(h.states)
	m.Start()
	h.manager = m
	return h
}

func (h *harness) connectAsSource(t *testing.T, peer string) *fakeEndpoint {
	t.Helper()
	require.NoError(t, h.manager.RequestSession(peer))
	h.manager.HandleDatagram(peer, discovery.Accept(controllerMetrics))
	ep := h.transport.last()
	require.NotNil(t, ep)
	ep.connect(peer)
	require.Equal(t, models.StateConnected, h.manager.Session().State)
	return ep
}

func (h *harness) connectAsController(t *testing.T, peer string) *fakeEndpoint {
	t.Helper()
	h.manager.HandleDatagram(peer, discovery.Request(sourceMetrics))
	ep := h.transport.last()
	require.NotNil(t, ep)
	ep.connect(peer)
	require.Equal(t, models.StateConnected, h.manager.Session().State)
	return ep
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	_, err := NewManager(Config{Transport: &fakeTransport{}})
	assert.Error(t, err)
	_, err = NewManager(Config{Beacon: &fakeBeacon{}})
	assert.Error(t, err)
}

func TestRequestSessionRetargetsBeacon(t *testing.T) {
	h := newHarness(t, sourceMetrics)

	require.NoError(t, h.manager.RequestSession("192.168.1.20"))

	s := h.manager.Session()
	assert.Equal(t, models.StateNegotiating, s.State)
	assert.Equal(t, models.RoleSource, s.Role)
	assert.Equal(t, "192.168.1.20", s.PeerAddress)
	assert.NotEmpty(t, s.ID)

	require.Len(t, h.beacon.retargets, 1)
	assert.Equal(t, "192.168.1.20", h.beacon.retargets[0].to)
	assert.Equal(t, discovery.Request(sourceMetrics), h.beacon.retargets[0].d)

	require.NoError(t, h.manager.RequestSession("192.168.1.21"))
	assert.Equal(t, "192.168.1.21", h.beacon.target, "a new request replaces the pending target")
	assert.Equal(t, "192.168.1.21", h.manager.Session().PeerAddress)
}

func TestRequestSessionValidation(t *testing.T) {
	h := newHarness(t, sourceMetrics)

	assert.ErrorIs(t, h.manager.RequestSession("not-an-ip"), ErrInvalidAddress)
	assert.ErrorIs(t, h.manager.RequestSession("fe80::1"), ErrInvalidAddress)

	h.connectAsSource(t, "192.168.1.20")
	assert.ErrorIs(t, h.manager.RequestSession("192.168.1.30"), ErrBusy)
}

func TestRepeatedRequestOpensOneAcceptor(t *testing.T) {
	h := newHarness(t, controllerMetrics)

	h.manager.HandleDatagram("192.168.1.10", discovery.Request(sourceMetrics))
	h.manager.HandleDatagram("192.168.1.10", discovery.Request(sourceMetrics))

	assert.Equal(t, 1, h.transport.listens)
	accepts := h.beacon.sentOps(discovery.OpAccept)
	require.Len(t, accepts, 2, "every REQUEST is answered")
	for _, a := range accepts {
		assert.Equal(t, "192.168.1.10", a.to)
		assert.Equal(t, controllerMetrics, a.d.Metrics)
	}

	s := h.manager.Session()
	assert.Equal(t, models.RoleController, s.Role)
	assert.Equal(t, models.StateConnecting, s.State)
	assert.Equal(t, sourceMetrics, s.RemoteMetrics)
}

func TestRequestIgnoredWhileBusy(t *testing.T) {
	h := newHarness(t, controllerMetrics)
	h.connectAsController(t, "192.168.1.10")

	h.manager.HandleDatagram("192.168.1.11", discovery.Request(sourceMetrics))
	h.manager.HandleDatagram("192.168.1.10", discovery.Request(sourceMetrics))

	assert.Equal(t, 1, h.transport.listens)
	assert.Len(t, h.beacon.sentOps(discovery.OpAccept), 1)
	assert.Equal(t, "192.168.1.10", h.manager.Session().PeerAddress)
	assert.Contains(t, h.events.types(), "request_ignored")
}

func TestRequestIgnoredWhileConnectingAsSource(t *testing.T) {
	h := newHarness(t, sourceMetrics)
	require.NoError(t, h.manager.RequestSession("192.168.1.20"))
	h.manager.HandleDatagram("192.168.1.20", discovery.Accept(controllerMetrics))

	h.manager.HandleDatagram("192.168.1.30", discovery.Request(sourceMetrics))

	assert.Zero(t, h.transport.listens)
	assert.Equal(t, models.RoleSource, h.manager.Session().Role)
	assert.Equal(t, models.StateConnecting, h.manager.Session().State)
}

func TestRequestDropsPendingOutboundRequest(t *testing.T) {
	h := newHarness(t, sourceMetrics)
	require.NoError(t, h.manager.RequestSession("192.168.1.20"))

	h.manager.HandleDatagram("192.168.1.30", discovery.Request(controllerMetrics))

	s := h.manager.Session()
	assert.Equal(t, models.RoleController, s.Role)
	assert.Equal(t, "192.168.1.30", s.PeerAddress)
	assert.Equal(t, discovery.Presence(), h.beacon.payload, "beacon back to presence")

	h.manager.HandleDatagram("192.168.1.20", discovery.Accept(controllerMetrics))
	assert.Empty(t, h.transport.dials, "accept for the dropped request is ignored")
}

func TestAcceptHonouredOnlyFromPendingTarget(t *testing.T) {
	h := newHarness(t, sourceMetrics)

	h.manager.HandleDatagram("192.168.1.20", discovery.Accept(controllerMetrics))
	assert.Empty(t, h.transport.dials, "unsolicited accept")

	require.NoError(t, h.manager.RequestSession("192.168.1.20"))
	h.manager.HandleDatagram("192.168.1.99", discovery.Accept(controllerMetrics))
	assert.Empty(t, h.transport.dials, "accept from another device")

	h.manager.HandleDatagram("192.168.1.20", discovery.Accept(controllerMetrics))
	h.manager.HandleDatagram("192.168.1.20", discovery.Accept(controllerMetrics))
	assert.Equal(t, []string{"192.168.1.20"}, h.transport.dials)

	s := h.manager.Session()
	assert.Equal(t, models.StateConnecting, s.State)
	assert.Equal(t, controllerMetrics, s.RemoteMetrics)
	assert.Equal(t, discovery.Presence(), h.beacon.payload)
}

func TestConnectSuspendsBeaconAndPinsPeer(t *testing.T) {
	h := newHarness(t, sourceMetrics)
	h.connectAsSource(t, "192.168.1.20")

	assert.True(t, h.beacon.suspended)
	assert.Equal(t, "192.168.1.20", h.pinner.get())
	assert.Equal(t, []string{"192.168.1.20/SOURCE"}, h.events.sessions)
	assert.Equal(t, []models.ConnectionState{
		models.StateDiscovering,
		models.StateNegotiating,
		models.StateConnecting,
		models.StateConnected,
	}, h.states.snapshot())
}

func TestDisconnectRestoresDiscovery(t *testing.T) {
	h := newHarness(t, controllerMetrics)
	ep := h.connectAsController(t, "192.168.1.10")
	resetsBefore := h.beacon.resets

	ep.terminate("remote_closed")

	s := h.manager.Session()
	assert.Equal(t, models.StateDiscovering, s.State)
	assert.Equal(t, models.RoleUndetermined, s.Role)
	assert.Empty(t, s.PeerAddress)
	assert.Empty(t, h.pinner.get())
	assert.False(t, h.beacon.suspended)
	assert.Equal(t, resetsBefore+1, h.beacon.resets)
	assert.Equal(t, 1, h.beacon.resumes)

	states := h.states.snapshot()
	assert.Equal(t, []models.ConnectionState{
		models.StateDisconnecting,
		models.StateIdle,
		models.StateDiscovering,
	}, states[len(states)-3:])
	assert.Contains(t, h.events.types(), "disconnected")

	ep.observers.OnDisconnect()
	assert.Equal(t, 1, h.beacon.resumes, "second disconnect is stale")
}

func TestStaleEndpointEventsIgnored(t *testing.T) {
	h := newHarness(t, sourceMetrics)
	require.NoError(t, h.manager.RequestSession("192.168.1.20"))
	h.manager.HandleDatagram("192.168.1.20", discovery.Accept(controllerMetrics))
	first := h.transport.last()
	first.terminate("dial_failed")
	require.Equal(t, models.StateDiscovering, h.manager.Session().State)

	require.NoError(t, h.manager.RequestSession("192.168.1.20"))
	h.manager.HandleDatagram("192.168.1.20", discovery.Accept(controllerMetrics))
	second := h.transport.last()
	require.NotSame(t, first, second)

	first.observers.OnConnect("192.168.1.20")
	assert.Equal(t, models.StateConnecting, h.manager.Session().State)

	second.connect("192.168.1.20")
	assert.Equal(t, models.StateConnected, h.manager.Session().State)
}

func TestSendOperationsCheckRole(t *testing.T) {
	h := newHarness(t, sourceMetrics)
	assert.ErrorIs(t, h.manager.SendFrame([]byte{1}), ErrNotConnected)
	assert.ErrorIs(t, h.manager.SendMotion(models.Motion{}), ErrNotConnected)

	ep := h.connectAsSource(t, "192.168.1.20")
	require.NoError(t, h.manager.SendFrame([]byte{1, 2, 3}))
	assert.ErrorIs(t, h.manager.SendMotion(models.Motion{Action: 0, X: 10, Y: 20}), ErrWrongRole)
	assert.Len(t, ep.frames, 1)
	assert.Empty(t, ep.motions)

	c := newHarness(t, controllerMetrics)
	cep := c.connectAsController(t, "192.168.1.10")
	require.NoError(t, c.manager.SendMotion(models.Motion{Action: 0, X: 10, Y: 20}))
	assert.ErrorIs(t, c.manager.SendFrame([]byte{1}), ErrWrongRole)
	assert.Equal(t, []models.Motion{{Action: 0, X: 10, Y: 20}}, cep.motions)
}

func TestInboundTrafficForwardedByRole(t *testing.T) {
	c := newHarness(t, controllerMetrics)
	sink := &sinkRecorder{}
	_, err := c.manager.AddSink(sink)
	require.NoError(t, err)

	ep := c.connectAsController(t, "192.168.1.10")
	ep.observers.OnFrame([]byte{9})
	ep.observers.OnMotion(1, 2, 3)

	frames, motions := sink.counts()
	assert.Equal(t, 1, frames)
	assert.Zero(t, motions, "controller never injects motions")

	_, err = c.manager.AddSink(struct{}{})
	assert.Error(t, err)
}

func TestStopWhileConnectedSendsTransportStop(t *testing.T) {
	h := newHarness(t, sourceMetrics)
	ep := h.connectAsSource(t, "192.168.1.20")

	require.NoError(t, h.manager.Stop())

	assert.Equal(t, 1, ep.disconnects)
	assert.Equal(t, models.StateDiscovering, h.manager.Session().State)
	assert.Empty(t, h.beacon.sentOps(discovery.OpStop))
}

func TestStopWhileNegotiatingSendsDiscoveryStop(t *testing.T) {
	h := newHarness(t, sourceMetrics)
	require.NoError(t, h.manager.RequestSession("192.168.1.20"))

	require.NoError(t, h.manager.Stop())

	stops := h.beacon.sentOps(discovery.OpStop)
	require.Len(t, stops, 1)
	assert.Equal(t, "192.168.1.20", stops[0].to)
	assert.Equal(t, models.StateDiscovering, h.manager.Session().State)
	assert.Equal(t, discovery.Presence(), h.beacon.payload)

	require.NoError(t, h.manager.Stop(), "stop without a session is a no-op")
}

func TestStopWhileAcceptingClosesAcceptor(t *testing.T) {
	h := newHarness(t, controllerMetrics)
	h.manager.HandleDatagram("192.168.1.10", discovery.Request(sourceMetrics))
	ep := h.transport.last()

	require.NoError(t, h.manager.Stop())

	assert.Equal(t, 1, ep.closes)
	assert.Len(t, h.beacon.sentOps(discovery.OpStop), 1)
	assert.Equal(t, models.StateDiscovering, h.manager.Session().State)
}

func TestDiscoveryStopFromPeer(t *testing.T) {
	h := newHarness(t, sourceMetrics)
	require.NoError(t, h.manager.RequestSession("192.168.1.20"))

	h.manager.HandleDatagram("192.168.1.99", discovery.Stop())
	assert.Equal(t, models.StateNegotiating, h.manager.Session().State, "stop from a stranger")

	h.manager.HandleDatagram("192.168.1.20", discovery.Stop())
	assert.Equal(t, models.StateDiscovering, h.manager.Session().State)

	ep := h.connectAsSource(t, "192.168.1.20")
	h.manager.HandleDatagram("192.168.1.20", discovery.Stop())
	assert.Equal(t, 1, ep.closes)
	assert.Equal(t, models.StateDiscovering, h.manager.Session().State)
}

func TestListenFailureReturnsToDiscovering(t *testing.T) {
	h := newHarness(t, controllerMetrics)
	h.transport.listenErr = errListen

	h.manager.HandleDatagram("192.168.1.10", discovery.Request(sourceMetrics))

	assert.Equal(t, models.StateDiscovering, h.manager.Session().State)
	assert.Empty(t, h.beacon.sentOps(discovery.OpAccept))
	assert.Contains(t, h.events.types(), "listen_failed")
}

func TestObserverReceivesLogLines(t *testing.T) {
	h := newHarness(t, sourceMetrics)
	extra := &stateRecorder{}
	cancel := h.manager.Subscribe(extra)

	require.NoError(t, h.manager.RequestSession("192.168.1.20"))
	cancel()
	cancel()
	require.NoError(t, h.manager.Stop())

	extra.mu.Lock()
	defer extra.mu.Unlock()
	require.Len(t, extra.lines, 1)
	assert.Contains(t, extra.lines[0], "request_sent")
	assert.Equal(t, []models.ConnectionState{models.StateNegotiating}, extra.states)
}
