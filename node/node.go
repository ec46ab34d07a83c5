// Package node assembles one castlink device: discovery, the session
// manager, its transport, persistence, metrics and the screen
// collaborators, run together until a context ends.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"castlink/config"
	"castlink/discovery"
	"castlink/logging"
	"castlink/models"
	"castlink/network"
	"castlink/screen"
	"castlink/session"
	"castlink/storage"
)

// DefaultStatsInterval is the throughput log period.
const DefaultStatsInterval = time.Second

// Options configures a Node. Config is required.
type Options struct {
	Config  *config.DeviceConfig
	DataDir string
	Logger  *zap.Logger
	// Store persists peers and session events. Nil disables persistence.
	Store *storage.Store
	// Output receives the textual session log. Nil discards it.
	Output io.Writer

	// Connect requests a session with this peer once running.
	Connect string
	// MetricsAddress overrides the configured metrics listener.
	MetricsAddress string
	// Capture streams the local display while the device is Source.
	Capture bool
	// Grab replaces display capture.
	Grab screen.GrabFunc
	// LocalMetrics replaces display detection.
	LocalMetrics *models.ScreenMetrics
	// LocalAddresses replaces interface detection for self-drop.
	LocalAddresses []string
	StatsInterval  time.Duration
	// Passive announces presence and collects peers but ignores every
	// negotiation datagram.
	Passive bool
}

func (o Options) withDefaults() Options {
	out := o
	out.Logger = logging.OrNop(out.Logger)
	if out.Output == nil {
		out.Output = io.Discard
	}
	if out.StatsInterval <= 0 {
		out.StatsInterval = DefaultStatsInterval
	}
	if out.MetricsAddress == "" {
		out.MetricsAddress = out.Config.MetricsAddress
	}
	return out
}

// Node is a running castlink device.
type Node struct {
	opts Options
	cfg  *config.DeviceConfig
	log  *zap.Logger

	metrics  models.ScreenMetrics
	registry *discovery.Registry
	beacon   *discovery.Beacon
	listener *discovery.Listener
	manager  *session.Manager
	recorder *screen.FrameRecorder
	inputs   *screen.InputLogger

	metricsListener net.Listener

	captureMu   sync.Mutex
	stopCapture context.CancelFunc
	captureWG   sync.WaitGroup

	closeOnce sync.Once
	cancels   []func()
}

// New binds the discovery sockets and builds every component. Socket and
// display failures are returned and nothing is left open.
func New(options Options) (*Node, error) {
	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}
	opts := options.withDefaults()
	cfg := opts.Config

	n := &Node{
		opts: opts,
		cfg:  cfg,
		log:  opts.Logger.Named("node"),
	}

	if opts.LocalMetrics != nil {
		n.metrics = *opts.LocalMetrics
	} else {
		metrics, err := screen.DisplayMetrics(screen.MetricsConfig{
			DisplayIndex: cfg.DisplayIndex,
			Override: models.ScreenMetrics{
				Width:   cfg.ScreenWidth,
				Height:  cfg.ScreenHeight,
				Density: cfg.ScreenDensity,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("detect display metrics: %w", err)
		}
		n.metrics = metrics
	}

	n.registry = discovery.NewRegistry(discovery.RegistryConfig{
		EvictionThreshold: discovery.EvictionFactor * cfg.BeaconInterval(),
		Logger:            opts.Logger,
	})

	beacon, err := discovery.NewBeacon(discovery.BeaconConfig{
		Interval:         cfg.BeaconInterval(),
		Port:             cfg.DiscoveryPort,
		BroadcastAddress: cfg.BroadcastAddress,
		BindAddress:      cfg.BindAddress,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	n.beacon = beacon

	managerCfg := session.Config{
		LocalMetrics: n.metrics,
		Beacon:       beacon,
		Registry:     n.registry,
		Transport: session.TCPTransport{
			BindAddress: cfg.BindAddress,
			Port:        cfg.TransportPort,
			Options: network.Options{
				AcceptTimeout: cfg.AcceptTimeout(),
				PollInterval:  cfg.PollInterval(),
				Logger:        opts.Logger,
			},
		},
		Logger: opts.Logger,
	}
	if opts.Store != nil {
		managerCfg.EventLog = opts.Store
	}
	n.manager, err = session.NewManager(managerCfg)
	if err != nil {
		_ = beacon.Close()
		return nil, err
	}

	var negotiator discovery.Negotiator = n.manager
	if opts.Passive {
		negotiator = passiveNegotiator{log: n.log}
	}
	n.listener, err = discovery.Listen(discovery.ListenerConfig{
		Port:           cfg.DiscoveryPort,
		BindAddress:    cfg.BindAddress,
		LocalAddresses: opts.LocalAddresses,
		Logger:         opts.Logger,
	}, n.registry, negotiator)
	if err != nil {
		_ = beacon.Close()
		return nil, err
	}

	if opts.MetricsAddress != "" {
		n.metricsListener, err = net.Listen("tcp", opts.MetricsAddress)
		if err != nil {
			_ = n.listener.Close()
			_ = beacon.Close()
			return nil, fmt.Errorf("listen metrics: %w", err)
		}
	}

	n.recorder = screen.NewFrameRecorder(config.FramesDir(opts.DataDir), opts.Logger)
	n.inputs = screen.NewInputLogger(opts.Logger)
	for _, sink := range []any{n.recorder, n.inputs} {
		cancel, err := n.manager.AddSink(sink)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.cancels = append(n.cancels, cancel)
	}
	n.cancels = append(n.cancels, n.manager.Subscribe(n))
	if opts.Store != nil {
		n.cancels = append(n.cancels, n.registry.Subscribe(func([]string) { n.persistPeers() }))
	}

	return n, nil
}

// Manager returns the session manager.
func (n *Node) Manager() *session.Manager { return n.manager }

// Registry returns the discovery registry.
func (n *Node) Registry() *discovery.Registry { return n.registry }

// Recorder returns the sink that keeps the latest received frame.
func (n *Node) Recorder() *screen.FrameRecorder { return n.recorder }

// Inputs returns the sink that logs received pointer motion.
func (n *Node) Inputs() *screen.InputLogger { return n.inputs }

// LocalMetrics returns the geometry advertised in REQUEST datagrams.
func (n *Node) LocalMetrics() models.ScreenMetrics { return n.metrics }

// MetricsAddr returns the bound metrics address, or nil when disabled.
func (n *Node) MetricsAddr() net.Addr {
	if n.metricsListener == nil {
		return nil
	}
	return n.metricsListener.Addr()
}

// Run starts discovery and serves until ctx ends or a component fails.
// On return the session is stopped and every socket is closed.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()

	// Discovery outlives the group context so the session can still send
	// its STOP while shutting down.
	discoveryCtx, stopDiscovery := context.WithCancel(context.Background())
	defer stopDiscovery()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.beacon.Run(discoveryCtx) })
	g.Go(func() error { return n.listener.Run(discoveryCtx) })
	g.Go(func() error { return n.registry.Run(discoveryCtx) })
	g.Go(func() error {
		n.reportThroughput(gctx)
		return nil
	})
	if n.opts.Store != nil {
		g.Go(func() error {
			n.persistLoop(gctx)
			return nil
		})
	}
	if n.metricsListener != nil {
		server := n.metricsServer()
		g.Go(func() error {
			if err := server.Serve(n.metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if n.cfg.MDNSEnabled {
		mdns, err := discovery.StartMDNS(discovery.MDNSConfig{
			SelfDeviceID: n.cfg.DeviceID,
			DeviceName:   n.cfg.DeviceName,
			Port:         n.cfg.DiscoveryPort,
			Logger:       n.opts.Logger,
		}, n.registry)
		if err != nil {
			n.log.Warn("mdns startup failed", zap.Error(err))
		} else {
			defer mdns.Stop()
		}
	}

	n.manager.Start()
	n.log.Info("device running",
		zap.String("device_id", n.cfg.DeviceID),
		zap.String("local_address", discovery.PreferredLocalAddress()),
		zap.Stringer("screen", n.metrics),
		zap.Int("discovery_port", n.cfg.DiscoveryPort),
		zap.Int("transport_port", n.cfg.TransportPort),
	)

	if n.opts.Connect != "" && !n.opts.Passive {
		if err := n.manager.RequestSession(n.opts.Connect); err != nil {
			n.log.Error("request session", zap.String("peer", n.opts.Connect), zap.Error(err))
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := n.manager.Close(); err != nil {
			n.log.Warn("stop session", zap.Error(err))
		}
		n.haltCapture()
		stopDiscovery()
		return nil
	})

	return g.Wait()
}

// Close releases the sockets opened by New. Run calls it on return.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.haltCapture()
		for _, cancel := range n.cancels {
			cancel()
		}
		_ = n.listener.Close()
		_ = n.beacon.Close()
		if n.metricsListener != nil {
			_ = n.metricsListener.Close()
		}
	})
}

// OnSessionChange starts the capture loop while the device is a connected
// Source and stops it otherwise.
func (n *Node) OnSessionChange(s models.Session) {
	streaming := n.opts.Capture && s.State == models.StateConnected && s.Role == models.RoleSource

	n.captureMu.Lock()
	defer n.captureMu.Unlock()

	if !streaming {
		if n.stopCapture != nil {
			n.stopCapture()
			n.stopCapture = nil
		}
		return
	}
	if n.stopCapture != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.stopCapture = cancel
	capturer := screen.NewCapturer(screen.CapturerConfig{
		DisplayIndex: n.cfg.DisplayIndex,
		FPS:          n.cfg.CaptureFPS,
		Quality:      n.cfg.JPEGQuality,
		Scale:        n.cfg.CaptureScale,
		Logger:       n.opts.Logger,
		Grab:         n.opts.Grab,
	}, n.manager)

	n.captureWG.Add(1)
	go func() {
		defer n.captureWG.Done()
		if err := capturer.Run(ctx); err != nil {
			n.log.Info("capture ended", zap.Error(err))
		}
	}()
}

// OnLog writes one session log line to the configured output.
func (n *Node) OnLog(line string) {
	fmt.Fprintln(n.opts.Output, line)
}

func (n *Node) haltCapture() {
	n.captureMu.Lock()
	if n.stopCapture != nil {
		n.stopCapture()
		n.stopCapture = nil
	}
	n.captureMu.Unlock()
	n.captureWG.Wait()
}

// persistPeers stores the last presence time of every live peer.
func (n *Node) persistPeers() {
	for _, rec := range n.registry.Records() {
		if err := n.opts.Store.RecordPeerSeen(rec.Address, rec.LastSeenAt.UnixMilli()); err != nil {
			n.log.Warn("persist peer", zap.String("peer", rec.Address), zap.Error(err))
		}
	}
}

// persistLoop flushes presence refreshes once per beacon interval.
func (n *Node) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.BeaconInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.persistPeers()
			return
		case <-ticker.C:
			n.persistPeers()
		}
	}
}

type passiveNegotiator struct {
	log *zap.Logger
}

func (p passiveNegotiator) HandleDatagram(from string, d discovery.Datagram) {
	p.log.Debug("ignoring negotiation", zap.String("peer", from), zap.Stringer("op", d.Op))
}
