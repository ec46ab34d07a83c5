package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"castlink/config"
	"castlink/discovery"
	"castlink/logging"
	"castlink/models"
	"castlink/node"
	"castlink/storage"
	"castlink/telemetry"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "castlink",
	Short: "Pair with a device on the LAN and stream a screen to it",
	Long: `castlink discovers other castlink devices on the local network with UDP
broadcast beacons, negotiates a session with one of them and streams captured
screen frames to it while receiving pointer input back.

The device that requests the session streams its screen; the device that
accepts it displays the frames.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	runCmd.Flags().String("connect", "", "Request a session with this peer address on startup")
	runCmd.Flags().String("metrics", "", "Serve metrics and status on this address (overrides config)")
	runCmd.Flags().Bool("capture", true, "Stream the local display while acting as source")

	peersCmd.Flags().Duration("wait", 0, "How long to listen for beacons (default: one eviction window)")

	eventsCmd.Flags().Int("limit", 50, "Maximum number of events to print")
	eventsCmd.Flags().String("session", "", "Only print events of this session ID")
	eventsCmd.Flags().String("type", "", "Only print events of this type")

	rootCmd.AddCommand(runCmd, peersCmd, eventsCmd, versionCmd)
}

type environment struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	logger  *zap.Logger
}

func loadEnvironment(cmd *cobra.Command) (*environment, error) {
	debug, _ := cmd.Flags().GetBool("debug")
	logger, err := logging.New(debug)
	if err != nil {
		return nil, err
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &environment{cfg: cfg, cfgPath: cfgPath, dataDir: dataDir, logger: logger}, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = env.logger.Sync() }()

		connect, _ := cmd.Flags().GetString("connect")
		metricsAddr, _ := cmd.Flags().GetString("metrics")
		capture, _ := cmd.Flags().GetBool("capture")

		store, dbPath, err := storage.Open(env.dataDir)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				env.logger.Warn("database close", zap.Error(err))
			}
		}()

		telemetry.SetBuildInfo(Version)

		n, err := node.New(node.Options{
			Config:         env.cfg,
			DataDir:        env.dataDir,
			Logger:         env.logger,
			Store:          store,
			Output:         os.Stdout,
			Connect:        connect,
			MetricsAddress: metricsAddr,
			Capture:        capture,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Device ID:       %s\n", env.cfg.DeviceID)
		fmt.Printf("Device Name:     %s\n", env.cfg.DeviceName)
		fmt.Printf("Local Address:   %s\n", discovery.PreferredLocalAddress())
		fmt.Printf("Screen:          %s\n", n.LocalMetrics())
		fmt.Printf("Discovery Port:  %d\n", env.cfg.DiscoveryPort)
		fmt.Printf("Transport Port:  %d\n", env.cfg.TransportPort)
		fmt.Printf("Config File:     %s\n", env.cfgPath)
		fmt.Printf("Database File:   %s\n", dbPath)
		if addr := n.MetricsAddr(); addr != nil {
			fmt.Printf("Metrics:         http://%s/metrics\n", addr)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Println("Status:          running (press Ctrl+C to stop)")
		err = n.Run(ctx)
		fmt.Println("Status:          stopped")
		return err
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Listen for beacons and print the devices seen",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = env.logger.Sync() }()

		// Scanning never negotiates, so the display is not consulted.
		n, err := node.New(node.Options{
			Config:       env.cfg,
			DataDir:      env.dataDir,
			Logger:       env.logger,
			LocalMetrics: &models.ScreenMetrics{},
			Passive:      true,
		})
		if err != nil {
			return err
		}

		wait, _ := cmd.Flags().GetDuration("wait")
		if wait <= 0 {
			wait = n.Registry().EvictionThreshold()
		}

		fmt.Printf("Listening for %s on port %d...\n", wait, env.cfg.DiscoveryPort)
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		if err := n.Run(ctx); err != nil {
			return err
		}

		records := n.Registry().Records()
		if len(records) == 0 {
			fmt.Println("No devices found.")
		} else {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tLAST SEEN")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s ago\n", r.Address, time.Since(r.LastSeenAt).Round(time.Millisecond))
			}
			_ = w.Flush()
		}

		store, _, err := storage.Open(env.dataDir)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		known, err := store.ListPeers()
		if err != nil {
			return err
		}
		if len(known) > 0 {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KNOWN PEER\tLAST SEEN\tSESSIONS\tLAST ROLE")
			for _, p := range known {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.Address, formatMillis(p.LastSeen), p.SessionCount, p.LastRole)
			}
			_ = w.Flush()
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the stored session event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		sessionID, _ := cmd.Flags().GetString("session")
		eventType, _ := cmd.Flags().GetString("type")

		store, _, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		events, err := store.GetSessionEvents(storage.SessionEventFilter{
			SessionID: sessionID,
			EventType: eventType,
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No session events recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tPEER\tROLE\tSTATE\tDETAILS")
		for _, e := range events {
			peer := "-"
			if e.PeerAddress != nil {
				peer = *e.PeerAddress
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				formatMillis(e.Timestamp), e.Severity, e.EventType, peer, e.Role, e.State, e.Details)
		}
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("castlink %s\n", Version)
	},
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
