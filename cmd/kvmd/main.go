// Command kvmd is the master daemon: it owns the virtual layout, the
// client registry, the input router, and accepts control-stream
// connections from paired clients.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/filestore"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/memory"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/platform"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/config"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/discovery"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/layout"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/registry"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/router"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/session"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kvmd",
		Short: "kvmd is the KVM-over-IP master daemon",
		Long: `kvmd runs on the machine whose keyboard and mouse are shared: it captures
local input, routes it to whichever paired client screen the cursor has
moved onto, and serves the control/input/discovery channels every client
connects to.

All configuration is read from the environment (see pkg/config); this
command takes no flags of its own.`,
		RunE: run,
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("kvmd: fatal error")
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("kvmd: load config: %w", err)
	}

	logger := setupLogging(cfg.Logging)
	if instanceID, err := secure.ShortID(); err == nil {
		logger = logger.With().Str("instance", instanceID).Logger()
	}
	log.Logger = logger

	if kernel, err := platform.KernelInfo(); err == nil {
		logger.Info().Str("kernel", kernel).Msg("kvmd: starting")
	}

	identity, err := filestore.LoadOrCreateIdentity(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("kvmd: load host identity: %w", err)
	}
	serverID, err := filestore.LoadOrCreateClientID(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("kvmd: load server id: %w", err)
	}

	layoutFileStore, err := filestore.NewLayoutStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("kvmd: open layout store: %w", err)
	}
	pairingFileStore, err := filestore.NewPairingStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("kvmd: open pairing store: %w", err)
	}

	initial, found, err := layoutFileStore.Load(context.Background())
	if err != nil {
		return fmt.Errorf("kvmd: load persisted layout: %w", err)
	}
	if !found {
		initial = kvmtypes.VirtualLayout{
			Master:  kvmtypes.ScreenRegion{VirtualX: 0, VirtualY: 0, Width: 1920, Height: 1080},
			Clients: map[kvmtypes.ClientID]kvmtypes.ClientScreen{},
		}
		logger.Info().Msg("kvmd: no persisted layout found, starting with a master-only 1920x1080 layout")
	}
	layoutStore := layout.NewStore(initial)

	reg := registry.New()
	clock := memory.SystemClock{}
	rnd := memory.CryptoRandom{}

	// This build runs headless: no OS-specific capture hook is available
	// (pkg/capability/platform), so the router drains a RecordingCapture
	// that nothing ever injects into. A desktop build wires a real
	// capability.InputCapture here instead.
	capture := memory.NewRecordingCapture(4096)
	logger.Info().Msg("kvmd: no platform input hook wired in this build, running with a headless capture source")

	rt := router.New(layoutStore, capture, clock, logger)
	rt.HotkeyVK = cfg.HotkeyVK

	pairingSM := discovery.NewPairingStateMachine(clock, rnd, pairingFileStore)

	// No OS clipboard hook is available in this headless build either (see
	// pkg/capability/platform); the master still relays clipboard transfers
	// between clients, it just records its own copy instead of setting a
	// real system clipboard. A desktop build wires a real
	// capability.ClipboardAccess here instead.
	clip := &memory.RecordingClipboard{}

	d := &daemon{
		cfg:             cfg,
		identity:        identity,
		logger:          logger,
		pairingStore:    pairingFileStore,
		pairingSM:       pairingSM,
		registry:        reg,
		layoutStore:     layoutStore,
		layoutFileStore: layoutFileStore,
		router:          rt,
		serverTransport: transport.NewServerTransport(),
		clock:           clock,
		rnd:             rnd,
		clipboard:       clip,
		sessions:        xsync.NewMapOf[kvmtypes.ClientID, *session.Session](),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("kvmd: shutdown signal received")
		cancel()
	}()

	discAddr := fmt.Sprintf("%s:%d", cfg.Network.BindAddress, cfg.Network.DiscoveryPort)
	discLAddr, err := net.ResolveUDPAddr("udp", discAddr)
	if err != nil {
		return fmt.Errorf("kvmd: resolve discovery bind %s: %w", discAddr, err)
	}
	discConn, err := net.ListenUDP("udp", discLAddr)
	if err != nil {
		return fmt.Errorf("kvmd: bind discovery port %s: %w", discAddr, err)
	}
	discoveryListener := &discovery.Listener{
		Conn:        discovery.UDPPacketConn{UDPConn: discConn},
		ServerID:    serverID,
		ControlPort: cfg.Network.ControlPort,
	}
	go func() {
		if err := discoveryListener.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("kvmd: discovery listener stopped")
		}
	}()

	rawCh, err := capture.Start(ctx)
	if err != nil {
		return fmt.Errorf("kvmd: start input capture: %w", err)
	}
	go func() {
		if err := rt.Run(ctx, rawCh); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("kvmd: router stopped")
		}
	}()

	controlAddr := fmt.Sprintf("%s:%d", cfg.Network.BindAddress, cfg.Network.ControlPort)
	listener, err := transport.ListenControlMutual(ctx, controlAddr, identity.Private, func(kvmtypes.Fingerprint) error {
		// Accept any client certificate at the TLS layer: the Hello frame
		// hasn't been read yet, so there's no ClientID to check the
		// fingerprint against. handleConn does the real TOFU comparison
		// once it knows which client this is.
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvmd: listen control %s: %w", controlAddr, err)
	}
	defer listener.Close()

	logger.Info().
		Str("server_id", serverID.String()).
		Str("control_addr", listener.Addr()).
		Str("discovery_addr", discAddr).
		Msg("kvmd: listening")

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		stream, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn().Err(err).Msg("kvmd: accept control connection failed")
			continue
		}
		go d.handleConn(ctx, stream)
	}

	logger.Info().Msg("kvmd: shutdown complete")
	return nil
}

func setupLogging(cfg config.Logging) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.JSON {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
