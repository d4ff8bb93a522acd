// Command kvmc is the client daemon: it advertises itself for discovery,
// pairs with a master on first contact, and emulates whatever keyboard and
// mouse input the master routes to it.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/filestore"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/memory"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/platform"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/config"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/receiver"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/session"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kvmc",
		Short: "kvmc is the KVM-over-IP client daemon",
		Long: `kvmc runs on a screen that shares its keyboard and mouse with a master.
It discovers the master on the local network, completes a PIN-confirmed
pairing on first contact, and from then on emulates whatever input the
master routes to it over an authenticated session.

All configuration is read from the environment (see pkg/config); this
command takes no flags of its own.`,
		RunE: run,
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("kvmc: fatal error")
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("kvmc: load config: %w", err)
	}

	logger := setupLogging(cfg.Logging)
	if instanceID, err := secure.ShortID(); err == nil {
		logger = logger.With().Str("instance", instanceID).Logger()
	}
	log.Logger = logger

	identity, err := filestore.LoadOrCreateIdentity(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("kvmc: load host identity: %w", err)
	}
	clientID, err := filestore.LoadOrCreateClientID(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("kvmc: load client id: %w", err)
	}

	name := cfg.ClientName
	if name == "" {
		if hn, err := os.Hostname(); err == nil {
			name = hn
		} else {
			name = clientID.String()
		}
	}

	plat := platform.Detect()
	// No real OS input-emulation hook is available in this build (see
	// pkg/capability/platform), so the receiver drives a RecordingEmulator
	// instead of actually moving a local pointer or pressing keys. A
	// desktop build wires a real capability.InputEmulator here.
	emulator := &memory.RecordingEmulator{}
	logger.Info().Msg("kvmc: no platform input emulator wired in this build, running with a recording emulator")

	var mapper receiver.CodeMapper
	switch plat {
	case kvmtypes.PlatformWindows:
		mapper = receiver.WindowsMapper
	case kvmtypes.PlatformMacOS:
		mapper = receiver.MacMapper
	default:
		mapper = receiver.X11Mapper
	}

	// No real OS screen-enumeration hook is available in this build either
	// (see pkg/capability/platform), so the client reports a single fixed
	// 1920x1080 monitor. A desktop build wires a real capability.ScreenEnumerator
	// that reports the host's actual monitor layout and pushes updates on change.
	screens := memory.StaticScreenEnumerator{
		Screen: kvmtypes.ClientScreen{
			Monitors: []kvmtypes.MonitorInfo{{ID: 0, W: 1920, H: 1080, Scale: 100, Primary: true}},
		},
	}

	// Same headless-build gap as capture/emulator/screens: no OS clipboard
	// hook, so inbound clipboard updates are recorded rather than applied to
	// a real system clipboard.
	clip := &memory.RecordingClipboard{}

	c := &client{
		cfg:             cfg,
		identity:        identity,
		clientID:        clientID,
		name:            name,
		platform:        plat,
		logger:          logger,
		clock:           memory.SystemClock{},
		rnd:             memory.CryptoRandom{},
		clientTransport: transport.NewClientTransportWithIdentity(identity),
		screens:         screens,
		clipboard:       clip,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("kvmc: shutdown signal received")
		cancel()
	}()

	dialer := &session.Dialer{
		Transport: c.clientTransport,
		Clock:     c.clock,
		Rand:      c.rnd,
		Connect:   c.connect,
	}

	for ctx.Err() == nil {
		sess, err := dialer.Reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn().Err(err).Msg("kvmc: reconnect budget exceeded, starting a new reconnect round (a stored master endpoint is dialed again, without discovery)")
			continue
		}

		recv := receiver.New(sess, emulator, mapper, logger)
		sessCtx, sessCancel := context.WithCancel(ctx)
		go sess.RunKeepalive(sessCtx)
		go runControlLoop(sessCtx, sess, c.clipboard, sessCancel, logger)

		if screen, err := c.screens.Enumerate(sessCtx); err == nil {
			monitors := make([]codec.Monitor, len(screen.Monitors))
			for i, mon := range screen.Monitors {
				monitors[i] = codec.Monitor{ID: mon.ID, X: mon.X, Y: mon.Y, W: mon.W, H: mon.H, Scale: mon.Scale, Primary: mon.Primary}
			}
			if err := sess.SendControl(codec.ScreenInfo{Monitors: monitors}); err != nil {
				logger.Warn().Err(err).Msg("kvmc: failed to report screen info")
			}
		} else {
			logger.Warn().Err(err).Msg("kvmc: failed to enumerate screens")
		}

		logger.Info().Msg("kvmc: session established")
		err = recv.Run(sessCtx)
		sessCancel()
		_ = sess.Close()
		if ctx.Err() == nil {
			logger.Warn().Err(err).Msg("kvmc: session lost, reconnecting")
		}
	}

	logger.Info().Msg("kvmc: shutdown complete")
	return nil
}

// client bundles the handshake dependencies connect needs; one instance
// lives for the process's whole lifetime across every reconnect attempt.
type client struct {
	cfg      config.ClientConfig
	identity secure.HostIdentity
	clientID kvmtypes.ClientID
	name     string
	platform kvmtypes.Platform
	logger   zerolog.Logger
	clock    capability.ClockSource
	rnd      capability.RandomSource

	clientTransport *transport.ClientTransport
	screens         capability.ScreenEnumerator
	clipboard       capability.ClipboardAccess
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

func splitHostReplacePort(addr string, port uint16) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("kvmc: split host/port %s: %w", addr, err)
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}
