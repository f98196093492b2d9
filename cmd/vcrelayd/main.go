package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vcrelay/internal/bridge"
	"vcrelay/internal/bus"
	"vcrelay/internal/config"
	"vcrelay/internal/control"
	"vcrelay/internal/logging"
	"vcrelay/internal/observability"
	"vcrelay/internal/relay"
	"vcrelay/internal/status"
)

func main() {
	configPath := flag.String("config", "", "path to the daemon TOML config")
	channel := flag.String("channel", "", "channel name override")
	flag.Parse()

	logging.ConfigureRuntime()
	logger := observability.InitLogger("vcrelayd")

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vcrelayd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *channel != "" {
		cfg.ChannelName = *channel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "vcrelayd: %v\n", err)
		os.Exit(1)
	}

	if err := run(logger, cfg); err != nil {
		logger.Error().Err(err).Msg("vcrelayd exiting")
		os.Exit(1)
	}
}

// run drives the session: negotiate a channel over the control streams on
// stdin/stdout, connect and authenticate the relay, then pump bytes between
// the relay and the bus until shutdown.
func run(logger zerolog.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc := control.NewProcessor(os.Stdin, os.Stdout,
		control.WithRequestTimeout(cfg.RequestTimeout))
	defer proc.Close()

	host, err := proc.DiscoverHost(ctx)
	if err != nil {
		return fmt.Errorf("discover host: %w", err)
	}
	logger.Info().Str("role", string(host.Role)).Msg("host discovered")

	manifest, err := proc.FetchManifest(ctx)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}
	logger.Info().Str("path", manifest.Path).Msg("manifest located")

	grant, err := proc.NegotiateChannel(ctx, cfg.ChannelName, cfg.RequesterID)
	if err != nil {
		return fmt.Errorf("negotiate channel %q: %w", cfg.ChannelName, err)
	}
	logger.Info().Str("channel", cfg.ChannelName).
		Str("relay_address", grant.RelayAddress).Msg("channel granted")

	r, err := relay.Connect(ctx, grant.RelayAddress, relay.Config{
		SocketDir:      cfg.SocketDir,
		ConnectTimeout: cfg.ConnectTimeout,
		Channel:        cfg.ChannelName,
	})
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer r.Close()

	if err := r.Authenticate(grant.AuthToken); err != nil {
		return fmt.Errorf("authenticate relay: %w", err)
	}
	if err := proc.AwaitChannelReady(ctx); err != nil {
		return fmt.Errorf("await channel ready: %w", err)
	}
	logger.Info().Str("channel", cfg.ChannelName).Msg("channel ready")

	theBus, closeBus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	if cfg.StatusAddr != "" {
		srv := status.New("vcrelayd", func() status.Snapshot {
			state := r.State()
			return status.Snapshot{
				Channel:    cfg.ChannelName,
				RelayState: state.String(),
				Ready:      state == relay.Ready || state == relay.Streaming,
			}
		}, cfg.CORSOrigins)
		go func() {
			if err := srv.Run(cfg.StatusAddr); err != nil {
				log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	b, err := bridge.New(r, theBus, bridge.Config{
		Channel:        cfg.ChannelName,
		InboundTopic:   cfg.TopicInbound,
		OutboundTopic:  cfg.TopicOutbound,
		ReadBufferSize: cfg.ReadBufferSize,
		QueueSize:      cfg.QueueSize,
		IdleBackoff: bridge.BackoffConfig{
			InitialDelay: cfg.BackoffInitial,
			Multiplier:   cfg.BackoffFactor,
			MaxDelay:     cfg.BackoffMax,
			Jitter:       cfg.BackoffJitter,
		},
	})
	if err != nil {
		return fmt.Errorf("build bridge: %w", err)
	}

	// A dead control stream means the host is gone; tear the session down.
	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			logger.Warn().Msg("control stream ended, stopping bridge")
			cancel()
		case <-bridgeCtx.Done():
		}
	}()

	runErr := b.Run(bridgeCtx)

	if err := proc.CloseChannel(cfg.ChannelName); err != nil {
		logger.Warn().Err(err).Msg("channel close notification failed")
	}
	return runErr
}

func openBus(ctx context.Context, cfg config.Config) (bridge.Bus, func(), error) {
	if cfg.BusURL == "" {
		b := bus.NewMemoryBus()
		return b, func() { b.Close() }, nil
	}
	b, err := bus.DialWS(ctx, cfg.BusURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial bus: %w", err)
	}
	return b, func() { b.Close() }, nil
}
