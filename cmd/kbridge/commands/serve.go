package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eachlabs/kbridge/internal/config"
	"github.com/eachlabs/kbridge/internal/coordinator"
	"github.com/eachlabs/kbridge/internal/link"
	"github.com/eachlabs/kbridge/internal/logging"
	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/server"
	"github.com/eachlabs/kbridge/internal/session"
)

var (
	serveConnect bool
	serveHostCmd string
	serveHostTCP string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Run the bridge: listen for surfaces on the loopback address and relay
their requests to the inference host.

Examples:
  kbridge serve
  kbridge serve --connect
  kbridge serve --host-tcp 127.0.0.1:5001`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveConnect, "connect", false, "connect to the host immediately")
	serveCmd.Flags().StringVar(&serveHostCmd, "host-command", "", "host executable (overrides host.command)")
	serveCmd.Flags().StringVar(&serveHostTCP, "host-tcp", "", "host address (switches to tcp mode)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveHostCmd != "" {
		cfg.Host.Mode = config.ModeProcess
		cfg.Host.Command = serveHostCmd
	}
	if serveHostTCP != "" {
		cfg.Host.Mode = config.ModeTCP
		cfg.Host.Address = serveHostTCP
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer logger.Close()

	dialer, err := newDialer(cfg, logger.Component("host"))
	if err != nil {
		return err
	}

	slotDir := ""
	if cfg.Session.Persist {
		slotDir = config.SessionDir()
	}
	slot, err := session.NewSlot(slotDir)
	if err != nil {
		return fmt.Errorf("failed to open extraction slot: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		Dialer:     dialer,
		RetryDelay: cfg.Reconnect.Delay.Duration,
		MaxRetries: cfg.Reconnect.MaxAttempts,
		Slot:       slot,
		Logger:     logger.Component("coordinator"),
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:         cfg.Addr(),
		Token:        cfg.Server.Token,
		AllowOrigins: cfg.Server.AllowOrigins,
		Logger:       logger.Component("server"),
	}, coord, slot)
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx) })

	if serveConnect || cfg.Host.ConnectOnStart {
		coord.Connect()
	}

	logger.Info().
		Str("addr", srv.Addr()).
		Str("host_mode", cfg.Host.Mode).
		Str("session", slot.ID()).
		Msg("kbridge started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("kbridge stopped")
	return nil
}

func newDialer(cfg *config.Config, log zerolog.Logger) (link.Dialer, error) {
	framing, err := protocol.ParseFraming(cfg.Host.Framing)
	if err != nil {
		return nil, err
	}

	switch cfg.Host.Mode {
	case config.ModeTCP:
		return &link.TCPDialer{
			Address:  cfg.Host.Address,
			Timeout:  cfg.Host.DialTimeout.Duration,
			Framing:  framing,
			MaxFrame: cfg.Host.MaxFrame,
		}, nil
	default:
		return &link.ProcessDialer{
			Command:  cfg.Host.Command,
			Args:     cfg.Host.Args,
			Dir:      cfg.Host.Dir,
			Framing:  framing,
			MaxFrame: cfg.Host.MaxFrame,
			Logger:   log,
		}, nil
	}
}
