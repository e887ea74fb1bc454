package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zde37/chordht/internal/api"
	"github.com/zde37/chordht/internal/chord"
	"github.com/zde37/chordht/internal/config"
	"github.com/zde37/chordht/internal/transport"
	"github.com/zde37/chordht/pkg"
	"github.com/zde37/chordht/pkg/hash"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "chordht",
		Short:         "Chord distributed hash table node",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (ini, yaml, toml, json)")
	config.RegisterFlags(root.Flags())

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "chordht", version)
		},
	})
	return root
}

func newLogger(cfg *config.Config) (*pkg.Logger, error) {
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}
	return pkg.New(loggerConfig)
}

// node bundles the running components so they stop in reverse start order.
type node struct {
	chord      *chord.ChordNode
	peerServer *transport.TCPServer
	dhtServer  *transport.TCPServer
	httpServer *api.Server
	logger     *pkg.Logger
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()
	pkg.SetGlobal(logger)

	logger.Info().
		Str("listen", cfg.ListenAddress).
		Str("api", cfg.APIAddress).
		Str("http", cfg.HTTPAddress).
		Str("bootstrap", cfg.BootstrapAddress).
		Msg("Starting chordht node")

	n := &node{logger: logger}
	defer n.shutdown()

	if err := n.start(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("Failed to start node")
		return err
	}

	logger.Info().
		Str("node_id", hash.Short(n.chord.ID())).
		Msg("chordht node is ready")

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")
	return nil
}

func (n *node) start(ctx context.Context, cfg *config.Config) error {
	var err error

	n.chord, err = chord.NewChordNode(cfg, n.logger)
	if err != nil {
		return fmt.Errorf("failed to create chord node: %w", err)
	}
	n.chord.SetRemote(transport.NewTCPClient(n.logger, cfg.Timeout))

	n.peerServer, err = transport.NewPeerServer(n.chord, cfg, n.logger)
	if err != nil {
		return fmt.Errorf("failed to create peer server: %w", err)
	}
	if err := n.peerServer.Start(); err != nil {
		return fmt.Errorf("failed to start peer server: %w", err)
	}

	if cfg.HTTPAddress != "" {
		n.httpServer, err = api.NewServer(cfg.HTTPAddress, n.chord, n.logger)
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		n.chord.SetBroadcaster(n.httpServer.Hub())
		if err := n.httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	seed, err := cfg.BootstrapAddrPort()
	if err != nil {
		return fmt.Errorf("invalid bootstrap address: %w", err)
	}
	if err := n.chord.Bootstrap(ctx, seed); err != nil {
		return err
	}

	n.dhtServer, err = api.NewDHTServer(n.chord, cfg, n.logger)
	if err != nil {
		return fmt.Errorf("failed to create DHT API server: %w", err)
	}
	if err := n.dhtServer.Start(); err != nil {
		return fmt.Errorf("failed to start DHT API server: %w", err)
	}
	return nil
}

func (n *node) shutdown() {
	n.logger.Info().Msg("Starting graceful shutdown")

	if n.dhtServer != nil {
		if err := n.dhtServer.Stop(); err != nil {
			n.logger.Error().Err(err).Msg("Error stopping DHT API server")
		}
	}
	if n.httpServer != nil {
		if err := n.httpServer.Stop(); err != nil {
			n.logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}
	if n.chord != nil {
		if err := n.chord.Shutdown(); err != nil {
			n.logger.Error().Err(err).Msg("Error shutting down chord node")
		}
	}
	if n.peerServer != nil {
		if err := n.peerServer.Stop(); err != nil {
			n.logger.Error().Err(err).Msg("Error stopping peer server")
		}
	}

	n.logger.Info().Msg("chordht node shutdown complete")
}
