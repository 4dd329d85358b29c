package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maidsafe/sn-node/config"
	"github.com/maidsafe/sn-node/module/metrics"
	"github.com/maidsafe/sn-node/node"
)

// process exit codes
const (
	exitOK        = 0
	exitConfig    = 1
	exitTransport = 2
	exitCorrupt   = 3
)

func main() {
	cfg := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "sn-node",
		Short: "Run one network node: store chunks, route messages and take part in section authority",
		Long: "sn-node runs a single node of the network. With no peers file it founds " +
			"a fresh network as the genesis section; with bootstrap contacts it joins " +
			"an existing one and serves as adult or elder depending on its age.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			os.Exit(serve(cmd))
			return nil
		},
	}
	cfg.BindFlags(cmd.Flags())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func serve(cmd *cobra.Command) int {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsPort > 0 {
		server := metrics.NewServer(log, cfg.MetricsPort)
		<-server.Ready()
		defer func() {
			<-server.Done()
		}()
	}
	collector := metrics.NewNodeCollector()

	// a relocation stops the node with a new identity and fresh bootstrap
	// contacts already on disk; rebuilding rejoins at the destination
	for {
		nd, err := node.New(cfg, log, collector)
		if err != nil {
			log.Error().Err(err).Msg("could not initialise node")
			switch {
			case errors.Is(err, node.ErrTransportStartup):
				return exitTransport
			case errors.Is(err, node.ErrCorruptState):
				return exitCorrupt
			default:
				return exitConfig
			}
		}
		log.Info().
			Str("name", nd.Name().String()).
			Str("addr", nd.Address()).
			Msg("node starting")

		err = nd.Run(ctx)
		switch {
		case errors.Is(err, node.ErrRelocated):
			log.Info().Msg("relocated by the section, rejoining under the new identity")
			continue
		case err == nil, errors.Is(err, context.Canceled):
			log.Info().Msg("node stopped")
			return exitOK
		default:
			log.Error().Err(err).Msg("node failed")
			return exitConfig
		}
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}
