package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmosphere-mesh/atmosphere/internal/api"
	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/node"
)

func newServeCmd(opts *globalOpts) *cobra.Command {
	var (
		apiListen       string
		transportListen string
		relayURL        string
		displayName     string
		scanOnStart     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mesh daemon",
		Long:  "Runs the node: transport listener, gossip loops, cost sampling and the local API. Stops cleanly on SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := opts.paths()
			cfg, err := config.LoadOrDefault(paths.ConfigFile())
			if err != nil {
				return err
			}
			cfg.ApplyEnv()
			if apiListen != "" {
				cfg.API.Listen = apiListen
			}
			if transportListen != "" {
				cfg.Transport.Listen = transportListen
			}
			if relayURL != "" {
				cfg.Transport.RelayURL = relayURL
			}
			if displayName != "" {
				cfg.Node.DisplayName = displayName
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			logger := opts.logger()
			n, err := node.New(paths, cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if scanOnStart {
				if _, err := n.Scan(ctx); err != nil {
					logger.Warn("startup scan failed", "err", err)
				}
			}

			srv := api.NewServer(n, logger)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return n.Run(gctx) })
			g.Go(func() error { return srv.Run(gctx) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&apiListen, "api-listen", "", "API bind address (overrides config)")
	cmd.Flags().StringVar(&transportListen, "transport-listen", "", "peer websocket bind address (overrides config)")
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay websocket URL (overrides config)")
	cmd.Flags().StringVar(&displayName, "name", "", "display name peers see (overrides config)")
	cmd.Flags().BoolVar(&scanOnStart, "scan", true, "scan for local capabilities before serving")
	return cmd
}
