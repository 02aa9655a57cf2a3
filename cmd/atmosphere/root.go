package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/node"
	"github.com/atmosphere-mesh/atmosphere/pkg/sdk"
)

// envAPIURL points the CLI at a non-default daemon.
const envAPIURL = "ATMOSPHERE_API_URL"

type globalOpts struct {
	home     string
	api      string
	jsonOut  bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	root := &cobra.Command{
		Use:           "atmosphere",
		Short:         "Personal capability mesh for your own devices",
		Long:          "atmosphere links your devices into a private mesh that shares models, tools and sensors, routing each request to whichever device serves it best.",
		Version:       node.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.home, "home", "", "state directory (default ~/.atmosphere, env "+config.EnvHome+")")
	pf.StringVar(&opts.api, "api", "", "daemon API address (default from config, env "+envAPIURL+")")
	pf.BoolVar(&opts.jsonOut, "json", false, "print raw JSON instead of tables")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		newInitCmd(opts),
		newServeCmd(opts),
		newScanCmd(opts),
		newApproveCmd(opts),
		newMeshCmd(opts),
		newRouteCmd(opts),
		newCostCmd(opts),
		newNetworkCmd(opts),
	)
	return root
}

// paths resolves the state directory: flag > env > ~/.atmosphere.
func (o *globalOpts) paths() config.Paths {
	if o.home != "" {
		return config.Paths{Home: o.home}
	}
	return config.DefaultPaths()
}

// client builds the daemon client: flag > env > config file > default.
func (o *globalOpts) client() *sdk.Client {
	base := o.api
	if base == "" {
		base = os.Getenv(envAPIURL)
	}
	if base == "" {
		if cfg, err := config.Load(o.paths().ConfigFile()); err == nil && cfg.API.Listen != "" {
			base = "http://" + cfg.API.Listen
		}
	}
	return sdk.NewClient(sdk.Config{BaseURL: base})
}

// logger builds the slog handler the daemon and its subsystems share.
func (o *globalOpts) logger() *slog.Logger {
	var level slog.Level
	switch o.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// printJSON renders v for --json mode.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// daemonDown reports whether err means no daemon answered, as opposed
// to the daemon answering with an error. Offline-capable commands fall
// back on the former and surface the latter.
func daemonDown(err error) bool {
	if err == nil {
		return false
	}
	var ae *sdk.APIError
	return !errors.As(err, &ae)
}

// notifyOffline tells the user a fallback happened; silent fallbacks
// make debugging miserable.
func notifyOffline(action string) {
	fmt.Fprintf(os.Stderr, "daemon not reachable, %s against local state\n", action)
}
