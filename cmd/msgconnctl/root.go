package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/msgconn/internal/config"
	"github.com/danmuck/msgconn/internal/logging"
	"github.com/danmuck/msgconn/internal/transport"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=x.y.z"
var version = "0.1.0"

type app struct {
	cfgFile  string
	identity string
}

// load reads the --config file, or the defaults when none was given, and
// applies flag overrides.
func (a *app) load() (config.NodeConfig, error) {
	cfg := config.DefaultNodeConfig()
	if a.cfgFile != "" {
		var err error
		if cfg, err = config.LoadNodeConfig(a.cfgFile); err != nil {
			return cfg, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if id := strings.TrimSpace(a.identity); id != "" {
		cfg.Identity = transport.Identity(id)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "msgconnctl",
		Short: "Run and exercise msgconn endpoints",
		Long: `msgconnctl runs a msgconn node over UDP, sends payloads to remote
nodes and manages node configuration files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "node config file (toml)")
	root.PersistentFlags().StringVar(&a.identity, "identity", "", "override the node identity")

	root.AddCommand(
		newListenCmd(a),
		newSendCmd(a),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show msgconnctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "msgconnctl version %s (wire v%d, max payload %d)\n",
				version, transport.WireVersion, transport.DefaultMaxPayload)
		},
	}
}
