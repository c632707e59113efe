package main

import (
	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/sigrelay/internal/config"
	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/logger"
	"github.com/SWAI-Ltd/sigrelay/internal/server"
)

type serveOptions struct {
	configFile    string
	overlayListen string
	bridgeListen  string
	keyFile       string
	discovery     bool
	logLevel      string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			keys, err := identity.LoadOrGenerate(cfg.Identity.KeyFile)
			if err != nil {
				return err
			}
			if cfg.Identity.KeyFile == "" {
				log.Warn("no key file configured, using an ephemeral identity")
			}
			return server.New(cfg, keys, log).Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.overlayListen, "overlay-listen", "", "overlay (QUIC) listen address")
	f.StringVar(&opts.bridgeListen, "bridge-listen", "", "websocket listen address")
	f.StringVar(&opts.keyFile, "key-file", "", "relay key file, created if missing")
	f.BoolVar(&opts.discovery, "discovery", false, "advertise the relay over mDNS")
	f.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// loadConfig applies the config file and then the flags that were set.
func loadConfig(cmd *cobra.Command, opts serveOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(opts.configFile); err != nil {
			return nil, err
		}
	}
	f := cmd.Flags()
	if f.Changed("overlay-listen") {
		cfg.Overlay.Listen = opts.overlayListen
	}
	if f.Changed("bridge-listen") {
		cfg.Bridge.Listen = opts.bridgeListen
	}
	if f.Changed("key-file") {
		cfg.Identity.KeyFile = opts.keyFile
	}
	if f.Changed("discovery") {
		cfg.Discovery.Enabled = opts.discovery
	}
	if f.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	return cfg, cfg.Validate()
}
