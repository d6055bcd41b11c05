package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/keymesh-go/internal/logging"
	"github.com/rmacdonaldsmith/keymesh-go/internal/meshnode"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

const (
	appName    = "keymesh"
	appVersion = "0.1.0"
)

// options are the daemon's command-line settings. Runtime settings given
// here override the configuration file.
type options struct {
	configPath string

	id      string
	mode    string
	listen  []string
	connect []string

	multicast string
	mdns      bool
	secret    string

	queryTimeout  time.Duration
	reportNoRoute bool

	adminAddr   string
	adminSecret string

	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	return newDaemonCommand(&options{})
}

func newDaemonCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "keymesh runtime daemon",
		Long: `keymesh runs one runtime of a key-expression routed pub/sub and query mesh.
It listens for links from other runtimes, connects to configured and discovered
ones, and serves health, metrics and routing state on an admin endpoint.`,
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := buildConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, config)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.id, "id", "", "Peer id (UUID); random when empty")
	f.StringVar(&opts.mode, "mode", "peer", "Operating mode: client, peer or router")
	f.StringSliceVarP(&opts.listen, "listen", "l", nil, "Endpoints to listen on, e.g. tcp/0.0.0.0:7447")
	f.StringSliceVarP(&opts.connect, "connect", "e", nil, "Endpoints to connect to, e.g. tcp/10.0.0.1:7447")
	f.StringVar(&opts.multicast, "multicast", "", "Enable multicast scouting on this group (\"default\" for the standard group)")
	f.BoolVar(&opts.mdns, "mdns", false, "Enable mDNS discovery")
	f.StringVar(&opts.secret, "secret", "", "Shared secret for link authentication")
	f.DurationVar(&opts.queryTimeout, "query-timeout", 0, "Default query timeout")
	f.BoolVar(&opts.reportNoRoute, "report-no-route", false, "Fail publications that match no subscriber")
	f.StringVar(&opts.adminAddr, "admin", "127.0.0.1:7448", "Admin endpoint address; empty disables it")
	f.StringVar(&opts.adminSecret, "admin-secret", "", "Secret for admin tokens; defaults to --secret")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", string(logging.FormatJSON), "Log format: json or console")

	cmd.AddCommand(newTokenCommand())
	return cmd
}

// buildConfig merges the configuration file with the flags the user set.
func buildConfig(cmd *cobra.Command, opts *options) (*meshnode.Config, error) {
	var config *meshnode.Config
	if opts.configPath != "" {
		c, err := meshnode.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		config = c
	} else {
		config = meshnode.NewConfig(peerlink.ModePeer)
	}

	f := cmd.Flags()
	if f.Changed("mode") || opts.configPath == "" {
		mode, err := peerlink.ParseMode(opts.mode)
		if err != nil {
			return nil, err
		}
		config.Mode = mode
	}
	if f.Changed("id") {
		config.ID = opts.id
	}
	if f.Changed("listen") {
		config.Listen = opts.listen
	}
	if f.Changed("connect") {
		config.Connect = opts.connect
	}
	if f.Changed("multicast") {
		group := opts.multicast
		if group == "default" {
			group = ""
		}
		config.WithMulticastScouting(group)
	}
	if opts.mdns {
		config.WithMDNS()
	}
	if f.Changed("secret") {
		config.Auth.Secret = opts.secret
	}
	if f.Changed("query-timeout") {
		config.WithQueryTimeout(opts.queryTimeout)
	}
	if f.Changed("report-no-route") {
		config.WithReportNoRoute(opts.reportNoRoute)
	}
	if opts.adminSecret == "" {
		opts.adminSecret = config.Auth.Secret
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
