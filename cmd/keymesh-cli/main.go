package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/logging"
	"github.com/rmacdonaldsmith/keymesh-go/internal/meshnode"
	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/httpclient"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

var (
	// Mesh flags
	connectEndpoints []string
	mode             string
	secret           string
	settle           time.Duration

	// Admin endpoint flags
	adminURL string
	token    string

	timeout  time.Duration
	logLevel string

	// registry overrides the network transports, for tests.
	registry *transport.Registry
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keymesh-cli",
		Short: "keymesh command line interface",
		Long: `keymesh-cli publishes, subscribes and queries on a keymesh by joining it
with an embedded runtime, and inspects a daemon through its admin endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringSliceVarP(&connectEndpoints, "connect", "e", []string{"tcp/127.0.0.1:7447"}, "Endpoints to join the mesh through; the first that answers is used")
	pf.StringVar(&mode, "mode", "client", "Mode of the embedded runtime: client or peer")
	pf.StringVar(&secret, "secret", "", "Shared secret for link authentication")
	pf.DurationVar(&settle, "settle", 200*time.Millisecond, "Wait after joining so declarations can arrive")
	pf.StringVar(&adminURL, "admin", "http://127.0.0.1:7448", "Admin endpoint URL")
	pf.StringVar(&token, "token", "", "Bearer token for the admin endpoint")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "Timeout for joining and admin requests")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level of the embedded runtime")

	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newRoutesCommand())
	rootCmd.AddCommand(newPeersCommand())

	return rootCmd
}

// joinMesh starts an embedded runtime and links it to the first reachable
// endpoint. Callers close the runtime.
func joinMesh(ctx context.Context) (*meshnode.Runtime, error) {
	if len(connectEndpoints) == 0 {
		return nil, errors.New("at least one --connect endpoint is required")
	}
	m, err := peerlink.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if m == peerlink.ModeRouter {
		return nil, errors.New("the embedded runtime cannot be a router")
	}
	logger, err := logging.New(logLevel, logging.FormatConsole)
	if err != nil {
		return nil, err
	}

	reg := registry
	if reg == nil {
		reg = transport.DefaultRegistry(logger)
	}
	config := meshnode.NewConfig(m).
		WithLogger(logger).
		WithRegistry(reg)
	if secret != "" {
		config.WithAuth(secret, "")
	}
	rt, err := meshnode.New(config)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		return nil, multierr.Append(err, rt.Close())
	}

	joinCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var errs error
	for _, ep := range connectEndpoints {
		info, err := rt.Connect(joinCtx, ep)
		if err == nil {
			logger.Debug("joined mesh", zap.String("endpoint", ep), zap.Stringer("peer", info.ID), zap.Stringer("mode", info.Mode))
			return rt, nil
		}
		errs = multierr.Append(errs, err)
	}
	return nil, multierr.Append(fmt.Errorf("failed to join the mesh: %w", errs), rt.Close())
}

// wait sleeps for the settle period or until ctx ends.
func wait(ctx context.Context) {
	if settle <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(settle):
	}
}

func newAdminClient() (*httpclient.Client, error) {
	client, err := httpclient.NewClient(httpclient.Config{
		ServerURL: adminURL,
		Token:     token,
		Timeout:   timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
