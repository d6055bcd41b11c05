package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/httpclient"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Long:  "Check the health status of a keymesh daemon through its admin endpoint",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, err := newAdminClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	health, err := client.GetHealth(ctx)
	if err != nil && !errors.Is(err, httpclient.ErrUnhealthy) {
		return fmt.Errorf("failed to check health: %w", err)
	}

	out := cmd.OutOrStdout()
	if health.Healthy {
		fmt.Fprintf(out, "Runtime is healthy\n")
	} else {
		fmt.Fprintf(out, "Runtime is not healthy\n")
	}
	fmt.Fprintf(out, "ID: %s\n", health.ID)
	fmt.Fprintf(out, "Mode: %s\n", health.Mode)
	fmt.Fprintf(out, "Listeners: %d\n", health.Listeners)
	fmt.Fprintf(out, "Connected Peers: %d\n", health.ConnectedPeers)
	fmt.Fprintf(out, "Local Sessions: %d\n", health.LocalSessions)
	fmt.Fprintf(out, "Resources: %d\n", health.Resources)
	fmt.Fprintf(out, "Pending Queries: %d\n", health.PendingQueries)
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}
	return err
}

func newRoutesCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List routing-table resources",
		Long:  "List the resources of a daemon's routing tables, optionally those intersecting --key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoutes(cmd, key)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Only show resources intersecting this key expression")
	return cmd
}

func runRoutes(cmd *cobra.Command, key string) error {
	client, err := newAdminClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := client.Routes(ctx, key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if resp.Count == 0 {
		fmt.Fprintln(out, "No routes")
		return nil
	}
	fmt.Fprintf(out, "%-40s %11s %10s\n", "KEY", "SUBSCRIBERS", "QUERYABLES")
	for _, r := range resp.Routes {
		fmt.Fprintf(out, "%-40s %11d %10d\n", r.Key, r.Subscribers, r.Queryables)
	}
	return nil
}

func newPeersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List linked runtimes",
		Long:  "List the runtimes a daemon has an open link with",
		Args:  cobra.NoArgs,
		RunE:  runPeers,
	}
}

func runPeers(cmd *cobra.Command, args []string) error {
	client, err := newAdminClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := client.Peers(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Self: %s\n", resp.Self)
	if len(resp.Peers) == 0 {
		fmt.Fprintln(out, "No peers")
		return nil
	}
	for _, p := range resp.Peers {
		fmt.Fprintf(out, "%s  %-6s  %s\n", p.ID, p.Mode, strings.Join(p.Endpoints, ","))
	}
	return nil
}
