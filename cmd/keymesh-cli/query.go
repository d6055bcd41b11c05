package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

func newQueryCommand() *cobra.Command {
	var (
		consolidation string
		queryTimeout  time.Duration
		value         string
		encoding      string
		attachments   []string
	)

	cmd := &cobra.Command{
		Use:   "query SELECTOR",
		Short: "Query the queryables matching a selector",
		Long: `Send a query such as "sensor/**?unit=c" and print every reply until the query
completes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := routingtable.ParseConsolidation(consolidation)
			if err != nil {
				return err
			}
			attachment, err := parseAttachment(attachments)
			if err != nil {
				return err
			}
			opts := meshnode.QueryOptions{
				Consolidation: c,
				Timeout:       queryTimeout,
				Attachment:    attachment,
			}
			if cmd.Flags().Changed("value") {
				opts.Value = &routingtable.Value{Payload: []byte(value), Encoding: routingtable.Encoding(encoding)}
			}
			return runQuery(cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&consolidation, "consolidation", "none", "Reply consolidation: none, unique or latest")
	f.DurationVar(&queryTimeout, "query-timeout", 0, "Query timeout; the runtime default when 0")
	f.StringVar(&value, "value", "", "Value attached to the query")
	f.StringVar(&encoding, "encoding", "text/plain", "Encoding of --value")
	f.StringArrayVar(&attachments, "attach", nil, "Attachment item as key=value (repeatable)")

	return cmd
}

func runQuery(cmd *cobra.Command, selector string, opts meshnode.QueryOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := joinMesh(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	wait(ctx)

	stream, err := rt.Query(ctx, selector, opts)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}

	out := cmd.OutOrStdout()
	replies := 0
	for {
		r, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		replies++
		if r.Err {
			fmt.Fprintf(out, "[error] %s\n", r.Sample.Payload)
			continue
		}
		printSample(out, r.Sample)
	}

	if stream.TimedOut() {
		fmt.Fprintf(out, "Query timed out, %d replies\n", replies)
		return nil
	}
	fmt.Fprintf(out, "Query complete, %d replies\n", replies)
	return nil
}
