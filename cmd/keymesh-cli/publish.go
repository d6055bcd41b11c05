package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

func newPublishCommand() *cobra.Command {
	var (
		encoding    string
		remove      bool
		bestEffort  bool
		drop        bool
		attachments []string
		count       int
	)

	cmd := &cobra.Command{
		Use:   "publish KEY [VALUE]",
		Short: "Publish a value on a key",
		Long: `Publish a put sample, or a delete sample with --delete, on a key. A key
with wildcards reaches every subscriber it intersects.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !remove && len(args) != 2 {
				return fmt.Errorf("a value is required unless --delete is set")
			}
			attachment, err := parseAttachment(attachments)
			if err != nil {
				return err
			}
			opts := meshnode.PublishOptions{
				Encoding:    routingtable.Encoding(encoding),
				Reliability: routingtable.Reliable,
				Attachment:  attachment,
			}
			if bestEffort {
				opts.Reliability = routingtable.BestEffort
			}
			if drop {
				opts.Congestion = routingtable.Drop
			}
			var value []byte
			if len(args) == 2 {
				value = []byte(args[1])
			}
			return runPublish(cmd, args[0], value, remove, count, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&encoding, "encoding", "text/plain", "Encoding of the value")
	f.BoolVar(&remove, "delete", false, "Publish a delete sample")
	f.BoolVar(&bestEffort, "best-effort", false, "Use the best-effort channel")
	f.BoolVar(&drop, "drop", false, "Drop instead of blocking when a link is congested")
	f.StringArrayVar(&attachments, "attach", nil, "Attachment item as key=value (repeatable)")
	f.IntVar(&count, "count", 1, "Number of times to publish")

	return cmd
}

func runPublish(cmd *cobra.Command, key string, value []byte, remove bool, count int, opts meshnode.PublishOptions) error {
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

	for i := 0; i < count; i++ {
		if remove {
			err = rt.Delete(ctx, key, opts)
		} else {
			err = rt.Publish(ctx, key, value, opts)
		}
		if err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
	}

	kind := routingtable.Put
	if remove {
		kind = routingtable.Delete
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published %d %s sample(s) on %s\n", count, kind, key)
	return nil
}

// parseAttachment turns key=value items into an attachment, keeping order.
func parseAttachment(items []string) (routingtable.Attachment, error) {
	var a routingtable.Attachment
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attachment %q, expected key=value", item)
		}
		a = a.Insert([]byte(k), []byte(v))
	}
	return a, nil
}
