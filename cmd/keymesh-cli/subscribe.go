package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

func newSubscribeCommand() *cobra.Command {
	var (
		count      int
		duration   time.Duration
		bestEffort bool
	)

	cmd := &cobra.Command{
		Use:   "subscribe KEYEXPR",
		Short: "Print samples published on a key expression",
		Long: `Subscribe to a key expression such as "sensor/**" and print every sample
until interrupted, --count samples arrived or --duration passed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := meshnode.SubscriberOptions{Reliability: routingtable.Reliable}
			if bestEffort {
				opts.Reliability = routingtable.BestEffort
			}
			return runSubscribe(cmd, args[0], count, duration, opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&count, "count", 0, "Exit after this many samples (0 for no limit)")
	f.DurationVar(&duration, "duration", 0, "Exit after this long (0 for no limit)")
	f.BoolVar(&bestEffort, "best-effort", false, "Ask publishers for the best-effort channel")

	return cmd
}

func runSubscribe(cmd *cobra.Command, key string, count int, duration time.Duration, opts meshnode.SubscriberOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	rt, err := joinMesh(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	var (
		mu       sync.Mutex
		received int
		enough   = make(chan struct{})
	)
	_, err = rt.DeclareSubscriber(ctx, key, func(s *routingtable.Sample) {
		mu.Lock()
		defer mu.Unlock()
		if count > 0 && received >= count {
			return
		}
		printSample(out, s)
		received++
		if count > 0 && received == count {
			close(enough)
		}
	}, opts)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-enough:
	}
	return nil
}

func printSample(w io.Writer, s *routingtable.Sample) {
	if s.Kind == routingtable.Delete {
		fmt.Fprintf(w, "[%s] %s\n", s.Kind, s.Key)
		return
	}
	fmt.Fprintf(w, "[%s] %s: %s", s.Kind, s.Key, s.Payload)
	if s.Encoding != "" {
		fmt.Fprintf(w, " (%s)", s.Encoding)
	}
	for _, item := range s.Attachment {
		fmt.Fprintf(w, " %s=%s", item.Key, item.Value)
	}
	fmt.Fprintln(w)
}
