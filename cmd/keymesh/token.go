package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/keymesh-go/internal/auth"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// newTokenCommand issues link and admin tokens from a shared secret.
func newTokenCommand() *cobra.Command {
	var (
		secret  string
		subject string
		peer    string
		modes   []string
		admin   bool
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an authentication token",
		Long: `Issue a signed token for link handshakes (--peer, --modes) or for the
admin endpoint (--admin).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			opts := auth.IssueOptions{Admin: admin, TTL: ttl}
			if peer != "" {
				id, err := peerlink.ParsePeerID(peer)
				if err != nil {
					return fmt.Errorf("invalid --peer: %w", err)
				}
				opts.Peer = &id
			}
			for _, m := range modes {
				mode, err := peerlink.ParseMode(m)
				if err != nil {
					return err
				}
				opts.Modes = append(opts.Modes, mode)
			}

			token, expiresAt, err := auth.New(secret).Issue(subject, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&secret, "secret", "", "Shared secret")
	f.StringVar(&subject, "subject", appName, "Token subject")
	f.StringVar(&peer, "peer", "", "Restrict the token to this peer id")
	f.StringSliceVar(&modes, "modes", nil, "Restrict the token to these modes")
	f.BoolVar(&admin, "admin", false, "Grant admin endpoint access")
	f.DurationVar(&ttl, "ttl", auth.DefaultTTL, "Token lifetime")
	return cmd
}
