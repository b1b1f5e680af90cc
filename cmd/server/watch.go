package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"remitrails/internal/disburse"
)

func watchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [payment-request-id]",
		Short: "Follow a payment request and trigger its disbursement once settled on-chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			policy := a.retryPolicy()
			payment, err := disburse.Follow(ctx, a.client, args[0], a.watcher, disburse.FollowConfig{
				Interval:    a.cfg.Polling.Interval,
				MaxDuration: a.cfg.Polling.MaxDuration,
				Retry:       &policy,
			})
			a.watcher.Wait()
			if err != nil {
				return fmt.Errorf("follow %s: %w", args[0], err)
			}

			st := a.watcher.State(args[0])
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "payment %s offramp %s\n", payment.ID, payment.OfframpStatus)
			if st.TransactionCode != "" {
				fmt.Fprintf(out, "disbursement %s\n", st.TransactionCode)
			}
			if st.Err != nil {
				return fmt.Errorf("disbursement: %w", st.Err)
			}
			return nil
		},
	}
}
