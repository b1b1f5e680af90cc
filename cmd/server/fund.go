package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"remitrails/internal/confirm"
	"remitrails/internal/escrow"
)

func fundCmd(opts *rootOptions) *cobra.Command {
	var req escrow.FundingIntentRequest
	var amount string

	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Create a funding intent and wait for it to be confirmed",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil || !amt.IsPositive() {
				return fmt.Errorf("--amount must be a positive decimal")
			}
			req.AmountKes = amt

			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			o := confirm.New(a.client, a.escrows, a.confirmOptions())
			updates, unsubscribe := o.Subscribe()
			defer unsubscribe()

			if err := o.Start(ctx, req); err != nil {
				return err
			}
			done := o.Done()
			out := cmd.OutOrStdout()
			for {
				select {
				case st := <-updates:
					fmt.Fprintf(out, "%-10s %3ds %s\n", st.Phase, st.ElapsedSeconds, st.TransactionCode)
				case <-done:
					st := o.State()
					switch st.Phase {
					case confirm.PhaseSuccess:
						fmt.Fprintf(out, "confirmed escrow %s\n", st.ConfirmedEscrowID)
						return nil
					case confirm.PhaseTimeout, confirm.PhaseError:
						return fmt.Errorf("%s: %s", st.Phase, st.UserMessage)
					default:
						return ctx.Err()
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&req.SenderPhone, "sender", "", "sender phone number")
	cmd.Flags().StringVar(&req.RecipientPhone, "recipient", "", "recipient phone number")
	cmd.Flags().StringVar(&req.RecipientName, "recipient-name", "", "recipient display name")
	cmd.Flags().StringVar(&req.Category, "category", "", "escrow spending category")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in KES")
	cmd.Flags().StringVar(&req.Memo, "memo", "", "optional memo")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
