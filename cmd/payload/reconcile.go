package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// reconcileCommand lists payouts that never reached a final state. Each one
// needs an operator to check the chain and settle the ledger by hand.
func reconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "List treasury payouts that need manual reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustConfig(cmd)
			logger := commonRun(cfg)

			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			payouts, err := st.ListPayouts(cmd.Context(),
				payload.PayoutIntent,
				payload.PayoutSubmitted,
				payload.PayoutUnknown,
				payload.PayoutUnreconciled,
			)
			if err != nil {
				return fmt.Errorf("failed to list payouts: %w", err)
			}
			if len(payouts) == 0 {
				fmt.Println("no payouts need reconciliation")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tSPONSOR\tTO\tAMOUNT\tTX\tUPDATED\tERROR")
			for _, p := range payouts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.State, p.SponsorID, p.ToAddress,
					payload.FormatAmount(p.Amount), p.TransactionHash,
					p.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"), p.Error)
			}
			return w.Flush()
		},
	}
}
