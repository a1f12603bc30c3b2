package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/reconcile"
	"github.com/nhle/mailindex-sync/internal/theme"
)

func newStateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and reset the dedup state",
	}
	cmd.AddCommand(newStateShowCmd(a), newStateClearCmd(a))
	return cmd
}

func newStateShowCmd(a *app) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List the message records of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.QueryByAccount(cmd.Context(), account)
			if err != nil {
				return err
			}
			counts := map[model.RecordStatus]int{}
			rows := make([][]string, 0, len(recs))
			now := time.Now()
			for _, r := range recs {
				counts[r.Status]++
				processed := "-"
				if !r.ProcessedAt.IsZero() {
					processed = humanize.RelTime(r.ProcessedAt, now, "ago", "from now")
				}
				rows = append(rows, []string{r.MessageID, string(r.Status), strconv.Itoa(r.Attempts), processed, r.LastError})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, theme.Table([]string{"MESSAGE", "STATUS", "ATTEMPTS", "LAST OUTCOME", "ERROR"}, rows, 1))
			fmt.Fprintln(out, theme.HelpStyle.Render(fmt.Sprintf("%s: %s records, %d processed, %d failed",
				account, humanize.Comma(int64(len(recs))), counts[model.StatusProcessed], counts[model.StatusFailed])))
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account address")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newStateClearCmd(a *app) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every document and record of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			idx, err := a.openIndex()
			if err != nil {
				return err
			}

			coord := a.coordinator(idx, st)
			res, err := reconcile.New(coord, st, nil, a.logger).ClearAccount(ctx, account)
			if stopErr := coord.Stop(ctx); stopErr != nil {
				a.logger.Warn("stopping sync job", "err", stopErr)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted %d of %d, %d failed\n", account, res.Deleted, res.Orphans, res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account address")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
