package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nhle/mailindex-sync/internal/partition"
	"github.com/nhle/mailindex-sync/internal/theme"
)

func newAccountsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Show which accounts this worker owns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			accounts := cfg.AccountList()
			mine, err := partition.Assign(accounts, cfg.Worker.Index, cfg.Worker.Count)
			if err != nil {
				return err
			}

			var rows [][]string
			for k, acct := range accounts {
				owner := partition.Owner(k, cfg.Worker.Count)
				if !all && owner != cfg.Worker.Index {
					continue
				}
				rows = append(rows, []string{strconv.Itoa(k), acct.Address, strconv.Itoa(owner)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.Table([]string{"#", "ACCOUNT", "WORKER"}, rows, -1))
			fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render(
				fmt.Sprintf("worker %d of %d owns %d of %d accounts", cfg.Worker.Index, cfg.Worker.Count, len(mine), len(accounts))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every account with its owning worker")
	return cmd
}
