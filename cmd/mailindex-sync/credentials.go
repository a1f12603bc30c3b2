package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailindex-sync/internal/credential"
)

func newCredentialsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage mailbox credentials in the keyring",
	}
	cmd.AddCommand(newCredentialsSetCmd(a), newCredentialsDeleteCmd(a))
	return cmd
}

func newCredentialsSetCmd(a *app) *cobra.Command {
	var username string
	var token bool
	cmd := &cobra.Command{
		Use:   "set <account|default>",
		Short: "Store a password or token read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			secret = strings.TrimRight(secret, "\r\n")
			if secret == "" {
				if err != nil {
					return fmt.Errorf("reading secret from stdin: %w", err)
				}
				return fmt.Errorf("empty secret")
			}

			p, err := credential.NewKeyringProvider(a.cfg.Credentials.KeyringDir)
			if err != nil {
				return err
			}
			cred := credential.Credential{Username: username, Password: secret}
			if token {
				cred = credential.Credential{Username: username, Token: secret}
			}
			if err := p.Set(args[0], cred); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored credential for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "login identity when it differs from the account")
	cmd.Flags().BoolVar(&token, "token", false, "the secret is an OAuth access token")
	return cmd
}

func newCredentialsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account|default>",
		Short: "Remove a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := credential.NewKeyringProvider(a.cfg.Credentials.KeyringDir)
			if err != nil {
				return err
			}
			if err := p.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted credential for %s\n", args[0])
			return nil
		},
	}
}
