package main

import (
	"errors"

	"authcore/internal/account"
	"authcore/internal/app"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// NewAccountCmd groups account administration commands.
func NewAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}
	cmd.AddCommand(newSetActiveCmd("disable", "Disable an account and revoke its sessions", false))
	cmd.AddCommand(newSetActiveCmd("enable", "Re-enable a disabled account", true))
	return cmd
}

func newSetActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <email>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetActive(cmd, args[0], active)
		},
	}
}

func runSetActive(cmd *cobra.Command, email string, active bool) error {
	rt, err := app.Build(cmd.Context(), app.Options{ConfigPath: configFile, SkipMigrations: true})
	if err != nil {
		return oops.Code("BOOTSTRAP_FAILED").Wrap(err)
	}
	defer func() { _ = rt.Close() }()

	acc, err := rt.Accounts.SetActive(cmd.Context(), email, active)
	if errors.Is(err, account.ErrNotFound) {
		return oops.Code("ACCOUNT_NOT_FOUND").With("email", email).Errorf("no account registered for %s", email)
	}
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").With("email", email).Wrap(err)
	}

	state := "disabled"
	if acc.Active {
		state = "enabled"
	}
	cmd.Printf("Account %s is %s\n", acc.Email, state)
	return nil
}
