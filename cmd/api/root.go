package main

import (
	"github.com/spf13/cobra"
)

var configFile string

// NewRootCmd creates the authcore command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "authcore",
		Short:         "authcore - account registration, login and token service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewAccountCmd())

	return cmd
}
