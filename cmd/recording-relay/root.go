package main

import (
	"github.com/FairForge/recording-relay/internal/api"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "recording-relay",
		Short: "Relay new meeting recordings from a drive to a processing endpoint",
		Long: `recording-relay polls a Microsoft Graph drive for recently created
recordings with audio, copies each one to blob storage and posts it to the
configured processing URL.

Settings come from an optional YAML file, overridden by the environment.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			api.Version = version
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newRunCmd(&configPath))
	return root
}
