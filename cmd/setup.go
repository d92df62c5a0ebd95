package main

import (
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/cambio/internal/setup"
)

func setupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the config file interactively",
		RunE: func(_ *cobra.Command, _ []string) error {
			return setup.RunTUI(opts.configPath)
		},
	}
}
