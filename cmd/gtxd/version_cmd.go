package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/gtxd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gtxd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if verbose {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include revision and Go version")
	return cmd
}
