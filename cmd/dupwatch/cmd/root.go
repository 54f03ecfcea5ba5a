// Package cmd provides the CLI commands for dupwatch.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the dupwatch CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dupwatch",
		Short: "Watch directories for duplicate files",
		Long: `dupwatch monitors directory trees and reports files whose content
matches a file it has already seen. Content hashes are kept in a
persistent cache so duplicates are recognised across restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newJournalCmd())
	cmd.AddCommand(newHashCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "dupwatch: %v\n", err)
		return err
	}
	return nil
}
