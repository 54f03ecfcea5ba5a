package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tripwire/dupwatch/internal/config"
	"github.com/tripwire/dupwatch/internal/journal"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the duplicate findings journal",
	}
	cmd.AddCommand(newJournalVerifyCmd())
	return cmd
}

func newJournalVerifyCmd() *cobra.Command {
	var path string
	var tail int

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of a journal file",
		Long: `Walk every entry of the journal and recompute its hash chain. Any edited,
removed or reordered line is reported with its sequence number and the
command exits non-zero. The file is only read, so a running service may
keep appending to it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalVerify(cmd.OutOrStdout(), path, tail)
		},
	}

	def := filepath.Join(filepath.Dir(config.DefaultCachePath()), "duplicates.jsonl")
	cmd.Flags().StringVar(&path, "path", def, "journal file")
	cmd.Flags().IntVar(&tail, "tail", 0, "also print the last N findings")
	return cmd
}

func runJournalVerify(out io.Writer, path string, tail int) error {
	entries, err := journal.Verify(path)
	if err != nil {
		return err
	}

	head := journal.GenesisHash
	if n := len(entries); n > 0 {
		head = entries[n-1].EventHash
	}
	fmt.Fprintf(out, "Journal:  %s\n", path)
	fmt.Fprintf(out, "Entries:  %d\n", len(entries))
	fmt.Fprintf(out, "Head:     %s\n", head)

	if tail > 0 && tail < len(entries) {
		entries = entries[len(entries)-tail:]
	}
	if tail > 0 {
		for _, e := range entries {
			f := e.Finding
			fmt.Fprintf(out, "%6d  %s  %s  %s == %s\n",
				e.Seq, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), f.Hash, f.Path, f.Original)
		}
	}
	return nil
}
