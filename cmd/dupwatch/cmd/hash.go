package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tripwire/dupwatch/internal/hasher"
)

func newHashCmd() *cobra.Command {
	var maxFileBytes, sampleBytes int64

	cmd := &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print the content fingerprint of files",
		Long: `Hash each file the way the monitors do and print the fingerprint,
the size and whether the file was sampled. Files with the same
fingerprint are reported as duplicates of each other.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := hasher.Options{MaxFileBytes: maxFileBytes, SampleBytes: sampleBytes}
			return runHash(cmd, cmd.OutOrStdout(), args, opts)
		},
	}

	cmd.Flags().Int64Var(&maxFileBytes, "max-file-bytes", hasher.DefaultMaxFileBytes, "largest file hashed in full")
	cmd.Flags().Int64Var(&sampleBytes, "sample-bytes", hasher.DefaultSampleBytes, "sample size for larger files")
	return cmd
}

func runHash(cmd *cobra.Command, out io.Writer, paths []string, opts hasher.Options) error {
	seen := make(map[uint64]string, len(paths))
	failed := 0
	for _, p := range paths {
		sum, err := hasher.File(cmd.Context(), p, opts)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", p, err)
			failed++
			continue
		}
		line := fmt.Sprintf("%016x  %10d  %s", sum.Hash, sum.Size, p)
		if sum.Sampled {
			line += "  (sampled)"
		}
		if first, ok := seen[sum.Hash]; ok {
			line += "  duplicate of " + first
		} else {
			seen[sum.Hash] = p
		}
		fmt.Fprintln(out, line)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be hashed", failed, len(paths))
	}
	return nil
}
