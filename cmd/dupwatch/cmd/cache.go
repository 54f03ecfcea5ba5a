package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tripwire/dupwatch/internal/config"
	"github.com/tripwire/dupwatch/internal/slab"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persistent hash cache",
	}
	cmd.AddCommand(newCacheStatsCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	var path string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry count and cursors of a cache file",
		Long: `Open the cache file read-side and print its summary. The file is
locked while it is read, so this fails while a running service holds it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheStats(cmd.OutOrStdout(), path, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&path, "path", config.DefaultCachePath(), "cache file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runCacheStats(out io.Writer, path string, jsonOutput bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cache %q: %w", path, err)
	}
	records := int((info.Size() - slab.HeaderSize) / slab.RecordSize)
	if records <= 0 {
		return fmt.Errorf("cache %q: file too small (%d bytes)", path, info.Size())
	}

	c, err := slab.Open(path, slab.Options{
		MaxRecords: records,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if errors.Is(err, slab.ErrLocked) {
		return fmt.Errorf("cache %q is in use by a running dupwatch; query its API instead", path)
	}
	if err != nil {
		return err
	}
	defer c.Close()

	st := c.Stats()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(out, "Cache:       %s\n", st.Path)
	fmt.Fprintf(out, "Entries:     %d\n", st.Entries)
	fmt.Fprintf(out, "Capacity:    %d\n", st.MaxRecords)
	fmt.Fprintf(out, "Head/Tail:   %d/%d\n", st.Head, st.Tail)
	return nil
}
