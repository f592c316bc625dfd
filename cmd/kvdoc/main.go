// Command kvdoc inspects a kvdoc database: it lists the stored collections,
// prints their statistics and dumps their entries.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andreyvit/kvdoc"
	"github.com/andreyvit/kvdoc/config"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	configFile string
	db         *kvdoc.DB
	logger     *zap.Logger
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{}
	rc := &cobra.Command{
		Use:          "kvdoc",
		Short:        "Inspect a kvdoc database",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	rc.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Configuration file to read from (KVDOC_* environment variables apply on top).")

	rc.AddCommand(newCollectionsCommand(a))
	rc.AddCommand(newStatsCommand(a))
	rc.AddCommand(newDumpCommand(a))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func (a *app) open() error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	a.logger, err = cfg.Logger()
	if err != nil {
		return err
	}
	a.db, err = cfg.Open(a.logger)
	return err
}

func (a *app) close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}

// collections returns args, or every stored collection when args is empty.
func (a *app) collections(cmd *cobra.Command, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	return a.db.StoredCollections(cmd.Context())
}

func newCollectionsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List the stored collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := a.db.StoredCollections(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [collection...]",
		Short: "Print document, chunk and index counts and sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := a.collections(cmd, args)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, name := range names {
				s, err := a.db.Stats(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s: documents=%d chunked=%d chunks=%d index_entries=%d size=%d\n", name, s.Documents, s.ChunkedDocuments, s.Chunks, s.IndexEntries, s.TotalSize())
			}
			return nil
		},
	}
}

func newDumpCommand(a *app) *cobra.Command {
	var rows, index, chunks, stats bool
	cmd := &cobra.Command{
		Use:   "dump [collection...]",
		Short: "Dump the stored entries of collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := kvdoc.DumpHeaders
			if rows {
				f |= kvdoc.DumpRows
			}
			if index {
				f |= kvdoc.DumpIndexRows
			}
			if chunks {
				f |= kvdoc.DumpChunks
			}
			if stats {
				f |= kvdoc.DumpStats
			}
			names, err := a.collections(cmd, args)
			if err != nil {
				return err
			}
			out, err := a.db.Dump(cmd.Context(), f, names...)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&rows, "rows", true, "Dump documents.")
	flags.BoolVar(&index, "index", true, "Dump index entries.")
	flags.BoolVar(&chunks, "chunks", false, "List the chunks of chunked documents.")
	flags.BoolVar(&stats, "stats", false, "Print collection statistics.")
	return cmd
}
