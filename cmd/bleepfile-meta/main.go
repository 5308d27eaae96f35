// Command bleepfile-meta exports the SQLite metadata database to JSON and
// imports it back.
package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/bleepstore/bleepfile/internal/config"
	"github.com/bleepstore/bleepfile/internal/serialization"
)

var defaultDBPath = config.Default().Metadata.SQLite.Path

// resolveDBPath returns metadata.sqlite.path from the server config.
func resolveDBPath(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Metadata.Engine != "sqlite" {
		return "", fmt.Errorf("metadata engine is %q; only sqlite can be exported", cfg.Metadata.Engine)
	}
	return cfg.Metadata.SQLite.Path, nil
}

// parseTables splits a comma-separated table list and rejects unknown names.
func parseTables(list string) ([]string, error) {
	tables := strings.Split(list, ",")
	for i := range tables {
		tables[i] = strings.TrimSpace(tables[i])
		if !slices.Contains(serialization.AllTables, tables[i]) {
			return nil, fmt.Errorf("invalid table name: %s", tables[i])
		}
	}
	return tables, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, dbPath string
	root := &cobra.Command{
		Use:           "bleepfile-meta",
		Short:         "Export and import BleepFile metadata",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "bleepfile.yaml", "server config file")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	root.CompletionOptions.DisableDefaultCmd = true

	database := func() (string, error) {
		if dbPath != "" {
			return dbPath, nil
		}
		path, err := resolveDBPath(configPath)
		if err != nil {
			return "", fmt.Errorf("reading config: %w", err)
		}
		return path, nil
	}
	root.AddCommand(newExportCmd(database), newImportCmd(database))
	return root
}

func newExportCmd(database func() (string, error)) *cobra.Command {
	var (
		output       string
		tables       string
		includeCreds bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the metadata tables as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database()
			if err != nil {
				return err
			}
			opts := &serialization.ExportOptions{Tables: serialization.AllTables, IncludeCredentials: includeCreds}
			if tables != "" {
				if opts.Tables, err = parseTables(tables); err != nil {
					return err
				}
			}
			doc, err := serialization.ExportMetadata(db, opts)
			if err != nil {
				return fmt.Errorf("exporting: %w", err)
			}
			if output == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), doc)
				return err
			}
			if err := os.WriteFile(output, []byte(doc+"\n"), 0o644); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file (- for stdout)")
	cmd.Flags().StringVar(&tables, "tables", "", "comma-separated table names (default: all)")
	cmd.Flags().BoolVar(&includeCreds, "include-credentials", false, "include real account keys")
	return cmd
}

func newImportCmd(database func() (string, error)) *cobra.Command {
	var (
		input   string
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load an export into the metadata database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database()
			if err != nil {
				return err
			}
			var doc []byte
			if input == "-" {
				doc, err = io.ReadAll(cmd.InOrStdin())
			} else {
				doc, err = os.ReadFile(input)
			}
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}

			result, err := serialization.ImportMetadata(db, string(doc), &serialization.ImportOptions{Replace: replace})
			if err != nil {
				return fmt.Errorf("importing: %w", err)
			}
			w := cmd.ErrOrStderr()
			for _, table := range serialization.AllTables {
				count, ok := result.Counts[table]
				if !ok {
					continue
				}
				if skip := result.Skipped[table]; skip > 0 {
					fmt.Fprintf(w, "  %s: %d imported, %d skipped\n", table, count, skip)
				} else {
					fmt.Fprintf(w, "  %s: %d imported\n", table, count)
				}
			}
			for _, warning := range result.Warnings {
				fmt.Fprintf(w, "  WARNING: %s\n", warning)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "input file (- for stdin)")
	cmd.Flags().BoolVar(&replace, "replace", false, "delete existing rows before inserting")
	return cmd
}
