package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"library-lending/library"
)

var catalogHeader = []string{"isbn", "title", "author", "genre", "year", "copies"}

func main() {
	if err := newImportCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newImportCmd() *cobra.Command {
	var driver, dbPath, dsn string
	cmd := &cobra.Command{
		Use:           "import_catalog FILE.csv",
		Short:         "Bulk-load books from a CSV file into the SQLite or PostgreSQL store",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			store, err := library.OpenStore(cmd.Context(), strings.ToLower(driver), dbPath, dsn)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			manager, err := library.NewLibraryManager(store)
			if err != nil {
				store.Close()
				return err
			}
			defer manager.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Importing books from %s...\n", args[0])
			res, err := importCatalog(cmd.Context(), manager, f, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nImport complete!\nSuccessfully imported: %d books\nErrors: %d\n", res.imported, res.failed)
			if res.failed > 0 {
				return fmt.Errorf("%d rows failed", res.failed)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&driver, "driver", envOr("LIBRARY_DB_DRIVER", library.DriverSQLite), "store driver: sqlite or postgres")
	flags.StringVar(&dbPath, "db", envOr("LIBRARY_DB_PATH", "library.db"), "sqlite database file")
	flags.StringVar(&dsn, "dsn", os.Getenv("LIBRARY_DB_DSN"), "postgres connection string")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type importResult struct {
	imported int
	failed   int
}

// importCatalog adds one book per CSV row and reports each row on w. A bad
// row is counted and skipped; only an unreadable file stops the import.
func importCatalog(ctx context.Context, mgr *library.LibraryManager, r io.Reader, w io.Writer) (importResult, error) {
	var res importResult
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(catalogHeader)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return res, fmt.Errorf("read header: %w", err)
	}
	for i, col := range catalogHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), col) {
			return res, fmt.Errorf("header column %d is %q, want %q", i+1, header[i], col)
		}
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) && errors.Is(perr.Err, csv.ErrFieldCount) {
				fmt.Fprintf(w, "line %d: ERROR - %v\n", line, perr.Err)
				res.failed++
				continue
			}
			return res, err
		}

		in, err := parseRow(rec)
		if err == nil {
			_, err = mgr.AddBook(ctx, in)
		}
		if err != nil {
			fmt.Fprintf(w, "line %d: ERROR - %v\n", line, err)
			res.failed++
			continue
		}
		fmt.Fprintf(w, "line %d: %s %q by %s... SUCCESS\n", line, in.ISBN, in.Title, in.Author)
		res.imported++
	}
	return res, nil
}

func parseRow(rec []string) (library.NewBookInput, error) {
	in := library.NewBookInput{ISBN: rec[0], Title: rec[1], Author: rec[2], Genre: rec[3]}
	var err error
	if s := strings.TrimSpace(rec[4]); s != "" {
		if in.PublicationYear, err = strconv.Atoi(s); err != nil {
			return in, fmt.Errorf("year %q is not a number", rec[4])
		}
	}
	in.Copies = 1
	if s := strings.TrimSpace(rec[5]); s != "" {
		if in.Copies, err = strconv.Atoi(s); err != nil {
			return in, fmt.Errorf("copies %q is not a number", rec[5])
		}
	}
	return in, nil
}
