package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/spf13/cobra"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type ImportCSVCmd struct{}

func NewImportCSVCmd() *ImportCSVCmd {
	return &ImportCSVCmd{}
}

func (c *ImportCSVCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-csv [file.csv]",
		Short: "Load a loans CSV into a DuckDB file usable as the datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, err := cmd.Flags().GetString("db")
			if err != nil {
				return fmt.Errorf("failed to get db flag: %w", err)
			}
			table, err := cmd.Flags().GetString("table")
			if err != nil {
				return fmt.Errorf("failed to get table flag: %w", err)
			}
			replace, err := cmd.Flags().GetBool("replace")
			if err != nil {
				return fmt.Errorf("failed to get replace flag: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			db, err := querier.OpenDB(ctx, querier.DriverDuckDB, dbPath, 1)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := ImportCSV(ctx, db, args[0], table, replace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rows into %s.%s\n", n, dbPath, table)
			fmt.Fprintf(cmd.OutOrStdout(), "Serve it with: DATABASE_URL=%s analytics serve\n", dbPath)
			return nil
		},
	}
	cmd.Flags().String("db", "loans.duckdb", "DuckDB file to create or update")
	cmd.Flags().String("table", "loans", "Target table name")
	cmd.Flags().Bool("replace", false, "Replace the table when it already exists")
	return cmd
}

// ImportCSV creates table from a CSV file with DuckDB's type sniffing and
// returns the number of rows loaded.
func ImportCSV(ctx context.Context, db *sql.DB, csvPath, table string, replace bool) (int64, error) {
	if !tableNameRe.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	if _, err := os.Stat(csvPath); err != nil {
		return 0, fmt.Errorf("failed to read csv: %w", err)
	}

	create := "CREATE TABLE"
	if replace {
		create = "CREATE OR REPLACE TABLE"
	}
	stmt := fmt.Sprintf(`%s "%s" AS SELECT * FROM read_csv_auto('%s', header = true)`,
		create, table, strings.ReplaceAll(csvPath, "'", "''"))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return 0, fmt.Errorf("failed to import %s: %w", csvPath, err)
	}

	var n int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count imported rows: %w", err)
	}
	return n, nil
}
