package cli

import (
	"encoding/json"
	"fmt"

	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/spf13/cobra"
)

type SchemaCmd struct{}

func NewSchemaCmd() *SchemaCmd {
	return &SchemaCmd{}
}

func (c *SchemaCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the schema catalog given to the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			refresh, err := cmd.Flags().GetBool("refresh")
			if err != nil {
				return fmt.Errorf("failed to get refresh flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			app, err := buildApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			var cat *catalog.Catalog
			if refresh {
				cat, err = app.Catalog.Refresh(ctx)
			} else {
				cat, err = app.Catalog.Get(ctx)
			}
			if err != nil {
				return fmt.Errorf("failed to load catalog: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cat)
			}
			_, err = fmt.Fprintln(out, cat.Format())
			return err
		},
	}
	cmd.Flags().Bool("refresh", false, "Reload the catalog from the datastore")
	cmd.Flags().Bool("json", false, "Print the catalog as JSON")
	return cmd
}
