package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// maxTableRows bounds the rows printed to the terminal.
const maxTableRows = 50

type AskCmd struct{}

func NewAskCmd() *AskCmd {
	return &AskCmd{}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question and print the SQL, the rows and the insights",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionFlag, err := cmd.Flags().GetString("session")
			if err != nil {
				return fmt.Errorf("failed to get session flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}
			showStages, err := cmd.Flags().GetBool("stages")
			if err != nil {
				return fmt.Errorf("failed to get stages flag: %w", err)
			}

			req := workflow.Request{Question: strings.Join(args, " "), UserID: "cli"}
			if sessionFlag != "" {
				req.SessionID, err = uuid.Parse(sessionFlag)
				if err != nil {
					return fmt.Errorf("invalid session id %q: %w", sessionFlag, err)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			app, err := buildApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			turn, runErr := app.Workflow.Run(ctx, req, func(ev workflow.Event) {
				if showStages {
					fmt.Fprintf(cmd.ErrOrStderr(), "%-16s %-8s %5dms %s\n", ev.Stage, ev.Status, ev.DurationMs, ev.Note)
				}
			})
			if turn == nil {
				return fmt.Errorf("question failed: %w", runErr)
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(turn); err != nil {
					return fmt.Errorf("failed to encode turn: %w", err)
				}
			} else {
				renderTurn(out, turn)
			}
			if runErr != nil {
				return fmt.Errorf("question failed: %s", turn.Error)
			}
			return nil
		},
	}

	cmd.Flags().String("session", "", "Session ID to continue a conversation")
	cmd.Flags().Bool("json", false, "Print the full turn as JSON")
	cmd.Flags().Bool("stages", false, "Print stage transitions to stderr")
	return cmd
}

// renderTurn prints a turn for the terminal.
func renderTurn(w io.Writer, turn *session.Turn) {
	fmt.Fprintf(w, "Session: %s\n", turn.SessionID)
	if turn.FromCache {
		fmt.Fprintln(w, "(served from cache)")
	}
	if turn.SQL != "" {
		fmt.Fprintf(w, "\nSQL:\n%s\n", turn.SQL)
	}

	if res := turn.Result; res != nil {
		fmt.Fprintln(w)
		table := tablewriter.NewWriter(w)
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
		table.SetBorder(true)
		table.SetHeader(res.ColumnNames())
		for i, row := range res.Matrix() {
			if i == maxTableRows {
				break
			}
			cells := make([]string, len(row))
			for j, v := range row {
				cells[j] = formatCell(v)
			}
			table.Append(cells)
		}
		table.Render()

		shown := min(len(res.Rows), maxTableRows)
		switch {
		case res.Truncated:
			fmt.Fprintf(w, "%d rows shown, result truncated\n", shown)
		case shown < res.Count:
			fmt.Fprintf(w, "%d of %d rows shown\n", shown, res.Count)
		default:
			fmt.Fprintf(w, "%d rows\n", res.Count)
		}
	}

	if turn.Chart != nil {
		fmt.Fprintf(w, "\nChart: %s %q\n", turn.Chart.Kind, turn.Chart.Title)
	}
	printList(w, "Insights", turn.Insights)
	printList(w, "Recommendations", turn.Recommendations)
	printList(w, "Warnings", turn.Warnings)
	if turn.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", turn.Error)
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(w, "  - %s\n", item)
	}
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return strconv.FormatFloat(math.Round(val*1e4)/1e4, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(math.Round(float64(val)*1e4)/1e4, 'f', -1, 64)
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
