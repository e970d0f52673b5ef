package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/edumesones/executive-sql-to-text/api/metrics"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type AskInput struct {
	Question  string `json:"question" jsonschema:"Business question about the loans portfolio, in plain language. Examples: What is the default rate by loan grade?, How has average interest rate changed by issue year?"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session ID from a previous ask call, to ask a follow-up question in the same conversation"`
}

type AskOutput struct {
	SessionID       string   `json:"session_id"`
	TurnID          string   `json:"turn_id"`
	SQL             string   `json:"sql"`
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowCount        int      `json:"row_count"`
	Truncated       bool     `json:"truncated"`
	ChartType       string   `json:"chart_type,omitempty"`
	Insights        []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
	Error           string   `json:"error,omitempty"`
}

type DescribeSchemaInput struct {
	Table string `json:"table,omitempty" jsonschema:"Optional table name to describe. All tables are described when empty."`
}

type DescribeSchemaOutput struct {
	Tables []string `json:"tables"`
	Schema string   `json:"schema"`
}

// MCPHandler serves the ask and describe_schema tools over streamable HTTP.
func (h *Handler) MCPHandler() (http.Handler, error) {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "Executive Analytics MCP Server",
		Version: h.cfg.Version,
	}, nil)

	if err := h.registerAskTool(server); err != nil {
		return nil, err
	}
	if err := h.registerDescribeSchemaTool(server); err != nil {
		return nil, err
	}

	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{
		Stateless: true,
	}), nil
}

func observeTool(tool string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.MCPToolCallsTotal.WithLabelValues(tool, status).Inc()
	metrics.MCPToolCallDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}

func (h *Handler) registerAskTool(server *mcp.Server) error {
	in, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}
	out, err := jsonschema.For[AskOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name: "ask",
		Description: `
			Answer a business question about the loans portfolio.
			The question is translated to a read-only SQL query, executed, and summarized.
			Returns the SQL, the result rows, a suggested chart type, insights and recommendations.
			Pass the returned session_id back to ask follow-up questions such as "and by state?".
		`,
		InputSchema:  in,
		OutputSchema: out,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req AskInput) (*mcp.CallToolResult, AskOutput, error) {
		start := time.Now()
		res, err := h.handleAsk(ctx, req)
		observeTool("ask", start, err)
		if err != nil {
			return nil, AskOutput{}, err
		}
		return nil, res, nil
	})
	return nil
}

func (h *Handler) handleAsk(ctx context.Context, in AskInput) (AskOutput, error) {
	req, err := h.parseQuery(QueryRequest{Question: in.Question, SessionID: in.SessionID, UserID: "mcp"})
	if err != nil {
		return AskOutput{}, err
	}
	rw, err := h.cfg.Manager.Start(req)
	if err != nil {
		return AskOutput{}, fmt.Errorf("failed to start workflow: %w", err)
	}

	select {
	case <-rw.Done():
	case <-ctx.Done():
		h.cfg.Manager.Cancel(rw.ID)
		return AskOutput{}, ctx.Err()
	}

	turn, err := rw.Result()
	if turn == nil {
		return AskOutput{}, errors.New(userMessage(err))
	}

	resp := NewQueryResponse(turn)
	out := AskOutput{
		SessionID:       resp.SessionID.String(),
		TurnID:          resp.TurnID.String(),
		Columns:         make([]string, 0, len(resp.Columns)),
		Rows:            resp.Rows,
		RowCount:        resp.RowCount,
		Truncated:       resp.Truncated,
		Insights:        resp.Insights,
		Recommendations: resp.Recommendations,
	}
	if resp.SQL != nil {
		out.SQL = *resp.SQL
	}
	if resp.Error != nil {
		out.Error = *resp.Error
	}
	if resp.Chart != nil {
		out.ChartType = string(resp.Chart.Kind)
	}
	for _, c := range resp.Columns {
		out.Columns = append(out.Columns, c.Name)
	}
	return out, nil
}

func (h *Handler) registerDescribeSchemaTool(server *mcp.Server) error {
	in, err := jsonschema.For[DescribeSchemaInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create describe_schema input schema: %w", err)
	}
	out, err := jsonschema.For[DescribeSchemaOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create describe_schema output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         "describe_schema",
		Description:  "Describe the tables and columns that questions can be asked about, with column types, business descriptions and sample values.",
		InputSchema:  in,
		OutputSchema: out,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req DescribeSchemaInput) (*mcp.CallToolResult, DescribeSchemaOutput, error) {
		start := time.Now()
		res, err := h.handleDescribeSchema(ctx, req)
		observeTool("describe_schema", start, err)
		if err != nil {
			return nil, DescribeSchemaOutput{}, err
		}
		return nil, res, nil
	})
	return nil
}

func (h *Handler) handleDescribeSchema(ctx context.Context, in DescribeSchemaInput) (DescribeSchemaOutput, error) {
	cat, err := h.cfg.Catalog.Get(ctx)
	if err != nil {
		return DescribeSchemaOutput{}, fmt.Errorf("failed to load schema: %w", err)
	}
	if name := strings.TrimSpace(in.Table); name != "" {
		table, ok := cat.Table(name)
		if !ok {
			return DescribeSchemaOutput{}, fmt.Errorf("unknown table %q, available tables: %s", name, strings.Join(cat.TableNames(), ", "))
		}
		cat = cat.Subset(table.Name)
	}
	return DescribeSchemaOutput{Tables: cat.TableNames(), Schema: cat.Format()}, nil
}
