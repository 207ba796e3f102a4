package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/omnisql/omnisql/internal/federate"
	"github.com/omnisql/omnisql/internal/types"
)

var (
	queryTenant       string
	queryUser         string
	queryRole         string
	queryTeam         string
	queryCaps         []string
	queryStalenessMS  int64
	queryDeadlineMS   int64
	queryShowMetadata bool
)

var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run one federated query from the command line",
	Long: `Execute a federated SQL statement as the given principal and print
the result. Useful for smoke-testing tenant configs and policies without
the HTTP gateway.

Examples:
  omnisql query --tenant acme --user u1 --team mobile \
    "SELECT gh.pr_id, gh.status FROM github.pull_requests gh WHERE gh.status = 'open'"
  omnisql query --tenant acme --user u1 --max-staleness 60000 --json \
    "SELECT ji.issue_key FROM jira.issues ji"`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryTenant, "tenant", "", "Tenant ID (required)")
	queryCmd.Flags().StringVar(&queryUser, "user", "", "Principal user ID (required)")
	queryCmd.Flags().StringVar(&queryRole, "role", "", "Principal role")
	queryCmd.Flags().StringVar(&queryTeam, "team", "", "Principal team ID")
	queryCmd.Flags().StringSliceVar(&queryCaps, "caps", nil, "Principal capability tags (comma-separated)")
	queryCmd.Flags().Int64Var(&queryStalenessMS, "max-staleness", 0, "Max acceptable rowset age in ms (0 = bypass cache)")
	queryCmd.Flags().Int64Var(&queryDeadlineMS, "deadline", 0, "Query deadline in ms (0 = tenant default)")
	queryCmd.Flags().BoolVar(&queryShowMetadata, "metadata", false, "Print freshness, timing and rate status after the rows")
	_ = queryCmd.MarkFlagRequired("tenant")
	_ = queryCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	ctx := context.Background()
	shutdownTelemetry := initTelemetry(ctx, logger)
	defer shutdownTelemetry()

	svc, _, err := buildService(logger)
	if err != nil {
		return err
	}

	resp, err := svc.Query(ctx, federate.Request{
		SQL: args[0],
		Principal: types.Principal{
			UserID:       queryUser,
			TenantID:     queryTenant,
			Role:         queryRole,
			TeamID:       queryTeam,
			Capabilities: queryCaps,
		},
		MaxStaleness: time.Duration(queryStalenessMS) * time.Millisecond,
		Deadline:     time.Duration(queryDeadlineMS) * time.Millisecond,
	})
	if err != nil {
		e := types.AsError(err)
		if jsonOutput {
			return printJSON(federate.ShapeError(err, ""))
		}
		return fmt.Errorf("%s", e.Error())
	}

	if jsonOutput {
		return printJSON(resp)
	}
	printTable(resp)
	return nil
}

func printTable(resp *federate.Response) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(os.Stdout)
	tbl.SetStyle(table.StyleLight)

	header := make(table.Row, len(resp.Columns))
	for i, col := range resp.Columns {
		header[i] = col
	}
	tbl.AppendHeader(header)

	for _, rec := range resp.Rows {
		row := make(table.Row, len(resp.Columns))
		for i, col := range resp.Columns {
			row[i] = formatCell(rec[col])
		}
		tbl.AppendRow(row)
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("%d rows", len(resp.Rows))})
	tbl.Render()

	for _, w := range resp.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	if queryShowMetadata {
		fmt.Printf("freshness: %dms  from_cache: %v  total: %dms (plan %dms, fetch %dms, security %dms, analytical %dms)\n",
			resp.FreshnessMS, resp.FromCache,
			resp.Timing.TotalMS, resp.Timing.PlanningMS, resp.Timing.FetchMS,
			resp.Timing.SecurityMS, resp.Timing.AnalyticalMS)
		for source, rl := range resp.RateLimitStatus {
			fmt.Printf("rate %s: %d/%d\n", source, rl.Remaining, rl.Capacity)
		}
	}
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
