package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "List resolved tenants and their sources",
	RunE:  runTenants,
}

func init() {
	rootCmd.AddCommand(tenantsCmd)
}

func runTenants(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	_, registry, err := buildService(logger)
	if err != nil {
		return err
	}

	ids := registry.IDs()
	sort.Strings(ids)

	if jsonOutput {
		out := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			t, _ := registry.Get(id)
			sources := make([]string, 0, len(t.Sources))
			for name := range t.Sources {
				sources = append(sources, name)
			}
			sort.Strings(sources)
			out = append(out, map[string]any{
				"tenant_id":    t.ID,
				"display_name": t.DisplayName,
				"sources":      sources,
			})
		}
		return printJSON(out)
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(os.Stdout)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Tenant", "Name", "Sources", "Tables"})
	for _, id := range ids {
		t, _ := registry.Get(id)
		sources := make([]string, 0, len(t.Sources))
		tables := 0
		for name, sd := range t.Sources {
			sources = append(sources, name)
			tables += len(sd.Tables)
		}
		sort.Strings(sources)
		tbl.AppendRow(table.Row{t.ID, t.DisplayName, strings.Join(sources, ", "), tables})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("%d tenants", len(ids))})
	tbl.Render()
	return nil
}
