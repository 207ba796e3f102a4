package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/omnisql/omnisql/internal/types"
)

// Manifest is the declarative definition a Generic adapter runs from:
// tables with column mappings, an endpoint per table, and optional
// fixture rows for mock mode.
type Manifest struct {
	Tables   []ManifestTable             `yaml:"tables"`
	MockData map[string][]map[string]any `yaml:"mock_data"`
}

// ManifestTable maps one virtual table onto a REST endpoint.
type ManifestTable struct {
	Name string `yaml:"name"`
	// Endpoint is the GET path; ItemsKey names the array field of the
	// response body holding the records ("" means the body is the array).
	Endpoint string `yaml:"endpoint"`
	ItemsKey string `yaml:"items_key"`

	Columns         []ManifestColumn `yaml:"columns"`
	PushableFilters []string         `yaml:"pushable_filters"`
}

// ManifestColumn maps a response field onto a typed column. Path
// defaults to the column name.
type ManifestColumn struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// LoadManifest reads a manifest document from disk.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) table(name string) (ManifestTable, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return ManifestTable{}, false
}

// Generic is the zero-code adapter: any REST source described by a
// manifest becomes queryable without a dedicated adapter.
type Generic struct {
	cfg       Config
	manifest  *Manifest
	tables    []types.TableDescriptor
	transport *Transport
}

// NewGeneric builds a Generic adapter. The manifest comes inline from
// the config or from ManifestPath. A column with an unknown type fails
// the whole manifest, matching how tenant documents are resolved.
func NewGeneric(cfg Config, transport *Transport) (*Generic, error) {
	m := cfg.Manifest
	if m == nil && cfg.ManifestPath != "" {
		var err error
		m, err = LoadManifest(cfg.ManifestPath)
		if err != nil {
			return nil, err
		}
	}
	if m == nil || len(m.Tables) == 0 {
		return nil, fmt.Errorf("connector %s: generic adapter needs a manifest with tables", cfg.Name)
	}
	tables, err := describeManifest(cfg.Name, m)
	if err != nil {
		return nil, err
	}
	return &Generic{cfg: cfg, manifest: m, tables: tables, transport: transport}, nil
}

func describeManifest(source string, m *Manifest) ([]types.TableDescriptor, error) {
	out := make([]types.TableDescriptor, 0, len(m.Tables))
	for _, t := range m.Tables {
		desc := types.TableDescriptor{
			Source:          source,
			Name:            t.Name,
			PushableFilters: t.PushableFilters,
		}
		for _, c := range t.Columns {
			ct, err := types.ParseColumnType(c.Type)
			if err != nil {
				return nil, fmt.Errorf("connector %s: table %s column %s: %w", source, t.Name, c.Name, err)
			}
			desc.Columns = append(desc.Columns, types.ColumnDef{Name: c.Name, Type: ct})
		}
		out = append(out, desc)
	}
	return out, nil
}

func (g *Generic) Name() string { return g.cfg.Name }

func (g *Generic) Describe() []types.TableDescriptor { return g.tables }

func (g *Generic) Fetch(ctx context.Context, req Request) (*types.Rowset, error) {
	table, ok := g.manifest.table(req.Table)
	if !ok {
		return nil, types.SourceErr(g.cfg.Name, fmt.Errorf("unknown table %q", req.Table))
	}

	var raw []map[string]any
	if g.cfg.Mock() {
		raw = g.manifest.MockData[req.Table]
	} else {
		var err error
		raw, err = g.fetchRemote(ctx, table, req)
		if err != nil {
			return nil, err
		}
	}

	desc, _ := g.describeTable(req.Table)
	records := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		rec := mapColumns(item, table.Columns)
		if MatchRow(rec, req.Filters) {
			records = append(records, rec)
		}
	}
	rs := types.RowsetFromMaps(desc.Schema(), records).Project(req.Columns)
	return &rs, nil
}

func (g *Generic) describeTable(name string) (types.TableDescriptor, bool) {
	for _, d := range g.tables {
		if d.Name == name {
			return d, true
		}
	}
	return types.TableDescriptor{}, false
}

func (g *Generic) fetchRemote(ctx context.Context, table ManifestTable, req Request) ([]map[string]any, error) {
	params := url.Values{}
	for col, f := range req.Filters {
		// Best effort: sources taking plain query parameters only get
		// equality filters; everything else re-checks locally.
		if f.Op == types.OpEq {
			params.Set(col, FilterValue(f)[0])
		}
	}
	return g.transport.PaginateREST(ctx, table.Endpoint, params, func(body []byte) ([]map[string]any, error) {
		return extractItems(body, table.ItemsKey)
	})
}

func extractItems(body []byte, itemsKey string) ([]map[string]any, error) {
	if itemsKey == "" {
		var items []map[string]any
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
		return items, nil
	}
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	raw, ok := envelope[itemsKey].([]any)
	if !ok {
		return nil, fmt.Errorf("response field %q is not an array", itemsKey)
	}
	items := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items, nil
}

// mapColumns projects a raw record through the manifest's column paths.
// Paths are dotted field chains with an optional "$." prefix.
func mapColumns(item map[string]any, columns []ManifestColumn) map[string]any {
	rec := make(map[string]any, len(columns))
	for _, c := range columns {
		path := c.Path
		if path == "" {
			path = c.Name
		}
		rec[c.Name] = lookupPath(item, strings.TrimPrefix(path, "$."))
	}
	return rec
}

func lookupPath(item map[string]any, path string) any {
	current := any(item)
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}
