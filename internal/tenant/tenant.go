// Package tenant loads per-tenant YAML documents and resolves them into
// runtime tenants: connectors, source descriptors, the SQL catalog, and
// security rule sets. One file per tenant, named <tenant_id>.yaml.
package tenant

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/omnisql/omnisql/internal/analyze"
	"github.com/omnisql/omnisql/internal/connector"
	"github.com/omnisql/omnisql/internal/connector/github"
	"github.com/omnisql/omnisql/internal/connector/jira"
	"github.com/omnisql/omnisql/internal/connector/linear"
	"github.com/omnisql/omnisql/internal/security"
	"github.com/omnisql/omnisql/internal/telemetry"
	"github.com/omnisql/omnisql/internal/types"
)

// Document is the on-disk shape of one tenant config.
type Document struct {
	TenantID    string `yaml:"tenant_id"`
	DisplayName string `yaml:"display_name"`

	Connectors []connector.Config `yaml:"connectors"`

	RLSRules []RLSRule `yaml:"rls_rules"`
	CLSRules []CLSRule `yaml:"cls_rules"`

	// QueryDeadlineMS bounds one federated query end to end; zero means
	// the process default.
	QueryDeadlineMS int64 `yaml:"query_deadline_ms"`
}

// RLSRule scopes one row-rule expression to a source.
type RLSRule struct {
	Source string `yaml:"source"`
	Rule   string `yaml:"rule"`
}

// CLSRule scopes one column transform to a source.
type CLSRule struct {
	Source    string `yaml:"source"`
	Column    string `yaml:"column"`
	Action    string `yaml:"action"`
	PrefixLen int    `yaml:"prefix_len"`
	Suffix    string `yaml:"suffix"`
	// Unless names a capability that exempts the principal.
	Unless string `yaml:"unless"`
}

// Tenant is a resolved runtime tenant.
type Tenant struct {
	ID          string
	DisplayName string

	Connectors map[string]connector.Connector
	Sources    map[string]types.SourceDescriptor
	Catalog    analyze.MapCatalog

	rules map[string]security.RuleSet

	QueryDeadline time.Duration
}

// RuleSet returns the security rules for one source; an absent entry is
// the empty (permissive) set.
func (t *Tenant) RuleSet(source string) security.RuleSet {
	return t.rules[source]
}

// Source returns the descriptor of a configured source.
func (t *Tenant) Source(name string) (types.SourceDescriptor, bool) {
	sd, ok := t.Sources[name]
	return sd, ok
}

const (
	defaultRateCapacity     = 50
	defaultRefillPerSecond  = 10
	defaultHardStalenessCap = 10 * time.Minute
	defaultFetchDeadline    = 10 * time.Second
)

// Factory builds one adapter from its config block.
type Factory func(cfg connector.Config, logger *slog.Logger) (connector.Connector, error)

// BuildConnector is the default factory, dispatching on the config's
// adapter type. Adapters come back instrumented; the wrapper is a no-op
// when telemetry is off.
func BuildConnector(cfg connector.Config, logger *slog.Logger) (connector.Connector, error) {
	transport := connector.NewTransport(cfg, logger)
	var adapter connector.Connector
	switch cfg.Type {
	case "github":
		adapter = github.New(cfg, transport, logger)
	case "jira":
		adapter = jira.New(cfg, transport, logger)
	case "linear":
		adapter = linear.New(cfg, transport, logger)
	case "generic":
		var err error
		adapter, err = connector.NewGeneric(cfg, transport)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("connector %s: unknown adapter type %q", cfg.Name, cfg.Type)
	}
	return telemetry.WrapConnector(adapter), nil
}

// LoadDocument parses one tenant YAML file.
func LoadDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant config: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tenant config %s: %w", path, err)
	}
	if doc.TenantID == "" {
		return nil, fmt.Errorf("tenant config %s: tenant_id is required", path)
	}
	return &doc, nil
}

// Resolve turns a document into a runtime tenant: adapters are built,
// descriptors assembled, and rule expressions parsed. A document that
// fails to resolve is rejected whole; a tenant never runs with half its
// policy.
func Resolve(doc *Document, factory Factory, logger *slog.Logger) (*Tenant, error) {
	if factory == nil {
		factory = BuildConnector
	}
	t := &Tenant{
		ID:          doc.TenantID,
		DisplayName: doc.DisplayName,
		Connectors:  map[string]connector.Connector{},
		Sources:     map[string]types.SourceDescriptor{},
		Catalog:     analyze.MapCatalog{},
		rules:       map[string]security.RuleSet{},
	}
	if doc.QueryDeadlineMS > 0 {
		t.QueryDeadline = time.Duration(doc.QueryDeadlineMS) * time.Millisecond
	}

	for _, cfg := range doc.Connectors {
		if cfg.Name == "" {
			return nil, fmt.Errorf("tenant %s: connector without a name", doc.TenantID)
		}
		if _, dup := t.Connectors[cfg.Name]; dup {
			return nil, fmt.Errorf("tenant %s: duplicate connector %q", doc.TenantID, cfg.Name)
		}
		adapter, err := factory(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", doc.TenantID, err)
		}
		t.Connectors[cfg.Name] = adapter

		sd := sourceDescriptor(cfg, adapter.Describe())
		t.Sources[cfg.Name] = sd
		for _, td := range sd.Tables {
			t.Catalog[td.QualifiedName()] = td
		}
	}

	for _, rr := range doc.RLSRules {
		if _, ok := t.Sources[rr.Source]; !ok {
			return nil, fmt.Errorf("tenant %s: rls rule for unknown source %q", doc.TenantID, rr.Source)
		}
		parsed, err := security.ParseRowRule(rr.Rule)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", doc.TenantID, err)
		}
		rs := t.rules[rr.Source]
		rs.RowRules = append(rs.RowRules, parsed)
		t.rules[rr.Source] = rs
	}

	for _, cr := range doc.CLSRules {
		if _, ok := t.Sources[cr.Source]; !ok {
			return nil, fmt.Errorf("tenant %s: cls rule for unknown source %q", doc.TenantID, cr.Source)
		}
		action, err := security.ParseAction(cr.Action)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", doc.TenantID, err)
		}
		rs := t.rules[cr.Source]
		rs.ColumnRules = append(rs.ColumnRules, security.ColumnRule{
			Column:        cr.Column,
			Action:        action,
			HashPrefixLen: cr.PrefixLen,
			HashSuffix:    cr.Suffix,
			Unless:        cr.Unless,
		})
		t.rules[cr.Source] = rs
	}

	return t, nil
}

func sourceDescriptor(cfg connector.Config, tables []types.TableDescriptor) types.SourceDescriptor {
	sd := types.SourceDescriptor{
		Name:             cfg.Name,
		RateCapacity:     cfg.RateCapacity,
		RefillPerSecond:  cfg.RefillPerSecond,
		HardStalenessCap: time.Duration(cfg.HardStalenessCapMS) * time.Millisecond,
		FetchDeadline:    time.Duration(cfg.FetchDeadlineMS) * time.Millisecond,
	}
	if sd.RateCapacity <= 0 {
		sd.RateCapacity = defaultRateCapacity
	}
	if sd.RefillPerSecond <= 0 {
		sd.RefillPerSecond = defaultRefillPerSecond
	}
	if sd.HardStalenessCap <= 0 {
		sd.HardStalenessCap = defaultHardStalenessCap
	}
	if sd.FetchDeadline <= 0 {
		sd.FetchDeadline = defaultFetchDeadline
	}

	for _, td := range tables {
		if len(cfg.PushableFilters) > 0 {
			td.PushableFilters = intersect(td.PushableFilters, cfg.PushableFilters)
		}
		sd.Tables = append(sd.Tables, td)
	}
	return sd
}

// intersect narrows the adapter's pushable columns to the configured
// subset; a tenant can restrict pushdown but never widen it past what
// the adapter supports.
func intersect(supported, configured []string) []string {
	allowed := make(map[string]bool, len(configured))
	for _, c := range configured {
		allowed[c] = true
	}
	var out []string
	for _, s := range supported {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
