// Package engine hosts the ephemeral analytical runtime: a per-query
// in-memory SQL engine into which filtered rowsets are registered as
// views and over which the rewritten query (joins, residual predicates,
// aggregates, ordering) is evaluated.
package engine

import (
	"context"
	"fmt"
	"time"

	sqle "github.com/dolthub/go-mysql-server"
	"github.com/dolthub/go-mysql-server/memory"
	"github.com/dolthub/go-mysql-server/sql"
	gmstypes "github.com/dolthub/go-mysql-server/sql/types"

	"github.com/omnisql/omnisql/internal/types"
)

const dbName = "federated"

// Session is one query's analytical context. It is created empty,
// populated with Register, queried once, and discarded. Not safe for
// concurrent use; each query owns its session.
type Session struct {
	db       *memory.Database
	provider *memory.DbProvider
	engine   *sqle.Engine
}

// Result is the evaluated output of the rewritten query.
type Result struct {
	Columns []string
	Rows    []types.Row
}

// NewSession builds an empty analytical session.
func NewSession() *Session {
	db := memory.NewDatabase(dbName)
	provider := memory.NewDBProvider(db)
	return &Session{
		db:       db,
		provider: provider,
		engine:   sqle.NewDefault(provider),
	}
}

// Register materializes a rowset as table `view` inside the session.
func (s *Session) Register(view string, rs *types.Rowset) error {
	schema := make(sql.Schema, len(rs.Schema.Columns))
	for i, col := range rs.Schema.Columns {
		schema[i] = &sql.Column{
			Name:     col.Name,
			Type:     gmsType(col.Type),
			Nullable: true,
			Source:   view,
		}
	}

	table := memory.NewTable(s.db, view, sql.NewPrimaryKeySchema(schema), s.db.GetForeignKeyCollection())
	s.db.AddTable(view, table)

	ctx := s.sqlCtx(context.Background())
	for _, row := range rs.Rows {
		in := make(sql.Row, len(row))
		for i, v := range row {
			in[i] = v
		}
		if err := table.Insert(ctx, in); err != nil {
			return types.Internal(fmt.Errorf("register %s: %w", view, err))
		}
	}
	return nil
}

// Query evaluates the rewritten SQL over the registered views and
// drains the iterator. Engine failures after analysis are internal
// faults, not user errors.
func (s *Session) Query(ctx context.Context, query string) (*Result, error) {
	sctx := s.sqlCtx(ctx)

	schema, iter, _, err := s.engine.Query(sctx, query)
	if err != nil {
		return nil, types.Internal(fmt.Errorf("analytical evaluation: %w", err))
	}
	rows, err := sql.RowIterToRows(sctx, iter)
	if err != nil {
		return nil, types.Internal(fmt.Errorf("drain result: %w", err))
	}

	res := &Result{Columns: make([]string, len(schema))}
	for i, col := range schema {
		res.Columns[i] = col.Name
	}
	for _, row := range rows {
		out := make(types.Row, len(row))
		for i, v := range row {
			out[i] = normalize(v, schema[i].Type)
		}
		res.Rows = append(res.Rows, out)
	}
	return res, nil
}

// Close releases the session. The memory backend holds no external
// resources; dropping references is enough, but the method anchors the
// create/use/discard lifecycle at call sites.
func (s *Session) Close() {
	s.engine.Close()
}

func (s *Session) sqlCtx(ctx context.Context) *sql.Context {
	session := memory.NewSession(sql.NewBaseSession(), s.provider)
	sctx := sql.NewContext(ctx, sql.WithSession(session))
	sctx.SetCurrentDatabase(dbName)
	return sctx
}

func gmsType(t types.ColumnType) sql.Type {
	switch t {
	case types.TypeInt:
		return gmstypes.Int64
	case types.TypeFloat:
		return gmstypes.Float64
	case types.TypeBool:
		return gmstypes.Boolean
	case types.TypeTime:
		return gmstypes.Datetime
	default:
		return gmstypes.Text
	}
}

// normalize maps engine-native values back to the wire forms the rest
// of the system uses: booleans as bool, counts as int64, text as
// string. The engine returns its Boolean type as a small integer.
func normalize(v any, t sql.Type) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case int8:
		if t == gmstypes.Boolean {
			return val != 0
		}
		return int64(val)
	case int:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint64:
		return int64(val)
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val
	case []byte:
		return string(val)
	case string:
		return val
	default:
		return v
	}
}
