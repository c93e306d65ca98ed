package service

import (
	"context"
	"strings"
	"testing"

	"dbdesk/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSchemaFixtures(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range []string{
		`CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE books (
			id INTEGER PRIMARY KEY,
			title TEXT NOT NULL,
			author_id INTEGER,
			FOREIGN KEY (author_id) REFERENCES authors(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX idx_books_title ON books (title)`,
	} {
		_, err := env.executor.Execute(ctx, env.connID, "tab1", stmt, nil, nil)
		require.NoError(t, err)
	}
}

func TestSQLiteIntrospection(t *testing.T) {
	env := newTestEnv(t)
	seedSchemaFixtures(t, env)
	ctx := context.Background()

	tables, err := env.schema.Tables(ctx, env.connID, "")
	require.NoError(t, err)
	assert.Contains(t, tables, "authors")
	assert.Contains(t, tables, "books")

	schema, err := env.schema.TableSchema(ctx, env.connID, "", "books")
	require.NoError(t, err)
	require.Len(t, schema.Columns, 3)
	assert.Equal(t, "id", schema.Columns[0].Name)
	assert.True(t, schema.Columns[0].PrimaryKey)
	assert.Equal(t, "title", schema.Columns[1].Name)
	assert.False(t, schema.Columns[1].Nullable)

	require.Len(t, schema.ForeignKeys, 1)
	assert.Equal(t, "author_id", schema.ForeignKeys[0].Column)
	assert.Equal(t, "authors", schema.ForeignKeys[0].ReferencedTable)
	assert.Equal(t, "id", schema.ForeignKeys[0].ReferencedColumn)
	assert.Equal(t, "CASCADE", schema.ForeignKeys[0].OnDelete)

	require.Len(t, schema.Indexes, 1)
	assert.Equal(t, "idx_books_title", schema.Indexes[0].Name)
	assert.Equal(t, []string{"title"}, schema.Indexes[0].Columns)
	assert.False(t, schema.Indexes[0].Unique)
}

func TestDiffScriptDeterministic(t *testing.T) {
	source := &core.TableSchema{
		Name: "users",
		Columns: []core.Column{
			{Name: "id", Type: "INTEGER", PrimaryKey: true},
			{Name: "email", Type: "TEXT"},
			{Name: "created_at", Type: "TIMESTAMP"},
		},
		Indexes: []core.Index{
			{Name: "idx_email", Columns: []string{"email"}, Unique: true},
		},
	}
	target := &core.TableSchema{
		Name: "users",
		Columns: []core.Column{
			{Name: "id", Type: "INTEGER", PrimaryKey: true},
			{Name: "legacy", Type: "TEXT"},
		},
		Indexes: []core.Index{
			{Name: "idx_legacy", Columns: []string{"legacy"}},
		},
	}

	first := diffScript(source, target, "users", core.DialectPostgres)
	second := diffScript(source, target, "users", core.DialectPostgres)
	assert.Equal(t, first, second, "same inputs yield byte-identical scripts")

	assert.Contains(t, first, `ADD COLUMN "email" TEXT`)
	assert.Contains(t, first, `ADD COLUMN "created_at" TIMESTAMP`)
	assert.Contains(t, first, `DROP COLUMN "legacy"`)
	assert.Contains(t, first, `CREATE UNIQUE INDEX "idx_email"`)
	assert.Contains(t, first, `DROP INDEX "idx_legacy"`)

	// Adds follow source column order.
	assert.Less(t, strings.Index(first, "email"), strings.Index(first, "created_at"))
}

func TestDiffScriptInSync(t *testing.T) {
	schema := &core.TableSchema{
		Name:    "t",
		Columns: []core.Column{{Name: "id", Type: "INTEGER", PrimaryKey: true}},
	}
	out := diffScript(schema, schema, "t", core.DialectMySQL)
	assert.Contains(t, out, "-- Tables are in sync")
}

func TestSyncScriptReportsIntrospectionFailure(t *testing.T) {
	env := newTestEnv(t)
	seedSchemaFixtures(t, env)

	out := env.schema.SyncScript(context.Background(),
		SchemaTarget{ConnectionID: env.connID, Table: "books"},
		SchemaTarget{ConnectionID: env.connID, Table: "no_such_table"},
		"a_to_b")
	assert.True(t, strings.HasPrefix(out, "-- Error:"), "got %q", out)
}

func TestERMetadataDropsDanglingEdges(t *testing.T) {
	env := newTestEnv(t)
	seedSchemaFixtures(t, env)
	ctx := context.Background()

	// Filtered to books only: the FK to authors points outside the set.
	tables, err := env.schema.ERMetadata(ctx, env.connID, "", []string{"books"})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Empty(t, tables[0].ForeignKeys, "edges to excluded tables are dropped")

	// With both tables present the edge survives.
	tables, err = env.schema.ERMetadata(ctx, env.connID, "", nil)
	require.NoError(t, err)
	byName := map[string]core.TableSchema{}
	for _, ts := range tables {
		byName[ts.Name] = ts
	}
	require.Contains(t, byName, "books")
	assert.Len(t, byName["books"].ForeignKeys, 1)
}

func TestSchemaCacheInvalidated(t *testing.T) {
	env := newTestEnv(t)
	seedSchemaFixtures(t, env)
	ctx := context.Background()

	first, err := env.schema.TableSchema(ctx, env.connID, "", "authors")
	require.NoError(t, err)
	require.Len(t, first.Columns, 2)

	// A write through the executor drops the cached shape.
	_, err = env.executor.Execute(ctx, env.connID, "tab1", `ALTER TABLE authors ADD COLUMN bio TEXT`, nil, nil)
	require.NoError(t, err)

	second, err := env.schema.TableSchema(ctx, env.connID, "", "authors")
	require.NoError(t, err)
	assert.Len(t, second.Columns, 3)
}
