package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"dbdesk/internal/core"
)

// SchemaTarget addresses one table for diffing.
type SchemaTarget struct {
	ConnectionID string `json:"connectionId"`
	Database     string `json:"database"`
	Table        string `json:"table"`
}

// SchemaService enumerates databases, tables and table shapes across
// dialects, computes sync scripts between two tables and extracts ER
// metadata. It never executes the scripts it generates.
type SchemaService struct {
	registry *Registry

	mu     sync.Mutex
	cached map[string]*core.TableSchema
}

func NewSchemaService(registry *Registry) *SchemaService {
	s := &SchemaService{
		registry: registry,
		cached:   make(map[string]*core.TableSchema),
	}
	registry.OnInvalidate(s.Invalidate)
	return s
}

// Invalidate drops cached schemas for a connection.
func (s *SchemaService) Invalidate(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := connectionID + "\x00"
	for key := range s.cached {
		if strings.HasPrefix(key, prefix) {
			delete(s.cached, key)
		}
	}
}

// Databases lists the databases visible on a connection. For postgres this
// is the schema (namespace) list of the connected database, which is what
// the client tree shows.
func (s *SchemaService) Databases(ctx context.Context, connectionID string) ([]string, error) {
	db, cfg, err := s.registry.Resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case core.DialectMySQL:
		return queryStrings(ctx, db, `SHOW DATABASES`)
	case core.DialectPostgres:
		return queryStrings(ctx, db, `SELECT nspname FROM pg_catalog.pg_namespace WHERE nspname NOT LIKE 'pg_%' AND nspname <> 'information_schema' ORDER BY nspname`)
	default:
		names, err := queryStrings(ctx, db, `PRAGMA database_list`)
		if err != nil {
			// database_list yields (seq, name, file); fall back to main.
			return []string{"main"}, nil
		}
		return names, nil
	}
}

// Tables lists the tables of a database, sorted by name.
func (s *SchemaService) Tables(ctx context.Context, connectionID, database string) ([]string, error) {
	db, cfg, err := s.registry.Resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case core.DialectMySQL:
		return queryStrings(ctx, db, `SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name`, database)
	case core.DialectPostgres:
		if database == "" {
			database = "public"
		}
		return queryStrings(ctx, db, `SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_type = 'BASE TABLE' ORDER BY table_name`, database)
	default:
		return queryStrings(ctx, db, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	}
}

// TableSchema returns the normalized shape of one table.
func (s *SchemaService) TableSchema(ctx context.Context, connectionID, database, table string) (*core.TableSchema, error) {
	key := connectionID + "\x00" + database + "\x00" + table
	s.mu.Lock()
	if cached, ok := s.cached[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	db, cfg, err := s.registry.Resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	var schema *core.TableSchema
	switch cfg.Type {
	case core.DialectMySQL:
		schema, err = mysqlTableSchema(ctx, db, database, table)
	case core.DialectPostgres:
		if database == "" {
			database = "public"
		}
		schema, err = postgresTableSchema(ctx, db, database, table)
	default:
		schema, err = sqliteTableSchema(ctx, db, table)
	}
	if err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, core.Ef(core.KindNotFound, "table %s not found in %s", table, database)
	}

	s.mu.Lock()
	s.cached[key] = schema
	s.mu.Unlock()
	return schema, nil
}

// SyncScript generates the ALTER script that makes the target table match
// the source. direction "a_to_b" treats a as source; "b_to_a" the reverse.
// Failures come back inside the script as "-- Error: ..." so callers have a
// single convention to detect.
func (s *SchemaService) SyncScript(ctx context.Context, a, b SchemaTarget, direction string) string {
	src, dst := a, b
	switch direction {
	case "a_to_b", "":
	case "b_to_a":
		src, dst = b, a
	default:
		return fmt.Sprintf("-- Error: unknown direction %q", direction)
	}

	srcSchema, err := s.TableSchema(ctx, src.ConnectionID, src.Database, src.Table)
	if err != nil {
		return fmt.Sprintf("-- Error: source schema: %v", err)
	}
	dstSchema, err := s.TableSchema(ctx, dst.ConnectionID, dst.Database, dst.Table)
	if err != nil {
		return fmt.Sprintf("-- Error: target schema: %v", err)
	}
	dstCfg, err := s.registry.Get(dst.ConnectionID)
	if err != nil {
		return fmt.Sprintf("-- Error: target connection: %v", err)
	}

	return diffScript(srcSchema, dstSchema, dst.Table, dstCfg.Type)
}

// ERMetadata returns the tables of a database with foreign-key edges
// restricted to the requested node set. References to tables outside the set
// are dropped, not errored. An empty filter means every table.
func (s *SchemaService) ERMetadata(ctx context.Context, connectionID, database string, filter []string) ([]core.TableSchema, error) {
	names, err := s.Tables(ctx, connectionID, database)
	if err != nil {
		return nil, err
	}
	if len(filter) > 0 {
		wanted := make(map[string]bool, len(filter))
		for _, name := range filter {
			wanted[name] = true
		}
		kept := names[:0]
		for _, name := range names {
			if wanted[name] {
				kept = append(kept, name)
			}
		}
		names = kept
	}

	nodeSet := make(map[string]bool, len(names))
	for _, name := range names {
		nodeSet[name] = true
	}

	tables := make([]core.TableSchema, 0, len(names))
	for _, name := range names {
		schema, err := s.TableSchema(ctx, connectionID, database, name)
		if err != nil {
			return nil, err
		}
		node := *schema
		node.ForeignKeys = nil
		for _, fk := range schema.ForeignKeys {
			if nodeSet[fk.ReferencedTable] {
				node.ForeignKeys = append(node.ForeignKeys, fk)
			}
		}
		tables = append(tables, node)
	}
	return tables, nil
}

// --- dialect introspection ---

func mysqlTableSchema(ctx context.Context, db *sql.DB, database, table string) (*core.TableSchema, error) {
	schema := &core.TableSchema{Name: table}

	rows, err := db.QueryContext(ctx, `
		SELECT column_name, column_type, is_nullable, COALESCE(column_default, ''), column_key
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, database, table)
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect columns", err)
	}
	defer rows.Close()
	for rows.Next() {
		var col core.Column
		var nullable, key string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Default, &key); err != nil {
			return nil, err
		}
		col.Nullable = strings.EqualFold(nullable, "YES")
		col.PrimaryKey = key == "PRI"
		col.Unique = key == "UNI" || key == "PRI"
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := db.QueryContext(ctx, `
		SELECT k.constraint_name, k.column_name, k.referenced_table_name, k.referenced_column_name,
		       COALESCE(r.delete_rule, ''), COALESCE(r.update_rule, '')
		FROM information_schema.key_column_usage k
		JOIN information_schema.referential_constraints r
		  ON r.constraint_schema = k.constraint_schema AND r.constraint_name = k.constraint_name
		WHERE k.table_schema = ? AND k.table_name = ? AND k.referenced_table_name IS NOT NULL
		ORDER BY k.constraint_name, k.ordinal_position`, database, table)
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect foreign keys", err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var fk core.ForeignKey
		if err := fkRows.Scan(&fk.Name, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn, &fk.OnDelete, &fk.OnUpdate); err != nil {
			return nil, err
		}
		schema.ForeignKeys = append(schema.ForeignKeys, fk)
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	idxRows, err := db.QueryContext(ctx, `
		SELECT index_name, column_name, non_unique
		FROM information_schema.statistics
		WHERE table_schema = ? AND table_name = ? AND index_name <> 'PRIMARY'
		ORDER BY index_name, seq_in_index`, database, table)
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect indexes", err)
	}
	defer idxRows.Close()
	indexes := map[string]*core.Index{}
	var order []string
	for idxRows.Next() {
		var name, column string
		var nonUnique int
		if err := idxRows.Scan(&name, &column, &nonUnique); err != nil {
			return nil, err
		}
		idx, ok := indexes[name]
		if !ok {
			idx = &core.Index{Name: name, Unique: nonUnique == 0}
			indexes[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, column)
	}
	if err := idxRows.Err(); err != nil {
		return nil, err
	}
	for _, name := range order {
		schema.Indexes = append(schema.Indexes, *indexes[name])
	}
	return schema, nil
}

func postgresTableSchema(ctx context.Context, db *sql.DB, schemaName, table string) (*core.TableSchema, error) {
	schema := &core.TableSchema{Name: table}

	rows, err := db.QueryContext(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable, COALESCE(c.column_default, '')
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schemaName, table)
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect columns", err)
	}
	defer rows.Close()
	for rows.Next() {
		var col core.Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Default); err != nil {
			return nil, err
		}
		col.Nullable = strings.EqualFold(nullable, "YES")
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keyRows, err := db.QueryContext(ctx, `
		SELECT kcu.column_name, tc.constraint_type
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_schema = tc.constraint_schema AND kcu.constraint_name = tc.constraint_name
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		  AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')`, schemaName, table)
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect keys", err)
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var column, constraintType string
		if err := keyRows.Scan(&column, &constraintType); err != nil {
			return nil, err
		}
		for i := range schema.Columns {
			if schema.Columns[i].Name != column {
				continue
			}
			schema.Columns[i].Unique = true
			if constraintType == "PRIMARY KEY" {
				schema.Columns[i].PrimaryKey = true
			}
		}
	}
	if err := keyRows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := db.QueryContext(ctx, `
		SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name,
		       rc.delete_rule, rc.update_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_schema = tc.constraint_schema AND kcu.constraint_name = tc.constraint_name
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_schema = tc.constraint_schema AND ccu.constraint_name = tc.constraint_name
		JOIN information_schema.referential_constraints rc
		  ON rc.constraint_schema = tc.constraint_schema AND rc.constraint_name = tc.constraint_name
		WHERE tc.table_schema = $1 AND tc.table_name = $2 AND tc.constraint_type = 'FOREIGN KEY'
		ORDER BY tc.constraint_name`, schemaName, table)
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect foreign keys", err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var fk core.ForeignKey
		if err := fkRows.Scan(&fk.Name, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn, &fk.OnDelete, &fk.OnUpdate); err != nil {
			return nil, err
		}
		schema.ForeignKeys = append(schema.ForeignKeys, fk)
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	idxRows, err := db.QueryContext(ctx, `
		SELECT i.relname, a.attname, ix.indisunique
		FROM pg_class t
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_index ix ON ix.indrelid = t.oid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = $1 AND t.relname = $2 AND NOT ix.indisprimary
		ORDER BY i.relname, a.attnum`, schemaName, table)
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect indexes", err)
	}
	defer idxRows.Close()
	indexes := map[string]*core.Index{}
	var order []string
	for idxRows.Next() {
		var name, column string
		var unique bool
		if err := idxRows.Scan(&name, &column, &unique); err != nil {
			return nil, err
		}
		idx, ok := indexes[name]
		if !ok {
			idx = &core.Index{Name: name, Unique: unique}
			indexes[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, column)
	}
	if err := idxRows.Err(); err != nil {
		return nil, err
	}
	for _, name := range order {
		schema.Indexes = append(schema.Indexes, *indexes[name])
	}
	return schema, nil
}

func sqliteTableSchema(ctx context.Context, db *sql.DB, table string) (*core.TableSchema, error) {
	schema := &core.TableSchema{Name: table}
	quoted := quoteIdent(core.DialectSQLite, table)

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoted))
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect columns", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notNull, pk int
		var col core.Column
		var dflt sql.NullString
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		col.Nullable = notNull == 0
		col.PrimaryKey = pk > 0
		col.Unique = pk > 0
		col.Default = dflt.String
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%s)`, quoted))
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect foreign keys", err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var id, seq int
		var fk core.ForeignKey
		var match string
		if err := fkRows.Scan(&id, &seq, &fk.ReferencedTable, &fk.Column, &fk.ReferencedColumn, &fk.OnUpdate, &fk.OnDelete, &match); err != nil {
			return nil, err
		}
		schema.ForeignKeys = append(schema.ForeignKeys, fk)
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	idxRows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%s)`, quoted))
	if err != nil {
		return nil, core.E(core.KindDriver, "introspect indexes", err)
	}
	defer idxRows.Close()
	type indexInfo struct {
		name   string
		unique bool
	}
	var infos []indexInfo
	for idxRows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := idxRows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, err
		}
		// Skip the implicit indexes sqlite creates for PK/UNIQUE clauses.
		if origin != "c" {
			continue
		}
		infos = append(infos, indexInfo{name: name, unique: unique == 1})
	}
	if err := idxRows.Err(); err != nil {
		return nil, err
	}
	for _, info := range infos {
		idx := core.Index{Name: info.name, Unique: info.unique}
		colRows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_info(%s)`, quoteIdent(core.DialectSQLite, info.name)))
		if err != nil {
			return nil, err
		}
		for colRows.Next() {
			var seqno, cid int
			var column string
			if err := colRows.Scan(&seqno, &cid, &column); err != nil {
				colRows.Close()
				return nil, err
			}
			idx.Columns = append(idx.Columns, column)
		}
		if err := colRows.Err(); err != nil {
			colRows.Close()
			return nil, err
		}
		colRows.Close()
		schema.Indexes = append(schema.Indexes, idx)
	}
	return schema, nil
}

// --- diffing ---

// diffScript emits the ALTER statements that make target match source.
// Column adds follow source column order; drops and index changes are
// sorted by name, so the same two schemas always produce the same script.
func diffScript(source, target *core.TableSchema, tableName string, dialect core.Dialect) string {
	var stmts []string
	quotedTable := quoteIdent(dialect, tableName)

	targetCols := make(map[string]core.Column, len(target.Columns))
	for _, col := range target.Columns {
		targetCols[col.Name] = col
	}
	sourceCols := make(map[string]core.Column, len(source.Columns))
	for _, col := range source.Columns {
		sourceCols[col.Name] = col
	}

	for _, col := range source.Columns {
		existing, ok := targetCols[col.Name]
		if !ok {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", quotedTable, columnDef(dialect, col)))
			continue
		}
		if !columnsEqual(col, existing) {
			stmts = append(stmts, alterColumn(dialect, quotedTable, col)...)
		}
	}

	var drops []string
	for name := range targetCols {
		if _, ok := sourceCols[name]; !ok {
			drops = append(drops, name)
		}
	}
	sort.Strings(drops)
	for _, name := range drops {
		if dialect == core.DialectSQLite {
			stmts = append(stmts, fmt.Sprintf("-- sqlite: DROP COLUMN %s requires a table rebuild", name))
			continue
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", quotedTable, quoteIdent(dialect, name)))
	}

	stmts = append(stmts, diffIndexes(source, target, tableName, dialect)...)

	if len(stmts) == 0 {
		return fmt.Sprintf("-- Tables are in sync: %s\n", tableName)
	}
	return fmt.Sprintf("-- Sync script for %s (%s)\n%s\n", tableName, dialect, strings.Join(stmts, "\n"))
}

func diffIndexes(source, target *core.TableSchema, tableName string, dialect core.Dialect) []string {
	var stmts []string
	quotedTable := quoteIdent(dialect, tableName)

	targetIdx := make(map[string]core.Index, len(target.Indexes))
	for _, idx := range target.Indexes {
		targetIdx[idx.Name] = idx
	}
	sourceIdx := make(map[string]core.Index, len(source.Indexes))
	for _, idx := range source.Indexes {
		sourceIdx[idx.Name] = idx
	}

	var adds []string
	for name := range sourceIdx {
		if _, ok := targetIdx[name]; !ok {
			adds = append(adds, name)
		}
	}
	sort.Strings(adds)
	for _, name := range adds {
		idx := sourceIdx[name]
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		cols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			cols[i] = quoteIdent(dialect, c)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX %s ON %s (%s);", unique, quoteIdent(dialect, name), quotedTable, strings.Join(cols, ", ")))
	}

	var drops []string
	for name := range targetIdx {
		if _, ok := sourceIdx[name]; !ok {
			drops = append(drops, name)
		}
	}
	sort.Strings(drops)
	for _, name := range drops {
		if dialect == core.DialectMySQL {
			stmts = append(stmts, fmt.Sprintf("DROP INDEX %s ON %s;", quoteIdent(dialect, name), quotedTable))
			continue
		}
		stmts = append(stmts, fmt.Sprintf("DROP INDEX %s;", quoteIdent(dialect, name)))
	}
	return stmts
}

func columnsEqual(a, b core.Column) bool {
	return strings.EqualFold(a.Type, b.Type) && a.Nullable == b.Nullable && a.Default == b.Default
}

func columnDef(dialect core.Dialect, col core.Column) string {
	def := quoteIdent(dialect, col.Name) + " " + col.Type
	if !col.Nullable {
		def += " NOT NULL"
	}
	if col.Default != "" {
		def += " DEFAULT " + col.Default
	}
	return def
}

func alterColumn(dialect core.Dialect, quotedTable string, col core.Column) []string {
	switch dialect {
	case core.DialectMySQL:
		return []string{fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s;", quotedTable, columnDef(dialect, col))}
	case core.DialectPostgres:
		stmts := []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s;", quotedTable, quoteIdent(dialect, col.Name), col.Type)}
		if col.Nullable {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;", quotedTable, quoteIdent(dialect, col.Name)))
		} else {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;", quotedTable, quoteIdent(dialect, col.Name)))
		}
		return stmts
	default:
		return []string{fmt.Sprintf("-- sqlite: MODIFY COLUMN %s requires a table rebuild", col.Name)}
	}
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.E(core.KindDriver, "introspection query failed", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []string
	for rows.Next() {
		// PRAGMA database_list returns (seq, name, file); every other
		// introspection list is a single column. Scan generically and keep
		// the name column.
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		idx := 0
		if len(columns) > 1 {
			idx = 1
		}
		switch v := values[idx].(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		}
	}
	return out, rows.Err()
}
