package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dbdesk/internal/core"
	"dbdesk/internal/data"
	"dbdesk/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := data.InitDB(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	crypto, err := service.NewEncryptionService("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	registry := service.NewRegistry(data.NewConnectionRepo(store), crypto)
	t.Cleanup(registry.Close)
	sessions := service.NewSessionManager(registry)
	cache := service.NewQueryCache(128, time.Minute)
	audit := service.NewAuditLogger(data.NewAuditRepo(store))
	executor := service.NewQueryExecutor(registry, sessions, cache, audit, 10*time.Second)
	tx := service.NewTxCoordinator(registry, sessions, cache, audit)
	backups := service.NewBackupService(registry, crypto, data.NewScheduleRepo(store), data.NewBackupRepo(store), audit, filepath.Join(dir, "backups"))
	schema := service.NewSchemaService(registry)
	executor.OnWrite(schema.Invalidate)

	conn := &core.Connection{
		Name:     "target",
		Type:     core.DialectSQLite,
		Database: filepath.Join(dir, "target.db"),
	}
	require.NoError(t, registry.Create(conn, "", ""))

	handler := NewHandler(registry, sessions, executor, tx, backups, audit, schema)
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)
	return server, conn.ID
}

func postJSON(t *testing.T, server *httptest.Server, path string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, server *httptest.Server, path string, dst interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if dst != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp
}

func TestQueryEndpoint(t *testing.T) {
	server, connID := newTestServer(t)

	resp := postJSON(t, server, "/api/query", map[string]interface{}{
		"connectionId": connID,
		"sessionId":    "tab1",
		"sql":          "CREATE TABLE t (n INTEGER)",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, server, "/api/query", map[string]interface{}{
		"connectionId": connID,
		"sessionId":    "tab1",
		"sql":          "INSERT INTO t (n) VALUES (:n)",
		"params":       map[string]interface{}{"n": 5},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, server, "/api/query", map[string]interface{}{
		"connectionId": connID,
		"sessionId":    "tab1",
		"sql":          "SELECT n FROM t",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Columns  []string                 `json:"columns"`
		Rows     []map[string]interface{} `json:"rows"`
		RowCount int                      `json:"rowCount"`
		Cached   bool                     `json:"cached"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, []string{"n"}, result.Columns)
	require.Len(t, result.Rows, 1)
	assert.False(t, result.Cached)
}

func TestQueryEndpointDriverError(t *testing.T) {
	server, connID := newTestServer(t)

	resp := postJSON(t, server, "/api/query", map[string]interface{}{
		"connectionId": connID,
		"sessionId":    "tab1",
		"sql":          "SELECT * FROM no_such_table",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Error)
}

func TestQueryEndpointUnknownConnection(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server, "/api/query", map[string]interface{}{
		"connectionId": "nope",
		"sessionId":    "tab1",
		"sql":          "SELECT 1",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTxEndpointsConflict(t *testing.T) {
	server, connID := newTestServer(t)
	body := map[string]interface{}{"connectionId": connID, "sessionId": "tab1"}

	resp := postJSON(t, server, "/api/tx/commit", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "commit without begin")

	resp = postJSON(t, server, "/api/tx/begin", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, server, "/api/tx/begin", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "double begin")

	resp = postJSON(t, server, "/api/tx/rollback", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionCRUD(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server, "/api/connections", map[string]interface{}{
		"name":     "scratch",
		"type":     "sqlite",
		"database": filepath.Join(t.TempDir(), "scratch.db"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created core.Connection
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	var listed []core.Connection
	getJSON(t, server, "/api/connections", &listed)
	assert.Len(t, listed, 2)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/connections/"+created.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	getResp := getJSON(t, server, "/api/connections/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestConnectionValidationRejected(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server, "/api/connections", map[string]interface{}{
		"name": "bad",
		"type": "oracle",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRestoreRequiresConfirmation(t *testing.T) {
	server, connID := newTestServer(t)

	// Touch the target so the sqlite file exists on disk.
	postJSON(t, server, "/api/query", map[string]interface{}{
		"connectionId": connID,
		"sessionId":    "tab1",
		"sql":          "CREATE TABLE t (n INTEGER)",
	})

	resp := postJSON(t, server, "/api/backups/run", map[string]interface{}{"connectionId": connID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	require.NotEmpty(t, run.Path)

	resp = postJSON(t, server, "/api/backups/restore", map[string]interface{}{
		"connectionId": connID,
		"path":         run.Path,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "restore without confirm is refused")

	resp = postJSON(t, server, "/api/backups/restore", map[string]interface{}{
		"connectionId": connID,
		"path":         run.Path,
		"confirm":      true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuditExportEndpoint(t *testing.T) {
	server, connID := newTestServer(t)

	postJSON(t, server, "/api/query", map[string]interface{}{
		"connectionId": connID,
		"sessionId":    "tab1",
		"sql":          "SELECT 1",
	})

	resp := getJSON(t, server, "/api/audit/export?format=csv", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	var entries []core.AuditEntry
	getJSON(t, server, fmt.Sprintf("/api/audit?op=%s", core.OpQuery), &entries)
	require.NotEmpty(t, entries)
	assert.True(t, strings.Contains(entries[0].Detail, "SELECT 1"))
}

func TestSchemaEndpoints(t *testing.T) {
	server, connID := newTestServer(t)

	postJSON(t, server, "/api/query", map[string]interface{}{
		"connectionId": connID,
		"sessionId":    "tab1",
		"sql":          "CREATE TABLE books (id INTEGER PRIMARY KEY, title TEXT NOT NULL)",
	})

	var tables []string
	getJSON(t, server, "/api/schema/"+connID+"/tables", &tables)
	assert.Contains(t, tables, "books")

	var schema core.TableSchema
	getJSON(t, server, "/api/schema/"+connID+"/table?table=books", &schema)
	require.Len(t, schema.Columns, 2)
	assert.True(t, schema.Columns[0].PrimaryKey)

	resp := postJSON(t, server, "/api/schema/sync-script", map[string]interface{}{
		"a":         map[string]string{"connectionId": connID, "table": "books"},
		"b":         map[string]string{"connectionId": connID, "table": "books"},
		"direction": "a_to_b",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var script struct {
		Script string `json:"script"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&script))
	assert.Contains(t, script.Script, "in sync")
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	var status map[string]string
	resp := getJSON(t, server, "/healthz", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", status["status"])
}
