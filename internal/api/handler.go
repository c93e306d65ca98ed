package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dbdesk/internal/core"
	"dbdesk/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler is the RPC adapter in front of the core services. Everything
// behind it is typed; JSON exists only at this boundary.
type Handler struct {
	registry *service.Registry
	sessions *service.SessionManager
	executor *service.QueryExecutor
	tx       *service.TxCoordinator
	backups  *service.BackupService
	audit    *service.AuditLogger
	schema   *service.SchemaService
}

func NewHandler(registry *service.Registry, sessions *service.SessionManager, executor *service.QueryExecutor, tx *service.TxCoordinator, backups *service.BackupService, audit *service.AuditLogger, schema *service.SchemaService) *Handler {
	return &Handler{
		registry: registry,
		sessions: sessions,
		executor: executor,
		tx:       tx,
		backups:  backups,
		audit:    audit,
		schema:   schema,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", h.ExecuteQuery)
		r.Get("/query/stats", h.QueryStats)
		r.Post("/session/database", h.SetDatabase)
		r.Delete("/session/{sessionID}", h.CloseSession)

		r.Post("/tx/begin", h.BeginTx)
		r.Post("/tx/commit", h.CommitTx)
		r.Post("/tx/rollback", h.RollbackTx)

		r.Get("/connections", h.ListConnections)
		r.Post("/connections", h.CreateConnection)
		r.Post("/connections/test", h.TestConnection)
		r.Get("/connections/{id}", h.GetConnection)
		r.Put("/connections/{id}", h.UpdateConnection)
		r.Delete("/connections/{id}", h.DeleteConnection)

		r.Post("/backups/run", h.BackupNow)
		r.Get("/backups", h.ListBackups)
		r.Post("/backups/restore", h.RestoreBackup)
		r.Get("/backups/verify", h.VerifyBackup)
		r.Delete("/backups", h.DeleteBackup)

		r.Get("/schedules", h.GetSchedules)
		r.Put("/schedules", h.SetSchedules)

		r.Get("/audit", h.QueryAudit)
		r.Get("/audit/export", h.ExportAudit)

		r.Get("/schema/{connectionID}/databases", h.Databases)
		r.Get("/schema/{connectionID}/tables", h.Tables)
		r.Get("/schema/{connectionID}/table", h.TableSchema)
		r.Get("/schema/{connectionID}/er", h.ERMetadata)
		r.Post("/schema/sync-script", h.SyncScript)
	})
	return r
}

// --- queries and sessions ---

type queryRequest struct {
	ConnectionID string                 `json:"connectionId"`
	SessionID    string                 `json:"sessionId"`
	SQL          string                 `json:"sql"`
	Params       map[string]interface{} `json:"params,omitempty"`
	Args         []interface{}          `json:"args,omitempty"`
}

type queryResponse struct {
	Columns       []string                 `json:"columns"`
	Rows          []map[string]interface{} `json:"rows"`
	RowCount      int                      `json:"rowCount"`
	ExecutionTime int64                    `json:"executionTime"`
	Cached        bool                     `json:"cached"`
	Error         string                   `json:"error,omitempty"`
}

func (h *Handler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.executor.Execute(r.Context(), req.ConnectionID, req.SessionID, req.SQL, req.Params, req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Columns:       result.Columns,
		Rows:          result.Rows,
		RowCount:      result.RowCount,
		ExecutionTime: result.ExecutionTimeMs,
		Cached:        result.Cached,
	})
}

func (h *Handler) QueryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.executor.Stats())
}

type setDatabaseRequest struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	Database     string `json:"database"`
}

func (h *Handler) SetDatabase(w http.ResponseWriter, r *http.Request) {
	var req setDatabaseRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.sessions.SetDatabase(r.Context(), req.ConnectionID, req.SessionID, req.Database); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.Close(chi.URLParam(r, "sessionID"))
	writeSuccess(w)
}

// --- transactions ---

type txRequest struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
}

func (h *Handler) BeginTx(w http.ResponseWriter, r *http.Request) {
	var req txRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.tx.Begin(r.Context(), req.ConnectionID, req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handler) CommitTx(w http.ResponseWriter, r *http.Request) {
	var req txRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.tx.Commit(r.Context(), req.ConnectionID, req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handler) RollbackTx(w http.ResponseWriter, r *http.Request) {
	var req txRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.tx.Rollback(r.Context(), req.ConnectionID, req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

// --- connections ---

type connectionRequest struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Host        string          `json:"host"`
	Port        int             `json:"port"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	Database    string          `json:"database"`
	UseSSL      bool            `json:"useSSL"`
	SSHTunnel   *core.SSHTunnel `json:"sshTunnel,omitempty"`
	SSHPassword string          `json:"sshPassword,omitempty"`
}

func (req *connectionRequest) toConnection() *core.Connection {
	return &core.Connection{
		Name:      req.Name,
		Type:      core.Dialect(req.Type),
		Host:      req.Host,
		Port:      req.Port,
		Username:  req.Username,
		Database:  req.Database,
		UseSSL:    req.UseSSL,
		SSHTunnel: req.SSHTunnel,
	}
}

func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	connections, err := h.registry.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connections)
}

func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *Handler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !decode(w, r, &req) {
		return
	}
	conn := req.toConnection()
	if err := h.registry.Create(conn, req.Password, req.SSHPassword); err != nil {
		writeError(w, err)
		return
	}
	h.audit.Record(core.AuditEntry{Op: core.OpConnectionCreate, Detail: conn.Name, ConnectionID: conn.ID})
	writeJSON(w, http.StatusCreated, conn)
}

func (h *Handler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !decode(w, r, &req) {
		return
	}
	conn := req.toConnection()
	conn.ID = chi.URLParam(r, "id")
	if err := h.registry.Update(conn, req.Password, req.SSHPassword); err != nil {
		writeError(w, err)
		return
	}
	h.audit.Record(core.AuditEntry{Op: core.OpConnectionUpdate, Detail: conn.Name, ConnectionID: conn.ID})
	writeJSON(w, http.StatusOK, conn)
}

func (h *Handler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	h.audit.Record(core.AuditEntry{Op: core.OpConnectionDelete, ConnectionID: id})
	writeSuccess(w)
}

func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.registry.Test(r.Context(), req.toConnection(), req.Password, req.SSHPassword); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

// --- backups ---

type backupRequest struct {
	ConnectionID string `json:"connectionId"`
	Path         string `json:"path,omitempty"`
	Confirm      bool   `json:"confirm,omitempty"`
}

func (h *Handler) BackupNow(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.backups.BackupNow(r.Context(), req.ConnectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "path": rec.Path})
}

func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	records, err := h.backups.List(r.URL.Query().Get("connectionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []core.BackupRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if !decode(w, r, &req) {
		return
	}
	// Restore is destructive; the client must send the confirmation it
	// gathered from the user.
	if !req.Confirm {
		writeError(w, core.Ef(core.KindValidation, "restore requires confirm:true"))
		return
	}
	if err := h.backups.Restore(r.Context(), req.ConnectionID, req.Path); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handler) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	exists, size := h.backups.Verify(r.URL.Query().Get("path"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"exists": exists, "size": size})
}

func (h *Handler) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.backups.Delete(req.Path); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

// --- schedules ---

func (h *Handler) GetSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.backups.Schedules()
	if err != nil {
		writeError(w, err)
		return
	}
	if schedules == nil {
		schedules = []core.BackupSchedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (h *Handler) SetSchedules(w http.ResponseWriter, r *http.Request) {
	var schedules []core.BackupSchedule
	if !decode(w, r, &schedules) {
		return
	}
	if err := h.backups.SetSchedules(schedules); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

// --- audit ---

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, core.Ef(core.KindValidation, "since must be RFC3339, got %q", raw))
			return
		}
		since = parsed
	}
	entries, err := h.audit.Query(limit, since, r.URL.Query().Get("op"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []core.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	out, err := h.audit.Export(format)
	if err != nil {
		writeError(w, err)
		return
	}
	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

// --- schema ---

func (h *Handler) Databases(w http.ResponseWriter, r *http.Request) {
	names, err := h.schema.Databases(r.Context(), chi.URLParam(r, "connectionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *Handler) Tables(w http.ResponseWriter, r *http.Request) {
	names, err := h.schema.Tables(r.Context(), chi.URLParam(r, "connectionID"), r.URL.Query().Get("database"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *Handler) TableSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := h.schema.TableSchema(r.Context(), chi.URLParam(r, "connectionID"),
		r.URL.Query().Get("database"), r.URL.Query().Get("table"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *Handler) ERMetadata(w http.ResponseWriter, r *http.Request) {
	var filter []string
	if raw := r.URL.Query().Get("tables"); raw != "" {
		filter = strings.Split(raw, ",")
	}
	tables, err := h.schema.ERMetadata(r.Context(), chi.URLParam(r, "connectionID"),
		r.URL.Query().Get("database"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

type syncScriptRequest struct {
	A         service.SchemaTarget `json:"a"`
	B         service.SchemaTarget `json:"b"`
	Direction string               `json:"direction"`
}

func (h *Handler) SyncScript(w http.ResponseWriter, r *http.Request) {
	var req syncScriptRequest
	if !decode(w, r, &req) {
		return
	}
	script := h.schema.SyncScript(r.Context(), req.A, req.B, req.Direction)
	writeJSON(w, http.StatusOK, map[string]string{"script": script})
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, core.E(core.KindValidation, "malformed request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindConflict, core.KindNoActiveTransaction:
		status = http.StatusConflict
	case core.KindTimeout:
		status = http.StatusGatewayTimeout
	case core.KindConnection:
		status = http.StatusBadGateway
	case core.KindDriver:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]interface{}{"success": false, "error": err.Error()})
}
