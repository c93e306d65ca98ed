package service

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"dbdesk/internal/core"
	"dbdesk/internal/logger"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const probeTimeout = 3 * time.Second

// Registry owns configured connections and their lazily-opened pooled
// handles. It is the single place connection lifecycle fan-out happens:
// sibling components register hooks instead of watching connections
// themselves.
type Registry struct {
	repo   core.ConnectionRepository
	crypto *EncryptionService

	mu      sync.RWMutex
	entries map[string]*connEntry

	hookMu      sync.Mutex
	invalidated []func(connectionID string)
	removed     []func(connectionID string)
}

// connEntry guards one connection's handle. Locking is per entry so tabs on
// different connections never contend.
type connEntry struct {
	mu     sync.Mutex
	db     *sql.DB
	tunnel *sshTunnel
}

func NewRegistry(repo core.ConnectionRepository, crypto *EncryptionService) *Registry {
	return &Registry{
		repo:    repo,
		crypto:  crypto,
		entries: make(map[string]*connEntry),
	}
}

// OnInvalidate registers a hook called whenever a connection's handle is
// torn down (edit, delete, reconnect).
func (r *Registry) OnInvalidate(hook func(connectionID string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.invalidated = append(r.invalidated, hook)
}

// OnRemove registers a hook called only when a connection is deleted.
func (r *Registry) OnRemove(hook func(connectionID string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.removed = append(r.removed, hook)
}

// Get returns the stored configuration for a connection.
func (r *Registry) Get(connectionID string) (*core.Connection, error) {
	cfg, err := r.repo.GetByID(connectionID)
	if err == sql.ErrNoRows {
		return nil, core.Ef(core.KindNotFound, "unknown connection %s", connectionID)
	} else if err != nil {
		return nil, fmt.Errorf("load connection %s: %w", connectionID, err)
	}
	return cfg, nil
}

// List returns all stored connections.
func (r *Registry) List() ([]core.Connection, error) {
	return r.repo.GetAll()
}

// Create stores a new connection. Passwords arrive in plaintext and are
// encrypted before they touch the store. The generated id is immutable.
func (r *Registry) Create(cfg *core.Connection, password, sshPassword string) error {
	if err := validateConnection(cfg); err != nil {
		return err
	}
	cfg.ID = uuid.NewString()
	var err error
	if cfg.PasswordEnc, err = r.crypto.Encrypt(password); err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	if cfg.SSHTunnel != nil {
		if cfg.SSHTunnel.PasswordEnc, err = r.crypto.Encrypt(sshPassword); err != nil {
			return fmt.Errorf("encrypt ssh password: %w", err)
		}
	}
	return r.repo.Create(cfg)
}

// Update edits a stored connection and invalidates its handle. An empty
// password keeps the stored one.
func (r *Registry) Update(cfg *core.Connection, password, sshPassword string) error {
	if err := validateConnection(cfg); err != nil {
		return err
	}
	existing, err := r.Get(cfg.ID)
	if err != nil {
		return err
	}
	cfg.PasswordEnc = existing.PasswordEnc
	if password != "" {
		if cfg.PasswordEnc, err = r.crypto.Encrypt(password); err != nil {
			return fmt.Errorf("encrypt password: %w", err)
		}
	}
	if cfg.SSHTunnel != nil {
		if existing.SSHTunnel != nil {
			cfg.SSHTunnel.PasswordEnc = existing.SSHTunnel.PasswordEnc
		}
		if sshPassword != "" {
			if cfg.SSHTunnel.PasswordEnc, err = r.crypto.Encrypt(sshPassword); err != nil {
				return fmt.Errorf("encrypt ssh password: %w", err)
			}
		}
	}
	if err := r.repo.Update(cfg); err != nil {
		return err
	}
	r.Invalidate(cfg.ID)
	return nil
}

// Delete removes a connection and cascades: handle closed, sessions and
// cache dropped via invalidation hooks, schedules cancelled via removal
// hooks.
func (r *Registry) Delete(connectionID string) error {
	if _, err := r.Get(connectionID); err != nil {
		return err
	}
	r.Invalidate(connectionID)
	if err := r.repo.Delete(connectionID); err != nil {
		return err
	}
	r.hookMu.Lock()
	hooks := append([]func(string){}, r.removed...)
	r.hookMu.Unlock()
	for _, hook := range hooks {
		hook(connectionID)
	}
	return nil
}

// Resolve returns the pooled handle for a connection, opening it on first
// use.
func (r *Registry) Resolve(ctx context.Context, connectionID string) (*sql.DB, *core.Connection, error) {
	cfg, err := r.Get(connectionID)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	entry, ok := r.entries[connectionID]
	if !ok {
		entry = &connEntry{}
		r.entries[connectionID] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.db != nil {
		return entry.db, cfg, nil
	}

	db, tunnel, err := r.open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	entry.db = db
	entry.tunnel = tunnel
	logger.L().Infow("connection opened", "connection", cfg.Name, "dialect", cfg.Type)
	return db, cfg, nil
}

// Invalidate closes a connection's handle and notifies every registered
// hook. Safe to call for connections that were never opened.
func (r *Registry) Invalidate(connectionID string) {
	r.mu.Lock()
	entry := r.entries[connectionID]
	delete(r.entries, connectionID)
	r.mu.Unlock()

	if entry != nil {
		entry.mu.Lock()
		if entry.db != nil {
			if err := entry.db.Close(); err != nil {
				logger.L().Warnw("close pooled handle", "connection", connectionID, "error", err)
			}
		}
		if entry.tunnel != nil {
			entry.tunnel.Close()
			unregisterMySQLTunnel(connectionID)
		}
		entry.mu.Unlock()
	}

	r.hookMu.Lock()
	hooks := append([]func(string){}, r.invalidated...)
	r.hookMu.Unlock()
	for _, hook := range hooks {
		hook(connectionID)
	}
}

// Close tears down every open handle.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Invalidate(id)
	}
}

// Test opens a short-lived probe handle for a candidate connection and
// closes it regardless of outcome.
func (r *Registry) Test(ctx context.Context, cfg *core.Connection, password, sshPassword string) error {
	if err := validateConnection(cfg); err != nil {
		return err
	}
	probe := *cfg
	if probe.ID == "" {
		probe.ID = "probe-" + uuid.NewString()
	}
	var err error
	if probe.PasswordEnc, err = r.crypto.Encrypt(password); err != nil {
		return err
	}
	if probe.SSHTunnel != nil && sshPassword != "" {
		if probe.SSHTunnel.PasswordEnc, err = r.crypto.Encrypt(sshPassword); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	db, tunnel, err := r.open(ctx, &probe)
	if err != nil {
		return err
	}
	db.Close()
	if tunnel != nil {
		tunnel.Close()
		unregisterMySQLTunnel(probe.ID)
	}
	return nil
}

// open builds the DSN, dials an SSH tunnel when configured, opens the pool
// and verifies it with a bounded ping.
func (r *Registry) open(ctx context.Context, cfg *core.Connection) (*sql.DB, *sshTunnel, error) {
	password, err := r.crypto.Decrypt(cfg.PasswordEnc)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt password for %s: %w", cfg.Name, err)
	}

	var tunnel *sshTunnel
	if cfg.SSHTunnel != nil && cfg.Type != core.DialectSQLite {
		sshPassword, err := r.crypto.Decrypt(cfg.SSHTunnel.PasswordEnc)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt ssh password for %s: %w", cfg.Name, err)
		}
		if tunnel, err = dialTunnel(cfg.SSHTunnel, sshPassword); err != nil {
			return nil, nil, err
		}
	}

	var db *sql.DB
	switch cfg.Type {
	case core.DialectMySQL:
		db, err = openMySQL(cfg, password, tunnel)
	case core.DialectPostgres:
		db, err = openPostgres(cfg, password, tunnel)
	case core.DialectSQLite:
		db, err = sql.Open("sqlite", cfg.Database)
	default:
		err = core.Ef(core.KindValidation, "unsupported connection type %q", cfg.Type)
	}
	if err != nil {
		if tunnel != nil {
			tunnel.Close()
			unregisterMySQLTunnel(cfg.ID)
		}
		return nil, nil, err
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		if tunnel != nil {
			tunnel.Close()
			unregisterMySQLTunnel(cfg.ID)
		}
		return nil, nil, core.E(core.KindConnection, fmt.Sprintf("cannot reach %s", cfg.Name), err)
	}
	return db, tunnel, nil
}

func openMySQL(cfg *core.Connection, password string, tunnel *sshTunnel) (*sql.DB, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = password
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	if cfg.UseSSL {
		mc.TLSConfig = "skip-verify"
	}
	if tunnel != nil {
		registerMySQLTunnel(cfg.ID, tunnel)
		mc.Net = mysqlTunnelNet
		mc.Addr = cfg.ID + "/" + mc.Addr
	}
	return sql.Open("mysql", mc.FormatDSN())
}

func openPostgres(cfg *core.Connection, password string, tunnel *sshTunnel) (*sql.DB, error) {
	dbName := cfg.Database
	if dbName == "" {
		dbName = "postgres"
	}
	sslMode := "disable"
	if cfg.UseSSL {
		sslMode = "require"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		cfg.Host, cfg.Port, pqQuote(cfg.Username), pqQuote(password), pqQuote(dbName), sslMode)

	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, core.E(core.KindConnection, "invalid postgres configuration", err)
	}
	if tunnel != nil {
		connector.Dialer(tunnel)
	}
	return sql.OpenDB(connector), nil
}

// pqQuote wraps a keyword/value DSN value in single quotes, escaping
// backslashes and quotes so passwords containing either still parse.
func pqQuote(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `'`, `\'`)
	return "'" + value + "'"
}

func validateConnection(cfg *core.Connection) error {
	if cfg.Name == "" {
		return core.Ef(core.KindValidation, "connection name is required")
	}
	if !cfg.Type.Valid() {
		return core.Ef(core.KindValidation, "unsupported connection type %q", cfg.Type)
	}
	if cfg.Type == core.DialectSQLite {
		if cfg.Database == "" {
			return core.Ef(core.KindValidation, "sqlite connections require a database file path")
		}
		return nil
	}
	if cfg.Host == "" {
		return core.Ef(core.KindValidation, "host is required for %s connections", cfg.Type)
	}
	return nil
}
