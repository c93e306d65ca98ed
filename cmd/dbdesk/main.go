package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dbdesk/internal/api"
	"dbdesk/internal/config"
	"dbdesk/internal/core"
	"dbdesk/internal/data"
	"dbdesk/internal/logger"
	"dbdesk/internal/service"

	"golang.org/x/term"

	// Drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "set-secret":
			handleSetSecret(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		default:
			fmt.Printf("Unknown command: %s\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
	}

	startServer()
}

func printHelp() {
	fmt.Println("dbdesk - database client backend")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dbdesk                          Start the server")
	fmt.Println("  dbdesk set-secret -c <name>     Set a connection's password (interactive)")
	fmt.Println("  dbdesk help                     Show this help")
}

// handleSetSecret updates a stored connection's password without echoing it
// to the terminal.
func handleSetSecret(args []string) {
	fs := flag.NewFlagSet("set-secret", flag.ExitOnError)
	name := fs.String("c", "", "Connection name")
	fs.Parse(args)

	if *name == "" {
		fmt.Println("Usage: dbdesk set-secret -c <connection name>")
		os.Exit(1)
	}

	fmt.Print("Password: ")
	passBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Printf("Failed to read password: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	db, err := data.InitDB(cfg.DataDir)
	if err != nil {
		fmt.Printf("Failed to open metadata store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	crypto, err := service.NewEncryptionService(cfg.SecretKey)
	if err != nil {
		fmt.Printf("Failed to init crypto: %v\n", err)
		os.Exit(1)
	}

	repo := data.NewConnectionRepo(db)
	conn, err := repo.GetByName(*name)
	if err != nil {
		fmt.Printf("Connection %q not found\n", *name)
		os.Exit(1)
	}
	if conn.PasswordEnc, err = crypto.Encrypt(string(passBytes)); err != nil {
		fmt.Printf("Failed to encrypt password: %v\n", err)
		os.Exit(1)
	}
	if err := repo.Update(conn); err != nil {
		fmt.Printf("Failed to update connection: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Password for connection %q updated.\n", *name)
}

func startServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\nCheck .env file or DBDESK_KEY environment variable.\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogDir, cfg.LogLevel); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.L().Info("Starting dbdesk...")

	db, err := data.InitDB(cfg.DataDir)
	if err != nil {
		logger.L().Fatalw("init metadata store", "error", err)
	}
	defer db.Close()

	connRepo := data.NewConnectionRepo(db)
	scheduleRepo := data.NewScheduleRepo(db)
	backupRepo := data.NewBackupRepo(db)
	auditRepo := data.NewAuditRepo(db)

	crypto, err := service.NewEncryptionService(cfg.SecretKey)
	if err != nil {
		logger.L().Fatalw("init crypto service", "error", err)
	}

	registry := service.NewRegistry(connRepo, crypto)
	sessions := service.NewSessionManager(registry)
	cache := service.NewQueryCache(cfg.CacheSize, cfg.CacheTTL)
	audit := service.NewAuditLogger(auditRepo)
	executor := service.NewQueryExecutor(registry, sessions, cache, audit, cfg.QueryTimeout)
	tx := service.NewTxCoordinator(registry, sessions, cache, audit)
	backups := service.NewBackupService(registry, crypto, scheduleRepo, backupRepo, audit, cfg.BackupDir)
	schema := service.NewSchemaService(registry)
	executor.OnWrite(schema.Invalidate)

	if err := applySeed(cfg, registry, backups); err != nil {
		logger.L().Warnw("seed file", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go backups.Run(ctx)
	sessions.StartReaper(ctx, cfg.SessionIdle)

	handler := api.NewHandler(registry, sessions, executor, tx, backups, audit, schema)

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: handler.Routes(),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.L().Infow("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().Fatalw("server startup failed", "error", err)
		}
	}()

	<-stop
	logger.L().Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L().Errorw("server shutdown", "error", err)
	}
	registry.Close()
	logger.L().Info("Server stopped")
}

// applySeed upserts declaratively configured connections and, when no
// schedules exist yet, the seed's schedule list. User edits are never
// overwritten.
func applySeed(cfg *config.Config, registry *service.Registry, backups *service.BackupService) error {
	seed, err := config.LoadSeed(cfg.SeedFile)
	if err != nil {
		return err
	}
	byName := make(map[string]string)
	existing, err := registry.List()
	if err != nil {
		return err
	}
	for _, conn := range existing {
		byName[conn.Name] = conn.ID
	}

	for _, sc := range seed.Connections {
		if _, ok := byName[sc.Name]; ok {
			continue
		}
		conn := &core.Connection{
			Name:     sc.Name,
			Type:     core.Dialect(sc.Type),
			Host:     sc.Host,
			Port:     sc.Port,
			Username: sc.Username,
			Database: sc.Database,
			UseSSL:   sc.UseSSL,
		}
		if sc.SSHHost != "" {
			conn.SSHTunnel = &core.SSHTunnel{Host: sc.SSHHost, Port: sc.SSHPort, Username: sc.SSHUsername}
		}
		if err := registry.Create(conn, sc.Password, sc.SSHPassword); err != nil {
			return fmt.Errorf("seed connection %s: %w", sc.Name, err)
		}
		byName[conn.Name] = conn.ID
		logger.L().Infow("seeded connection", "name", sc.Name)
	}

	if len(seed.Schedules) == 0 {
		return nil
	}
	current, err := backups.Schedules()
	if err != nil {
		return err
	}
	if len(current) > 0 {
		return nil
	}
	var schedules []core.BackupSchedule
	for _, ss := range seed.Schedules {
		id, ok := byName[ss.Connection]
		if !ok {
			return fmt.Errorf("seed schedule references unknown connection %q", ss.Connection)
		}
		schedules = append(schedules, core.BackupSchedule{
			ConnectionID: id,
			Enabled:      ss.Enabled,
			Schedule:     core.Cadence(ss.Schedule),
			Time:         ss.Time,
			Day:          ss.Day,
			OutputDir:    ss.OutputDir,
		})
	}
	return backups.SetSchedules(schedules)
}
