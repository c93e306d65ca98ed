package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"dbdesk/internal/core"
	"dbdesk/internal/logger"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var backupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dbdesk_backup_runs_total",
	Help: "Backup executions by outcome.",
}, []string{"status"})

const schedulerTick = time.Minute

// BackupService performs dumps and restores and owns the schedule loop.
// Dumps never run through a session: each one shells out to the dialect's
// dump tool (or copies the sqlite file) over its own connection.
type BackupService struct {
	registry  *Registry
	crypto    *EncryptionService
	schedules core.ScheduleRepository
	backups   core.BackupRepository
	audit     *AuditLogger
	baseDir   string

	mu         sync.Mutex
	inProgress map[string]bool

	now    func() time.Time
	dumpFn func(ctx context.Context, cfg *core.Connection, password, path string) error
	loadFn func(ctx context.Context, cfg *core.Connection, password, path string) error
}

func NewBackupService(registry *Registry, crypto *EncryptionService, schedules core.ScheduleRepository, backups core.BackupRepository, audit *AuditLogger, baseDir string) *BackupService {
	s := &BackupService{
		registry:   registry,
		crypto:     crypto,
		schedules:  schedules,
		backups:    backups,
		audit:      audit,
		baseDir:    baseDir,
		inProgress: make(map[string]bool),
		now:        time.Now,
	}
	s.dumpFn = s.dump
	s.loadFn = s.load
	registry.OnRemove(func(connectionID string) {
		if err := schedules.DeleteByConnection(connectionID); err != nil {
			logger.L().Errorw("cancel schedules for deleted connection", "connection", connectionID, "error", err)
		}
		// Records go; dump files on disk are left for the user to keep or
		// remove.
		if err := backups.DeleteByConnection(connectionID); err != nil {
			logger.L().Errorw("drop backup records for deleted connection", "connection", connectionID, "error", err)
		}
	})
	return s
}

// BackupNow runs a dump for a connection and registers the artifact.
func (s *BackupService) BackupNow(ctx context.Context, connectionID string) (*core.BackupRecord, error) {
	return s.backupTo(ctx, connectionID, s.baseDir)
}

func (s *BackupService) backupTo(ctx context.Context, connectionID, outputDir string) (*core.BackupRecord, error) {
	if !s.tryAcquire(connectionID) {
		return nil, core.Ef(core.KindConflict, "backup already in progress for connection %s", connectionID)
	}
	defer s.release(connectionID)

	cfg, err := s.registry.Get(connectionID)
	if err != nil {
		return nil, err
	}
	password, err := s.crypto.Decrypt(cfg.PasswordEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt password for %s: %w", cfg.Name, err)
	}

	if outputDir == "" {
		outputDir = s.baseDir
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	startedAt := s.now()
	path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.sql", sanitizeName(cfg.Name), startedAt.Format("20060102_150405")))

	if err := s.dumpFn(ctx, cfg, password, path); err != nil {
		backupRuns.WithLabelValues("error").Inc()
		// A half-written file is worse than no file.
		os.Remove(path)
		return nil, err
	}

	rec := &core.BackupRecord{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Path:         path,
		At:           startedAt,
	}
	if err := s.backups.Create(rec); err != nil {
		return nil, fmt.Errorf("register backup record: %w", err)
	}
	backupRuns.WithLabelValues("success").Inc()
	s.audit.Record(core.AuditEntry{
		Op:           core.OpBackupRun,
		Detail:       path,
		ConnectionID: connectionID,
		Database:     cfg.Database,
	})
	logger.L().Infow("backup written", "connection", cfg.Name, "path", path)
	return rec, nil
}

// List returns the recorded backups for a connection, newest first.
func (s *BackupService) List(connectionID string) ([]core.BackupRecord, error) {
	return s.backups.GetByConnection(connectionID)
}

// Verify stats a backup artifact. A missing file is reported, never an
// error.
func (s *BackupService) Verify(path string) (exists bool, size int64) {
	info, err := os.Stat(path)
	if err != nil {
		return false, 0
	}
	return true, info.Size()
}

// Restore loads a backup into its connection. All-or-nothing: the restore
// either applies the whole artifact or fails; partial restore is not a
// supported state. The confirmation step lives at the caller's boundary.
func (s *BackupService) Restore(ctx context.Context, connectionID, path string) error {
	if _, err := os.Stat(path); err != nil {
		return core.Ef(core.KindNotFound, "backup file not found: %s", path)
	}
	if !s.tryAcquire(connectionID) {
		return core.Ef(core.KindConflict, "backup already in progress for connection %s", connectionID)
	}
	defer s.release(connectionID)

	cfg, err := s.registry.Get(connectionID)
	if err != nil {
		return err
	}
	password, err := s.crypto.Decrypt(cfg.PasswordEnc)
	if err != nil {
		return fmt.Errorf("decrypt password for %s: %w", cfg.Name, err)
	}

	// In-flight sessions would observe the restore mid-way; drop them.
	s.registry.Invalidate(connectionID)

	if err := s.loadFn(ctx, cfg, password, path); err != nil {
		return err
	}
	s.audit.Record(core.AuditEntry{
		Op:           core.OpBackupRestore,
		Detail:       path,
		ConnectionID: connectionID,
		Database:     cfg.Database,
	})
	logger.L().Infow("backup restored", "connection", cfg.Name, "path", path)
	return nil
}

// Delete removes a backup artifact and its record.
func (s *BackupService) Delete(path string) error {
	rec, err := s.backups.GetByPath(path)
	if err != nil {
		return core.Ef(core.KindNotFound, "no backup recorded at %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backup file: %w", err)
	}
	if err := s.backups.DeleteByPath(path); err != nil {
		return err
	}
	s.audit.Record(core.AuditEntry{
		Op:           core.OpBackupDelete,
		Detail:       path,
		ConnectionID: rec.ConnectionID,
	})
	return nil
}

// Schedules returns the configured schedule list.
func (s *BackupService) Schedules() ([]core.BackupSchedule, error) {
	return s.schedules.GetAll()
}

// SetSchedules replaces the whole schedule list. No per-field patching.
func (s *BackupService) SetSchedules(schedules []core.BackupSchedule) error {
	for i := range schedules {
		if err := validateSchedule(&schedules[i]); err != nil {
			return err
		}
		if _, err := s.registry.Get(schedules[i].ConnectionID); err != nil {
			return err
		}
	}
	if err := s.schedules.ReplaceAll(schedules); err != nil {
		return err
	}
	s.audit.Record(core.AuditEntry{
		Op:     core.OpSchedulesReplace,
		Detail: fmt.Sprintf("%d schedules", len(schedules)),
	})
	return nil
}

// Run is the scheduler loop. It wakes every minute, fires due schedules and
// stamps lastRun on success only. Schedule times are interpreted in local
// time and are best-effort; periods missed while the process was down are
// not replayed.
func (s *BackupService) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *BackupService) tick(ctx context.Context) {
	schedules, err := s.schedules.GetAll()
	if err != nil {
		logger.L().Errorw("scheduler: load schedules", "error", err)
		return
	}
	now := s.now()
	for _, sched := range schedules {
		if !sched.Enabled || !scheduleDue(sched, now) {
			continue
		}
		if _, err := s.backupTo(ctx, sched.ConnectionID, sched.OutputDir); err != nil {
			if core.IsKind(err, core.KindConflict) {
				// A dump is still running; lastRun stays put and the next
				// tick retries.
				continue
			}
			logger.L().Errorw("scheduled backup failed", "connection", sched.ConnectionID, "error", err)
			continue
		}
		if err := s.schedules.TouchLastRun(sched.ConnectionID, now); err != nil {
			logger.L().Errorw("scheduler: stamp lastRun", "connection", sched.ConnectionID, "error", err)
		}
	}
}

// scheduleDue reports whether the schedule's most recent fire point has
// passed without a run. At most one run per cadence period, gated on
// lastRun, never on a queue of missed periods.
func scheduleDue(sched core.BackupSchedule, now time.Time) bool {
	hour, minute, ok := parseClock(sched.Time)
	if !ok {
		return false
	}
	fireAt := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	if sched.Schedule == core.CadenceWeekly && int(now.Weekday()) != sched.Day {
		return false
	}
	if now.Before(fireAt) {
		return false
	}
	return sched.LastRun == nil || sched.LastRun.Before(fireAt)
}

func parseClock(value string) (hour, minute int, ok bool) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func validateSchedule(sched *core.BackupSchedule) error {
	if sched.Schedule != core.CadenceDaily && sched.Schedule != core.CadenceWeekly {
		return core.Ef(core.KindValidation, "unsupported cadence %q", sched.Schedule)
	}
	if _, _, ok := parseClock(sched.Time); !ok {
		return core.Ef(core.KindValidation, "schedule time must be HH:MM, got %q", sched.Time)
	}
	if sched.Schedule == core.CadenceWeekly && (sched.Day < 0 || sched.Day > 6) {
		return core.Ef(core.KindValidation, "schedule day must be 0..6, got %d", sched.Day)
	}
	return nil
}

func (s *BackupService) tryAcquire(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress[connectionID] {
		return false
	}
	s.inProgress[connectionID] = true
	return true
}

func (s *BackupService) release(connectionID string) {
	s.mu.Lock()
	delete(s.inProgress, connectionID)
	s.mu.Unlock()
}

// dump writes a full logical dump of the connection to path.
func (s *BackupService) dump(ctx context.Context, cfg *core.Connection, password, path string) error {
	switch cfg.Type {
	case core.DialectSQLite:
		return copyFile(cfg.Database, path)
	case core.DialectMySQL:
		args := []string{"-h", cfg.Host, "-P", strconv.Itoa(cfg.Port), "-u", cfg.Username, "--single-transaction"}
		if password != "" {
			args = append(args, "--password="+password)
		}
		args = append(args, cfg.Database)
		return runDumpCommand(ctx, path, exec.CommandContext(ctx, "mysqldump", args...))
	case core.DialectPostgres:
		cmd := exec.CommandContext(ctx, "pg_dump", "-h", cfg.Host, "-p", strconv.Itoa(cfg.Port), "-U", cfg.Username, "-d", cfg.Database)
		cmd.Env = append(os.Environ(), "PGPASSWORD="+password)
		return runDumpCommand(ctx, path, cmd)
	}
	return core.Ef(core.KindValidation, "unsupported connection type %q", cfg.Type)
}

// load applies a dump at path to the connection.
func (s *BackupService) load(ctx context.Context, cfg *core.Connection, password, path string) error {
	switch cfg.Type {
	case core.DialectSQLite:
		// Atomic file replace: write next to the target, then rename.
		tmp := cfg.Database + ".restore"
		if err := copyFile(path, tmp); err != nil {
			return err
		}
		if err := os.Rename(tmp, cfg.Database); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("replace sqlite file: %w", err)
		}
		return nil
	case core.DialectMySQL:
		args := []string{"-h", cfg.Host, "-P", strconv.Itoa(cfg.Port), "-u", cfg.Username}
		if password != "" {
			args = append(args, "--password="+password)
		}
		args = append(args, cfg.Database)
		return runLoadCommand(ctx, path, exec.CommandContext(ctx, "mysql", args...))
	case core.DialectPostgres:
		cmd := exec.CommandContext(ctx, "psql", "-h", cfg.Host, "-p", strconv.Itoa(cfg.Port), "-U", cfg.Username, "-d", cfg.Database, "-v", "ON_ERROR_STOP=1", "--single-transaction")
		cmd.Env = append(os.Environ(), "PGPASSWORD="+password)
		return runLoadCommand(ctx, path, cmd)
	}
	return core.Ef(core.KindValidation, "unsupported connection type %q", cfg.Type)
}

func runDumpCommand(ctx context.Context, path string, cmd *exec.Cmd) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	defer out.Close()
	cmd.Stdout = out
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return core.E(core.KindDriver, fmt.Sprintf("dump failed: %s", strings.TrimSpace(stderr.String())), err)
	}
	return nil
}

func runLoadCommand(ctx context.Context, path string, cmd *exec.Cmd) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dump file: %w", err)
	}
	defer in.Close()
	cmd.Stdin = in
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return core.E(core.KindDriver, fmt.Sprintf("restore failed: %s", strings.TrimSpace(stderr.String())), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Sync()
}

var nameSanitizer = strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "_")

func sanitizeName(name string) string {
	return nameSanitizer.Replace(name)
}
