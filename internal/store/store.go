// Package store is the embedded relational metadata store: recording
// and event rows, versioned schema migrations, WAL-mode crash safety,
// and a backup/restore path (§4.1).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures how the store opens its backing file.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sane defaults rooted at <storage>/lightnvr.db,
// matching the on-disk layout named in §6.
func DefaultConfig(storageDir string) *Config {
	return &Config{
		Path:            filepath.Join(storageDir, "lightnvr.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func (c *Config) backupPath() string { return c.Path + ".bak" }

// Store wraps *sql.DB with NVR-specific durability, migration, and
// single-writer discipline.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// writeMu serializes all mutating operations (§5: "single-writer
	// discipline"); reads proceed concurrently via SQLite's own
	// snapshot semantics and do not take this lock.
	writeMu sync.Mutex
}

// Open opens (creating if absent) the metadata store at cfg.Path,
// performs the on-open integrity check and restore-from-backup path,
// and leaves the schema at whatever version it was last left (callers
// must run NewMigrator(...).Run separately, per §4.1's operation list).
func Open(cfg *Config) (*Store, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	isNew := true
	if _, err := os.Stat(cfg.Path); err == nil {
		isNew = false
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Warn("failed to set pragma", "pragma", pragma, "error", err)
		}
	}

	s := &Store{db: db, path: cfg.Path, logger: logger}

	if !isNew {
		if err := s.integrityCheckLocked(context.Background()); err != nil {
			logger.Warn("integrity check failed on open, attempting restore", "error", err)
			if restoreErr := s.restoreLocked(cfg.backupPath()); restoreErr != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%w: restore also failed: %v", ErrCorrupt, restoreErr)
			}
			logger.Info("restored database from backup after integrity failure")
		}
	} else {
		if err := s.backupLocked(cfg.backupPath()); err != nil {
			logger.Warn("failed to write initial backup", "error", err)
		}
	}

	logger.Info("store opened", "path", cfg.Path, "new", isNew)
	return s, nil
}

// Close checkpoints the WAL fully and closes the connection, retrying
// if the engine reports busy cursors (§4.1 durability).
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.CheckpointWAL(ctx); err != nil {
		s.logger.Warn("wal checkpoint before close failed", "error", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := s.db.Close(); err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}
		return nil
	}
	return fmt.Errorf("close database after retries: %w", lastErr)
}

// transact runs fn inside a single transaction, serialized against all
// other mutating operations via writeMu.
func (s *Store) transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyBusy(err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifyBusy(err)
	}
	return nil
}

func classifyBusy(err error) error {
	if err == nil {
		return nil
	}
	// mattn/go-sqlite3 surfaces SQLITE_BUSY via its own error type;
	// string-matching keeps this package free of a direct dependency
	// on sqlite3.Error's internal codes.
	if containsBusy(err.Error()) {
		return fmt.Errorf("%w: %v", ErrBackendBusy, err)
	}
	return err
}

func containsBusy(msg string) bool {
	for _, needle := range []string{"database is locked", "SQLITE_BUSY", "busy"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Vacuum performs database maintenance.
func (s *Store) Vacuum(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	s.logger.Info("vacuum completed", "duration", time.Since(start))
	return nil
}

// CheckpointWAL forces a full WAL checkpoint.
func (s *Store) CheckpointWAL(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// IntegrityCheck runs SQLite's own integrity_check pragma.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	return s.integrityCheckLocked(ctx)
}

func (s *Store) integrityCheckLocked(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, "PRAGMA integrity_check")
	var result string
	if err := row.Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrIntegrityViolation, result)
	}
	return nil
}

// Backup copies the current database file to targetPath using
// SQLite's online backup via VACUUM INTO, which is crash-consistent
// without requiring exclusive access.
func (s *Store) Backup(ctx context.Context, targetPath string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = os.Remove(targetPath)
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", targetPath)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

func (s *Store) backupLocked(targetPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", targetPath)
	return err
}

// Restore replaces the live database with sourcePath's contents. The
// caller must not have other open handles to the live file.
func (s *Store) Restore(ctx context.Context, sourcePath string) error {
	return s.restoreLocked(sourcePath)
}

func (s *Store) restoreLocked(sourcePath string) error {
	if _, err := os.Stat(sourcePath); err != nil {
		return fmt.Errorf("backup source missing: %w", err)
	}

	if err := s.db.Close(); err != nil {
		s.logger.Warn("close before restore reported error", "error", err)
	}

	if err := copyFile(sourcePath, s.path); err != nil {
		return fmt.Errorf("copy backup over live database: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", s.path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return fmt.Errorf("reopen after restore: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping after restore: %w", err)
	}
	s.db = db
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// BackupPath returns the sibling .bak path used for crash recovery.
func (s *Store) BackupPath() string { return s.path + ".bak" }
