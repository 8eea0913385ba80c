package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const dbFileName = "licensing.db"

var (
	ErrNoSealer       = errors.New("store has no sealer configured for secrets")
	ErrNegativeCredit = errors.New("credit balance cannot be negative")
)

// Sealer encrypts values before they reach disk.
type Sealer interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(ciphertext string) (string, error)
}

// Config configures the SQLite state store.
type Config struct {
	DataDir string // Directory for licensing.db
	Sealer  Sealer // Required for the secret methods
	Logger  zerolog.Logger
}

// Store persists licensing state: encrypted secrets, plain settings, credit
// balances and the denial event log.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
	sealer Sealer
	logger zerolog.Logger
	now    func() time.Time
}

// Open creates or opens the state database under cfg.DataDir.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, dbFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(10000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open licensing database: %w", err)
	}

	// Single writer keeps the credit compare-and-swap serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		dbPath: dbPath,
		sealer: cfg.Sealer,
		logger: cfg.Logger,
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s.logger.Debug().Str("dbPath", dbPath).Msg("Licensing state store opened")
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.dbPath
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		name TEXT PRIMARY KEY,
		ciphertext TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_balances (
		addon_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS denial_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		feature TEXT NOT NULL,
		principal TEXT NOT NULL,
		reason TEXT NOT NULL,
		current_tier TEXT NOT NULL,
		required_tier TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_denial_created ON denial_events(created_at);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`, time.Now().Unix())
	return err
}

// PutSecret encrypts value and stores it under name.
func (s *Store) PutSecret(ctx context.Context, name, value string) error {
	if s.sealer == nil {
		return ErrNoSealer
	}
	sealed, err := s.sealer.EncryptString(value)
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (name, ciphertext, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		name, sealed, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store secret %s: %w", name, err)
	}
	return nil
}

// Secret returns the decrypted secret stored under name.
func (s *Store) Secret(ctx context.Context, name string) (string, bool, error) {
	if s.sealer == nil {
		return "", false, ErrNoSealer
	}

	s.mu.RLock()
	var sealed string
	err := s.db.QueryRowContext(ctx, `SELECT ciphertext FROM secrets WHERE name = ?`, name).Scan(&sealed)
	s.mu.RUnlock()
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load secret %s: %w", name, err)
	}

	plain, err := s.sealer.DecryptString(sealed)
	if err != nil {
		return "", false, fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return plain, true, nil
}

// DeleteSecrets removes the named secrets. Missing names are ignored.
func (s *Store) DeleteSecrets(ctx context.Context, names ...string) error {
	return s.deleteNames(ctx, "secrets", names)
}

// PutValue stores a non-secret setting.
func (s *Store) PutValue(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store setting %s: %w", name, err)
	}
	return nil
}

// Value returns the setting stored under name.
func (s *Store) Value(ctx context.Context, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load setting %s: %w", name, err)
	}
	return value, true, nil
}

// DeleteValues removes the named settings.
func (s *Store) DeleteValues(ctx context.Context, names ...string) error {
	return s.deleteNames(ctx, "settings", names)
}

func (s *Store) deleteNames(ctx context.Context, table string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]interface{}, len(names))
	for i, name := range names {
		args[i] = name
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// table is one of two constants above.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE name IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}
