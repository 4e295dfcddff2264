package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sql.DB connection with pooling and prepared statements.
type DB struct {
	*sql.DB
	pool     *ConnectionPool
	prepared map[string]*sql.Stmt
	mutex    sync.RWMutex
}

// ConnectionPool manages database connection pooling
type ConnectionPool struct {
	db           *sql.DB
	maxOpenConns int
	maxIdleConns int
	maxLifetime  time.Duration
}

// NewConnectionPool creates a new database connection pool
func NewConnectionPool(db *sql.DB, maxOpen, maxIdle int, maxLifetime time.Duration) *ConnectionPool {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	return &ConnectionPool{
		db:           db,
		maxOpenConns: maxOpen,
		maxIdleConns: maxIdle,
		maxLifetime:  maxLifetime,
	}
}

// GetStats returns connection pool statistics
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	stats := cp.db.Stats()

	return map[string]interface{}{
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"max_open_connections": cp.maxOpenConns,
		"max_idle_connections": cp.maxIdleConns,
		"max_lifetime_seconds": cp.maxLifetime.Seconds(),
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// NewDB opens (or creates) the vetting database under dataDir.
//
// Transactions are opened with _txlock=immediate so the requester
// read-modify-write inside an episode save holds the write lock from
// the start of the transaction, which rules out lost updates between
// concurrent saves for the same requester.
func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "radhub.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", dbPath)

	return open(dsn, 25, 5)
}

// NewMemoryDB opens a private in-memory database for tests.
func NewMemoryDB() (*DB, error) {
	// cache=shared keeps the database alive across pooled connections;
	// the uuid keeps parallel tests isolated from each other.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on&_txlock=immediate", uuid.New().String())
	return open(dsn, 1, 1)
}

func open(dsn string, maxOpen, maxIdle int) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pool := NewConnectionPool(db, maxOpen, maxIdle, 5*time.Minute)

	database := &DB{
		DB:       db,
		pool:     pool,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := database.initPreparedStatements(); err != nil {
		return nil, fmt.Errorf("failed to initialize prepared statements: %w", err)
	}

	slog.Info("Database initialized",
		"max_open_conns", pool.maxOpenConns,
		"max_idle_conns", pool.maxIdleConns)

	return database, nil
}

// migrate creates the necessary tables
func (db *DB) migrate() error {
	queries := []string{
		// Requesters: clinicians submitting out-of-hours scan requests.
		// points holds the maintained running total, clamped on write.
		`CREATE TABLE IF NOT EXISTS requesters (
			id TEXT PRIMARY KEY,
			gmc TEXT NOT NULL UNIQUE,
			name TEXT,
			hospital TEXT,
			specialty TEXT,
			grade TEXT,
			points INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		// Raters: radiologists vetting requests, created lazily on the
		// first episode they vet.
		`CREATE TABLE IF NOT EXISTS raters (
			id TEXT PRIMARY KEY,
			gmc TEXT NOT NULL UNIQUE,
			name TEXT,
			created_at DATETIME NOT NULL
		)`,

		// Episodes: immutable vetting records. The *_at_request columns
		// snapshot the requester profile as it stood when the request
		// was made and are never rewritten. norm_* hold the rater-
		// normalized ratings as computed at submission time.
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			requester_id TEXT NOT NULL,
			rater_gmc TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			scan_type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			points_delta INTEGER NOT NULL,
			reason TEXT,
			discussed_with_senior INTEGER NOT NULL DEFAULT 0,
			raw_quality INTEGER,
			raw_appropriateness INTEGER,
			norm_quality REAL,
			norm_appropriateness REAL,
			requester_name_at_request TEXT,
			requester_hospital_at_request TEXT,
			requester_specialty_at_request TEXT,
			requester_grade_at_request TEXT,
			requester_points_at_request INTEGER NOT NULL,
			FOREIGN KEY (requester_id) REFERENCES requesters(id)
		)`,

		// Indexes for performance
		`CREATE INDEX IF NOT EXISTS idx_requesters_hospital ON requesters(hospital)`,
		`CREATE INDEX IF NOT EXISTS idx_requesters_specialty ON requesters(specialty)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_requester ON episodes(requester_id)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_rater ON episodes(rater_gmc)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_created ON episodes(created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// initPreparedStatements initializes frequently used prepared statements
func (db *DB) initPreparedStatements() error {
	statements := map[string]string{
		"get_requester_by_gmc": `SELECT id, gmc, name, hospital, specialty, grade, points, created_at, updated_at
			FROM requesters WHERE gmc = ?`,

		"insert_episode": `INSERT INTO episodes (
			id, requester_id, rater_gmc, created_at, scan_type, outcome, points_delta,
			reason, discussed_with_senior, raw_quality, raw_appropriateness,
			norm_quality, norm_appropriateness,
			requester_name_at_request, requester_hospital_at_request,
			requester_specialty_at_request, requester_grade_at_request,
			requester_points_at_request
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,

		"prior_quality": `SELECT raw_quality FROM episodes
			WHERE rater_gmc = ? AND raw_quality IS NOT NULL`,

		"prior_appropriateness": `SELECT raw_appropriateness FROM episodes
			WHERE rater_gmc = ? AND raw_appropriateness IS NOT NULL`,
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	for name, query := range statements {
		stmt, err := db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		db.prepared[name] = stmt
	}

	return nil
}

// GetPreparedStatement retrieves a prepared statement
func (db *DB) GetPreparedStatement(name string) (*sql.Stmt, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	stmt, exists := db.prepared[name]
	if !exists {
		return nil, fmt.Errorf("prepared statement %s not found", name)
	}

	return stmt, nil
}

// GetPoolStats returns database connection pool statistics
func (db *DB) GetPoolStats() map[string]interface{} {
	return db.pool.GetStats()
}

// Close closes the database connection and prepared statements
func (db *DB) Close() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	for name, stmt := range db.prepared {
		if err := stmt.Close(); err != nil {
			slog.Warn("Failed to close prepared statement", "name", name, "error", err)
		}
	}
	db.prepared = make(map[string]*sql.Stmt)

	return db.DB.Close()
}
