// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the settlement engine.
// Serial relations live in their own database file so their writes stay
// durable and unblocked while a payout transaction holds the main write
// lock open across a broadcast.
type Storage struct {
	db       *sql.DB
	serialDB *sql.DB
	dbPath   string
	mu       sync.RWMutex
	serialMu sync.Mutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "settlement.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	serialPath := filepath.Join(dataDir, "serial.db")
	serialDB, err := sql.Open("sqlite3", serialPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open serial database: %w", err)
	}
	serialDB.SetMaxOpenConns(1)
	serialDB.SetMaxIdleConns(1)

	s := &Storage{
		db:       db,
		serialDB: serialDB,
		dbPath:   dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		serialDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connections.
func (s *Storage) Close() error {
	serr := s.serialDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return serr
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Decoded on-chain transfers, populated by the event ingester.
	-- Immutable after ingest except for op_status (matcher progress).
	CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hash TEXT NOT NULL,
		chain_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL DEFAULT '',

		-- Decimal string amount and raw on-chain value (carries the
		-- 4-digit security code in its trailing digits).
		amount TEXT NOT NULL DEFAULT '0',
		value TEXT NOT NULL DEFAULT '0',

		nonce INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		fee_amount TEXT NOT NULL DEFAULT '0',
		fee_token TEXT NOT NULL DEFAULT '',
		calldata TEXT NOT NULL DEFAULT '',

		-- '1-0'/'2-0' user->maker (source), '1-1'/'2-1' maker->user (dest)
		version TEXT NOT NULL,

		-- 1=pending, 2=success, 3=failed
		status INTEGER NOT NULL DEFAULT 1,

		-- 0=unprocessed, 1=source-built, 3=evaluation error, 99=matched
		op_status INTEGER NOT NULL DEFAULT 0,

		UNIQUE(chain_id, hash)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_sweep
		ON transfers(status, op_status, version, timestamp);

	-- Durable match records: one row per source deposit obligation.
	CREATE TABLE IF NOT EXISTS bridge_txs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,

		-- Source side
		source_chain TEXT NOT NULL,
		source_id TEXT NOT NULL,
		source_address TEXT NOT NULL DEFAULT '',
		source_maker TEXT NOT NULL DEFAULT '',
		source_amount TEXT NOT NULL DEFAULT '0',
		source_symbol TEXT NOT NULL DEFAULT '',
		source_token TEXT NOT NULL DEFAULT '',
		source_nonce INTEGER NOT NULL DEFAULT 0,
		source_time INTEGER NOT NULL DEFAULT 0,

		-- Target side (filled at payout / close)
		target_chain TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		target_address TEXT NOT NULL DEFAULT '',
		target_amount TEXT NOT NULL DEFAULT '0',
		target_symbol TEXT NOT NULL DEFAULT '',
		target_token TEXT NOT NULL DEFAULT '',
		target_maker TEXT NOT NULL DEFAULT '',
		target_time INTEGER NOT NULL DEFAULT 0,
		target_nonce INTEGER NOT NULL DEFAULT 0,
		target_fee TEXT NOT NULL DEFAULT '0',
		target_fee_symbol TEXT NOT NULL DEFAULT '',

		-- Rule derivation
		rule_id TEXT NOT NULL DEFAULT '',
		ebc_address TEXT NOT NULL DEFAULT '',
		dealer_address TEXT NOT NULL DEFAULT '',
		withholding_fee TEXT NOT NULL DEFAULT '0',
		trade_fee TEXT NOT NULL DEFAULT '0',

		-- Lowercased JSON array of maker addresses allowed to fulfill
		response_maker TEXT NOT NULL DEFAULT '[]',

		-- 0 created, 90 ready-paid, 95 paid-success, 97 payout failed,
		-- 98 paid-crash, 99 bridge success
		status INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		UNIQUE(source_chain, source_id)
	);

	CREATE INDEX IF NOT EXISTS idx_bridge_txs_target ON bridge_txs(target_chain, target_id);
	CREATE INDEX IF NOT EXISTS idx_bridge_txs_match
		ON bridge_txs(status, target_symbol, target_address, target_chain, target_amount);
	CREATE INDEX IF NOT EXISTS idx_bridge_txs_status ON bridge_txs(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Per-source durable record that a payout broadcast was attempted.
	// tx_hash is empty while the id is only reserved for an in-progress
	// payout; it is filled right before the raw transaction is sent.
	serialSchema := `
	CREATE TABLE IF NOT EXISTS serial_relations (
		source_id TEXT PRIMARY KEY,
		tx_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	`

	_, err := s.serialDB.Exec(serialSchema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
