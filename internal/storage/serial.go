// Package storage - Serial relation persistence.
// The serial relation is the recovery anchor: it maps a source deposit id to
// the payout transaction hash, written synchronously before the raw
// transaction leaves the process. After a crash it is the only durable proof
// that a broadcast was attempted.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Serial relation errors
var (
	ErrSerialExists = errors.New("serial relation already reserved")
)

// HasSerial reports whether a payout was already reserved or recorded for
// the source id. Used by the batch path to skip duplicates.
func (s *Storage) HasSerial(sourceID string) (bool, error) {
	s.serialMu.Lock()
	defer s.serialMu.Unlock()

	var one int
	err := s.serialDB.QueryRow(`SELECT 1 FROM serial_relations WHERE source_id = ?`, sourceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReserveSerials claims the source ids for an in-progress payout. Claiming
// an id twice fails, which is what keeps two schedulers off the same row.
func (s *Storage) ReserveSerials(sourceIDs []string) error {
	s.serialMu.Lock()
	defer s.serialMu.Unlock()

	tx, err := s.serialDB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, id := range sourceIDs {
		res, err := tx.Exec(`INSERT OR IGNORE INTO serial_relations (source_id, tx_hash, created_at)
			VALUES (?, '', ?)`, id, now)
		if err != nil {
			return fmt.Errorf("failed to reserve serial for %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSerialExists, id)
		}
	}
	return tx.Commit()
}

// SetSerialTxHash records the payout hash for the reserved ids. This write
// happens before the nonce is committed and before the broadcast call.
func (s *Storage) SetSerialTxHash(sourceIDs []string, txHash string) error {
	s.serialMu.Lock()
	defer s.serialMu.Unlock()

	tx, err := s.serialDB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range sourceIDs {
		if _, err := tx.Exec(`UPDATE serial_relations SET tx_hash = ? WHERE source_id = ?`,
			txHash, id); err != nil {
			return fmt.Errorf("failed to record serial hash for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ClearSerials releases reservations after a pre-broadcast failure so the
// transfers become schedulable again. Never called once a broadcast may
// have landed.
func (s *Storage) ClearSerials(sourceIDs []string) error {
	s.serialMu.Lock()
	defer s.serialMu.Unlock()

	tx, err := s.serialDB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range sourceIDs {
		if _, err := tx.Exec(`DELETE FROM serial_relations WHERE source_id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear serial for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// GetSerialTxHash returns the recorded payout hash for a source id. The
// second return is false when the id was never reserved; an empty hash with
// true means the payout stopped before signing completed.
func (s *Storage) GetSerialTxHash(sourceID string) (string, bool, error) {
	s.serialMu.Lock()
	defer s.serialMu.Unlock()

	var hash string
	err := s.serialDB.QueryRow(`SELECT tx_hash FROM serial_relations WHERE source_id = ?`, sourceID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}
