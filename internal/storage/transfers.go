// Package storage - Transfer row operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Transfer errors
var (
	ErrTransferNotFound = errors.New("transfer not found")
)

// Transfer statuses.
const (
	TransferStatusPending = 1
	TransferStatusSuccess = 2
	TransferStatusFailed  = 3
)

// Matcher progress markers on a transfer row.
const (
	OpStatusUnprocessed = 0
	OpStatusSourceBuilt = 1
	OpStatusError       = 3
	OpStatusMatched     = 99
)

// Transfer represents a decoded on-chain transfer, immutable after ingest.
type Transfer struct {
	ID        int64
	Hash      string
	ChainID   string
	Sender    string
	Receiver  string
	Token     string
	Symbol    string
	Amount    string // decimal string
	Value     string // raw integer string, carries the security code
	Nonce     uint64
	Timestamp int64
	FeeAmount string
	FeeToken  string
	Calldata  string
	Version   string
	Status    int
	OpStatus  int
}

// IsSource reports whether the transfer is a user->maker deposit.
func (t *Transfer) IsSource() bool {
	return len(t.Version) == 3 && t.Version[2] == '0'
}

const transferColumns = `id, hash, chain_id, sender, receiver, token, symbol,
	amount, value, nonce, timestamp, fee_amount, fee_token, calldata,
	version, status, op_status`

// SaveTransfer inserts a transfer, updating status fields when the ingester
// re-delivers the same (chain_id, hash).
func (s *Storage) SaveTransfer(t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO transfers (
			hash, chain_id, sender, receiver, token, symbol,
			amount, value, nonce, timestamp, fee_amount, fee_token,
			calldata, version, status, op_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, hash) DO UPDATE SET
			status = excluded.status,
			fee_amount = excluded.fee_amount,
			fee_token = excluded.fee_token
	`,
		t.Hash, t.ChainID, t.Sender, t.Receiver, t.Token, t.Symbol,
		t.Amount, t.Value, t.Nonce, t.Timestamp, t.FeeAmount, t.FeeToken,
		t.Calldata, t.Version, t.Status, t.OpStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer: %w", err)
	}
	if t.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			t.ID = id
		}
	}
	return nil
}

// GetTransfer retrieves a transfer by chain and hash.
func (s *Storage) GetTransfer(chainID, hash string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+transferColumns+` FROM transfers
		WHERE chain_id = ? AND hash = ?`, chainID, hash)
	return scanTransfer(row)
}

// UnmatchedSourceTransfers returns successful, unprocessed source transfers
// for the given versions, newest first.
func (s *Storage) UnmatchedSourceTransfers(versions []string, since int64, limit int) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + transferColumns + ` FROM transfers
		WHERE status = ? AND op_status = ? AND version IN (` + placeholders(len(versions)) + `)
		AND timestamp >= ?
		ORDER BY id DESC LIMIT ?`

	args := []interface{}{TransferStatusSuccess, OpStatusUnprocessed}
	for _, v := range versions {
		args = append(args, v)
	}
	args = append(args, since, limit)

	return s.queryTransfers(query, args...)
}

// UnmatchedDestTransfers returns unprocessed maker->user transfers for the
// given versions. Failed destination transactions are included so the match
// can be closed at the payout-failed status.
func (s *Storage) UnmatchedDestTransfers(versions []string, limit int) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + transferColumns + ` FROM transfers
		WHERE status IN (?, ?) AND op_status = ? AND version IN (` + placeholders(len(versions)) + `)
		ORDER BY id DESC LIMIT ?`

	args := []interface{}{TransferStatusSuccess, TransferStatusFailed, OpStatusUnprocessed}
	for _, v := range versions {
		args = append(args, v)
	}
	args = append(args, limit)

	return s.queryTransfers(query, args...)
}

// SetTransferOpStatus updates the matcher progress marker on one transfer.
func (s *Storage) SetTransferOpStatus(chainID, hash string, opStatus int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE transfers SET op_status = ? WHERE chain_id = ? AND hash = ?`,
		opStatus, chainID, hash)
	if err != nil {
		return fmt.Errorf("failed to update op_status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (s *Storage) queryTransfers(query string, args ...interface{}) ([]*Transfer, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(row rowScanner) (*Transfer, error) {
	t := &Transfer{}
	err := row.Scan(
		&t.ID, &t.Hash, &t.ChainID, &t.Sender, &t.Receiver, &t.Token, &t.Symbol,
		&t.Amount, &t.Value, &t.Nonce, &t.Timestamp, &t.FeeAmount, &t.FeeToken,
		&t.Calldata, &t.Version, &t.Status, &t.OpStatus,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
