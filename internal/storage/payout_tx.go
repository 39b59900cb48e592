// Package storage - Payout transaction support.
// The single-payout path deliberately holds one DB transaction open across
// the broadcast so the bridge row moves 0 -> {95|98} atomically. While a
// PayoutTx is open the storage write lock is held, which serializes every
// other bridge-row writer behind it.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PayoutTx is an open database transaction for a payout attempt.
type PayoutTx struct {
	s    *Storage
	tx   *sql.Tx
	done bool
}

// BeginPayout opens a payout transaction. The caller must Commit or Rollback.
func (s *Storage) BeginPayout() (*PayoutTx, error) {
	s.mu.Lock()
	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &PayoutTx{s: s, tx: tx}, nil
}

// GetBridgeTxBySource loads the bridge row inside the payout transaction.
func (p *PayoutTx) GetBridgeTxBySource(sourceChain, sourceID string) (*BridgeTx, error) {
	row := p.tx.QueryRow(`SELECT `+bridgeTxColumns+` FROM bridge_txs
		WHERE source_chain = ? AND source_id = ?`, sourceChain, sourceID)
	return scanBridgeTx(row)
}

// MarkReadyPaid moves the given rows 0 -> 90 and returns how many rows
// actually moved. Callers abort when the count differs from the batch size.
func (p *PayoutTx) MarkReadyPaid(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE bridge_txs SET status = ?, updated_at = ?
		WHERE id IN (` + placeholders(len(ids)) + `) AND status = ? AND target_id = ''`
	args := []interface{}{BridgeStatusReadyPaid, time.Now().Unix()}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, BridgeStatusCreated)

	res, err := p.tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark ready-paid: %w", err)
	}
	return res.RowsAffected()
}

// SetPaidResult records the broadcast outcome on rows currently at 90.
// Status is 95 on an accepted broadcast, 98 on a post-sign crash, or 0 to
// demote after a pre-broadcast failure.
func (p *PayoutTx) SetPaidResult(ids []int64, status int, targetID, targetMaker string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE bridge_txs SET status = ?, target_id = ?, target_maker = ?, updated_at = ?
		WHERE id IN (` + placeholders(len(ids)) + `) AND status = ?`
	args := []interface{}{status, targetID, strings.ToLower(targetMaker), time.Now().Unix()}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, BridgeStatusReadyPaid)

	res, err := p.tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to record paid result: %w", err)
	}
	return res.RowsAffected()
}

// Commit commits the payout transaction and releases the storage lock.
func (p *PayoutTx) Commit() error {
	if p.done {
		return nil
	}
	p.done = true
	err := p.tx.Commit()
	p.s.mu.Unlock()
	return err
}

// Rollback aborts the payout transaction and releases the storage lock.
func (p *PayoutTx) Rollback() error {
	if p.done {
		return nil
	}
	p.done = true
	err := p.tx.Rollback()
	p.s.mu.Unlock()
	return err
}
