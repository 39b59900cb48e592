// Package storage - Bridge transaction persistence.
// A bridge transaction is the durable record matching a source-chain deposit
// to its destination-chain payout obligation.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Bridge transaction errors
var (
	ErrBridgeTxNotFound = errors.New("bridge transaction not found")
	ErrBridgeTxLocked   = errors.New("bridge transaction is in operation")
	ErrMatchConflict    = errors.New("match close affected wrong row count")
)

// Bridge transaction statuses. Status is monotonic except for the
// 0 -> 90 -> {0|95|97|98} payout transitions.
const (
	BridgeStatusCreated      = 0  // awaiting payout
	BridgeStatusReadyPaid    = 90 // payout being attempted, row locked
	BridgeStatusPaidSuccess  = 95 // broadcast accepted, awaiting receipt
	BridgeStatusPayoutFailed = 97 // payout broadcast but failed on chain
	BridgeStatusPaidCrash    = 98 // broadcast crashed after partial side effect
	BridgeStatusMatched      = 99 // receipt observed, bridge success
)

// OpenStatuses are the statuses the destination sweep may still close.
var OpenStatuses = []int{
	BridgeStatusCreated,
	BridgeStatusPaidSuccess,
	BridgeStatusPayoutFailed,
	BridgeStatusPaidCrash,
}

// BridgeTx represents a bridge transaction row.
type BridgeTx struct {
	ID int64

	// Source side
	SourceChain   string
	SourceID      string
	SourceAddress string
	SourceMaker   string
	SourceAmount  string
	SourceSymbol  string
	SourceToken   string
	SourceNonce   uint64
	SourceTime    int64

	// Target side
	TargetChain     string
	TargetID        string
	TargetAddress   string
	TargetAmount    string
	TargetSymbol    string
	TargetToken     string
	TargetMaker     string
	TargetTime      int64
	TargetNonce     uint64
	TargetFee       string
	TargetFeeSymbol string

	// Rule derivation
	RuleID         string
	EbcAddress     string
	DealerAddress  string
	WithholdingFee string
	TradeFee       string

	// Lowercased maker addresses allowed to fulfill this row.
	// Always contains the deposit's original receiver.
	ResponseMaker []string

	Status int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllowsMaker reports whether the sender is permitted to fulfill this row.
func (b *BridgeTx) AllowsMaker(sender string) bool {
	sender = strings.ToLower(sender)
	for _, m := range b.ResponseMaker {
		if m == sender {
			return true
		}
	}
	return false
}

const bridgeTxColumns = `id, source_chain, source_id, source_address, source_maker,
	source_amount, source_symbol, source_token, source_nonce, source_time,
	target_chain, target_id, target_address, target_amount, target_symbol,
	target_token, target_maker, target_time, target_nonce, target_fee,
	target_fee_symbol, rule_id, ebc_address, dealer_address, withholding_fee,
	trade_fee, response_maker, status, created_at, updated_at`

// UpsertBridgeTx creates or rebuilds the bridge row for (source_chain,
// source_id) and marks the source transfer as built, in one transaction.
// A row whose status has reached 90 is in operation and is never touched;
// ErrBridgeTxLocked is returned instead.
func (s *Storage) UpsertBridgeTx(b *BridgeTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	makersJSON, err := json.Marshal(lowercaseAll(b.ResponseMaker))
	if err != nil {
		return fmt.Errorf("failed to marshal response makers: %w", err)
	}

	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status int
	err = tx.QueryRow(`SELECT status FROM bridge_txs WHERE source_chain = ? AND source_id = ?`,
		b.SourceChain, b.SourceID).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		// new row
	case err != nil:
		return err
	case status >= BridgeStatusReadyPaid:
		return ErrBridgeTxLocked
	}

	res, err := tx.Exec(`
		INSERT INTO bridge_txs (
			source_chain, source_id, source_address, source_maker,
			source_amount, source_symbol, source_token, source_nonce, source_time,
			target_chain, target_address, target_amount, target_symbol, target_token,
			rule_id, ebc_address, dealer_address, withholding_fee, trade_fee,
			response_maker, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_chain, source_id) DO UPDATE SET
			source_address = excluded.source_address,
			source_maker = excluded.source_maker,
			source_amount = excluded.source_amount,
			source_symbol = excluded.source_symbol,
			source_token = excluded.source_token,
			source_nonce = excluded.source_nonce,
			source_time = excluded.source_time,
			target_chain = excluded.target_chain,
			target_address = excluded.target_address,
			target_amount = excluded.target_amount,
			target_symbol = excluded.target_symbol,
			target_token = excluded.target_token,
			rule_id = excluded.rule_id,
			ebc_address = excluded.ebc_address,
			dealer_address = excluded.dealer_address,
			withholding_fee = excluded.withholding_fee,
			trade_fee = excluded.trade_fee,
			response_maker = excluded.response_maker,
			updated_at = excluded.updated_at
	`,
		b.SourceChain, b.SourceID, b.SourceAddress, b.SourceMaker,
		b.SourceAmount, b.SourceSymbol, b.SourceToken, b.SourceNonce, b.SourceTime,
		b.TargetChain, b.TargetAddress, b.TargetAmount, b.TargetSymbol, b.TargetToken,
		b.RuleID, b.EbcAddress, b.DealerAddress, b.WithholdingFee, b.TradeFee,
		string(makersJSON), b.Status, b.CreatedAt.Unix(), b.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bridge tx: %w", err)
	}
	if b.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			b.ID = id
		}
	}

	if _, err := tx.Exec(`UPDATE transfers SET op_status = ? WHERE chain_id = ? AND hash = ?`,
		OpStatusSourceBuilt, b.SourceChain, b.SourceID); err != nil {
		return fmt.Errorf("failed to mark source transfer: %w", err)
	}

	return tx.Commit()
}

// GetBridgeTxBySource retrieves the bridge row for a source deposit.
func (s *Storage) GetBridgeTxBySource(sourceChain, sourceID string) (*BridgeTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+bridgeTxColumns+` FROM bridge_txs
		WHERE source_chain = ? AND source_id = ?`, sourceChain, sourceID)
	return scanBridgeTx(row)
}

// GetBridgeTxByTarget retrieves the bridge row already carrying the payout hash.
func (s *Storage) GetBridgeTxByTarget(targetChain, targetID string) (*BridgeTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+bridgeTxColumns+` FROM bridge_txs
		WHERE target_chain = ? AND target_id = ? AND target_id != ''`, targetChain, targetID)
	return scanBridgeTx(row)
}

// FindMatchableBridgeTx finds an open bridge row matching a maker->user
// transfer by content: target chain, symbol, receiver, exact amount, sender
// within the response-maker set and the source time inside the window.
func (s *Storage) FindMatchableBridgeTx(targetChain, targetSymbol, targetAddress, targetAmount, sender string, minSourceTime, maxSourceTime int64) (*BridgeTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + bridgeTxColumns + ` FROM bridge_txs
		WHERE status IN (` + placeholders(len(OpenStatuses)) + `)
		AND target_symbol = ? AND target_address = ? AND target_chain = ? AND target_amount = ?
		AND source_time BETWEEN ? AND ?
		ORDER BY id ASC`

	args := make([]interface{}, 0, len(OpenStatuses)+6)
	for _, st := range OpenStatuses {
		args = append(args, st)
	}
	args = append(args, targetSymbol, targetAddress, targetChain, targetAmount,
		minSourceTime, maxSourceTime)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBridgeTx(rows)
		if err != nil {
			return nil, err
		}
		// Response-maker containment is checked in process: the set is
		// a small JSON array and SQLite has no native membership index.
		if b.AllowsMaker(sender) {
			return b, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrBridgeTxNotFound
}

// MatchClose holds the destination-side fields written when a match closes.
type MatchClose struct {
	BridgeID    int64
	SourceChain string
	SourceID    string
	DestChain   string
	DestHash    string
	DestTime    int64
	DestFee     string
	DestFeeSym  string
	DestNonce   uint64
	DestMaker   string
	Status      int // BridgeStatusMatched or BridgeStatusPayoutFailed
}

// CloseBridgeMatch finalizes a match in one transaction: the bridge row gets
// its target fields and final status, and exactly the source and destination
// transfer rows flip op_status to matched. Any other affected row count
// means a concurrent writer won, and the whole close rolls back.
func (s *Storage) CloseBridgeMatch(m *MatchClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE bridge_txs SET
			target_id = ?, target_time = ?, target_fee = ?, target_fee_symbol = ?,
			target_nonce = ?, target_maker = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN (` + placeholders(len(OpenStatuses)) + `)`

	args := []interface{}{
		m.DestHash, m.DestTime, m.DestFee, m.DestFeeSym,
		m.DestNonce, strings.ToLower(m.DestMaker), m.Status, time.Now().Unix(),
		m.BridgeID,
	}
	for _, st := range OpenStatuses {
		args = append(args, st)
	}

	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to close bridge tx: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrMatchConflict
	}

	res, err = tx.Exec(`UPDATE transfers SET op_status = ?
		WHERE ((chain_id = ? AND hash = ?) OR (chain_id = ? AND hash = ?))
		AND op_status != ?`,
		OpStatusMatched,
		m.SourceChain, m.SourceID, m.DestChain, m.DestHash,
		OpStatusMatched,
	)
	if err != nil {
		return fmt.Errorf("failed to mark matched transfers: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 2 {
		return ErrMatchConflict
	}

	return tx.Commit()
}

// ListBridgeTxsByStatus returns bridge rows at the given status, oldest
// first. A non-positive limit returns every row.
func (s *Storage) ListBridgeTxsByStatus(status int, limit int) ([]*BridgeTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(`SELECT `+bridgeTxColumns+` FROM bridge_txs
		WHERE status = ? ORDER BY id ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BridgeTx
	for rows.Next() {
		b, err := scanBridgeTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBridgeTxReceipt records the mined receipt for a paid row.
func (s *Storage) UpdateBridgeTxReceipt(id int64, targetMaker string, status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE bridge_txs SET status = ?, target_maker = ?, updated_at = ?
		WHERE id = ? AND status < ?`,
		status, strings.ToLower(targetMaker), time.Now().Unix(), id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBridgeTxNotFound
	}
	return nil
}

func scanBridgeTx(row rowScanner) (*BridgeTx, error) {
	b := &BridgeTx{}
	var makersJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&b.ID, &b.SourceChain, &b.SourceID, &b.SourceAddress, &b.SourceMaker,
		&b.SourceAmount, &b.SourceSymbol, &b.SourceToken, &b.SourceNonce, &b.SourceTime,
		&b.TargetChain, &b.TargetID, &b.TargetAddress, &b.TargetAmount, &b.TargetSymbol,
		&b.TargetToken, &b.TargetMaker, &b.TargetTime, &b.TargetNonce, &b.TargetFee,
		&b.TargetFeeSymbol, &b.RuleID, &b.EbcAddress, &b.DealerAddress, &b.WithholdingFee,
		&b.TradeFee, &makersJSON, &b.Status, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrBridgeTxNotFound
	}
	if err != nil {
		return nil, err
	}

	if makersJSON != "" {
		if err := json.Unmarshal([]byte(makersJSON), &b.ResponseMaker); err != nil {
			return nil, fmt.Errorf("failed to parse response makers: %w", err)
		}
	}
	b.CreatedAt = time.Unix(createdAt, 0)
	b.UpdatedAt = time.Unix(updatedAt, 0)
	return b, nil
}

func lowercaseAll(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
