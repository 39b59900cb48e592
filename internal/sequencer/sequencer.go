// Package sequencer executes matched payout obligations. Each payout walks
// the bridge-row state machine 0 -> 90 -> {95|97|98} under one open database
// transaction, with the serial relation reserved before and the broadcast
// outcome recorded after, so a crash at any point leaves enough state to
// recover without paying twice.
package sequencer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/orbiterx/settlement/internal/account"
	"github.com/orbiterx/settlement/internal/rates"
	"github.com/orbiterx/settlement/internal/storage"
	"github.com/orbiterx/settlement/pkg/logging"
)

// SenderAccount is the account surface the sequencer drives.
// *account.Account satisfies it.
type SenderAccount interface {
	Address() common.Address
	Transfer(ctx context.Context, to string, value *big.Int, sourceIDs []string) (*types.Transaction, error)
	TransferToken(ctx context.Context, token, to string, value *big.Int, sourceIDs []string) (*types.Transaction, error)
	Transfers(ctx context.Context, tos []string, values []*big.Int, sourceIDs []string) (*types.Transaction, error)
	TransferTokens(ctx context.Context, token string, tos []string, values []*big.Int, sourceIDs []string) (*types.Transaction, error)
	WaitForTransactionConfirmation(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ValueValidator re-checks the deposit/payout loss bound right before a
// broadcast. *rates.Validator satisfies it.
type ValueValidator interface {
	ValueMatches(ctx context.Context, src, dst rates.Amount) (bool, error)
}

// Alerts receives one-shot operational notifications.
type Alerts interface {
	Notify(ctx context.Context, title, body string)
}

type noopAlerts struct{}

func (noopAlerts) Notify(context.Context, string, string) {}

// Config holds sequencer settings.
type Config struct {
	// Interval between queue flushes. Defaults to 10s.
	Interval time.Duration
	// BatchMax is the largest router batch. Defaults to 20.
	BatchMax int
	// BatchChains enables router batching per target chain id.
	BatchChains map[string]bool
	// Validator, when set, blocks payouts whose value no longer matches
	// their deposit at current rates.
	Validator ValueValidator
}

// Sequencer drains the in-flight payout queues against per-chain accounts.
type Sequencer struct {
	store    *storage.Storage
	accounts map[string]SenderAccount // target chain id -> account
	alerts   Alerts
	cfg      Config
	inflight *InFlightSet
	senders  *senderLocks
	log      *logging.Logger
	wg       sync.WaitGroup
}

// New creates a sequencer. accounts maps target chain ids to maker accounts.
func New(store *storage.Storage, accounts map[string]SenderAccount, alerts Alerts, cfg Config) *Sequencer {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchMax == 0 {
		cfg.BatchMax = 20
	}
	if alerts == nil {
		alerts = noopAlerts{}
	}
	return &Sequencer{
		store:    store,
		accounts: accounts,
		alerts:   alerts,
		cfg:      cfg,
		inflight: NewInFlightSet(),
		senders:  newSenderLocks(),
		log:      logging.GetDefault().Component("sequencer"),
	}
}

// Enqueue accepts a payout for execution. Duplicate source ids are dropped.
func (q *Sequencer) Enqueue(p *Payout) bool {
	added := q.inflight.Add(p)
	if added {
		q.log.Debug("Queued payout", "source", p.SourceID, "chain", p.TargetChain, "amount", p.TargetAmount.String())
	}
	return added
}

// QueueLen reports the number of queued payouts.
func (q *Sequencer) QueueLen() int {
	return q.inflight.Len()
}

// Run flushes the queues on a ticker until the context ends, then waits for
// outstanding receipt watchers.
func (q *Sequencer) Run(ctx context.Context) {
	q.log.Info("Sequencer started", "interval", q.cfg.Interval)
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.wg.Wait()
			q.log.Info("Sequencer stopped")
			return
		case <-ticker.C:
			q.Flush(ctx)
		}
	}
}

// Flush drains every queue once.
func (q *Sequencer) Flush(ctx context.Context) {
	for _, key := range q.inflight.Keys() {
		payouts := q.inflight.Take(key, q.cfg.BatchMax)
		if len(payouts) == 0 {
			continue
		}
		if len(payouts) > 1 && q.cfg.BatchChains[payouts[0].TargetChain] {
			if err := q.ExecBatchTransfer(ctx, payouts); err != nil {
				q.log.Warn("Batch payout failed", "queue", key, "count", len(payouts), "err", err)
			}
			continue
		}
		for _, p := range payouts {
			if err := q.ExecSingleTransfer(ctx, p); err != nil {
				if account.IsIgnoreError(err) {
					q.log.Info("Payout skipped", "source", p.SourceID, "reason", err)
				} else {
					q.log.Warn("Payout failed", "source", p.SourceID, "err", err)
				}
			}
		}
	}
}

// ExecSingleTransfer pays one bridge row with a direct transfer.
//
// Pre-broadcast failures roll the row back to payable and release the
// serial slot; an accepted broadcast commits 95 with the payout hash; an
// ambiguous failure after signing commits 98 and keeps the serial relation
// as the recovery anchor.
func (q *Sequencer) ExecSingleTransfer(ctx context.Context, p *Payout) error {
	acct, ok := q.accounts[p.TargetChain]
	if !ok {
		return &account.TransactionSendIgError{Reason: "no maker account for chain " + p.TargetChain}
	}
	sender := acct.Address().Hex()
	attempt := uuid.NewString()
	q.log.Debug("Executing payout", "attempt", attempt, "source", p.SourceID, "chain", p.TargetChain)

	return q.senders.RunExclusive(sender, func() error {
		ptx, err := q.store.BeginPayout()
		if err != nil {
			return &account.TransactionSendBeforeError{Err: err}
		}

		row, err := ptx.GetBridgeTxBySource(p.SourceChain, p.SourceID)
		if err != nil {
			ptx.Rollback()
			return &account.TransactionSendIgError{Reason: "bridge row not loadable: " + err.Error()}
		}
		if row.Status != storage.BridgeStatusCreated || row.TargetID != "" {
			ptx.Rollback()
			return &account.TransactionSendIgError{Reason: fmt.Sprintf("row already in operation (status %d)", row.Status)}
		}
		if !row.AllowsMaker(sender) {
			ptx.Rollback()
			return &account.TransactionSendIgError{Reason: "sender not in response maker list"}
		}
		if row.TargetAmount != p.TargetAmount.String() {
			// The row was rebuilt with a different amount since this payout
			// was enqueued. Retry picks up the fresh value.
			ptx.Rollback()
			return &account.TransactionSendBeforeError{Err: fmt.Errorf("intended amount %s no longer matches row amount %s",
				p.TargetAmount, row.TargetAmount)}
		}
		if verr := q.checkLossBound(ctx, p); verr != nil {
			ptx.Rollback()
			q.inflight.Add(p)
			return verr
		}

		n, err := ptx.MarkReadyPaid([]int64{row.ID})
		if err != nil {
			ptx.Rollback()
			return &account.TransactionSendBeforeError{Err: err}
		}
		if n != 1 {
			ptx.Rollback()
			return &account.TransactionSendIgError{Reason: "row left payable state during lock"}
		}

		fresh, rollbackSerial, err := removeTransactionsAndSetSerial(q.store, q.inflight, []*Payout{p})
		if err != nil {
			ptx.Rollback()
			return &account.TransactionSendBeforeError{Err: err}
		}
		if len(fresh) == 0 {
			ptx.Rollback()
			return &account.TransactionSendIgError{Reason: "serial slot already owned"}
		}

		var tx *types.Transaction
		sourceIDs := []string{p.SerialKey()}
		if p.TargetToken == "" {
			tx, err = acct.Transfer(ctx, p.TargetAddress, p.TargetAmount, sourceIDs)
		} else {
			tx, err = acct.TransferToken(ctx, p.TargetToken, p.TargetAddress, p.TargetAmount, sourceIDs)
		}

		return q.settleOutcome(ctx, ptx, []int64{row.ID}, sender, tx, err, rollbackSerial)
	})
}

// ExecBatchTransfer pays a group of bridge rows with one router call. All
// rows must be payable; rows that drifted since enqueue are dropped from
// the batch rather than failing it.
func (q *Sequencer) ExecBatchTransfer(ctx context.Context, payouts []*Payout) error {
	if len(payouts) == 0 {
		return nil
	}
	chain := payouts[0].TargetChain
	token := payouts[0].TargetToken
	acct, ok := q.accounts[chain]
	if !ok {
		return &account.TransactionSendIgError{Reason: "no maker account for chain " + chain}
	}
	sender := acct.Address().Hex()
	attempt := uuid.NewString()
	q.log.Debug("Executing batch payout", "attempt", attempt, "chain", chain, "count", len(payouts))

	return q.senders.RunExclusive(sender, func() error {
		fresh, rollbackSerial, err := removeTransactionsAndSetSerial(q.store, q.inflight, payouts)
		if err != nil {
			return &account.TransactionSendBeforeError{Err: err}
		}
		if len(fresh) == 0 {
			return &account.TransactionSendIgError{Reason: "all serial slots already owned"}
		}

		ptx, err := q.store.BeginPayout()
		if err != nil {
			rollbackSerial()
			return &account.TransactionSendBeforeError{Err: err}
		}

		var (
			ids       []int64
			tos       []string
			values    []*big.Int
			sourceIDs []string
		)
		for _, p := range fresh {
			row, err := ptx.GetBridgeTxBySource(p.SourceChain, p.SourceID)
			if err != nil {
				q.log.Info("Dropping payout from batch", "source", p.SourceID, "err", err)
				q.store.ClearSerials([]string{p.SerialKey()})
				continue
			}
			if row.Status != storage.BridgeStatusCreated || row.TargetID != "" ||
				!row.AllowsMaker(sender) || row.TargetAmount != p.TargetAmount.String() {
				q.log.Info("Dropping payout from batch", "source", p.SourceID, "status", row.Status)
				q.store.ClearSerials([]string{p.SerialKey()})
				continue
			}
			if verr := q.checkLossBound(ctx, p); verr != nil {
				q.log.Info("Dropping payout from batch", "source", p.SourceID, "err", verr)
				q.store.ClearSerials([]string{p.SerialKey()})
				q.inflight.Add(p)
				continue
			}
			ids = append(ids, row.ID)
			tos = append(tos, p.TargetAddress)
			values = append(values, p.TargetAmount)
			sourceIDs = append(sourceIDs, p.SerialKey())
		}
		if len(ids) == 0 {
			ptx.Rollback()
			return &account.TransactionSendIgError{Reason: "no payable rows left in batch"}
		}

		n, err := ptx.MarkReadyPaid(ids)
		if err != nil {
			ptx.Rollback()
			rollbackSerial()
			return &account.TransactionSendBeforeError{Err: err}
		}
		if n != int64(len(ids)) {
			// A row changed under us between load and update; the whole
			// batch aborts rather than paying a partial, ambiguous set.
			ptx.Rollback()
			rollbackSerial()
			return &account.TransactionSendBeforeError{Err: fmt.Errorf("batch lock moved %d of %d rows", n, len(ids))}
		}

		var tx *types.Transaction
		if token == "" {
			tx, err = acct.Transfers(ctx, tos, values, sourceIDs)
		} else {
			tx, err = acct.TransferTokens(ctx, token, tos, values, sourceIDs)
		}

		return q.settleOutcome(ctx, ptx, ids, sender, tx, err, rollbackSerial)
	})
}

// checkLossBound re-validates the payout value at current rates. Rates can
// move between matching and broadcast; a payout that would now lose too
// much waits for a later flush instead of paying.
func (q *Sequencer) checkLossBound(ctx context.Context, p *Payout) error {
	if q.cfg.Validator == nil || p.SourceAmount == nil {
		return nil
	}
	ok, err := q.cfg.Validator.ValueMatches(ctx,
		rates.Amount{Symbol: p.SourceSymbol, Decimals: p.SourceDecimals, Value: p.SourceAmount},
		rates.Amount{Symbol: p.TargetSymbol, Decimals: p.TargetDecimals, Value: p.TargetAmount})
	if err != nil {
		return &account.TransactionSendBeforeError{Err: fmt.Errorf("value validation unavailable: %w", err)}
	}
	if !ok {
		return &account.TransactionSendBeforeError{Err: fmt.Errorf("payout %s exceeds loss bound at current rates", p.SourceID)}
	}
	return nil
}

// settleOutcome records the broadcast result on rows currently at 90 and
// closes the payout transaction.
func (q *Sequencer) settleOutcome(ctx context.Context, ptx *storage.PayoutTx, ids []int64, sender string, tx *types.Transaction, sendErr error, rollbackSerial func()) error {
	if sendErr == nil {
		hash := tx.Hash().Hex()
		if _, err := ptx.SetPaidResult(ids, storage.BridgeStatusPaidSuccess, hash, sender); err != nil {
			ptx.Rollback()
			q.alerts.Notify(ctx, "Payout record failure",
				fmt.Sprintf("broadcast %s accepted but result not recorded: %v", hash, err))
			return &account.TransactionSendAfterError{Hash: hash, From: sender, Err: err}
		}
		if err := ptx.Commit(); err != nil {
			q.alerts.Notify(ctx, "Payout record failure",
				fmt.Sprintf("broadcast %s accepted but commit failed: %v", hash, err))
			return &account.TransactionSendAfterError{Hash: hash, From: sender, Err: err}
		}
		q.watchReceipt(ctx, ids, sender, hash)
		return nil
	}

	if account.IsBeforeError(sendErr) {
		// Nothing reached the chain. The row returns to payable and the
		// serial slot is released so a later flush can retry.
		ptx.Rollback()
		rollbackSerial()
		return sendErr
	}

	// After-error or unclassified: the broadcast may be live. Record the
	// crash with the best-known hash and keep the serial relation.
	hash := ""
	if ae, ok := sendErr.(*account.TransactionSendAfterError); ok {
		hash = ae.Hash
	} else if tx != nil {
		hash = tx.Hash().Hex()
	}
	if _, err := ptx.SetPaidResult(ids, storage.BridgeStatusPaidCrash, hash, sender); err != nil {
		ptx.Rollback()
		q.alerts.Notify(ctx, "Payout crash unrecorded",
			fmt.Sprintf("send failed (%v) and crash not recorded: %v", sendErr, err))
		return sendErr
	}
	if err := ptx.Commit(); err != nil {
		q.alerts.Notify(ctx, "Payout crash unrecorded",
			fmt.Sprintf("send failed (%v) and commit failed: %v", sendErr, err))
		return sendErr
	}
	q.alerts.Notify(ctx, "Payout crash",
		fmt.Sprintf("ambiguous broadcast outcome, hash %q, rows %v: %v", hash, ids, sendErr))
	return sendErr
}

// watchReceipt confirms a broadcast payout in the background and moves the
// rows to 99 on success or 97 on an on-chain revert.
func (q *Sequencer) watchReceipt(ctx context.Context, ids []int64, sender, hash string) {
	acctHash := common.HexToHash(hash)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		var acct SenderAccount
		for _, a := range q.accounts {
			if a.Address().Hex() == sender {
				acct = a
				break
			}
		}
		if acct == nil {
			return
		}

		receipt, err := acct.WaitForTransactionConfirmation(ctx, acctHash)
		if err != nil {
			q.log.Warn("Receipt watch ended without receipt", "hash", hash, "err", err)
			return
		}

		status := storage.BridgeStatusMatched
		if receipt.Status != types.ReceiptStatusSuccessful {
			status = storage.BridgeStatusPayoutFailed
			q.alerts.Notify(ctx, "Payout reverted",
				fmt.Sprintf("payout %s reverted on chain, rows %v", hash, ids))
		}
		for _, id := range ids {
			if err := q.store.UpdateBridgeTxReceipt(id, sender, status); err != nil {
				q.log.Error("Failed to record receipt outcome", "id", id, "hash", hash, "err", err)
			}
		}
		q.log.Info("Payout confirmed", "hash", hash, "rows", len(ids), "status", status)
	}()
}

// Recover reconciles rows stranded at 90 by a crash. A row whose serial
// relation carries a hash was broadcast and moves to 95; a row with no
// recorded hash never left the process and returns to payable.
func (q *Sequencer) Recover(ctx context.Context) error {
	rows, err := q.store.ListBridgeTxsByStatus(storage.BridgeStatusReadyPaid, 0)
	if err != nil {
		return fmt.Errorf("failed to list stranded rows: %w", err)
	}
	for _, row := range rows {
		key := row.SourceChain + ":" + row.SourceID
		hash, found, err := q.store.GetSerialTxHash(key)
		if err != nil {
			return fmt.Errorf("failed to read serial relation for %s: %w", key, err)
		}

		ptx, err := q.store.BeginPayout()
		if err != nil {
			return err
		}
		if found && hash != "" {
			if _, err := ptx.SetPaidResult([]int64{row.ID}, storage.BridgeStatusPaidSuccess, hash, row.TargetMaker); err != nil {
				ptx.Rollback()
				return fmt.Errorf("failed to recover row %d: %w", row.ID, err)
			}
			if err := ptx.Commit(); err != nil {
				return err
			}
			q.log.Info("Recovered broadcast payout", "source", row.SourceID, "hash", hash)
			continue
		}

		if _, err := ptx.SetPaidResult([]int64{row.ID}, storage.BridgeStatusCreated, "", ""); err != nil {
			ptx.Rollback()
			return fmt.Errorf("failed to demote row %d: %w", row.ID, err)
		}
		if err := ptx.Commit(); err != nil {
			return err
		}
		if found {
			if err := q.store.ClearSerials([]string{key}); err != nil {
				return fmt.Errorf("failed to release serial for %s: %w", key, err)
			}
		}
		q.log.Info("Demoted stranded payout to payable", "source", row.SourceID)
	}
	return nil
}
