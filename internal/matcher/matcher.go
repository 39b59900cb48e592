// Package matcher pairs source-chain deposits with destination-chain
// payouts. The source sweep turns fresh deposits into durable bridge rows
// and queues their payouts; the destination sweep closes rows against
// observed maker transfers, preferring the in-memory cache and falling back
// to content matching in the database.
package matcher

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orbiterx/settlement/internal/rates"
	"github.com/orbiterx/settlement/internal/rule"
	"github.com/orbiterx/settlement/internal/sequencer"
	"github.com/orbiterx/settlement/internal/storage"
	"github.com/orbiterx/settlement/pkg/helpers"
	"github.com/orbiterx/settlement/pkg/logging"
)

// Destination matching window relative to the payout's timestamp: the
// deposit must predate the payout by at most two hours, with a small
// allowance for clock skew the other way.
const (
	matchLookback  = int64(120 * 60)
	matchLookahead = int64(5 * 60)
)

// PayoutSink receives payout obligations for execution.
type PayoutSink interface {
	Enqueue(p *sequencer.Payout) bool
}

// ValueValidator bounds the value lost between deposit and payout.
// *rates.Validator satisfies it.
type ValueValidator interface {
	ValueMatches(ctx context.Context, src, dst rates.Amount) (bool, error)
}

// Config holds matcher settings.
type Config struct {
	// SweepInterval is the pause between sweep rounds. Defaults to 10s.
	SweepInterval time.Duration
	// SweepLimit caps the rows one sweep pass loads. Defaults to 500.
	SweepLimit int
	// CacheSize bounds each side of the match cache.
	CacheSize int

	// Validator, when set, rejects payouts that lose too much value
	// relative to their deposit.
	Validator ValueValidator

	// SourceLookback bounds how old a deposit may be and still enter the
	// pipeline automatically; older deposits are handled out of band.
	// Defaults to 24h.
	SourceLookback time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SweepInterval == 0 {
		out.SweepInterval = 10 * time.Second
	}
	if out.SweepLimit == 0 {
		out.SweepLimit = 500
	}
	if out.SourceLookback == 0 {
		out.SourceLookback = 24 * time.Hour
	}
	return out
}

// Matcher runs the source and destination sweeps.
type Matcher struct {
	store  *storage.Storage
	engine *rule.Engine
	sink   PayoutSink
	cache  *MatchCache
	cfg    Config
	log    *logging.Logger
}

// New creates a matcher. sink may be nil when payouts are executed
// elsewhere (observer deployments).
func New(store *storage.Storage, engine *rule.Engine, sink PayoutSink, cfg Config) *Matcher {
	cfg = cfg.withDefaults()
	return &Matcher{
		store:  store,
		engine: engine,
		sink:   sink,
		cache:  NewMatchCache(cfg.CacheSize),
		cfg:    cfg,
		log:    logging.GetDefault().Component("matcher"),
	}
}

// Run sweeps both directions on a ticker until the context ends. The two
// sweeps run concurrently; a persistent storage error stops both.
func (m *Matcher) Run(ctx context.Context) error {
	m.log.Info("Matcher started", "interval", m.cfg.SweepInterval)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.sweepLoop(ctx, m.SweepSources) })
	g.Go(func() error { return m.sweepLoop(ctx, m.SweepDests) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	m.log.Info("Matcher stopped")
	return err
}

func (m *Matcher) sweepLoop(ctx context.Context, sweep func(context.Context) error) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				return err
			}
		}
	}
}

// SweepSources loads fresh unprocessed deposits, derives their payout
// obligations and persists them as bridge rows.
func (m *Matcher) SweepSources(ctx context.Context) error {
	since := time.Now().Add(-m.cfg.SourceLookback).Unix()
	for _, version := range []string{"1-0", "2-0"} {
		transfers, err := m.store.UnmatchedSourceTransfers([]string{version}, since, m.cfg.SweepLimit)
		if err != nil {
			return err
		}
		for _, t := range transfers {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.processSource(ctx, t)
		}
	}
	return nil
}

func (m *Matcher) processSource(ctx context.Context, t *storage.Transfer) {
	res, err := m.engine.Evaluate(&rule.Deposit{
		ChainID:   t.ChainID,
		Hash:      t.Hash,
		Sender:    t.Sender,
		Receiver:  t.Receiver,
		Token:     t.Token,
		Symbol:    t.Symbol,
		Value:     t.Value,
		Nonce:     t.Nonce,
		Timestamp: t.Timestamp,
		Calldata:  t.Calldata,
		Version:   t.Version,
	})
	if err != nil {
		// Undecodable deposits are marked so the sweep stops revisiting
		// them; refunds are handled out of band.
		m.log.Info("Deposit not payable", "chain", t.ChainID, "hash", t.Hash, "err", err)
		if serr := m.store.SetTransferOpStatus(t.ChainID, t.Hash, storage.OpStatusError); serr != nil {
			m.log.Error("Failed to mark deposit", "hash", t.Hash, "err", serr)
		}
		return
	}

	if m.cfg.Validator != nil {
		value, verr := helpers.ParseBig(t.Value)
		if verr == nil {
			ok, verr := m.cfg.Validator.ValueMatches(ctx,
				rates.Amount{Symbol: res.SourceToken.Symbol, Decimals: res.SourceToken.Decimals, Value: value},
				rates.Amount{Symbol: res.TargetToken.Symbol, Decimals: res.TargetToken.Decimals, Value: res.ResponseAmount})
			if verr != nil {
				// Quotes unavailable: leave the deposit for the next sweep
				// rather than paying blind.
				m.log.Warn("Value validation unavailable", "hash", t.Hash, "err", verr)
				return
			}
			if !ok {
				m.log.Error("Payout exceeds loss bound", "hash", t.Hash,
					"deposit", t.Value, "payout", res.ResponseAmount.String())
				if serr := m.store.SetTransferOpStatus(t.ChainID, t.Hash, storage.OpStatusError); serr != nil {
					m.log.Error("Failed to mark deposit", "hash", t.Hash, "err", serr)
				}
				return
			}
		}
	}

	b := &storage.BridgeTx{
		SourceChain:    t.ChainID,
		SourceID:       t.Hash,
		SourceAddress:  strings.ToLower(t.Sender),
		SourceMaker:    strings.ToLower(t.Receiver),
		SourceAmount:   t.Value,
		SourceSymbol:   t.Symbol,
		SourceToken:    t.Token,
		SourceNonce:    t.Nonce,
		SourceTime:     t.Timestamp,
		TargetChain:    res.TargetChain,
		TargetAddress:  res.TargetAddress,
		TargetAmount:   res.ResponseAmount.String(),
		TargetSymbol:   res.TargetToken.Symbol,
		TargetToken:    tokenAddress(res.TargetToken),
		RuleID:         res.RuleID,
		EbcAddress:     res.EbcAddress,
		DealerAddress:  res.DealerAddress,
		WithholdingFee: res.WithholdingFee.String(),
		TradeFee:       res.TradeFee.String(),
		ResponseMaker:  res.ResponseMakers,
		Status:         storage.BridgeStatusCreated,
	}

	if err := m.store.UpsertBridgeTx(b); err != nil {
		if errors.Is(err, storage.ErrBridgeTxLocked) {
			// Payout already in flight for this deposit.
			return
		}
		m.log.Error("Failed to persist bridge row", "hash", t.Hash, "err", err)
		return
	}
	m.log.Info("Built bridge row", "source", t.Hash, "targetChain", b.TargetChain, "amount", b.TargetAmount)

	// A payout observed before its deposit may already be waiting.
	if dest := m.cache.TakeWaiting(b, matchLookback, matchLookahead); dest != nil {
		m.closeMatch(b, dest)
		return
	}

	m.cache.AddObligation(b)
	if m.sink != nil {
		m.sink.Enqueue(payoutFor(b, res.SourceToken, res.TargetToken))
	}
}

// SweepDests loads unprocessed maker->user transfers and closes the bridge
// rows they fulfill. A payout is never too old to close its row: the only
// time bound is the deposit/payout window checked at match time.
func (m *Matcher) SweepDests(ctx context.Context) error {
	for _, version := range []string{"1-1", "2-1"} {
		transfers, err := m.store.UnmatchedDestTransfers([]string{version}, m.cfg.SweepLimit)
		if err != nil {
			return err
		}
		for _, t := range transfers {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.processDest(t)
		}
	}
	return nil
}

func (m *Matcher) processDest(t *storage.Transfer) {
	minSourceTime := t.Timestamp - matchLookback
	maxSourceTime := t.Timestamp + matchLookahead

	// Fast path: the obligation is still in memory.
	if b := m.cache.TakeObligation(t.ChainID, t.Symbol, t.Receiver, t.Value,
		t.Sender, minSourceTime, maxSourceTime); b != nil {
		m.closeMatch(b, t)
		return
	}

	// Our own payout already carries the hash.
	if b, err := m.store.GetBridgeTxByTarget(t.ChainID, t.Hash); err == nil {
		m.closeMatch(b, t)
		return
	} else if !errors.Is(err, storage.ErrBridgeTxNotFound) {
		m.log.Error("Failed target lookup", "hash", t.Hash, "err", err)
		return
	}

	// Content match against rows built by this or another engine instance.
	b, err := m.store.FindMatchableBridgeTx(t.ChainID, t.Symbol, strings.ToLower(t.Receiver),
		t.Value, t.Sender, minSourceTime, maxSourceTime)
	if err == nil {
		m.closeMatch(b, t)
		return
	}
	if !errors.Is(err, storage.ErrBridgeTxNotFound) {
		m.log.Error("Failed content match", "hash", t.Hash, "err", err)
		return
	}

	// No obligation yet; the deposit side may simply be behind.
	m.cache.AddWaiting(t)
}

// closeMatch finalizes one bridge row against a destination transfer.
func (m *Matcher) closeMatch(b *storage.BridgeTx, t *storage.Transfer) {
	status := storage.BridgeStatusMatched
	if t.Status == storage.TransferStatusFailed {
		status = storage.BridgeStatusPayoutFailed
	}

	err := m.store.CloseBridgeMatch(&storage.MatchClose{
		BridgeID:    b.ID,
		SourceChain: b.SourceChain,
		SourceID:    b.SourceID,
		DestChain:   t.ChainID,
		DestHash:    t.Hash,
		DestTime:    t.Timestamp,
		DestFee:     t.FeeAmount,
		DestFeeSym:  t.FeeToken,
		DestNonce:   t.Nonce,
		DestMaker:   t.Sender,
		Status:      status,
	})
	if err != nil {
		if errors.Is(err, storage.ErrMatchConflict) {
			m.log.Info("Match lost to concurrent close", "source", b.SourceID, "dest", t.Hash)
			return
		}
		m.log.Error("Failed to close match", "source", b.SourceID, "dest", t.Hash, "err", err)
		return
	}
	m.log.Info("Closed bridge match", "source", b.SourceID, "dest", t.Hash, "status", status)
}

func payoutFor(b *storage.BridgeTx, src, dst *rule.Token) *sequencer.Payout {
	amount, _ := new(big.Int).SetString(b.TargetAmount, 10)
	sourceAmount, _ := new(big.Int).SetString(b.SourceAmount, 10)
	return &sequencer.Payout{
		SourceChain:    b.SourceChain,
		SourceID:       b.SourceID,
		SourceSymbol:   src.Symbol,
		SourceDecimals: src.Decimals,
		SourceAmount:   sourceAmount,
		TargetChain:    b.TargetChain,
		TargetToken:    b.TargetToken,
		TargetSymbol:   dst.Symbol,
		TargetDecimals: dst.Decimals,
		TargetAddress:  b.TargetAddress,
		TargetAmount:   amount,
	}
}

// tokenAddress maps the rule token to the broadcast form: empty for the
// native coin, lowercased contract address otherwise.
func tokenAddress(tok *rule.Token) string {
	addr := strings.ToLower(tok.Address)
	if addr == "" || addr == "0x0000000000000000000000000000000000000000" {
		return ""
	}
	return addr
}
