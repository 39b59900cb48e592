package matcher

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/orbiterx/settlement/internal/rule"
	"github.com/orbiterx/settlement/internal/sequencer"
	"github.com/orbiterx/settlement/internal/storage"
)

const nativeToken = "0x0000000000000000000000000000000000000000"

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	dir, err := os.MkdirTemp("", "matcher-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEngine() *rule.Engine {
	chains := []rule.Chain{
		{
			ChainID: "1",
			Index:   1,
			Tokens: []rule.Token{
				{Address: nativeToken, Symbol: "ETH", Decimals: 18, MainnetToken: nativeToken},
			},
		},
		{
			ChainID: "10",
			Index:   12,
			Tokens: []rule.Token{
				{Address: nativeToken, Symbol: "ETH", Decimals: 18, MainnetToken: nativeToken},
			},
		},
	}
	p := rule.NewProvider(chains)
	p.AddRule(&rule.Rule{
		Chain0:               "1",
		Chain1:               "10",
		Symbol0:              "ETH",
		Symbol1:              "ETH",
		Chain0TradeFee:       "30",
		Chain0WithholdingFee: "5000000000000",
		Chain1TradeFee:       "60",
		Chain1WithholdingFee: "5000000000000",
		ResponseMakerList:    []string{"0xBackupMaker"},
	})
	graph := &rule.StaticGraph{
		Dealers: map[uint64]string{9: "0xdealer9"},
		Ebcs:    map[uint64]string{9: "0xebc9"},
		Chains:  map[uint64]string{12: "10"},
	}
	return rule.NewEngine(graph, p)
}

type fakeSink struct {
	payouts []*sequencer.Payout
}

func (s *fakeSink) Enqueue(p *sequencer.Payout) bool {
	s.payouts = append(s.payouts, p)
	return true
}

func saveSourceTransfer(t *testing.T, store *storage.Storage, hash, value string, nonce uint64) *storage.Transfer {
	t.Helper()
	tr := &storage.Transfer{
		Hash:      hash,
		ChainID:   "1",
		Sender:    "0xUser",
		Receiver:  "0xMaker",
		Token:     nativeToken,
		Symbol:    "ETH",
		Value:     value,
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
		Version:   "2-0",
		Status:    storage.TransferStatusSuccess,
	}
	if err := store.SaveTransfer(tr); err != nil {
		t.Fatalf("SaveTransfer() error = %v", err)
	}
	return tr
}

func saveDestTransfer(t *testing.T, store *storage.Storage, hash, value string, nonce uint64, status int) *storage.Transfer {
	t.Helper()
	tr := &storage.Transfer{
		Hash:      hash,
		ChainID:   "10",
		Sender:    "0xMaker",
		Receiver:  "0xuser",
		Token:     nativeToken,
		Symbol:    "ETH",
		Value:     value,
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
		Version:   "2-1",
		Status:    status,
	}
	if err := store.SaveTransfer(tr); err != nil {
		t.Fatalf("SaveTransfer() error = %v", err)
	}
	return tr
}

const (
	depositValue = "1000000000000009912"
	payoutValue  = "996995015000000012"
)

func TestSweepSourcesBuildsBridgeRow(t *testing.T) {
	store := newTestStorage(t)
	sink := &fakeSink{}
	m := New(store, testEngine(), sink, Config{})

	saveSourceTransfer(t, store, "0xS1", depositValue, 12)

	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatalf("SweepSources() error = %v", err)
	}

	b, err := store.GetBridgeTxBySource("1", "0xS1")
	if err != nil {
		t.Fatalf("GetBridgeTxBySource() error = %v", err)
	}
	if b.TargetChain != "10" || b.TargetAmount != payoutValue {
		t.Errorf("bridge row target = %s/%s, want 10/%s", b.TargetChain, b.TargetAmount, payoutValue)
	}
	if b.TargetAddress != "0xuser" {
		t.Errorf("target address = %s", b.TargetAddress)
	}
	if !b.AllowsMaker("0xMaker") || !b.AllowsMaker("0xbackupmaker") {
		t.Errorf("response makers = %v", b.ResponseMaker)
	}

	tr, _ := store.GetTransfer("1", "0xS1")
	if tr.OpStatus != storage.OpStatusSourceBuilt {
		t.Errorf("source op_status = %d, want %d", tr.OpStatus, storage.OpStatusSourceBuilt)
	}

	if len(sink.payouts) != 1 {
		t.Fatalf("enqueued payouts = %d, want 1", len(sink.payouts))
	}
	p := sink.payouts[0]
	if p.TargetAmount.String() != payoutValue || p.TargetToken != "" {
		t.Errorf("payout = %s token %q", p.TargetAmount, p.TargetToken)
	}

	// A second sweep must not reprocess the built deposit.
	sink.payouts = nil
	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatalf("second SweepSources() error = %v", err)
	}
	if len(sink.payouts) != 0 {
		t.Errorf("re-sweep enqueued %d payouts", len(sink.payouts))
	}
}

func TestSweepSourcesPaysLateDeposit(t *testing.T) {
	store := newTestStorage(t)
	sink := &fakeSink{}
	m := New(store, testEngine(), sink, Config{})

	// Ingestion can lag the chain by a long way; a deposit observed half an
	// hour late must still be paid.
	late := &storage.Transfer{
		Hash:      "0xLate1",
		ChainID:   "1",
		Sender:    "0xUser",
		Receiver:  "0xMaker",
		Token:     nativeToken,
		Symbol:    "ETH",
		Value:     depositValue,
		Nonce:     12,
		Timestamp: time.Now().Add(-30 * time.Minute).Unix(),
		Version:   "2-0",
		Status:    storage.TransferStatusSuccess,
	}
	if err := store.SaveTransfer(late); err != nil {
		t.Fatal(err)
	}

	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatalf("SweepSources() error = %v", err)
	}

	if _, err := store.GetBridgeTxBySource("1", "0xLate1"); err != nil {
		t.Fatalf("late deposit not built into a bridge row: %v", err)
	}
	if len(sink.payouts) != 1 {
		t.Fatalf("enqueued payouts = %d, want 1", len(sink.payouts))
	}

	// A day-old deposit is outside the pipeline's lookback.
	stale := *late
	stale.Hash = "0xLate2"
	stale.Timestamp = time.Now().Add(-25 * time.Hour).Unix()
	if err := store.SaveTransfer(&stale); err != nil {
		t.Fatal(err)
	}
	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetBridgeTxBySource("1", "0xLate2"); err == nil {
		t.Error("deposit past the lookback was built into a bridge row")
	}
}

func TestSweepDestsClosesLatePayout(t *testing.T) {
	store := newTestStorage(t)
	m := New(store, testEngine(), &fakeSink{}, Config{})

	src := &storage.Transfer{
		Hash:      "0xS7",
		ChainID:   "1",
		Sender:    "0xUser",
		Receiver:  "0xMaker",
		Token:     nativeToken,
		Symbol:    "ETH",
		Value:     depositValue,
		Nonce:     12,
		Timestamp: time.Now().Add(-40 * time.Minute).Unix(),
		Version:   "2-0",
		Status:    storage.TransferStatusSuccess,
	}
	if err := store.SaveTransfer(src); err != nil {
		t.Fatal(err)
	}
	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The payout was broadcast long ago too; the dest sweep has no age
	// cutoff of its own, only the deposit/payout window.
	dst := &storage.Transfer{
		Hash:      "0xD7",
		ChainID:   "10",
		Sender:    "0xMaker",
		Receiver:  "0xuser",
		Token:     nativeToken,
		Symbol:    "ETH",
		Value:     payoutValue,
		Nonce:     12,
		Timestamp: time.Now().Add(-30 * time.Minute).Unix(),
		Version:   "2-1",
		Status:    storage.TransferStatusSuccess,
	}
	if err := store.SaveTransfer(dst); err != nil {
		t.Fatal(err)
	}

	if err := m.SweepDests(context.Background()); err != nil {
		t.Fatalf("SweepDests() error = %v", err)
	}

	b, _ := store.GetBridgeTxBySource("1", "0xS7")
	if b.Status != storage.BridgeStatusMatched {
		t.Fatalf("bridge status = %d, late payout must still close the row", b.Status)
	}
}

func TestSweepSourcesMarksUndecodable(t *testing.T) {
	store := newTestStorage(t)
	sink := &fakeSink{}
	m := New(store, testEngine(), sink, Config{})

	// Chain index 77 has no mapping.
	saveSourceTransfer(t, store, "0xBad", "1000000000000009977", 3)

	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatalf("SweepSources() error = %v", err)
	}

	tr, _ := store.GetTransfer("1", "0xBad")
	if tr.OpStatus != storage.OpStatusError {
		t.Errorf("op_status = %d, want error marker %d", tr.OpStatus, storage.OpStatusError)
	}
	if len(sink.payouts) != 0 {
		t.Error("undecodable deposit produced a payout")
	}
	if _, err := store.GetBridgeTxBySource("1", "0xBad"); err == nil {
		t.Error("undecodable deposit produced a bridge row")
	}
}

func TestSweepDestsClosesViaCache(t *testing.T) {
	store := newTestStorage(t)
	m := New(store, testEngine(), &fakeSink{}, Config{})

	saveSourceTransfer(t, store, "0xS2", depositValue, 12)
	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatal(err)
	}
	saveDestTransfer(t, store, "0xD2", payoutValue, 12, storage.TransferStatusSuccess)

	if err := m.SweepDests(context.Background()); err != nil {
		t.Fatalf("SweepDests() error = %v", err)
	}

	b, _ := store.GetBridgeTxBySource("1", "0xS2")
	if b.Status != storage.BridgeStatusMatched {
		t.Fatalf("bridge status = %d, want matched", b.Status)
	}
	if b.TargetID != "0xD2" || b.TargetMaker != "0xmaker" {
		t.Errorf("close recorded target %q maker %q", b.TargetID, b.TargetMaker)
	}

	src, _ := store.GetTransfer("1", "0xS2")
	dst, _ := store.GetTransfer("10", "0xD2")
	if src.OpStatus != storage.OpStatusMatched || dst.OpStatus != storage.OpStatusMatched {
		t.Errorf("op_status = %d/%d, want both matched", src.OpStatus, dst.OpStatus)
	}
}

func TestSweepDestsClosesViaContentMatch(t *testing.T) {
	store := newTestStorage(t)

	// The obligation was built by another engine instance: this matcher's
	// cache is cold and the database is the only evidence.
	builder := New(store, testEngine(), &fakeSink{}, Config{})
	saveSourceTransfer(t, store, "0xS3", depositValue, 12)
	if err := builder.SweepSources(context.Background()); err != nil {
		t.Fatal(err)
	}

	m := New(store, testEngine(), &fakeSink{}, Config{})
	saveDestTransfer(t, store, "0xD3", payoutValue, 12, storage.TransferStatusSuccess)

	if err := m.SweepDests(context.Background()); err != nil {
		t.Fatalf("SweepDests() error = %v", err)
	}

	b, _ := store.GetBridgeTxBySource("1", "0xS3")
	if b.Status != storage.BridgeStatusMatched {
		t.Fatalf("bridge status = %d, want matched via content predicate", b.Status)
	}
}

func TestDestBeforeSourceClosesOnBuild(t *testing.T) {
	store := newTestStorage(t)
	m := New(store, testEngine(), &fakeSink{}, Config{})

	// Payout observed first: it waits in the cache.
	saveDestTransfer(t, store, "0xD4", payoutValue, 12, storage.TransferStatusSuccess)
	if err := m.SweepDests(context.Background()); err != nil {
		t.Fatal(err)
	}
	dst, _ := store.GetTransfer("10", "0xD4")
	if dst.OpStatus != storage.OpStatusUnprocessed {
		t.Fatalf("waiting payout op_status = %d, want unprocessed", dst.OpStatus)
	}

	// The deposit arrives and the build closes the match immediately.
	saveSourceTransfer(t, store, "0xS4", depositValue, 12)
	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatal(err)
	}

	b, _ := store.GetBridgeTxBySource("1", "0xS4")
	if b.Status != storage.BridgeStatusMatched {
		t.Fatalf("bridge status = %d, want matched on build", b.Status)
	}
}

func TestSweepDestsFailedPayout(t *testing.T) {
	store := newTestStorage(t)
	m := New(store, testEngine(), &fakeSink{}, Config{})

	saveSourceTransfer(t, store, "0xS5", depositValue, 12)
	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatal(err)
	}
	saveDestTransfer(t, store, "0xD5", payoutValue, 12, storage.TransferStatusFailed)

	if err := m.SweepDests(context.Background()); err != nil {
		t.Fatal(err)
	}

	b, _ := store.GetBridgeTxBySource("1", "0xS5")
	if b.Status != storage.BridgeStatusPayoutFailed {
		t.Fatalf("bridge status = %d, want payout-failed for a reverted transfer", b.Status)
	}
}

func TestSweepDestsIgnoresStrangerSender(t *testing.T) {
	store := newTestStorage(t)
	m := New(store, testEngine(), &fakeSink{}, Config{})

	saveSourceTransfer(t, store, "0xS6", depositValue, 12)
	if err := m.SweepSources(context.Background()); err != nil {
		t.Fatal(err)
	}

	stranger := &storage.Transfer{
		Hash:      "0xD6",
		ChainID:   "10",
		Sender:    "0xStranger",
		Receiver:  "0xuser",
		Token:     nativeToken,
		Symbol:    "ETH",
		Value:     payoutValue,
		Nonce:     12,
		Timestamp: time.Now().Unix(),
		Version:   "2-1",
		Status:    storage.TransferStatusSuccess,
	}
	if err := store.SaveTransfer(stranger); err != nil {
		t.Fatal(err)
	}

	if err := m.SweepDests(context.Background()); err != nil {
		t.Fatal(err)
	}

	b, _ := store.GetBridgeTxBySource("1", "0xS6")
	if b.Status != storage.BridgeStatusCreated {
		t.Fatalf("bridge status = %d, stranger transfer must not close the row", b.Status)
	}
}

func TestMatchCacheWindowAndBound(t *testing.T) {
	cache := NewMatchCache(2)
	now := time.Now().Unix()

	mk := func(id string, ts int64) *storage.BridgeTx {
		return &storage.BridgeTx{
			SourceChain:   "1",
			SourceID:      id,
			SourceTime:    ts,
			TargetChain:   "10",
			TargetSymbol:  "ETH",
			TargetAddress: "0xuser",
			TargetAmount:  "1000",
			ResponseMaker: []string{"0xmaker"},
		}
	}

	cache.AddObligation(mk("0x1", now))
	if got := cache.TakeObligation("10", "ETH", "0xuser", "1000", "0xmaker", now-10, now+10); got == nil || got.SourceID != "0x1" {
		t.Fatal("cached obligation not found")
	}
	if got := cache.TakeObligation("10", "ETH", "0xuser", "1000", "0xmaker", now-10, now+10); got != nil {
		t.Fatal("obligation returned twice")
	}

	// Out of window.
	cache.AddObligation(mk("0x2", now-10000))
	if got := cache.TakeObligation("10", "ETH", "0xuser", "1000", "0xmaker", now-10, now+10); got != nil {
		t.Fatal("stale obligation matched")
	}

	// Bound: adding past the cap evicts the oldest entries.
	cache.AddObligation(mk("0x3", now))
	cache.AddObligation(mk("0x4", now))
	if obligations, _ := cache.Len(); obligations != 2 {
		t.Fatalf("cache size = %d, want bound 2", obligations)
	}
}
