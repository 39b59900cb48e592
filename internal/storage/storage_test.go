package storage

import (
	"errors"
	"os"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "settlement-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testTransfer(hash, version string) *Transfer {
	return &Transfer{
		Hash:      hash,
		ChainID:   "1",
		Sender:    "0xuser",
		Receiver:  "0xmaker",
		Token:     "0x0000000000000000000000000000000000000000",
		Symbol:    "ETH",
		Amount:    "1.0",
		Value:     "1000000000000009912",
		Nonce:     12,
		Timestamp: time.Now().Unix(),
		Version:   version,
		Status:    TransferStatusSuccess,
	}
}

func TestTransferSaveAndSweepQueries(t *testing.T) {
	store := newTestStorage(t)

	src := testTransfer("0xA", "2-0")
	if err := store.SaveTransfer(src); err != nil {
		t.Fatalf("SaveTransfer() error = %v", err)
	}

	got, err := store.GetTransfer("1", "0xA")
	if err != nil {
		t.Fatalf("GetTransfer() error = %v", err)
	}
	if got.Value != "1000000000000009912" || got.Nonce != 12 {
		t.Errorf("unexpected transfer: value=%s nonce=%d", got.Value, got.Nonce)
	}

	since := time.Now().Add(-24 * time.Hour).Unix()
	pending, err := store.UnmatchedSourceTransfers([]string{"1-0", "2-0"}, since, 500)
	if err != nil {
		t.Fatalf("UnmatchedSourceTransfers() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending source transfer, got %d", len(pending))
	}

	// Built transfers drop out of the sweep.
	if err := store.SetTransferOpStatus("1", "0xA", OpStatusSourceBuilt); err != nil {
		t.Fatalf("SetTransferOpStatus() error = %v", err)
	}
	pending, err = store.UnmatchedSourceTransfers([]string{"1-0", "2-0"}, since, 500)
	if err != nil {
		t.Fatalf("UnmatchedSourceTransfers() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending after build, got %d", len(pending))
	}
}

func testBridgeTx(sourceID string) *BridgeTx {
	return &BridgeTx{
		SourceChain:   "1",
		SourceID:      sourceID,
		SourceAddress: "0xuser",
		SourceMaker:   "0xmaker",
		SourceAmount:  "1000000000000009912",
		SourceSymbol:  "ETH",
		SourceNonce:   12,
		SourceTime:    time.Now().Unix(),
		TargetChain:   "10",
		TargetAddress: "0xuser",
		TargetAmount:  "999996000000010012",
		TargetSymbol:  "ETH",
		ResponseMaker: []string{"0xMaker", "0xBackup"},
		Status:        BridgeStatusCreated,
	}
}

func TestBridgeTxUpsertGuard(t *testing.T) {
	store := newTestStorage(t)

	if err := store.SaveTransfer(testTransfer("0xA", "2-0")); err != nil {
		t.Fatalf("SaveTransfer() error = %v", err)
	}

	b := testBridgeTx("0xA")
	if err := store.UpsertBridgeTx(b); err != nil {
		t.Fatalf("UpsertBridgeTx() error = %v", err)
	}

	got, err := store.GetBridgeTxBySource("1", "0xA")
	if err != nil {
		t.Fatalf("GetBridgeTxBySource() error = %v", err)
	}
	if got.Status != BridgeStatusCreated {
		t.Errorf("status = %d, want %d", got.Status, BridgeStatusCreated)
	}
	if !got.AllowsMaker("0xMAKER") || !got.AllowsMaker("0xbackup") {
		t.Error("response makers should be lowercased and matched case-insensitively")
	}

	// Source transfer was marked built in the same transaction.
	tr, err := store.GetTransfer("1", "0xA")
	if err != nil {
		t.Fatalf("GetTransfer() error = %v", err)
	}
	if tr.OpStatus != OpStatusSourceBuilt {
		t.Errorf("op_status = %d, want %d", tr.OpStatus, OpStatusSourceBuilt)
	}

	// Rebuild is allowed while status < 90.
	b.TargetAmount = "999996000000010013"
	if err := store.UpsertBridgeTx(b); err != nil {
		t.Fatalf("rebuild UpsertBridgeTx() error = %v", err)
	}

	// Once in operation the row must never be rebuilt.
	ptx, err := store.BeginPayout()
	if err != nil {
		t.Fatalf("BeginPayout() error = %v", err)
	}
	if n, err := ptx.MarkReadyPaid([]int64{got.ID}); err != nil || n != 1 {
		t.Fatalf("MarkReadyPaid() = %d, %v", n, err)
	}
	if err := ptx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if err := store.UpsertBridgeTx(b); !errors.Is(err, ErrBridgeTxLocked) {
		t.Errorf("UpsertBridgeTx() on locked row error = %v, want ErrBridgeTxLocked", err)
	}
}

func TestMarkReadyPaidRowCount(t *testing.T) {
	store := newTestStorage(t)

	store.SaveTransfer(testTransfer("0xA", "2-0"))
	store.SaveTransfer(testTransfer("0xB", "2-0"))
	a := testBridgeTx("0xA")
	bb := testBridgeTx("0xB")
	if err := store.UpsertBridgeTx(a); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertBridgeTx(bb); err != nil {
		t.Fatal(err)
	}

	// Lock one row first; a batch over both must then count only one.
	ptx, _ := store.BeginPayout()
	if n, _ := ptx.MarkReadyPaid([]int64{a.ID}); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
	ptx.Commit()

	ptx, _ = store.BeginPayout()
	n, err := ptx.MarkReadyPaid([]int64{a.ID, bb.ID})
	if err != nil {
		t.Fatalf("MarkReadyPaid() error = %v", err)
	}
	if n != 1 {
		t.Errorf("row count = %d, want 1 (row A already in operation)", n)
	}
	ptx.Rollback()

	// After the rollback row B is still payable.
	got, _ := store.GetBridgeTxBySource("1", "0xB")
	if got.Status != BridgeStatusCreated {
		t.Errorf("row B status = %d, want %d", got.Status, BridgeStatusCreated)
	}
}

func TestCloseBridgeMatch(t *testing.T) {
	store := newTestStorage(t)

	store.SaveTransfer(testTransfer("0xA", "2-0"))
	b := testBridgeTx("0xA")
	if err := store.UpsertBridgeTx(b); err != nil {
		t.Fatal(err)
	}

	dest := testTransfer("0xD", "2-1")
	dest.ChainID = "10"
	dest.Sender = "0xmaker"
	dest.Receiver = "0xuser"
	dest.Amount = "999996000000010012"
	if err := store.SaveTransfer(dest); err != nil {
		t.Fatal(err)
	}

	close := &MatchClose{
		BridgeID:    b.ID,
		SourceChain: "1",
		SourceID:    "0xA",
		DestChain:   "10",
		DestHash:    "0xD",
		DestTime:    dest.Timestamp,
		DestFee:     "21000",
		DestFeeSym:  "ETH",
		DestNonce:   7,
		DestMaker:   "0xMaker",
		Status:      BridgeStatusMatched,
	}
	if err := store.CloseBridgeMatch(close); err != nil {
		t.Fatalf("CloseBridgeMatch() error = %v", err)
	}

	got, _ := store.GetBridgeTxBySource("1", "0xA")
	if got.Status != BridgeStatusMatched || got.TargetID != "0xD" || got.TargetMaker != "0xmaker" {
		t.Errorf("unexpected closed row: status=%d targetId=%s maker=%s",
			got.Status, got.TargetID, got.TargetMaker)
	}

	srcT, _ := store.GetTransfer("1", "0xA")
	dstT, _ := store.GetTransfer("10", "0xD")
	if srcT.OpStatus != OpStatusMatched || dstT.OpStatus != OpStatusMatched {
		t.Errorf("op_status = (%d, %d), want (99, 99)", srcT.OpStatus, dstT.OpStatus)
	}

	// A second close for the same row must fail the row-count check and
	// leave the winning transaction intact.
	if err := store.CloseBridgeMatch(close); !errors.Is(err, ErrMatchConflict) {
		t.Errorf("second CloseBridgeMatch() error = %v, want ErrMatchConflict", err)
	}
}

func TestFindMatchableBridgeTx(t *testing.T) {
	store := newTestStorage(t)

	store.SaveTransfer(testTransfer("0xA", "2-0"))
	b := testBridgeTx("0xA")
	if err := store.UpsertBridgeTx(b); err != nil {
		t.Fatal(err)
	}

	now := time.Now().Unix()
	got, err := store.FindMatchableBridgeTx("10", "ETH", "0xuser", "999996000000010012",
		"0xMaker", now-7200, now+300)
	if err != nil {
		t.Fatalf("FindMatchableBridgeTx() error = %v", err)
	}
	if got.SourceID != "0xA" {
		t.Errorf("matched wrong row: %s", got.SourceID)
	}

	// Sender outside the response-maker set must not match.
	_, err = store.FindMatchableBridgeTx("10", "ETH", "0xuser", "999996000000010012",
		"0xstranger", now-7200, now+300)
	if !errors.Is(err, ErrBridgeTxNotFound) {
		t.Errorf("stranger sender error = %v, want ErrBridgeTxNotFound", err)
	}

	// Source time outside the window must not match.
	_, err = store.FindMatchableBridgeTx("10", "ETH", "0xuser", "999996000000010012",
		"0xmaker", now+600, now+900)
	if !errors.Is(err, ErrBridgeTxNotFound) {
		t.Errorf("out-of-window error = %v, want ErrBridgeTxNotFound", err)
	}
}

func TestSerialRelations(t *testing.T) {
	store := newTestStorage(t)

	if err := store.ReserveSerials([]string{"0xA", "0xB"}); err != nil {
		t.Fatalf("ReserveSerials() error = %v", err)
	}

	// Double reservation is the duplicate-payout guard.
	if err := store.ReserveSerials([]string{"0xA"}); !errors.Is(err, ErrSerialExists) {
		t.Errorf("double ReserveSerials() error = %v, want ErrSerialExists", err)
	}

	ok, err := store.HasSerial("0xA")
	if err != nil || !ok {
		t.Fatalf("HasSerial() = %v, %v", ok, err)
	}

	if err := store.SetSerialTxHash([]string{"0xA", "0xB"}, "0xH"); err != nil {
		t.Fatalf("SetSerialTxHash() error = %v", err)
	}
	hash, found, err := store.GetSerialTxHash("0xA")
	if err != nil || !found || hash != "0xH" {
		t.Fatalf("GetSerialTxHash() = %q, %v, %v", hash, found, err)
	}

	// Pre-broadcast rollback clears the reservation entirely.
	if err := store.ClearSerials([]string{"0xA", "0xB"}); err != nil {
		t.Fatalf("ClearSerials() error = %v", err)
	}
	ok, _ = store.HasSerial("0xA")
	if ok {
		t.Error("serial should be cleared after rollback")
	}
}
