package wallet_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"questline/config"
	"questline/models"
	"questline/storage"
	"questline/wallet"
)

func testStore(t *testing.T) *wallet.Store {
	t.Helper()
	db, err := storage.Open(config.Database{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "wallet.db")})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return wallet.NewStore(db)
}

var spendable = wallet.CategoryPolicy{AllowSpend: true}

// ledgerMatchesBalance asserts the core invariant: every balance equals the
// sum of its ledger entries.
func ledgerMatchesBalance(t *testing.T, store *wallet.Store, userID string) {
	t.Helper()
	ctx := context.Background()
	sums, err := store.LedgerSums(ctx, userID)
	if err != nil {
		t.Fatalf("ledger sums: %v", err)
	}
	balances, err := store.Balances(ctx, userID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	for category, balance := range balances {
		if sums[category] != balance {
			t.Errorf("category %s: balance %d but ledger sums to %d", category, balance, sums[category])
		}
	}
}

func TestCreditAndDebit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, "u1", "xp", 100, spendable, "e1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err := store.Debit(ctx, "u1", "xp", 40, spendable, "e2")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if balance != 60 {
		t.Fatalf("expected balance 60, got %d", balance)
	}
	ledgerMatchesBalance(t, store, "u1")

	entries, err := store.Transactions(ctx, "u1", "xp", 10)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
}

func TestDebitInsufficientLeavesNoTrace(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, "u1", "xp", 30, spendable, "e1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	_, err := store.Debit(ctx, "u1", "xp", 50, spendable, "e2")
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	balance, err := store.Balance(ctx, "u1", "xp")
	if err != nil || balance != 30 {
		t.Fatalf("expected untouched balance 30, got %d (%v)", balance, err)
	}
	entries, _ := store.Transactions(ctx, "u1", "xp", 10)
	if len(entries) != 1 {
		t.Fatalf("failed debit must not write ledger entries, got %d", len(entries))
	}
}

func TestNegativeBalanceRequiresPolicy(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, "u1", "karma", -10, wallet.CategoryPolicy{}, "e1"); !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("expected rejection without allowNegative, got %v", err)
	}
	balance, err := store.Credit(ctx, "u1", "karma", -10, wallet.CategoryPolicy{AllowNegative: true}, "e1")
	if err != nil {
		t.Fatalf("negative credit with policy: %v", err)
	}
	if balance != -10 {
		t.Fatalf("expected balance -10, got %d", balance)
	}
	ledgerMatchesBalance(t, store, "u1")
}

func TestSpendRequiresAllowSpend(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	if _, err := store.Credit(ctx, "u1", "xp", 100, wallet.CategoryPolicy{}, "e1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := store.Debit(ctx, "u1", "xp", 10, wallet.CategoryPolicy{}, "e2"); err == nil {
		t.Fatal("expected debit rejection when category disallows spending")
	}
}

func TestTransferCompleted(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, "alice", "xp", 200, spendable, "e1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	transfer, err := store.Transfer(ctx, "alice", "bob", "xp", 150, spendable)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if transfer.Status != models.TransferCompleted {
		t.Fatalf("expected completed, got %s (%s)", transfer.Status, transfer.FailureReason)
	}

	aliceBalance, _ := store.Balance(ctx, "alice", "xp")
	bobBalance, _ := store.Balance(ctx, "bob", "xp")
	if aliceBalance != 50 || bobBalance != 150 {
		t.Fatalf("expected 50/150, got %d/%d", aliceBalance, bobBalance)
	}
	ledgerMatchesBalance(t, store, "alice")
	ledgerMatchesBalance(t, store, "bob")

	// Both ledger entries reference the transfer.
	for _, user := range []string{"alice", "bob"} {
		entries, _ := store.Transactions(ctx, user, "xp", 10)
		found := false
		for _, entry := range entries {
			if entry.ReferenceID == transfer.ID {
				found = true
			}
		}
		if !found {
			t.Errorf("user %s has no ledger entry referencing transfer %s", user, transfer.ID)
		}
	}
}

func TestTransferInsufficientMarksFailed(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, "alice", "xp", 50, spendable, "e1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	transfer, err := store.Transfer(ctx, "alice", "bob", "xp", 100, spendable)
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if transfer.Status != models.TransferFailed || transfer.FailureReason == "" {
		t.Fatalf("expected failed transfer with reason, got %+v", transfer)
	}

	aliceBalance, _ := store.Balance(ctx, "alice", "xp")
	bobBalance, _ := store.Balance(ctx, "bob", "xp")
	if aliceBalance != 50 || bobBalance != 0 {
		t.Fatalf("failed transfer must not move points, got %d/%d", aliceBalance, bobBalance)
	}
	entries, _ := store.Transactions(ctx, "alice", "xp", 10)
	if len(entries) != 1 {
		t.Fatalf("failed transfer must not write ledger entries, got %d", len(entries))
	}
}

func TestTransferToSelfRejected(t *testing.T) {
	store := testStore(t)
	if _, err := store.Transfer(context.Background(), "alice", "alice", "xp", 10, spendable); err == nil {
		t.Fatal("expected self-transfer rejection")
	}
}
