// Package wallet maintains per-user point balances with an append-only
// ledger. Every balance equals the sum of its wallet's transactions; the two
// are only ever written inside one database transaction.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"questline/core/types"
	"questline/models"
)

// ErrInsufficientBalance signals a debit or transfer that the wallet cannot
// cover. Callers treat it as a business failure, not an infrastructure error.
var ErrInsufficientBalance = errors.New("insufficient balance")

// CategoryPolicy is what the store needs to know about a point category
// before mutating a wallet.
type CategoryPolicy struct {
	AllowNegative bool
	AllowSpend    bool
}

// Store mediates all wallet access.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle so callers can run wallet mutations inside their own
// transactions via WithTx.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithTx returns a store bound to tx. Used by the reward executor to keep a
// wallet mutation and its history side effects atomic.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Balance returns the balance for one (user, category) pair. A missing wallet
// reads as zero.
func (s *Store) Balance(ctx context.Context, userID, categoryID string) (int64, error) {
	var w models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND point_category_id = ?", userID, categoryID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load wallet %s/%s: %w", userID, categoryID, err)
	}
	return w.Balance, nil
}

// Balances returns every non-empty wallet of a user keyed by category.
func (s *Store) Balances(ctx context.Context, userID string) (map[string]int64, error) {
	var wallets []models.Wallet
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("load wallets for %s: %w", userID, err)
	}
	out := make(map[string]int64, len(wallets))
	for _, w := range wallets {
		out[w.PointCategoryID] = w.Balance
	}
	return out, nil
}

// Credit adds amount points to the wallet and appends a ledger entry. Amount
// may be negative when the category allows negative balances; the adjustment
// is then recorded as a debit.
func (s *Store) Credit(ctx context.Context, userID, categoryID string, amount int64, policy CategoryPolicy, referenceID string) (int64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("credit amount must not be zero")
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := lockWallet(tx, userID, categoryID)
		if err != nil {
			return err
		}
		next := w.Balance + amount
		if next < 0 && !policy.AllowNegative {
			return fmt.Errorf("%w: balance %d, adjustment %d", ErrInsufficientBalance, w.Balance, amount)
		}
		txType := models.TxTypeCredit
		if amount < 0 {
			txType = models.TxTypeDebit
		}
		if err := applyLedger(tx, w, next, amount, txType, referenceID); err != nil {
			return err
		}
		balance = next
		return nil
	})
	return balance, err
}

// Debit removes amount points, rejecting the operation when the wallet would
// go negative and the category forbids it, or when the category does not
// allow spending.
func (s *Store) Debit(ctx context.Context, userID, categoryID string, amount int64, policy CategoryPolicy, referenceID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive")
	}
	if !policy.AllowSpend {
		return 0, fmt.Errorf("category %s does not allow spending", categoryID)
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := lockWallet(tx, userID, categoryID)
		if err != nil {
			return err
		}
		next := w.Balance - amount
		if next < 0 && !policy.AllowNegative {
			return fmt.Errorf("%w: balance %d, debit %d", ErrInsufficientBalance, w.Balance, amount)
		}
		if err := applyLedger(tx, w, next, -amount, models.TxTypeDebit, referenceID); err != nil {
			return err
		}
		balance = next
		return nil
	})
	return balance, err
}

// Transfer moves points between two users in the same category. The transfer
// row is written first as pending, then both wallets are updated under locks
// taken in sorted user-id order. On insufficient funds the transfer is marked
// failed with a reason and no ledger entries are written.
func (s *Store) Transfer(ctx context.Context, fromUserID, toUserID, categoryID string, amount int64, policy CategoryPolicy) (*models.WalletTransfer, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}
	if fromUserID == toUserID {
		return nil, fmt.Errorf("transfer source and destination must differ")
	}
	if !policy.AllowSpend {
		return nil, fmt.Errorf("category %s does not allow spending", categoryID)
	}

	transfer := &models.WalletTransfer{
		ID:              types.NewEventID(),
		FromUserID:      fromUserID,
		ToUserID:        toUserID,
		PointCategoryID: categoryID,
		Amount:          amount,
		Status:          models.TransferPending,
		Timestamp:       time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(transfer).Error; err != nil {
		return nil, fmt.Errorf("record transfer: %w", err)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock both wallets in a stable order to avoid deadlocks between
		// concurrent opposing transfers.
		order := []string{fromUserID, toUserID}
		sort.Strings(order)
		locked := make(map[string]*models.Wallet, 2)
		for _, uid := range order {
			w, err := lockWallet(tx, uid, categoryID)
			if err != nil {
				return err
			}
			locked[uid] = w
		}
		src := locked[fromUserID]
		dst := locked[toUserID]
		if src.Balance < amount && !policy.AllowNegative {
			return fmt.Errorf("%w: balance %d, transfer %d", ErrInsufficientBalance, src.Balance, amount)
		}
		if err := applyLedger(tx, src, src.Balance-amount, -amount, models.TxTypeTransferOut, transfer.ID); err != nil {
			return err
		}
		if err := applyLedger(tx, dst, dst.Balance+amount, amount, models.TxTypeTransferIn, transfer.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		transfer.Status = models.TransferFailed
		transfer.FailureReason = err.Error()
		if saveErr := s.db.WithContext(ctx).Save(transfer).Error; saveErr != nil {
			return transfer, fmt.Errorf("mark transfer failed: %w", saveErr)
		}
		if errors.Is(err, ErrInsufficientBalance) {
			return transfer, err
		}
		return transfer, fmt.Errorf("execute transfer %s: %w", transfer.ID, err)
	}

	transfer.Status = models.TransferCompleted
	if err := s.db.WithContext(ctx).Save(transfer).Error; err != nil {
		return transfer, fmt.Errorf("mark transfer completed: %w", err)
	}
	return transfer, nil
}

// Transactions lists the most recent ledger entries for a user, optionally
// narrowed to one category.
func (s *Store) Transactions(ctx context.Context, userID, categoryID string, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if categoryID != "" {
		q = q.Where("point_category_id = ?", categoryID)
	}
	var entries []models.WalletTransaction
	if err := q.Order("timestamp DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load transactions for %s: %w", userID, err)
	}
	return entries, nil
}

// LedgerSums recomputes every category balance of a user from the ledger.
// Used by the projection rebuild.
func (s *Store) LedgerSums(ctx context.Context, userID string) (map[string]int64, error) {
	type row struct {
		PointCategoryID string
		Total           int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.WalletTransaction{}).
		Select("point_category_id, COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ?", userID).
		Group("point_category_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sum ledger for %s: %w", userID, err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.PointCategoryID] = r.Total
	}
	return out, nil
}

// lockWallet loads or creates the wallet row, holding a row lock for the rest
// of the transaction on engines that support it.
func lockWallet(tx *gorm.DB, userID, categoryID string) (*models.Wallet, error) {
	q := tx.Where("user_id = ? AND point_category_id = ?", userID, categoryID)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var w models.Wallet
	err := q.First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w = models.Wallet{UserID: userID, PointCategoryID: categoryID}
		if err := tx.Create(&w).Error; err != nil {
			return nil, fmt.Errorf("create wallet %s/%s: %w", userID, categoryID, err)
		}
		return &w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s/%s: %w", userID, categoryID, err)
	}
	return &w, nil
}

// applyLedger moves the wallet to next and appends the matching ledger entry.
func applyLedger(tx *gorm.DB, w *models.Wallet, next, amount int64, txType, referenceID string) error {
	w.Balance = next
	w.UpdatedAt = time.Now().UTC()
	if err := tx.Save(w).Error; err != nil {
		return fmt.Errorf("save wallet %s/%s: %w", w.UserID, w.PointCategoryID, err)
	}
	entry := models.WalletTransaction{
		ID:              types.NewEventID(),
		UserID:          w.UserID,
		PointCategoryID: w.PointCategoryID,
		Amount:          amount,
		Type:            txType,
		ReferenceID:     referenceID,
		Timestamp:       time.Now().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}
