package models

import (
	"time"

	"gorm.io/gorm"
)

// Wallet transaction types.
const (
	TxTypeCredit      = "credit"
	TxTypeDebit       = "debit"
	TxTypeTransferOut = "transferOut"
	TxTypeTransferIn  = "transferIn"
)

// Wallet transfer states.
const (
	TransferPending   = "pending"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

// Event is a single ingested or cascade-generated user activity record. Rows
// are append-only; the processing marker drives queue rehydration after a
// restart.
type Event struct {
	ID           string    `gorm:"primaryKey;size:64"`
	EventType    string    `gorm:"size:128;index;index:idx_events_user_type,priority:2"`
	UserID       string    `gorm:"size:128;index;index:idx_events_user_type,priority:1"`
	OccurredAt   time.Time `gorm:"index"`
	Attributes   JSONMap   `gorm:"type:jsonb"`
	CascadeDepth int
	ReceivedAt   time.Time `gorm:"index"`
	Processed    bool      `gorm:"index"`
	ProcessedAt  *time.Time
	Attempts     int
}

// EventDefinition declares a known event type and, optionally, the shape of
// its payload. PayloadSchema maps attribute names to type labels.
type EventDefinition struct {
	ID            string `gorm:"primaryKey;size:128"`
	Description   string `gorm:"size:512"`
	PayloadSchema JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PointCategory configures one point currency. Aggregation is fixed for the
// lifetime of the category.
type PointCategory struct {
	ID            string `gorm:"primaryKey;size:64"`
	Name          string `gorm:"size:128"`
	Aggregation   string `gorm:"size:32;default:sum"`
	AllowNegative bool
	AllowSpend    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Badge is a catalog-managed one-off award.
type Badge struct {
	ID          string `gorm:"primaryKey;size:128"`
	Name        string `gorm:"size:128"`
	Description string `gorm:"size:512"`
	Image       string `gorm:"size:512"`
	Visible     bool
	CreatedAt   time.Time
}

// Trophy is a catalog-managed one-off award, distinct from badges only by kind.
type Trophy struct {
	ID          string `gorm:"primaryKey;size:128"`
	Name        string `gorm:"size:128"`
	Description string `gorm:"size:512"`
	Image       string `gorm:"size:512"`
	Visible     bool
	CreatedAt   time.Time
}

// Level is a threshold on a point category balance. For each category a user
// qualifies for the level with the largest MinPoints not exceeding the balance.
type Level struct {
	ID        string `gorm:"primaryKey;size:128"`
	Name      string `gorm:"size:128"`
	Category  string `gorm:"size:64;index"`
	MinPoints int64
	CreatedAt time.Time
}

// Rule is the persisted form of a reward rule. Conditions, rewards and
// spendings are stored as ordered JSON documents and compiled into the
// in-memory catalog snapshot on load.
type Rule struct {
	ID             string     `gorm:"primaryKey;size:128"`
	Name           string     `gorm:"size:256"`
	Description    string     `gorm:"size:1024"`
	Triggers       StringList `gorm:"type:jsonb"`
	ConditionLogic string     `gorm:"size:8;default:and"`
	Conditions     DocList    `gorm:"type:jsonb"`
	Rewards        DocList    `gorm:"type:jsonb"`
	Spendings      DocList    `gorm:"type:jsonb"`
	Active         bool       `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Wallet holds the balance for one (user, point category) pair. The balance
// always equals the sum of the wallet's transactions.
type Wallet struct {
	UserID          string `gorm:"primaryKey;size:128"`
	PointCategoryID string `gorm:"primaryKey;size:64"`
	Balance         int64
	UpdatedAt       time.Time
}

// WalletTransaction is one immutable ledger entry.
type WalletTransaction struct {
	ID              string    `gorm:"primaryKey;size:64"`
	UserID          string    `gorm:"size:128;index;index:idx_wallet_tx_user_cat,priority:1"`
	PointCategoryID string    `gorm:"size:64;index:idx_wallet_tx_user_cat,priority:2"`
	Amount          int64
	Type            string    `gorm:"size:16"`
	ReferenceID     string    `gorm:"size:64;index"`
	Timestamp       time.Time `gorm:"index"`
}

// WalletTransfer coordinates a two-sided points move between users.
type WalletTransfer struct {
	ID              string `gorm:"primaryKey;size:64"`
	FromUserID      string `gorm:"size:128;index"`
	ToUserID        string `gorm:"size:128;index"`
	PointCategoryID string `gorm:"size:64"`
	Amount          int64
	Status          string `gorm:"size:16;index"`
	FailureReason   string `gorm:"size:256"`
	Timestamp       time.Time
}

// RewardHistory records every reward materialization, including failures and
// bookkeeping entries for events that matched no rule.
type RewardHistory struct {
	ID             string    `gorm:"primaryKey;size:64"`
	UserID         string    `gorm:"size:128;index:idx_history_user_awarded,priority:1;index:idx_history_user_type,priority:1"`
	RewardType     string    `gorm:"size:32;index:idx_history_user_type,priority:2"`
	RewardID       string    `gorm:"size:128"`
	PointsAmount   *int64
	PointCategory  string    `gorm:"size:64"`
	TriggerEventID string    `gorm:"size:64;index"`
	AwardedAt      time.Time `gorm:"index:idx_history_user_awarded,priority:2"`
	Success        bool
	Message        string  `gorm:"size:512"`
	Details        JSONMap `gorm:"type:jsonb"`
}

// UserState is the denormalized per-user projection maintained by the reward
// executor. It can always be rebuilt from the wallet ledger and the reward
// history.
type UserState struct {
	UserID           string     `gorm:"primaryKey;size:128"`
	PointsByCategory Int64Map   `gorm:"type:jsonb"`
	BadgeIDs         StringList `gorm:"type:jsonb"`
	TrophyIDs        StringList `gorm:"type:jsonb"`
	LevelsByCategory StringMap  `gorm:"type:jsonb"`
	UpdatedAt        time.Time
}

// AutoMigrate performs all schema migrations for the engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&EventDefinition{},
		&PointCategory{},
		&Badge{},
		&Trophy{},
		&Level{},
		&Rule{},
		&Wallet{},
		&WalletTransaction{},
		&WalletTransfer{},
		&RewardHistory{},
		&UserState{},
	)
}
