package store

import (
	"context"
	"errors"
	"time"

	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/domain"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrStateConflict        = errors.New("state conflict")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrPromotionIneligible  = errors.New("promotion not eligible")
	ErrPromotionExhausted   = errors.New("promotion usage limit reached")
	ErrItemUnavailable      = errors.New("item not available")
	ErrDuplicate            = errors.New("already exists")
)

type Repository interface {
	ListItems(ctx context.Context) ([]domain.Item, error)
	GetItemByCode(ctx context.Context, code string) (*domain.Item, error)
	CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	UpdateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	GetModifiers(ctx context.Context, ids []string) (map[string]domain.Modifier, error)
	GetModifierGroups(ctx context.Context, ids []string) (map[string]domain.ModifierGroup, error)

	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, locationID string, from time.Time, to time.Time, limit int) ([]domain.Transaction, error)
	AddTransactionLine(ctx context.Context, txID string, line AddLineInput, at time.Time) (*domain.Transaction, string, error)
	RemoveTransactionLine(ctx context.Context, txID string, lineID string, at time.Time) (*domain.Transaction, error)
	SetLineStatus(ctx context.Context, txID string, lineID string, status string, at time.Time) (*domain.Transaction, error)
	ApplyPromotion(ctx context.Context, txID string, code string, at time.Time) (*domain.Transaction, error)
	RemovePromotion(ctx context.Context, txID string, code string, at time.Time) (*domain.Transaction, error)
	AddPayment(ctx context.Context, txID string, payment PaymentInput, at time.Time) (*domain.Transaction, error)
	VoidTransaction(ctx context.Context, txID string, reason string, at time.Time) (*domain.Transaction, error)

	CreatePromotion(ctx context.Context, promo domain.Promotion) (*domain.Promotion, error)
	ListPromotions(ctx context.Context) ([]domain.Promotion, error)
	GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error)
	UpdatePromotionActive(ctx context.Context, code string, active bool) (*domain.Promotion, error)

	RecordMovement(ctx context.Context, movement domain.InventoryMovement) (*domain.InventoryMovement, error)
	ListMovements(ctx context.Context, itemCode string, limit int) ([]domain.InventoryMovement, error)

	ComputeDailySummary(ctx context.Context, locationID string, date string, at time.Time) (*domain.DailySummary, error)
	GetDailySummary(ctx context.Context, locationID string, date string) (*domain.DailySummary, error)
	UpsertDailySummary(ctx context.Context, summary domain.DailySummary) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, locationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AddLineInput carries a resolved line request into the store. Modifier
// selection is validated by the store against the item's groups.
type AddLineInput struct {
	ItemCode    string
	Qty         int
	ModifierIDs []string
}

// PaymentInput carries a tender into the settlement path. FeeCents is
// computed by the service from the configured fee schedule.
type PaymentInput struct {
	Method      string
	AmountCents int64
	FeeCents    int64
	Reference   string
}
