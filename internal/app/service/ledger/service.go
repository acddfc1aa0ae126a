package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fernwood/billingcore/internal/models"
	platformdb "github.com/fernwood/billingcore/internal/platform/db"
	"github.com/fernwood/billingcore/pkg/tool"
	"github.com/fernwood/billingcore/pkg/types"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidAmount rejects appends whose sign does not match the
// transaction type.
var ErrInvalidAmount = errors.New("invalid amount")

// Service is the append-only credit ledger. It records signed amounts and
// keeps a cached running balance in the same database transaction as every
// append. It deliberately does not block overdrafts; admission control is
// the caller's job.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Grant appends a positive transaction. amount must be > 0.
func (s *Service) Grant(ctx context.Context, userID string, amount int64, reason types.CreditChangeReason, extra datatypes.JSONMap) (*models.CreditTransaction, error) {
	var row *models.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = s.GrantTx(ctx, tx, userID, amount, reason, extra)
		return err
	})
	return row, err
}

// GrantTx is Grant composed into a caller-owned transaction.
func (s *Service) GrantTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, reason types.CreditChangeReason, extra datatypes.JSONMap) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: grant amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	return s.append(ctx, tx, userID, types.CreditTransactionTypeGrant, amount, reason, extra)
}

// Debit appends a negative transaction. amount is the positive cost to debit.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, reason types.CreditChangeReason, extra datatypes.JSONMap) (*models.CreditTransaction, error) {
	var row *models.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = s.DebitTx(ctx, tx, userID, amount, reason, extra)
		return err
	})
	return row, err
}

// DebitTx is Debit composed into a caller-owned transaction.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, reason types.CreditChangeReason, extra datatypes.JSONMap) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	return s.append(ctx, tx, userID, types.CreditTransactionTypeDebit, -amount, reason, extra)
}

// Adjust appends a signed correction row. delta may be negative or positive.
func (s *Service) Adjust(ctx context.Context, userID string, delta int64, reason types.CreditChangeReason, extra datatypes.JSONMap) (*models.CreditTransaction, error) {
	var row *models.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = s.AdjustTx(ctx, tx, userID, delta, reason, extra)
		return err
	})
	return row, err
}

// AdjustTx is Adjust composed into a caller-owned transaction.
func (s *Service) AdjustTx(ctx context.Context, tx *gorm.DB, userID string, delta int64, reason types.CreditChangeReason, extra datatypes.JSONMap) (*models.CreditTransaction, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment delta must be non-zero", ErrInvalidAmount)
	}
	return s.append(ctx, tx, userID, types.CreditTransactionTypeAdjustment, delta, reason, extra)
}

func (s *Service) append(ctx context.Context, tx *gorm.DB, userID string, txnType types.CreditTransactionType, amount int64, reason types.CreditChangeReason, extra datatypes.JSONMap) (*models.CreditTransaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is empty")
	}
	if extra == nil {
		extra = datatypes.JSONMap{}
	}
	row := &models.CreditTransaction{
		ID:     tool.GenerateUUIDV7(),
		UserID: userID,
		Type:   txnType,
		Amount: amount,
		Reason: reason,
		Extra:  extra,
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to append credit transaction: %w", err)
	}

	// Maintain the cached balance inside the same transaction so reads never
	// observe a sum that diverges from the log.
	balance := &models.CreditBalance{UserID: userID, Balance: amount, UpdatedAt: time.Now()}
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"balance":    gorm.Expr("credit_balance.balance + ?", amount),
			"updated_at": time.Now(),
		}),
	}).Create(balance).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update credit balance: %w", err)
	}
	return row, nil
}

// GetBalance returns the cached running balance, recomputing from the log
// when no cache row exists yet.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	return s.balance(ctx, s.db, userID, false)
}

// BalanceForUpdate reads the balance with a row lock inside tx so concurrent
// admission checks serialize per user.
func (s *Service) BalanceForUpdate(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	return s.balance(ctx, tx, userID, true)
}

func (s *Service) balance(ctx context.Context, db *gorm.DB, userID string, forUpdate bool) (int64, error) {
	q := db.WithContext(ctx)
	if forUpdate {
		q = platformdb.LockForUpdate(q)
	}
	var cached models.CreditBalance
	err := q.Where("user_id = ?", userID).First(&cached).Error
	if err == nil {
		return cached.Balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("failed to read credit balance: %w", err)
	}

	var sum int64
	err = db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum credit transactions: %w", err)
	}
	return sum, nil
}

// ListTransactionsRequest filters and paginates the ledger read path.
type ListTransactionsRequest struct {
	UserID    string                      `json:"user_id"`
	Type      types.CreditTransactionType `json:"type"`
	Filters   []*types.CommonFilter       `json:"filters"`
	Page      int                         `json:"page"`
	Limit     int                         `json:"limit"`
	SortBy    string                      `json:"sort_by"`
	SortOrder string                      `json:"sort_order"`
}

type ListTransactionsResponse struct {
	Items []*models.CreditTransaction `json:"items"`
	Total int64                       `json:"total"`
}

// filtersAnd combines multiple CommonFilter into a single clause.Expression.
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

// ListTransactions is a pure query. Sorting always breaks ties by id so pages
// stay stable under concurrent appends.
func (s *Service) ListTransactions(ctx context.Context, req *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.Page <= 0 {
		req.Page = 1
	}

	q := s.db.WithContext(ctx).Model(&models.CreditTransaction{})
	if req.UserID != "" {
		q = q.Where("user_id = ?", req.UserID)
	}
	if req.Type != "" {
		q = q.Where("type = ?", req.Type)
	}
	if len(req.Filters) > 0 {
		q = q.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count credit transactions: %w", err)
	}

	// SortBy comes from the request body; anything outside the whitelist
	// falls back to created_at instead of reaching the database.
	sortBy := "created_at"
	switch req.SortBy {
	case "created_at", "amount", "id":
		sortBy = req.SortBy
	}
	desc := req.SortOrder != "asc"

	var rows []*models.CreditTransaction
	err := q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: sortBy}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: desc},
	}}).
		Offset((req.Page - 1) * req.Limit).
		Limit(req.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}

	return &ListTransactionsResponse{Items: rows, Total: total}, nil
}
