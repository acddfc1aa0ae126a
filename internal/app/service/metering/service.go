package metering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fernwood/billingcore/internal/app/service/ledger"
	"github.com/fernwood/billingcore/internal/app/service/subscription"
	"github.com/fernwood/billingcore/internal/models"
	platformdb "github.com/fernwood/billingcore/internal/platform/db"
	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/logctx"
	"github.com/fernwood/billingcore/pkg/tool"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientCredits means the balance cannot cover the estimated cost.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidTransition means the call log row is already terminal or the
	// requested transition does not follow pending -> processing -> terminal.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCallNotFound means no call log row exists for the id.
	ErrCallNotFound = errors.New("generation call not found")
)

// Service meters generation calls against the credit ledger. Admission checks
// the balance (or a subscription entitlement), completion debits the actual
// cost, and every invocation leaves a call log row.
type Service struct {
	cfg       *config.Config
	db        *gorm.DB
	log       *zap.SugaredLogger
	ledgerSvc *ledger.Service
	subSvc    *subscription.Service
	now       func() time.Time
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, ledgerSvc *ledger.Service, subSvc *subscription.Service) *Service {
	return &Service{cfg: cfg, db: db, log: log, ledgerSvc: ledgerSvc, subSvc: subSvc, now: time.Now}
}

type AdmitRequest struct {
	UserID         string         `json:"user_id"`
	Feature        string         `json:"feature"`
	EstimatedCost  int64          `json:"estimated_cost"`
	RequestPayload datatypes.JSON `json:"request_payload"`
}

// Admit gates a metered call. An active subscription bypasses the balance
// check; otherwise the balance must cover the estimated cost, read under a
// row lock so concurrent admissions serialize per user. No row is created
// when admission fails.
func (s *Service) Admit(ctx context.Context, req *AdmitRequest) (*models.GenerationCallLog, error) {
	if req == nil || req.UserID == "" || req.Feature == "" {
		return nil, fmt.Errorf("invalid admit request")
	}
	if req.EstimatedCost < 0 {
		return nil, fmt.Errorf("estimated cost must not be negative")
	}

	// Evaluate is a side-effecting read (lazy expiry); keep it outside the
	// admission transaction.
	sub, err := s.subSvc.Evaluate(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate subscription: %w", err)
	}
	entitled := sub != nil

	var row *models.GenerationCallLog
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !entitled && req.EstimatedCost > 0 {
			balance, err := s.ledgerSvc.BalanceForUpdate(ctx, tx, req.UserID)
			if err != nil {
				return err
			}
			if balance < req.EstimatedCost {
				return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, balance, req.EstimatedCost)
			}
		}

		row = &models.GenerationCallLog{
			ID:             tool.GenerateUUIDV7(),
			UserID:         req.UserID,
			Feature:        req.Feature,
			Status:         types.GenerationCallStatusPending,
			EstimatedCost:  req.EstimatedCost,
			RequestPayload: req.RequestPayload,
		}
		return tx.WithContext(ctx).Create(row).Error
	})
	if err != nil {
		return nil, err
	}

	logctx.FromCtx(ctx, s.log).Infow("generation_admitted",
		"call_id", row.ID, "user_id", req.UserID, "feature", req.Feature,
		"estimated_cost", req.EstimatedCost, "entitled", entitled)
	return row, nil
}

// Start moves a pending call to processing and records where the work was
// dispatched.
func (s *Service) Start(ctx context.Context, callID, provider, model, taskID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockCall(ctx, tx, callID)
		if err != nil {
			return err
		}
		if row.Status != types.GenerationCallStatusPending {
			return fmt.Errorf("%w: %s -> processing", ErrInvalidTransition, row.Status)
		}
		row.Status = types.GenerationCallStatusProcessing
		row.Provider = provider
		row.Model = model
		row.TaskID = taskID
		return tx.WithContext(ctx).Save(row).Error
	})
}

type CompleteRequest struct {
	CallID string `json:"call_id"`
	// ActualCost overrides the estimate when the downstream charge differs;
	// nil means the estimate was exact.
	ActualCost      *int64         `json:"actual_cost"`
	ResponsePayload datatypes.JSON `json:"response_payload"`
}

// Complete finishes a processing call and debits the actual cost in the same
// transaction, linking the ledger row to the call log.
func (s *Service) Complete(ctx context.Context, req *CompleteRequest) error {
	if req == nil || req.CallID == "" {
		return fmt.Errorf("invalid complete request")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockCall(ctx, tx, req.CallID)
		if err != nil {
			return err
		}
		if row.Status != types.GenerationCallStatusProcessing {
			return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, row.Status)
		}

		cost := row.EstimatedCost
		if req.ActualCost != nil {
			cost = *req.ActualCost
		}
		if cost > 0 {
			txn, err := s.ledgerSvc.DebitTx(ctx, tx, row.UserID, cost, types.CreditChangeReasonGeneration, datatypes.JSONMap{
				"generation_call_id": row.ID,
				"feature":            row.Feature,
			})
			if err != nil {
				return err
			}
			row.CreditTransactionID = lo.ToPtr(txn.ID)
		}

		row.Status = types.GenerationCallStatusCompleted
		row.Success = lo.ToPtr(true)
		row.ActualCost = lo.ToPtr(cost)
		if len(req.ResponsePayload) > 0 {
			row.ResponsePayload = &req.ResponsePayload
		}
		return tx.WithContext(ctx).Save(row).Error
	})
}

// Fail finishes a pending or processing call as failed. Whether failures are
// charged is a policy knob; by default they are free.
func (s *Service) Fail(ctx context.Context, callID, failureReason string) error {
	if callID == "" {
		return fmt.Errorf("invalid call id")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockCall(ctx, tx, callID)
		if err != nil {
			return err
		}
		if row.Status.Terminal() {
			return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, row.Status)
		}

		cost := s.failureCharge(row.EstimatedCost)
		if cost > 0 {
			txn, err := s.ledgerSvc.DebitTx(ctx, tx, row.UserID, cost, types.CreditChangeReasonGeneration, datatypes.JSONMap{
				"generation_call_id": row.ID,
				"feature":            row.Feature,
				"failed":             true,
			})
			if err != nil {
				return err
			}
			row.CreditTransactionID = lo.ToPtr(txn.ID)
		}

		row.Status = types.GenerationCallStatusFailed
		row.Success = lo.ToPtr(false)
		row.FailureReason = failureReason
		row.ActualCost = lo.ToPtr(cost)
		return tx.WithContext(ctx).Save(row).Error
	})
}

func (s *Service) failureCharge(estimated int64) int64 {
	ratio := s.cfg.Metering.FailedChargeRatio
	if ratio <= 0 || estimated <= 0 {
		return 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return int64(math.Ceil(float64(estimated) * ratio))
}

// Get returns a single call log row.
func (s *Service) Get(ctx context.Context, callID string) (*models.GenerationCallLog, error) {
	var row models.GenerationCallLog
	err := s.db.WithContext(ctx).Where("id = ?", callID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) lockCall(ctx context.Context, tx *gorm.DB, callID string) (*models.GenerationCallLog, error) {
	var row models.GenerationCallLog
	err := platformdb.LockForUpdate(tx.WithContext(ctx)).
		Where("id = ?", callID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return &row, nil
}

type ListCallsRequest struct {
	UserID    string                     `json:"user_id"`
	Feature   string                     `json:"feature"`
	Status    types.GenerationCallStatus `json:"status"`
	Page      int                        `json:"page"`
	Limit     int                        `json:"limit"`
	SortOrder string                     `json:"sort_order"`
}

type ListCallsResponse struct {
	Items []*models.GenerationCallLog `json:"items"`
	Total int64                       `json:"total"`
}

// ListCalls is a pure query over the call log.
func (s *Service) ListCalls(ctx context.Context, req *ListCallsRequest) (*ListCallsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.Page <= 0 {
		req.Page = 1
	}

	q := s.db.WithContext(ctx).Model(&models.GenerationCallLog{})
	if req.UserID != "" {
		q = q.Where("user_id = ?", req.UserID)
	}
	if req.Feature != "" {
		q = q.Where("feature = ?", req.Feature)
	}
	if req.Status != "" {
		q = q.Where("status = ?", req.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count generation calls: %w", err)
	}

	desc := req.SortOrder != "asc"
	var rows []*models.GenerationCallLog
	err := q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "created_at"}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: desc},
	}}).
		Offset((req.Page - 1) * req.Limit).
		Limit(req.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list generation calls: %w", err)
	}
	return &ListCallsResponse{Items: rows, Total: total}, nil
}
