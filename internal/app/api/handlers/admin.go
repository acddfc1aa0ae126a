package handlers

import (
	"net/http"

	mw "github.com/fernwood/billingcore/internal/app/api/middleware"
	"github.com/fernwood/billingcore/internal/app/service/ledger"
	"github.com/fernwood/billingcore/internal/app/service/metering"
	"github.com/fernwood/billingcore/internal/app/service/statistics"
	subsvc "github.com/fernwood/billingcore/internal/app/service/subscription"
	"github.com/fernwood/billingcore/internal/app/service/webhook"
	"github.com/fernwood/billingcore/pkg/response"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

// @Summary      Gift subscription (Admin)
// @Description  Grants a catalog subscription item to a user for free.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/admin/gift_subscription [post]
func ApiGiftSubscription(sub *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID        string `json:"user_id"`
			PaymentItemID string `json:"payment_item_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" || req.PaymentItemID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id or payment_item_id"))
			return
		}
		if err := sub.GiftSubscription(c.Request.Context(), req.UserID, req.PaymentItemID, mw.UserID(c)); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

type AdminCreditChangeRequest struct {
	UserID string `json:"user_id"`
	// Amount is positive for grants; Adjust accepts any non-zero delta.
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// @Summary      Grant credits (Admin)
// @Description  Appends a manual credit grant to a user's ledger.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body handlers.AdminCreditChangeRequest true "Grant request"
// @Success      200  {object}  response.APIResponse[models.CreditTransaction]
// @Router       /api/v1/admin/credit/grant [post]
func ApiAdminGrantCredits(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdminCreditChangeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		txn, err := svc.Grant(c.Request.Context(), req.UserID, req.Amount, types.CreditChangeReasonGift, datatypes.JSONMap{
			"operator_id": mw.UserID(c),
			"note":        req.Note,
		})
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(txn))
	}
}

// @Summary      Adjust credits (Admin)
// @Description  Appends a signed correction to a user's ledger.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body handlers.AdminCreditChangeRequest true "Adjustment request"
// @Success      200  {object}  response.APIResponse[models.CreditTransaction]
// @Router       /api/v1/admin/credit/adjust [post]
func ApiAdminAdjustCredits(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdminCreditChangeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		txn, err := svc.Adjust(c.Request.Context(), req.UserID, req.Amount, types.CreditChangeReasonCorrection, datatypes.JSONMap{
			"operator_id": mw.UserID(c),
			"note":        req.Note,
		})
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(txn))
	}
}

// @Summary      List credit transactions (Admin)
// @Description  Lists any user's ledger entries with filters.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ledger.ListTransactionsRequest true "List request"
// @Success      200  {object}  response.APIResponse[ledger.ListTransactionsResponse]
// @Router       /api/v1/admin/credit/transactions [post]
func ApiAdminListCreditTransactions(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.ListTransactionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ListTransactions(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      List webhook events (Admin)
// @Description  Lists applied provider event receipts.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body webhook.ListEventsRequest true "List request"
// @Success      200  {object}  response.APIResponse[webhook.ListEventsResponse]
// @Router       /api/v1/admin/webhook/events [post]
func ApiAdminListWebhookEvents(svc *webhook.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req webhook.ListEventsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ListEvents(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      List generation calls (Admin)
// @Description  Lists any user's generation call history.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body metering.ListCallsRequest true "List request"
// @Success      200  {object}  response.APIResponse[metering.ListCallsResponse]
// @Router       /api/v1/admin/generation/calls [post]
func ApiAdminListGenerationCalls(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req metering.ListCallsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ListCalls(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Sweep stuck generation calls (Admin)
// @Description  Runs the stuck-call reconciler once, outside its schedule.
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  response.APIResponse[map[string]int]
// @Router       /api/v1/admin/generation/sweep [post]
func ApiAdminSweepGenerationCalls(w *metering.Sweeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := w.SweepOnce(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(map[string]int{"swept": n}))
	}
}

// @Summary      Billing statistics (Admin)
// @Description  Returns the requested dashboard data series.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body statistics.BillingStatisticRequest true "Statistic request"
// @Success      200  {object}  response.APIResponse[statistics.BillingStatisticResponse]
// @Router       /api/v1/admin/statistics [post]
func ApiAdminBillingStatistics(svc *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.BillingStatisticRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.GetBillingStatistic(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterAdminRoutes(r gin.IRouter, sub *subsvc.Service, lg *ledger.Service, met *metering.Service, sweeper *metering.Sweeper, wh *webhook.Service, stats *statistics.Service) {
	r.POST("/gift_subscription", ApiGiftSubscription(sub))
	r.POST("/credit/grant", ApiAdminGrantCredits(lg))
	r.POST("/credit/adjust", ApiAdminAdjustCredits(lg))
	r.POST("/credit/transactions", ApiAdminListCreditTransactions(lg))
	r.POST("/webhook/events", ApiAdminListWebhookEvents(wh))
	r.POST("/generation/calls", ApiAdminListGenerationCalls(met))
	r.POST("/generation/sweep", ApiAdminSweepGenerationCalls(sweeper))
	r.POST("/statistics", ApiAdminBillingStatistics(stats))
}
