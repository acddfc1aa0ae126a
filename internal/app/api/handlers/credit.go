package handlers

import (
	"net/http"

	mw "github.com/fernwood/billingcore/internal/app/api/middleware"
	"github.com/fernwood/billingcore/internal/app/service/ledger"
	"github.com/fernwood/billingcore/pkg/response"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/gin-gonic/gin"
)

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// @Summary      Get credit balance
// @Description  Returns the caller's current credit balance.
// @Tags         Credit
// @Produce      json
// @Success      200  {object}  response.APIResponse[handlers.BalanceResponse]
// @Router       /api/v1/credit/balance [get]
func ApiGetBalance(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := mw.UserID(c)
		balance, err := svc.GetBalance(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&BalanceResponse{UserID: userID, Balance: balance}))
	}
}

type ListCreditTransactionsRequest struct {
	Type      types.CreditTransactionType `json:"type"`
	Filters   []*types.CommonFilter       `json:"filters"`
	Page      int                         `json:"page"`
	Limit     int                         `json:"limit"`
	SortBy    string                      `json:"sort_by"`
	SortOrder string                      `json:"sort_order"`
}

// @Summary      List credit transactions
// @Description  Returns the caller's ledger entries, newest first.
// @Tags         Credit
// @Accept       json
// @Produce      json
// @Param        request body handlers.ListCreditTransactionsRequest true "Pagination and filters"
// @Success      200  {object}  response.APIResponse[ledger.ListTransactionsResponse]
// @Router       /api/v1/credit/transactions [post]
func ApiListCreditTransactions(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListCreditTransactionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ListTransactions(c.Request.Context(), &ledger.ListTransactionsRequest{
			UserID:    mw.UserID(c),
			Type:      req.Type,
			Filters:   req.Filters,
			Page:      req.Page,
			Limit:     req.Limit,
			SortBy:    req.SortBy,
			SortOrder: req.SortOrder,
		})
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterCreditRoutes(r gin.IRouter, svc *ledger.Service) {
	r.GET("/balance", ApiGetBalance(svc))
	r.POST("/transactions", ApiListCreditTransactions(svc))
}
