package handlers

import (
	"net/http"

	mw "github.com/fernwood/billingcore/internal/app/api/middleware"
	subsvc "github.com/fernwood/billingcore/internal/app/service/subscription"
	"github.com/fernwood/billingcore/pkg/response"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/gin-gonic/gin"
)

// @Summary      Get subscription
// @Description  Returns the caller's subscription entitlement; overdue subscriptions expire on this read.
// @Tags         Subscription
// @Produce      json
// @Success      200  {object}  response.APIResponse[types.UserSubscriptionInfo]
// @Router       /api/v1/subscription [get]
func ApiGetSubscription(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := svc.Evaluate(c.Request.Context(), mw.UserID(c))
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		info := &types.UserSubscriptionInfo{Status: string(types.SubscriptionStatusCanceled)}
		if sub != nil {
			info.Status = string(sub.Status)
			info.PeriodEnd = sub.PeriodEnd
			info.IsLifetime = sub.IsLifetime()
		}
		c.JSON(http.StatusOK, response.OKT(info))
	}
}

// @Summary      Cancel subscription
// @Description  Cancels the caller's subscription immediately. No-op without one.
// @Tags         Subscription
// @Produce      json
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/subscription/cancel [post]
func ApiCancelSubscription(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := svc.Cancel(c.Request.Context(), mw.UserID(c), types.SubscriptionChangeReasonCancel)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, svc *subsvc.Service) {
	r.GET("", ApiGetSubscription(svc))
	r.POST("/cancel", ApiCancelSubscription(svc))
}
