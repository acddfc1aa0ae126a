package handlers

import (
	"errors"
	"net/http"

	"github.com/fernwood/billingcore/internal/app/service/provider"
	"github.com/fernwood/billingcore/pkg/response"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/gin-gonic/gin"
)

// @Summary      Query order status
// @Description  Polls the payment provider for the current settlement state of an order.
// @Tags         Order
// @Produce      json
// @Param        provider  query  string  true  "payment provider"
// @Param        order_id  query  string  true  "provider order id"
// @Success      200  {object}  response.APIResponse[provider.OrderStatus]
// @Router       /api/v1/order/status [get]
func ApiQueryOrderStatus(registry *provider.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerID := types.PaymentProvider(c.Query("provider"))
		orderID := c.Query("order_id")
		if providerID == "" || orderID == "" {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, "provider and order_id are required"))
			return
		}

		adapter, err := registry.Get(providerID)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}

		status, err := adapter.QueryOrder(c.Request.Context(), orderID)
		if err != nil {
			if errors.Is(err, provider.ErrOrderNotFound) {
				c.JSON(http.StatusNotFound, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(status))
	}
}

func RegisterOrderRoutes(r gin.IRouter, registry *provider.Registry) {
	r.GET("/status", ApiQueryOrderStatus(registry))
}
