package handlers

import (
	"errors"
	"net/http"

	mw "github.com/fernwood/billingcore/internal/app/api/middleware"
	"github.com/fernwood/billingcore/internal/app/service/metering"
	"github.com/fernwood/billingcore/pkg/response"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

type AdmitGenerationRequest struct {
	Feature        string         `json:"feature"`
	EstimatedCost  int64          `json:"estimated_cost"`
	RequestPayload datatypes.JSON `json:"request_payload"`
}

// @Summary      Admit generation call
// @Description  Gates a metered call on subscription entitlement or credit balance and opens a call log row.
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        request body handlers.AdmitGenerationRequest true "Admission request"
// @Success      200  {object}  response.APIResponse[models.GenerationCallLog]
// @Router       /api/v1/generation/admit [post]
func ApiAdmitGeneration(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdmitGenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		row, err := svc.Admit(c.Request.Context(), &metering.AdmitRequest{
			UserID:         mw.UserID(c),
			Feature:        req.Feature,
			EstimatedCost:  req.EstimatedCost,
			RequestPayload: req.RequestPayload,
		})
		if err != nil {
			if errors.Is(err, metering.ErrInsufficientCredits) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(row))
	}
}

type StartGenerationRequest struct {
	CallID   string `json:"call_id"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	TaskID   string `json:"task_id"`
}

// @Summary      Start generation call
// @Description  Marks an admitted call as processing.
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        request body handlers.StartGenerationRequest true "Start request"
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/generation/start [post]
func ApiStartGeneration(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartGenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := authorizeCall(c, svc, req.CallID); err != nil {
			return
		}
		if err := svc.Start(c.Request.Context(), req.CallID, req.Provider, req.Model, req.TaskID); err != nil {
			writeMeteringError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

type CompleteGenerationRequest struct {
	CallID          string         `json:"call_id"`
	ActualCost      *int64         `json:"actual_cost"`
	ResponsePayload datatypes.JSON `json:"response_payload"`
}

// @Summary      Complete generation call
// @Description  Finishes a processing call and debits the actual cost.
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        request body handlers.CompleteGenerationRequest true "Completion request"
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/generation/complete [post]
func ApiCompleteGeneration(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CompleteGenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := authorizeCall(c, svc, req.CallID); err != nil {
			return
		}
		err := svc.Complete(c.Request.Context(), &metering.CompleteRequest{
			CallID:          req.CallID,
			ActualCost:      req.ActualCost,
			ResponsePayload: req.ResponsePayload,
		})
		if err != nil {
			writeMeteringError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

type FailGenerationRequest struct {
	CallID        string `json:"call_id"`
	FailureReason string `json:"failure_reason"`
}

// @Summary      Fail generation call
// @Description  Finishes a pending or processing call as failed.
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        request body handlers.FailGenerationRequest true "Failure request"
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/generation/fail [post]
func ApiFailGeneration(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FailGenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := authorizeCall(c, svc, req.CallID); err != nil {
			return
		}
		if err := svc.Fail(c.Request.Context(), req.CallID, req.FailureReason); err != nil {
			writeMeteringError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

type ListGenerationCallsRequest struct {
	Feature   string                     `json:"feature"`
	Status    types.GenerationCallStatus `json:"status"`
	Page      int                        `json:"page"`
	Limit     int                        `json:"limit"`
	SortOrder string                     `json:"sort_order"`
}

// @Summary      List generation calls
// @Description  Returns the caller's generation call history.
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        request body handlers.ListGenerationCallsRequest true "Pagination and filters"
// @Success      200  {object}  response.APIResponse[metering.ListCallsResponse]
// @Router       /api/v1/generation/calls [post]
func ApiListGenerationCalls(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListGenerationCallsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ListCalls(c.Request.Context(), &metering.ListCallsRequest{
			UserID:    mw.UserID(c),
			Feature:   req.Feature,
			Status:    req.Status,
			Page:      req.Page,
			Limit:     req.Limit,
			SortOrder: req.SortOrder,
		})
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Get generation call
// @Description  Returns a single generation call owned by the caller.
// @Tags         Generation
// @Produce      json
// @Param        id path string true "Call ID"
// @Success      200  {object}  response.APIResponse[models.GenerationCallLog]
// @Router       /api/v1/generation/calls/{id} [get]
func ApiGetGenerationCall(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		row, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeMeteringError(c, err)
			return
		}
		if !mw.IsAdmin(c) && row.UserID != mw.UserID(c) {
			c.JSON(http.StatusForbidden, response.ErrorT[any](response.APIResponseCodeBadRequest, "call belongs to another user"))
			return
		}
		c.JSON(http.StatusOK, response.OKT(row))
	}
}

// authorizeCall rejects transitions on calls the session does not own. Admins
// may transition any call.
func authorizeCall(c *gin.Context, svc *metering.Service, callID string) error {
	if mw.IsAdmin(c) {
		return nil
	}
	row, err := svc.Get(c.Request.Context(), callID)
	if err != nil {
		writeMeteringError(c, err)
		return err
	}
	if row.UserID != mw.UserID(c) {
		err := errors.New("call belongs to another user")
		c.JSON(http.StatusForbidden, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
		return err
	}
	return nil
}

func writeMeteringError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, metering.ErrCallNotFound),
		errors.Is(err, metering.ErrInvalidTransition):
		c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
	default:
		c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
	}
}

func RegisterGenerationRoutes(r gin.IRouter, svc *metering.Service) {
	r.POST("/admit", ApiAdmitGeneration(svc))
	r.POST("/start", ApiStartGeneration(svc))
	r.POST("/complete", ApiCompleteGeneration(svc))
	r.POST("/fail", ApiFailGeneration(svc))
	r.POST("/calls", ApiListGenerationCalls(svc))
	r.GET("/calls/:id", ApiGetGenerationCall(svc))
}
