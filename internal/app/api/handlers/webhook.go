package handlers

import (
	"io"
	"net/http"

	"github.com/fernwood/billingcore/internal/app/service/provider"
	"github.com/fernwood/billingcore/internal/app/service/webhook"
	"github.com/fernwood/billingcore/pkg/logctx"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Webhook endpoints speak each provider's acknowledgement dialect, not the
// shared response envelope: the provider's delivery system is the client here.

func readWebhookRequest(c *gin.Context) (*provider.WebhookRequest, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	return &provider.WebhookRequest{Body: body, Header: c.Request.Header}, nil
}

// @Summary      Creem webhook
// @Description  Receives creem payment notifications.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]bool
// @Router       /api/v1/webhook/creem [post]
func ApiCreemWebhook(svc *webhook.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return jsonWebhook(svc, log, types.PaymentProviderCreem)
}

// @Summary      Stripe webhook
// @Description  Receives stripe payment notifications.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]bool
// @Router       /api/v1/webhook/stripe [post]
func ApiStripeWebhook(svc *webhook.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return jsonWebhook(svc, log, types.PaymentProviderStripe)
}

// @Summary      Apple webhook
// @Description  Receives App Store server notifications (signed payload).
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]bool
// @Router       /api/v1/webhook/apple [post]
func ApiAppleWebhook(svc *webhook.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return jsonWebhook(svc, log, types.PaymentProviderApple)
}

// jsonWebhook acknowledges with 200 {"success":true}; verification failure is
// 400 so the provider retries only what might succeed later.
func jsonWebhook(svc *webhook.Service, log *zap.SugaredLogger, p types.PaymentProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := readWebhookRequest(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		res, err := svc.Ingest(c.Request.Context(), p, req)
		if err != nil {
			logctx.FromGin(c, log).Errorw("webhook_ingest_error", "provider", p, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !res.Verified {
			c.JSON(http.StatusBadRequest, gin.H{"error": "verification failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// @Summary      Alipay webhook
// @Description  Receives alipay async notifications (form encoded).
// @Tags         Webhook
// @Accept       x-www-form-urlencoded
// @Produce      plain
// @Success      200  {string}  string  "success"
// @Router       /api/v1/webhook/alipay [post]
func ApiAlipayWebhook(svc *webhook.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	// Alipay's contract: literal "success" stops redelivery, anything else
	// triggers it. Always HTTP 200.
	return func(c *gin.Context) {
		req, err := readWebhookRequest(c)
		if err != nil {
			c.String(http.StatusOK, "fail")
			return
		}
		res, err := svc.Ingest(c.Request.Context(), types.PaymentProviderAlipay, req)
		if err != nil {
			logctx.FromGin(c, log).Errorw("webhook_ingest_error", "provider", types.PaymentProviderAlipay, "err", err)
			c.String(http.StatusOK, "fail")
			return
		}
		if !res.Verified {
			c.String(http.StatusOK, "fail")
			return
		}
		c.String(http.StatusOK, "success")
	}
}

// @Summary      Wechat webhook
// @Description  Receives wechat pay async notifications (XML).
// @Tags         Webhook
// @Accept       xml
// @Produce      xml
// @Success      200  {string}  string  "SUCCESS"
// @Router       /api/v1/webhook/wechat [post]
func ApiWechatWebhook(svc *webhook.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	const (
		ackOK   = `<xml><return_code><![CDATA[SUCCESS]]></return_code><return_msg><![CDATA[OK]]></return_msg></xml>`
		ackFail = `<xml><return_code><![CDATA[FAIL]]></return_code><return_msg><![CDATA[ERROR]]></return_msg></xml>`
	)
	return func(c *gin.Context) {
		req, err := readWebhookRequest(c)
		if err != nil {
			c.Data(http.StatusOK, "application/xml", []byte(ackFail))
			return
		}
		res, err := svc.Ingest(c.Request.Context(), types.PaymentProviderWechat, req)
		if err != nil {
			logctx.FromGin(c, log).Errorw("webhook_ingest_error", "provider", types.PaymentProviderWechat, "err", err)
			c.Data(http.StatusOK, "application/xml", []byte(ackFail))
			return
		}
		if !res.Verified {
			c.Data(http.StatusOK, "application/xml", []byte(ackFail))
			return
		}
		c.Data(http.StatusOK, "application/xml", []byte(ackOK))
	}
}

func RegisterWebhookRoutes(r gin.IRouter, svc *webhook.Service, log *zap.SugaredLogger) {
	r.POST("/creem", ApiCreemWebhook(svc, log))
	r.POST("/stripe", ApiStripeWebhook(svc, log))
	r.POST("/apple", ApiAppleWebhook(svc, log))
	r.POST("/alipay", ApiAlipayWebhook(svc, log))
	r.POST("/wechat", ApiWechatWebhook(svc, log))
}
