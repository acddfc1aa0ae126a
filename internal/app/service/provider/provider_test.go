package provider

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func hmacHex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestRegistryGet(t *testing.T) {
	cfg := &config.Config{}
	r := NewRegistry(cfg, zap.NewNop().Sugar())

	for _, name := range []types.PaymentProvider{
		types.PaymentProviderCreem, types.PaymentProviderStripe,
		types.PaymentProviderAlipay, types.PaymentProviderWechat,
	} {
		a, err := r.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.Name())
	}

	_, err := r.Get("paypal")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	// Apple stays unregistered without credentials.
	_, err = r.Get(types.PaymentProviderApple)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestCreemWebhookVerification(t *testing.T) {
	a := NewCreemAdapter(config.CreemConfig{WebhookSecret: "secret"}, nil)
	ctx := context.Background()

	body := []byte(`{
		"id": "evt_1",
		"eventType": "checkout.completed",
		"object": {
			"order": {"id": "ord_1"},
			"product": {"id": "prod_1"},
			"amount": 1500,
			"currency": "EUR",
			"customer": {"id": "cust_1"},
			"metadata": {"user_id": "u1"}
		}
	}`)

	header := http.Header{}
	header.Set("creem-signature", hmacHex(body, "secret"))
	res, err := a.HandleWebhook(ctx, &WebhookRequest{Body: body, Header: header})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	require.NotNil(t, res.Event)
	assert.Equal(t, "ord_1", res.Event.OrderID)
	assert.Equal(t, types.WebhookEventTypePaymentSucceeded, res.Event.Type)
	assert.Equal(t, "prod_1", res.Event.ProviderItemID)
	assert.Equal(t, int64(1500), res.Event.Amount)
	assert.Equal(t, "u1", res.Event.UserID)

	// Wrong signature is a negative result, not an error.
	header.Set("creem-signature", hmacHex(body, "other"))
	res, err = a.HandleWebhook(ctx, &WebhookRequest{Body: body, Header: header})
	require.NoError(t, err)
	assert.False(t, res.Verified)

	// Missing header likewise.
	res, err = a.HandleWebhook(ctx, &WebhookRequest{Body: body, Header: http.Header{}})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestCreemIrrelevantEventAcknowledged(t *testing.T) {
	a := NewCreemAdapter(config.CreemConfig{WebhookSecret: "secret"}, nil)

	body := []byte(`{"id": "evt_1", "eventType": "subscription.paused", "object": {}}`)
	header := http.Header{}
	header.Set("creem-signature", hmacHex(body, "secret"))

	res, err := a.HandleWebhook(context.Background(), &WebhookRequest{Body: body, Header: header})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Nil(t, res.Event)
}

func TestStripeWebhookVerification(t *testing.T) {
	a := NewStripeAdapter(config.StripeConfig{WebhookSecret: "whsec"}, nil)
	now := time.Now()
	a.now = func() time.Time { return now }
	ctx := context.Background()

	body := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"amount_total": 2000,
			"currency": "usd",
			"customer": "cus_1",
			"metadata": {"user_id": "u1", "item_id": "prod_1"}
		}}
	}`)
	ts := fmt.Sprintf("%d", now.Unix())
	sig := hmacHex(append([]byte(ts+"."), body...), "whsec")

	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, sig))
	res, err := a.HandleWebhook(ctx, &WebhookRequest{Body: body, Header: header})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	require.NotNil(t, res.Event)
	assert.Equal(t, "cs_1", res.Event.OrderID)
	assert.Equal(t, "USD", res.Event.Currency)
	assert.Equal(t, "prod_1", res.Event.ProviderItemID)
	assert.Equal(t, "u1", res.Event.UserID)

	// Bad v1 signature.
	header.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, hmacHex(body, "whsec")))
	res, err = a.HandleWebhook(ctx, &WebhookRequest{Body: body, Header: header})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestStripeWebhookRejectsStaleTimestamp(t *testing.T) {
	a := NewStripeAdapter(config.StripeConfig{WebhookSecret: "whsec"}, nil)
	now := time.Now()
	a.now = func() time.Time { return now }

	body := []byte(`{"type": "checkout.session.completed", "data": {"object": {}}}`)
	ts := fmt.Sprintf("%d", now.Add(-10*time.Minute).Unix())
	sig := hmacHex(append([]byte(ts+"."), body...), "whsec")

	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, sig))
	res, err := a.HandleWebhook(context.Background(), &WebhookRequest{Body: body, Header: header})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestWechatWebhookVerification(t *testing.T) {
	a := NewWechatAdapter(config.WechatConfig{APIKey: "wxkey"}, nil)
	ctx := context.Background()

	params := map[string]string{
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"out_trade_no":   "ord_1",
		"transaction_id": "wx_1",
		"total_fee":      "990",
		"fee_type":       "CNY",
		"openid":         "openid_1",
		"attach":         "u1",
		"body":           "prod_1",
	}
	params["sign"] = a.signMD5(params)
	body := buildXMLMap(params)

	res, err := a.HandleWebhook(ctx, &WebhookRequest{Body: body, Header: http.Header{}})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	require.NotNil(t, res.Event)
	assert.Equal(t, "ord_1", res.Event.OrderID)
	assert.Equal(t, types.WebhookEventTypePaymentSucceeded, res.Event.Type)
	assert.Equal(t, int64(990), res.Event.Amount)
	assert.Equal(t, "u1", res.Event.UserID)

	// Tampering with a field breaks the MD5 sign.
	params["total_fee"] = "1"
	res, err = a.HandleWebhook(ctx, &WebhookRequest{Body: buildXMLMap(params), Header: http.Header{}})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestWechatRefundNotification(t *testing.T) {
	a := NewWechatAdapter(config.WechatConfig{APIKey: "wxkey"}, nil)

	params := map[string]string{
		"return_code":   "SUCCESS",
		"out_trade_no":  "ord_1",
		"refund_status": "SUCCESS",
		"total_fee":     "990",
		"refund_fee":    "990",
	}
	params["sign"] = a.signMD5(params)

	res, err := a.HandleWebhook(context.Background(), &WebhookRequest{Body: buildXMLMap(params), Header: http.Header{}})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	require.NotNil(t, res.Event)
	assert.Equal(t, types.WebhookEventTypeRefund, res.Event.Type)
	assert.Equal(t, int64(990), res.Event.Amount)
}

func TestWechatMalformedBody(t *testing.T) {
	a := NewWechatAdapter(config.WechatConfig{APIKey: "wxkey"}, nil)
	res, err := a.HandleWebhook(context.Background(), &WebhookRequest{Body: []byte("not xml"), Header: http.Header{}})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestAlipayWebhookVerification(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	a := NewAlipayAdapter(config.AlipayConfig{PublicKeyPEM: string(pubPEM)}, nil)
	ctx := context.Background()

	form := url.Values{}
	form.Set("notify_id", "n_1")
	form.Set("out_trade_no", "ord_1")
	form.Set("trade_status", "TRADE_SUCCESS")
	form.Set("total_amount", "9.90")
	form.Set("subject", "prod_1")
	form.Set("buyer_id", "buyer_1")
	form.Set("passback_params", "u1")
	form.Set("sign_type", "RSA2")

	digest := sha256.Sum256([]byte(signContent(form)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	form.Set("sign", base64.StdEncoding.EncodeToString(sig))

	res, err := a.HandleWebhook(ctx, &WebhookRequest{Body: []byte(form.Encode()), Header: http.Header{}})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	require.NotNil(t, res.Event)
	assert.Equal(t, "ord_1", res.Event.OrderID)
	assert.Equal(t, types.WebhookEventTypePaymentSucceeded, res.Event.Type)
	assert.Equal(t, int64(990), res.Event.Amount)
	assert.Equal(t, "u1", res.Event.UserID)

	// Tampered amount fails verification.
	form.Set("total_amount", "0.01")
	res, err = a.HandleWebhook(ctx, &WebhookRequest{Body: []byte(form.Encode()), Header: http.Header{}})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestAlipayRefundNotification(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	a := NewAlipayAdapter(config.AlipayConfig{PublicKeyPEM: string(pubPEM)}, nil)

	form := url.Values{}
	form.Set("out_trade_no", "ord_1")
	form.Set("trade_status", "TRADE_SUCCESS")
	form.Set("total_amount", "9.90")
	form.Set("refund_fee", "9.90")
	form.Set("sign_type", "RSA2")

	digest := sha256.Sum256([]byte(signContent(form)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	form.Set("sign", base64.StdEncoding.EncodeToString(sig))

	res, err := a.HandleWebhook(context.Background(), &WebhookRequest{Body: []byte(form.Encode()), Header: http.Header{}})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	require.NotNil(t, res.Event)
	assert.Equal(t, types.WebhookEventTypeRefund, res.Event.Type)
	assert.Equal(t, int64(990), res.Event.Amount)
}

func TestYuanToCents(t *testing.T) {
	assert.Equal(t, int64(990), yuanToCents("9.90"))
	assert.Equal(t, int64(1), yuanToCents("0.01"))
	assert.Equal(t, int64(0), yuanToCents(""))
	assert.Equal(t, int64(0), yuanToCents("abc"))
}

func TestAlipayEmptyBodyRejected(t *testing.T) {
	a := NewAlipayAdapter(config.AlipayConfig{}, nil)
	res, err := a.HandleWebhook(context.Background(), &WebhookRequest{Body: nil, Header: http.Header{}})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestParseXMLMapRoundTrip(t *testing.T) {
	params := map[string]string{"a": "1", "b": "x & y", "c": ""}
	parsed, err := parseXMLMap(buildXMLMap(params))
	require.NoError(t, err)
	assert.Equal(t, "1", parsed["a"])
	assert.Equal(t, "x & y", parsed["b"])
}
