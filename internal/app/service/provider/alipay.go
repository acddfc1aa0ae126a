package provider

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/types"
)

// AlipayAdapter handles form-encoded async notifications. The signature lives
// inside the body (sign/sign_type fields) and covers the remaining parameters
// sorted by key, so the raw body must be preserved byte-for-byte upstream.
type AlipayAdapter struct {
	cfg   config.AlipayConfig
	httpc *http.Client
}

func NewAlipayAdapter(cfg config.AlipayConfig, httpc *http.Client) *AlipayAdapter {
	return &AlipayAdapter{cfg: cfg, httpc: httpc}
}

func (a *AlipayAdapter) Name() types.PaymentProvider { return types.PaymentProviderAlipay }

func (a *AlipayAdapter) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookResult, error) {
	if len(req.Body) == 0 {
		return &WebhookResult{Verified: false}, nil
	}
	params, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return &WebhookResult{Verified: false}, nil
	}

	sign := params.Get("sign")
	if sign == "" || params.Get("sign_type") != "RSA2" {
		return &WebhookResult{Verified: false}, nil
	}
	if !a.verifyRSA2(signContent(params), sign) {
		return &WebhookResult{Verified: false}, nil
	}

	var eventType types.WebhookEventType
	switch params.Get("trade_status") {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		eventType = types.WebhookEventTypePaymentSucceeded
	case "TRADE_CLOSED":
		eventType = types.WebhookEventTypePaymentFailed
	default:
		return &WebhookResult{Verified: true}, nil
	}
	// A refund notification reuses TRADE_SUCCESS/TRADE_CLOSED with a
	// refund_fee field; the refund amount supersedes the trade amount.
	amount := yuanToCents(params.Get("total_amount"))
	if rf := params.Get("refund_fee"); rf != "" {
		eventType = types.WebhookEventTypeRefund
		amount = yuanToCents(rf)
	}

	occurredAt := time.Now()
	if ts := params.Get("notify_time"); ts != "" {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", ts, time.Local); err == nil {
			occurredAt = t
		}
	}

	return &WebhookResult{
		Verified: true,
		Event: &Event{
			Provider:       types.PaymentProviderAlipay,
			EventID:        params.Get("notify_id"),
			OrderID:        params.Get("out_trade_no"),
			Type:           eventType,
			ProviderItemID: params.Get("subject"),
			Amount:         amount,
			Currency:       "CNY",
			PayerID:        params.Get("buyer_id"),
			UserID:         params.Get("passback_params"),
			OccurredAt:     occurredAt,
		},
	}, nil
}

type alipayQueryEnvelope struct {
	Response struct {
		Code        string `json:"code"`
		SubCode     string `json:"sub_code"`
		TradeStatus string `json:"trade_status"`
		OutTradeNo  string `json:"out_trade_no"`
		TotalAmount string `json:"total_amount"`
	} `json:"alipay_trade_query_response"`
}

func (a *AlipayAdapter) QueryOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	biz, _ := json.Marshal(map[string]string{"out_trade_no": orderID})
	form := url.Values{}
	form.Set("app_id", a.cfg.AppID)
	form.Set("method", "alipay.trade.query")
	form.Set("charset", "utf-8")
	form.Set("sign_type", "RSA2")
	form.Set("timestamp", time.Now().Format("2006-01-02 15:04:05"))
	form.Set("version", "1.0")
	form.Set("biz_content", string(biz))
	if sig, err := a.signRSA2(signContent(form)); err == nil {
		form.Set("sign", sig)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Gateway, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var envelope alipayQueryEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	r := envelope.Response
	if r.Code != "10000" {
		if r.SubCode == "ACQ.TRADE_NOT_EXIST" {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("%w: code %s sub_code %s", ErrProviderUnavailable, r.Code, r.SubCode)
	}

	state := OrderStateUnknown
	switch r.TradeStatus {
	case "WAIT_BUYER_PAY":
		state = OrderStatePending
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		state = OrderStatePaid
	case "TRADE_CLOSED":
		state = OrderStateFailed
	}
	return &OrderStatus{OrderID: r.OutTradeNo, State: state, Amount: yuanToCents(r.TotalAmount), Currency: "CNY"}, nil
}

// signContent builds the canonical "k=v&..." string: keys sorted, empty
// values and the sign/sign_type fields excluded.
func signContent(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" || k == "sign_type" {
			continue
		}
		if params.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params.Get(k))
	}
	return strings.Join(pairs, "&")
}

func (a *AlipayAdapter) verifyRSA2(content, sign string) bool {
	block, _ := pem.Decode([]byte(a.cfg.PublicKeyPEM))
	if block == nil {
		return false
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(content))
	return rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig) == nil
}

func (a *AlipayAdapter) signRSA2(content string) (string, error) {
	block, _ := pem.Decode([]byte(a.cfg.AppPrivateKeyPEM))
	if block == nil {
		return "", fmt.Errorf("invalid app private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return "", err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return "", fmt.Errorf("app private key is not RSA")
	}
	digest := sha256.Sum256([]byte(content))
	sig, err := rsa.SignPKCS1v15(nil, rsaKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// yuanToCents converts a decimal yuan string ("9.90") to cents.
func yuanToCents(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * 100))
}
