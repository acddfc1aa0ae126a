package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/tool"
	"github.com/fernwood/billingcore/pkg/types"
)

// WechatAdapter handles the XML notification format: flat element map with an
// MD5 sign over the sorted parameters plus the merchant key.
type WechatAdapter struct {
	cfg   config.WechatConfig
	httpc *http.Client
}

func NewWechatAdapter(cfg config.WechatConfig, httpc *http.Client) *WechatAdapter {
	return &WechatAdapter{cfg: cfg, httpc: httpc}
}

func (a *WechatAdapter) Name() types.PaymentProvider { return types.PaymentProviderWechat }

func (a *WechatAdapter) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookResult, error) {
	params, err := parseXMLMap(req.Body)
	if err != nil || len(params) == 0 {
		return &WebhookResult{Verified: false}, nil
	}
	sign := params["sign"]
	if sign == "" || a.signMD5(params) != sign {
		return &WebhookResult{Verified: false}, nil
	}
	if params["return_code"] != "SUCCESS" {
		return &WebhookResult{Verified: true}, nil
	}

	var eventType types.WebhookEventType
	switch {
	case params["refund_status"] != "":
		if params["refund_status"] != "SUCCESS" {
			return &WebhookResult{Verified: true}, nil
		}
		eventType = types.WebhookEventTypeRefund
	case params["result_code"] == "SUCCESS":
		eventType = types.WebhookEventTypePaymentSucceeded
	default:
		eventType = types.WebhookEventTypePaymentFailed
	}

	amount, _ := strconv.ParseInt(params["total_fee"], 10, 64)
	if eventType == types.WebhookEventTypeRefund {
		if v, err := strconv.ParseInt(params["refund_fee"], 10, 64); err == nil {
			amount = v
		}
	}

	occurredAt := time.Now()
	if ts := params["time_end"]; ts != "" {
		if t, err := time.ParseInLocation("20060102150405", ts, time.Local); err == nil {
			occurredAt = t
		}
	}

	return &WebhookResult{
		Verified: true,
		Event: &Event{
			Provider:       types.PaymentProviderWechat,
			EventID:        params["transaction_id"],
			OrderID:        params["out_trade_no"],
			Type:           eventType,
			ProviderItemID: params["body"],
			Amount:         amount,
			Currency:       params["fee_type"],
			PayerID:        params["openid"],
			UserID:         params["attach"],
			OccurredAt:     occurredAt,
		},
	}, nil
}

func (a *WechatAdapter) QueryOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	params := map[string]string{
		"mch_id":       a.cfg.MchID,
		"out_trade_no": orderID,
		"nonce_str":    tool.GenerateUUIDV7(),
	}
	params["sign"] = a.signMD5(params)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.APIBase+"/pay/orderquery", bytes.NewReader(buildXMLMap(params)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "text/xml")

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	result, err := parseXMLMap(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if result["return_code"] != "SUCCESS" {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, result["return_msg"])
	}
	if result["err_code"] == "ORDERNOTEXIST" {
		return nil, ErrOrderNotFound
	}

	state := OrderStateUnknown
	switch result["trade_state"] {
	case "NOTPAY", "USERPAYING":
		state = OrderStatePending
	case "SUCCESS":
		state = OrderStatePaid
	case "REFUND":
		state = OrderStateRefunded
	case "CLOSED", "PAYERROR", "REVOKED":
		state = OrderStateFailed
	}
	amount, _ := strconv.ParseInt(result["total_fee"], 10, 64)
	return &OrderStatus{OrderID: result["out_trade_no"], State: state, Amount: amount, Currency: result["fee_type"]}, nil
}

func (a *WechatAdapter) signMD5(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(params[k])
		sb.WriteString("&")
	}
	sb.WriteString("key=")
	sb.WriteString(a.cfg.APIKey)
	sum := md5.Sum([]byte(sb.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// parseXMLMap flattens a single-level <xml>...</xml> document into a map.
func parseXMLMap(body []byte) (map[string]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	params := map[string]string{}
	var key string
	depth := 0
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				key = t.Name.Local
			}
		case xml.EndElement:
			depth--
			key = ""
		case xml.CharData:
			if depth == 2 && key != "" {
				params[key] += string(t)
			}
		}
	}
	return params, nil
}

func buildXMLMap(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString("<xml>")
	for _, k := range keys {
		sb.WriteString("<" + k + ">")
		_ = xml.EscapeText(&sb, []byte(params[k]))
		sb.WriteString("</" + k + ">")
	}
	sb.WriteString("</xml>")
	return []byte(sb.String())
}
