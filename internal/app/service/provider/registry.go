package provider

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/types"

	"go.uber.org/zap"
)

// queryTimeout bounds every outbound provider call; a timeout is classified
// as ErrProviderUnavailable, not as payment failure.
const queryTimeout = 10 * time.Second

// Registry holds the closed set of provider adapters. Adding a provider means
// adding a variant here; dispatch sites never switch on provider names.
type Registry struct {
	adapters map[types.PaymentProvider]Adapter
	log      *zap.SugaredLogger
}

func NewRegistry(cfg *config.Config, log *zap.SugaredLogger) *Registry {
	httpc := &http.Client{Timeout: queryTimeout}

	r := &Registry{adapters: map[types.PaymentProvider]Adapter{}, log: log}
	r.Register(NewCreemAdapter(cfg.Providers.Creem, httpc))
	r.Register(NewStripeAdapter(cfg.Providers.Stripe, httpc))
	r.Register(NewAlipayAdapter(cfg.Providers.Alipay, httpc))
	r.Register(NewWechatAdapter(cfg.Providers.Wechat, httpc))
	if apple, err := NewAppleAdapter(cfg.Providers.Apple); err != nil {
		log.Warnw("apple adapter disabled", "err", err)
	} else {
		r.Register(apple)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name types.PaymentProvider) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	return a, nil
}
