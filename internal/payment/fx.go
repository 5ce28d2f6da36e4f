package payment

import (
	"github.com/smallbiznis/marketpay/internal/payment/adapters"
	"github.com/smallbiznis/marketpay/internal/payment/adapters/mercadopago"
	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/payment/gateway"
	"github.com/smallbiznis/marketpay/internal/payment/repository"
	"github.com/smallbiznis/marketpay/internal/payment/retry"
	paymentservice "github.com/smallbiznis/marketpay/internal/payment/service"
	"github.com/smallbiznis/marketpay/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			mercadopago.NewFactory(),
		)
	}),
	fx.Provide(retry.New),
	fx.Provide(
		fx.Annotate(gateway.New, fx.As(new(domain.Gateway))),
	),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewReconciler),
)
