package cancellation

import (
	"github.com/smallbiznis/marketpay/internal/cancellation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("cancellation.service",
	fx.Provide(service.NewService),
)
