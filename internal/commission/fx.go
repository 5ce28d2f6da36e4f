package commission

import (
	"github.com/smallbiznis/marketpay/internal/commission/repository"
	"github.com/smallbiznis/marketpay/internal/commission/service"
	"go.uber.org/fx"
)

var Module = fx.Module("commission.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
