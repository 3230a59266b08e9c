package usage

import (
	"github.com/smallbiznis/tokenmeter/internal/usage/repository"
	"github.com/smallbiznis/tokenmeter/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
