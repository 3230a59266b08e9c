package billingprovisioning

import (
	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.provisioning",
	fx.Provide(NewService),
	fx.Provide(func(s *Service) paymentdomain.EventHandler { return s }),
)
