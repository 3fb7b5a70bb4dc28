package domainreg

import (
	"github.com/promptship/promptship/internal/domainreg/service"
	"go.uber.org/fx"
)

var Module = fx.Module("domainreg.service",
	fx.Provide(service.NewService),
)
