package deployment

import (
	"github.com/promptship/promptship/internal/deployment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("deployment.service",
	fx.Provide(service.NewService),
	fx.Provide(service.NewRunner),
)
