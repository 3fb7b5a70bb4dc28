package audit

import (
	"github.com/promptship/promptship/internal/audit/repository"
	"github.com/promptship/promptship/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
