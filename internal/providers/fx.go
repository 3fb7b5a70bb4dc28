package providers

import (
	"strings"

	"github.com/promptship/promptship/internal/config"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	"github.com/promptship/promptship/internal/providers/generator"
	"github.com/promptship/promptship/internal/providers/publisher"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers",
	fx.Provide(NewGenerator),
	fx.Provide(NewPublisher),
)

func NewGenerator(cfg config.Config, log *zap.Logger) deploymentdomain.Generator {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		log.Warn("no generation API key configured, using noop generator")
		return generator.NewNoopGenerator()
	}
	return generator.NewOpenAIGenerator(generator.OpenAIConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIModel,
	}, log)
}

func NewPublisher(cfg config.Config, log *zap.Logger) (deploymentdomain.Publisher, error) {
	return publisher.NewStaticPublisher(cfg.BaseDomain, log)
}
