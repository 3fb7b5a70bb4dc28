package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	"go.uber.org/zap"
)

const systemPrompt = `You are a code generation engine. Given a product description,
produce a single-file application and its tests. Reply with the application
code first, then the marker "=== TESTS ===", then the test code.`

type OpenAIConfig struct {
	APIKey string
	Model  string
}

// OpenAIGenerator produces deployable artifacts from a prompt via the chat
// completions API.
type OpenAIGenerator struct {
	cfg    OpenAIConfig
	log    *zap.Logger
	client openai.Client
}

func NewOpenAIGenerator(cfg OpenAIConfig, log *zap.Logger) *OpenAIGenerator {
	return &OpenAIGenerator{
		cfg:    cfg,
		log:    log.Named("generator.openai"),
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req deploymentdomain.GenerateRequest) (*deploymentdomain.GeneratedArtifact, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("empty prompt")
	}

	userPrompt := prompt
	if req.Language != "" || req.Framework != "" {
		userPrompt = fmt.Sprintf("%s\n\nTarget: language=%s framework=%s", prompt, req.Language, req.Framework)
	}

	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: param.Opt[string]{Value: systemPrompt},
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: param.Opt[string]{Value: userPrompt},
					},
				},
			},
		},
		N:           param.Opt[int64]{Value: 1},
		Temperature: param.Opt[float64]{Value: 0.2},
	})
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("generation returned no choices")
	}

	code, tests := splitArtifact(completion.Choices[0].Message.Content)
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("generation returned empty code")
	}

	g.log.Debug("generated artifact",
		zap.Int64("prompt_tokens", completion.Usage.PromptTokens),
		zap.Int64("completion_tokens", completion.Usage.CompletionTokens))

	return &deploymentdomain.GeneratedArtifact{
		Code:       code,
		Tests:      tests,
		Engine:     g.cfg.Model,
		TokensUsed: float64(completion.Usage.TotalTokens),
	}, nil
}

func splitArtifact(content string) (code, tests string) {
	parts := strings.SplitN(content, "=== TESTS ===", 2)
	code = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		tests = strings.TrimSpace(parts[1])
	}
	return code, tests
}
