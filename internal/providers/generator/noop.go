package generator

import (
	"context"
	"fmt"

	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
)

// NoopGenerator stands in when no API key is configured; it echoes the
// prompt back as a stub artifact so the pipeline stays runnable locally.
type NoopGenerator struct{}

func NewNoopGenerator() *NoopGenerator { return &NoopGenerator{} }

func (NoopGenerator) Generate(_ context.Context, req deploymentdomain.GenerateRequest) (*deploymentdomain.GeneratedArtifact, error) {
	return &deploymentdomain.GeneratedArtifact{
		Code:   fmt.Sprintf("// generated stub for: %s\n", req.Prompt),
		Engine: "noop",
	}, nil
}
