package domain

import "context"

// Generator is the external code-generation engine boundary. Any error is
// treated as a terminal failed outcome with the engine's message.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GeneratedArtifact, error)
}

type GenerateRequest struct {
	Prompt    string
	Language  string
	Framework string
}

type GeneratedArtifact struct {
	Code       string
	Tests      string
	Engine     string
	TokensUsed float64
}

// Publisher is the external deploy/provisioning boundary.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
}

type PublishRequest struct {
	DeploymentID string
	Prompt       string
	Artifact     *GeneratedArtifact
	CustomDomain string
}

type PublishResult struct {
	URL          string
	Resources    []string
	ComputeUnits float64
}
