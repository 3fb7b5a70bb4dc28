package service

import (
	"context"
	"errors"
	"testing"

	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type generatorStub struct {
	artifact *deploymentdomain.GeneratedArtifact
	err      error
}

func (g *generatorStub) Generate(context.Context, deploymentdomain.GenerateRequest) (*deploymentdomain.GeneratedArtifact, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.artifact, nil
}

type publisherStub struct {
	result *deploymentdomain.PublishResult
	err    error
}

func (p *publisherStub) Publish(context.Context, deploymentdomain.PublishRequest) (*deploymentdomain.PublishResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func newRunner(h *harness, gen deploymentdomain.Generator, pub deploymentdomain.Publisher) *Runner {
	return NewRunner(RunnerParam{
		Log:         zap.NewNop(),
		Deployments: h.svc,
		Generator:   gen,
		Publisher:   pub,
	})
}

func TestRunnerHappyPath(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a landing page")

	runner := newRunner(h,
		&generatorStub{artifact: &deploymentdomain.GeneratedArtifact{
			Code:       "package main",
			Engine:     "gpt",
			TokensUsed: 500,
		}},
		&publisherStub{result: &deploymentdomain.PublishResult{
			URL:          "https://a-landing-page.promptship.app",
			Resources:    []string{"static-site:a-landing-page"},
			ComputeUnits: 12,
		}},
	)

	require.NoError(t, runner.Run(context.Background(), deployment.ID, deploymentdomain.SubmitRequest{}))

	final, err := h.svc.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, deploymentdomain.StatusCompleted, final.Status)
	require.NotNil(t, final.URL)
	require.Equal(t, "https://a-landing-page.promptship.app", *final.URL)
	require.Equal(t, "gpt", final.Engine)
}

func TestRunnerGenerationFailureEndsFailed(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a forum")

	runner := newRunner(h,
		&generatorStub{err: errors.New("model unavailable")},
		&publisherStub{},
	)

	require.NoError(t, runner.Run(context.Background(), deployment.ID, deploymentdomain.SubmitRequest{}))

	final, err := h.svc.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, deploymentdomain.StatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	require.Contains(t, *final.ErrorMessage, "model unavailable")
}

func TestRunnerPublishFailureEndsFailed(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a gallery")

	runner := newRunner(h,
		&generatorStub{artifact: &deploymentdomain.GeneratedArtifact{Code: "x", Engine: "gpt"}},
		&publisherStub{err: errors.New("provisioning quota hit")},
	)

	require.NoError(t, runner.Run(context.Background(), deployment.ID, deploymentdomain.SubmitRequest{}))

	final, err := h.svc.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, deploymentdomain.StatusFailed, final.Status)
	require.Contains(t, *final.ErrorMessage, "provisioning quota hit")
}

func TestRunnerSkipsTerminalDeployments(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a cli docs site")

	h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})
	h.advance(t, deployment.ID, deploymentdomain.StatusFailed, deploymentdomain.AdvanceOutcome{ErrorMessage: "canceled"})

	runner := newRunner(h, &generatorStub{}, &publisherStub{})
	require.NoError(t, runner.Run(context.Background(), deployment.ID, deploymentdomain.SubmitRequest{}))

	final, err := h.svc.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, deploymentdomain.StatusFailed, final.Status)
}
