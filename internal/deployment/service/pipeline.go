package service

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RunnerParam struct {
	fx.In

	Log         *zap.Logger
	Deployments deploymentdomain.Service
	Generator   deploymentdomain.Generator
	Publisher   deploymentdomain.Publisher
}

// Runner executes the generate-then-publish pipeline for a single
// deployment. Every state change goes through Advance, so a crashed or
// duplicated run replays safely: re-entering the current phase is a no-op
// and illegal jumps are rejected.
type Runner struct {
	log         *zap.Logger
	deployments deploymentdomain.Service
	generator   deploymentdomain.Generator
	publisher   deploymentdomain.Publisher
}

func NewRunner(p RunnerParam) *Runner {
	return &Runner{
		log:         p.Log.Named("deployment.runner"),
		deployments: p.Deployments,
		generator:   p.Generator,
		publisher:   p.Publisher,
	}
}

// Run drives one deployment from pending to a terminal status. Collaborator
// failures terminate the run through the failed transition rather than
// returning an error: a failed deployment is a completed pipeline.
func (r *Runner) Run(ctx context.Context, id snowflake.ID, req deploymentdomain.SubmitRequest) error {
	deployment, err := r.deployments.GetByID(ctx, 0, id)
	if err != nil {
		return err
	}
	if deployment.Status.Terminal() {
		return nil
	}

	if _, err := r.deployments.Advance(ctx, deploymentdomain.AdvanceRequest{
		DeploymentID: id,
		Target:       deploymentdomain.StatusGenerating,
	}); err != nil {
		return err
	}

	artifact, err := r.generator.Generate(ctx, deploymentdomain.GenerateRequest{
		Prompt:    deployment.Prompt,
		Language:  req.Language,
		Framework: req.Framework,
	})
	if err != nil {
		r.log.Warn("generation failed", zap.String("deployment_id", id.String()), zap.Error(err))
		return r.fail(ctx, id, "code generation failed: "+err.Error())
	}

	if _, err := r.deployments.Advance(ctx, deploymentdomain.AdvanceRequest{
		DeploymentID: id,
		Target:       deploymentdomain.StatusDeploying,
		Outcome: deploymentdomain.AdvanceOutcome{
			Engine:     artifact.Engine,
			TokensUsed: artifact.TokensUsed,
		},
	}); err != nil {
		return err
	}

	customDomain := ""
	if deployment.CustomDomain != nil {
		customDomain = *deployment.CustomDomain
	}

	published, err := r.publisher.Publish(ctx, deploymentdomain.PublishRequest{
		DeploymentID: id.String(),
		Prompt:       deployment.Prompt,
		Artifact:     artifact,
		CustomDomain: customDomain,
	})
	if err != nil {
		r.log.Warn("publish failed", zap.String("deployment_id", id.String()), zap.Error(err))
		return r.fail(ctx, id, "publish failed: "+err.Error())
	}

	resources, err := json.Marshal(published.Resources)
	if err != nil {
		resources = nil
	}

	_, err = r.deployments.Advance(ctx, deploymentdomain.AdvanceRequest{
		DeploymentID: id,
		Target:       deploymentdomain.StatusCompleted,
		Outcome: deploymentdomain.AdvanceOutcome{
			URL:          published.URL,
			Resources:    resources,
			ComputeUnits: published.ComputeUnits,
		},
	})
	return err
}

func (r *Runner) fail(ctx context.Context, id snowflake.ID, message string) error {
	_, err := r.deployments.Advance(ctx, deploymentdomain.AdvanceRequest{
		DeploymentID: id,
		Target:       deploymentdomain.StatusFailed,
		Outcome:      deploymentdomain.AdvanceOutcome{ErrorMessage: message},
	})
	return err
}
