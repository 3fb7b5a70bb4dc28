package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	"go.uber.org/zap"
)

// StaticPublisher assigns each deployment a subdomain under the platform's
// base domain. The subdomain is derived from the prompt, suffixed with the
// deployment id so collisions cannot happen.
type StaticPublisher struct {
	baseDomain string
	log        *zap.Logger
}

func NewStaticPublisher(baseDomain string, log *zap.Logger) (*StaticPublisher, error) {
	baseDomain = strings.TrimSpace(strings.ToLower(baseDomain))
	if baseDomain == "" {
		return nil, errors.New("base domain is required")
	}
	return &StaticPublisher{
		baseDomain: baseDomain,
		log:        log.Named("publisher.static"),
	}, nil
}

func (p *StaticPublisher) Publish(_ context.Context, req deploymentdomain.PublishRequest) (*deploymentdomain.PublishResult, error) {
	if req.Artifact == nil || strings.TrimSpace(req.Artifact.Code) == "" {
		return nil, errors.New("nothing to publish")
	}

	host := req.CustomDomain
	if host == "" {
		name := slug.Make(truncate(req.Prompt, 40))
		if name == "" {
			name = "app"
		}
		host = fmt.Sprintf("%s-%s.%s", name, strings.ToLower(req.DeploymentID), p.baseDomain)
	}

	p.log.Info("published deployment", zap.String("deployment_id", req.DeploymentID), zap.String("host", host))

	return &deploymentdomain.PublishResult{
		URL: "https://" + host,
		Resources: []string{
			"static-site:" + host,
			"tls-cert:" + host,
		},
		// One unit per KB of published artifact.
		ComputeUnits: float64(len(req.Artifact.Code)+len(req.Artifact.Tests)) / 1024,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
