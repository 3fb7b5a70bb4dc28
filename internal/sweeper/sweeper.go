package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	billingdomain "github.com/promptship/promptship/internal/billing/domain"
	"github.com/promptship/promptship/internal/clock"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	obsmetrics "github.com/promptship/promptship/internal/observability/metrics"
	"github.com/promptship/promptship/internal/ratelimit"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_sweeper_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Deployments deploymentdomain.Service
	Billing     billingdomain.Service
	Limiter     *ratelimit.SubmitLimiter `optional:"true"`
	Metrics     *obsmetrics.Metrics      `optional:"true"`
	Config      Config                   `optional:"true"`
}

// Sweeper is the background reconciler: it force-fails deployments stuck in
// a non-terminal phase and closes the previous billing period after the
// month boundary. All state changes go through the same service paths as
// online traffic, so every sweep action is audited and idempotent.
type Sweeper struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	deployments deploymentdomain.Service
	billing     billingdomain.Service
	limiter     *ratelimit.SubmitLimiter
	metrics     *obsmetrics.Metrics

	lastClosedPeriod string
}

func New(p Params) (*Sweeper, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Deployments == nil || p.Billing == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		db:          p.DB,
		log:         p.Log.Named("sweeper"),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		deployments: p.Deployments,
		billing:     p.Billing,
		limiter:     p.Limiter,
		metrics:     p.Metrics,
	}, nil
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep pass. Replicas coordinate through a redis
// lock when one is configured; losing the lock skips the pass.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	runID := ulid.Make().String()
	log := s.log.With(zap.String("run_id", runID))

	if s.limiter.Enabled() {
		token, ok, err := s.limiter.TryRunLock(ctx, "sweeper", s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			log.Debug("sweep lock held elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := s.limiter.ReleaseRunLock(ctx, "sweeper", token); err != nil {
				log.Warn("failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	err := errors.Join(
		s.sweepStuck(ctx, log),
		s.closePreviousPeriod(ctx, log),
	)

	result := "ok"
	if err != nil {
		result = "error"
	}
	if s.metrics != nil {
		s.metrics.IncSweeperRun(result)
	}
	return err
}

// sweepStuck force-fails deployments that sat in generating or deploying
// past their phase timeout. Advance does the status-guarded write, so a
// pipeline finishing concurrently wins and the sweep becomes a no-op.
func (s *Sweeper) sweepStuck(ctx context.Context, log *zap.Logger) error {
	now := s.clock.Now()

	phases := []struct {
		status  deploymentdomain.DeploymentStatus
		column  string
		timeout time.Duration
	}{
		{deploymentdomain.StatusGenerating, "generation_started_at", s.cfg.GenerationTimeout},
		{deploymentdomain.StatusDeploying, "deploy_started_at", s.cfg.DeployTimeout},
	}

	var errs error
	for _, phase := range phases {
		cutoff := now.Add(-phase.timeout)

		var ids []snowflake.ID
		err := s.db.WithContext(ctx).Raw(
			fmt.Sprintf(`SELECT id FROM deployments WHERE status = ? AND %s IS NOT NULL AND %s < ? LIMIT ?`, phase.column, phase.column),
			string(phase.status), cutoff, s.cfg.BatchSize,
		).Scan(&ids).Error
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}

		for _, id := range ids {
			message := fmt.Sprintf("%s timed out after %s", phase.status, phase.timeout)
			_, err := s.deployments.Advance(ctx, deploymentdomain.AdvanceRequest{
				DeploymentID: id,
				Target:       deploymentdomain.StatusFailed,
				Outcome:      deploymentdomain.AdvanceOutcome{ErrorMessage: message},
			})
			if err != nil {
				if errors.Is(err, deploymentdomain.ErrInvalidTransition) {
					// Lost the race to the pipeline; nothing stuck anymore.
					continue
				}
				errs = errors.Join(errs, err)
				continue
			}
			if s.metrics != nil {
				s.metrics.IncSweeperForcedFailure()
			}
			log.Warn("force-failed stuck deployment",
				zap.String("deployment_id", id.String()),
				zap.String("phase", string(phase.status)))
		}
	}
	return errs
}

// closePreviousPeriod runs the billing close for the period before the
// current one, once per period per process. ClosePeriod itself is
// idempotent, this gate just keeps the audit trail quiet.
func (s *Sweeper) closePreviousPeriod(ctx context.Context, log *zap.Logger) error {
	current := usagedomain.PeriodOf(s.clock.Now())
	prev, err := usagedomain.PrevPeriod(current)
	if err != nil {
		return err
	}
	if s.lastClosedPeriod == prev {
		return nil
	}

	result, err := s.billing.ClosePeriod(ctx, prev)
	if err != nil {
		return err
	}
	s.lastClosedPeriod = prev

	log.Info("closed billing period",
		zap.String("period", prev),
		zap.Int("closed", result.Closed),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("failed", len(result.FailedUserIDs)))
	return nil
}
