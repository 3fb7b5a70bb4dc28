package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/promptship/promptship/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keySubmitUser = "deploy:submit:user:%s"

// SubmitLimiter throttles deployment submissions per user. A nil limiter
// (no redis configured) admits everything; the quota layer still holds the
// hard ceiling.
type SubmitLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	rate  float64
	burst int
}

func NewSubmitLimiter(cfg config.Config) (*SubmitLimiter, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, nil
	}
	if cfg.SubmitRatePerMinute <= 0 || cfg.SubmitBurst <= 0 {
		return nil, fmt.Errorf("submit rate limit must be positive, got rate=%v burst=%d", cfg.SubmitRatePerMinute, cfg.SubmitBurst)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	return &SubmitLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    cfg.SubmitRatePerMinute / 60,
		burst:   cfg.SubmitBurst,
	}, nil
}

func (l *SubmitLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *SubmitLimiter) AllowSubmit(ctx context.Context, userID snowflake.ID) (*AllowResult, error) {
	if !l.Enabled() {
		return &AllowResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keySubmitUser, userID.String()), l.rate, l.burst)
}

// TryRunLock guards singleton background passes (sweeper, period close)
// across replicas.
func (l *SubmitLimiter) TryRunLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, "run:lock:"+name, ttl)
}

func (l *SubmitLimiter) ReleaseRunLock(ctx context.Context, name, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, "run:lock:"+name, token)
}
