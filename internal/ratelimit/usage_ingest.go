package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenmeter/internal/config"
	obsmetrics "github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	"go.uber.org/fx"
)

const keyUsageIngestClient = "tokenmeter:usage:ingest:client:%s"

// UsageIngestLimiter throttles usage reports per client. A nil or disabled
// limiter allows everything.
type UsageIngestLimiter struct {
	bucket     *TokenBucket
	rate       float64
	burst      int
	obsMetrics *obsmetrics.Metrics
}

type LimiterParams struct {
	fx.In

	Config     config.Config
	Client     *redis.Client       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewUsageIngestLimiter(p LimiterParams) (*UsageIngestLimiter, error) {
	limitCfg := p.Config.UsageRateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if p.Client == nil {
		return nil, errors.New("usage rate limit requires REDIS_ADDR")
	}
	if limitCfg.Rate <= 0 || limitCfg.Burst <= 0 {
		return nil, errors.New("usage rate limit rate and burst must be positive")
	}
	return &UsageIngestLimiter{
		bucket:     NewTokenBucket(p.Client),
		rate:       float64(limitCfg.Rate),
		burst:      limitCfg.Burst,
		obsMetrics: p.ObsMetrics,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageIngestLimiter) AllowClient(ctx context.Context, clientID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestClient, strings.TrimSpace(clientID)), l.rate, l.burst)
	if err != nil {
		return res, err
	}
	if res.Allowed {
		l.obsMetrics.RecordRateLimitAllowed(ctx, "usage")
	} else {
		l.obsMetrics.RecordRateLimitDenied(ctx, "usage", "client")
	}
	return res, nil
}
