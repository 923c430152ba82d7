// Package ratelimit enforces per-user concurrency caps and per-project
// request quotas before expensive pipeline steps.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
	"github.com/Richard1990h/KING-V3-sub001/internal/metrics"
)

// Rejection reasons
const (
	ReasonConcurrency = "concurrency"
	ReasonRate        = "rate"
)

// concurrencyRetryAfter is advertised when the concurrency cap rejects;
// running jobs give no reliable finish time.
const concurrencyRetryAfter = 30

// DefaultTierCaps are the concurrent job caps per plan tier
var DefaultTierCaps = map[string]int{
	"free":       1,
	"starter":    3,
	"pro":        10,
	"openai":     5,
	"enterprise": 50,
}

// Check is the outcome of CheckLimit
type Check struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	// ResetAt is when the request window is full again, or after a rate
	// rejection when the next request is admitted. Zero when no window was
	// consulted.
	ResetAt time.Time `json:"reset_at,omitzero"`
}

// Err converts a rejection into a quota error, nil when allowed
func (c Check) Err() error {
	if c.Allowed {
		return nil
	}
	return apperr.Quota(c.Message, c.RetryAfterSeconds)
}

// UsageStats is a read-only view of a user's standing
type UsageStats struct {
	ProjectID         string    `json:"project_id"`
	UserID            string    `json:"user_id"`
	PlanTier          string    `json:"plan_tier"`
	RequestsUsed      int       `json:"requests_used"`
	RequestsLimit     int       `json:"requests_limit"`
	RequestsRemaining int       `json:"requests_remaining"`
	WindowSeconds     int       `json:"window_seconds"`
	ResetAt           time.Time `json:"reset_at"`
	ActiveJobs        int       `json:"active_jobs"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
}

// ActiveJobCounter counts a user's jobs in planning or running
type ActiveJobCounter interface {
	CountActiveJobs(ctx context.Context, userID string) (int, error)
}

// PlanLookup resolves a user's plan tier
type PlanLookup interface {
	PlanTier(ctx context.Context, userID string) (string, error)
}

// Admission is the outcome of Window.Take
type Admission struct {
	Allowed bool
	// RetryAfter is set on rejection
	RetryAfter time.Duration
	// ResetAt is when the key has its full quota again; on rejection, when
	// the next request fits
	ResetAt time.Time
}

// Window counts requests per key over a fixed period
type Window interface {
	// Take records one request if the key is under limit
	Take(ctx context.Context, key string, limit int, period time.Duration) (Admission, error)
	// Peek reports usage without recording a request
	Peek(ctx context.Context, key string, limit int, period time.Duration) (used int, resetAt time.Time, err error)
}

// Config holds limiter settings
type Config struct {
	Requests             int
	Window               time.Duration
	DefaultMaxConcurrent int
	TierCaps             map[string]int
}

func (c Config) withDefaults() Config {
	if c.Requests <= 0 {
		c.Requests = 30
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = 3
	}
	if c.TierCaps == nil {
		c.TierCaps = DefaultTierCaps
	}
	return c
}

// Limiter combines the concurrency cap with the request window
type Limiter struct {
	cfg     Config
	window  Window
	jobs    ActiveJobCounter
	plans   PlanLookup
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a limiter. plans may be nil, in which case every user gets the
// default cap.
func New(cfg Config, window Window, jobs ActiveJobCounter, plans PlanLookup, logger *zap.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		window:  window,
		jobs:    jobs,
		plans:   plans,
		logger:  logging.OrNop(logger).Named("ratelimit"),
		metrics: metrics.Get(),
	}
}

// CheckLimit applies the concurrency cap first, then the request quota for
// (project, user). Backend failures fail open.
func (l *Limiter) CheckLimit(ctx context.Context, projectID, userID string) Check {
	tier := l.tier(ctx, userID)
	limit := l.capFor(tier)

	active, err := l.jobs.CountActiveJobs(ctx, userID)
	if err != nil {
		l.logger.Warn("active job count failed, allowing", zap.String("user_id", userID), zap.Error(err))
	} else if active >= limit {
		l.metrics.RateLimitRejectionsTotal.WithLabelValues(ReasonConcurrency).Inc()
		return Check{
			Reason:            ReasonConcurrency,
			Message:           fmt.Sprintf("maximum %d concurrent jobs for the %s plan; wait for a running job to finish", limit, tier),
			RetryAfterSeconds: concurrencyRetryAfter,
		}
	}

	adm, err := l.window.Take(ctx, windowKey(projectID, userID), l.cfg.Requests, l.cfg.Window)
	if err != nil {
		l.logger.Warn("rate window failed, allowing", zap.String("user_id", userID), zap.Error(err))
		return Check{Allowed: true}
	}
	if !adm.Allowed {
		l.metrics.RateLimitRejectionsTotal.WithLabelValues(ReasonRate).Inc()
		secs := int((adm.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return Check{
			Reason:            ReasonRate,
			Message:           fmt.Sprintf("rate limit of %d requests per %s exceeded", l.cfg.Requests, l.cfg.Window),
			RetryAfterSeconds: secs,
			ResetAt:           adm.ResetAt,
		}
	}
	return Check{Allowed: true, ResetAt: adm.ResetAt}
}

// GetUsageStats reports usage without consuming quota
func (l *Limiter) GetUsageStats(ctx context.Context, projectID, userID string) (UsageStats, error) {
	tier := l.tier(ctx, userID)
	stats := UsageStats{
		ProjectID:         projectID,
		UserID:            userID,
		PlanTier:          tier,
		RequestsLimit:     l.cfg.Requests,
		WindowSeconds:     int(l.cfg.Window / time.Second),
		MaxConcurrentJobs: l.capFor(tier),
	}

	active, err := l.jobs.CountActiveJobs(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("count active jobs: %w", err)
	}
	stats.ActiveJobs = active

	used, reset, err := l.window.Peek(ctx, windowKey(projectID, userID), l.cfg.Requests, l.cfg.Window)
	if err != nil {
		return stats, fmt.Errorf("read rate window: %w", err)
	}
	stats.RequestsUsed = used
	stats.RequestsRemaining = max(0, l.cfg.Requests-used)
	stats.ResetAt = reset
	return stats, nil
}

func (l *Limiter) tier(ctx context.Context, userID string) string {
	if l.plans == nil {
		return "default"
	}
	tier, err := l.plans.PlanTier(ctx, userID)
	if err != nil || tier == "" {
		return "default"
	}
	return strings.ToLower(tier)
}

func (l *Limiter) capFor(tier string) int {
	if c, ok := l.cfg.TierCaps[tier]; ok && c > 0 {
		return c
	}
	return l.cfg.DefaultMaxConcurrent
}

func windowKey(projectID, userID string) string {
	return "ratelimit:" + projectID + ":" + userID
}
