package background

import (
	"context"
	"time"

	"github.com/rcourtman/pulse-licensing/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	JobLicenseSync  = "license_sync"
	JobCacheWarm    = "cache_warm"
	JobAddonRefresh = "addon_refresh"

	DefaultSyncInterval  = time.Hour
	DefaultWarmInterval  = 240 * time.Second
	DefaultAddonInterval = time.Hour
)

// LicenseSyncer is the validator surface the jobs need.
type LicenseSyncer interface {
	Sync(ctx context.Context) (bool, error)
	WarmCache(ctx context.Context, within time.Duration) int
}

// AddonRefresher re-validates active addons.
type AddonRefresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Deps are the collaborators the licensing runner drives. Nil fields are
// skipped.
type Deps struct {
	Tokens    Runnable
	Validator LicenseSyncer
	Addons    AddonRefresher
	Resolver  Runnable
	Config    Runnable
}

// Intervals overrides the job schedule.
type Intervals struct {
	Sync  time.Duration
	Warm  time.Duration
	Addon time.Duration
}

// NewLicensingRunner wires the standard maintenance jobs.
func NewLicensingRunner(deps Deps, iv Intervals, logger zerolog.Logger, m *metrics.LicensingMetrics) (*Runner, error) {
	if iv.Sync <= 0 {
		iv.Sync = DefaultSyncInterval
	}
	if iv.Warm <= 0 {
		iv.Warm = DefaultWarmInterval
	}
	if iv.Addon <= 0 {
		iv.Addon = DefaultAddonInterval
	}

	r := NewRunner(logger, m)
	r.AddService("token_refresh", deps.Tokens)
	r.AddService("dns_refresh", deps.Resolver)
	r.AddService("config_watcher", deps.Config)

	if v := deps.Validator; v != nil {
		if err := r.AddJob(Job{
			Name:       JobLicenseSync,
			Interval:   iv.Sync,
			RunOnStart: true,
			Timeout:    time.Minute,
			Fn: func(ctx context.Context) error {
				changed, err := v.Sync(ctx)
				if err == nil && changed {
					logger.Info().Msg("License changed during background sync")
				}
				return err
			},
		}); err != nil {
			return nil, err
		}
		// Warm grants that would expire before the next pass.
		within := iv.Warm + 30*time.Second
		if err := r.AddJob(Job{
			Name:     JobCacheWarm,
			Interval: iv.Warm,
			Timeout:  iv.Warm,
			Fn: func(ctx context.Context) error {
				if n := v.WarmCache(ctx, within); n > 0 {
					logger.Debug().Int("refreshed", n).Msg("Warmed validation cache")
				}
				return nil
			},
		}); err != nil {
			return nil, err
		}
	}

	if a := deps.Addons; a != nil {
		if err := r.AddJob(Job{
			Name:     JobAddonRefresh,
			Interval: iv.Addon,
			Timeout:  time.Minute,
			Fn: func(ctx context.Context) error {
				_, err := a.Refresh(ctx)
				return err
			},
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}
