package buildcachex

import (
	"context"
	"time"

	"github.com/gostratum/core/logx"
)

// AccessMarker reads and writes a blob's last-accessed marker. The token
// returned by LastAccessed is passed back to MarkAccessed so backends can
// apply an optimistic precondition (a GCS metageneration, for instance).
type AccessMarker interface {
	LastAccessed(ctx context.Context, key string) (last time.Time, token int64, err error)
	MarkAccessed(ctx context.Context, key string, at time.Time, token int64) error
}

// LifecycleUpdater advances a blob's last-accessed marker after a successful
// load so bucket lifecycle rules can expire entries nobody reads. The marker
// only moves forward. Updates are best effort and never fail a load.
type LifecycleUpdater struct {
	marker  AccessMarker
	clock   func() time.Time
	timeout time.Duration
	logger  logx.Logger
}

// NewLifecycleUpdater creates an updater over marker. A nil clock uses time.Now.
func NewLifecycleUpdater(marker AccessMarker, clock func() time.Time, timeout time.Duration, logger logx.Logger) *LifecycleUpdater {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logx.NewNoopLogger()
	}
	return &LifecycleUpdater{marker: marker, clock: clock, timeout: timeout, logger: logger}
}

// Touch sets the marker for key to now if now is strictly after the stored
// value. It reports whether the marker moved.
func (u *LifecycleUpdater) Touch(ctx context.Context, key string) bool {
	if u == nil || u.marker == nil {
		return false
	}

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	last, token, err := u.marker.LastAccessed(ctx, key)
	if err != nil {
		u.logger.Debug("cannot read last-accessed marker", logx.String("key", key), logx.Err(err))
		return false
	}

	now := u.clock()
	if !now.After(last) {
		return false
	}

	if err := u.marker.MarkAccessed(ctx, key, now, token); err != nil {
		u.logger.Debug("cannot update last-accessed marker", logx.String("key", key), logx.Err(err))
		return false
	}
	return true
}
