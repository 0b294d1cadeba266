// Package reaper terminates sessions that have exceeded their idle timeout
// or maximum lifetime. It never decides policy beyond those two deadlines;
// everything else about tearing a session down lives in the Lifecycle
// Manager.
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/format"
	"github.com/astraforge/sandbox-core/internal/observability"
)

// Reason names why a session was selected for termination.
type Reason string

const (
	ReasonMaxLifetime Reason = "max_lifetime"
	ReasonIdleTimeout Reason = "idle_timeout"
)

// SessionLister enumerates sessions currently in status=ready, the only
// candidate pool the Reaper ever scans.
type SessionLister interface {
	ListReady(ctx context.Context) ([]*model.Session, error)
}

// Terminator is the subset of the Lifecycle Manager the Reaper drives.
// Implementations must serialize with any other caller mutating the same
// session, since the Reaper races the Controller and the Driver over the
// same aggregate.
type Terminator interface {
	Terminate(ctx context.Context, sess *model.Session, reason string) error
}

// Report summarizes one reaper pass.
type Report struct {
	Checked    int
	Terminated int
}

// Reaper periodically scans ready sessions and terminates the ones whose
// deadline has passed.
type Reaper struct {
	lister     SessionLister
	terminator Terminator
	log        *observability.Logger
	clock      func() time.Time
}

// New constructs a Reaper. clock defaults to time.Now when nil, overridable
// in tests.
func New(lister SessionLister, terminator Terminator, log *observability.Logger, clock func() time.Time) *Reaper {
	if clock == nil {
		clock = time.Now
	}
	return &Reaper{lister: lister, terminator: terminator, log: log, clock: clock}
}

// deadline returns the reason a session should be terminated, if any.
// max_lifetime takes precedence over idle_timeout when both apply.
func (r *Reaper) deadline(sess *model.Session, now time.Time) (Reason, bool) {
	if sess.MaxLifetimeSec > 0 && sess.ExpiresAt != nil && !now.Before(*sess.ExpiresAt) {
		return ReasonMaxLifetime, true
	}
	if sess.IdleTimeoutSec > 0 {
		idleDeadline := sess.LastActivityAt.Add(time.Duration(sess.IdleTimeoutSec) * time.Second)
		if !now.Before(idleDeadline) {
			return ReasonIdleTimeout, true
		}
	}
	return "", false
}

// RunOnce performs a single scan-and-terminate pass.
func (r *Reaper) RunOnce(ctx context.Context) (Report, error) {
	sessions, err := r.lister.ListReady(ctx)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	now := r.clock()
	for _, sess := range sessions {
		rep.Checked++
		reason, ok := r.deadline(sess, now)
		if !ok {
			continue
		}
		// Re-check the deadline is still current immediately before
		// terminating so a session that just received activity between the
		// scan and this point is not wrongly reaped.
		if reason == ReasonIdleTimeout && sess.LastActivityAt.Add(time.Duration(sess.IdleTimeoutSec)*time.Second).After(r.clock()) {
			continue
		}
		if err := r.terminator.Terminate(ctx, sess, string(reason)); err != nil {
			if r.log != nil {
				r.log.Warn(ctx, "reaper terminate failed", "session_id", sess.ID, "reason", reason, "error", err)
			}
			continue
		}
		if r.log != nil {
			idle := now.Sub(sess.LastActivityAt).Seconds()
			r.log.Info(ctx, "reaper terminated session", "session_id", sess.ID, "reason", reason,
				"idle_for", format.FormatDurationSeconds(idle*1000, nil))
		}
		rep.Terminated++
	}
	return rep, nil
}

// Run drives RunOnce on a fixed ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := r.RunOnce(ctx)
			if err != nil {
				if r.log != nil {
					r.log.Warn(ctx, "reaper pass failed", "error", err)
				}
				continue
			}
			if r.log != nil && rep.Terminated > 0 {
				r.log.Info(ctx, "reaper pass complete", "checked", rep.Checked, "terminated", rep.Terminated)
			}
		}
	}
}

// RunCron drives RunOnce on a cron schedule instead of a fixed ticker, for
// operators who want deterministic wall-clock scan times (e.g. "every 5
// minutes on the 0s") rather than a drifting ticker.
func (r *Reaper) RunCron(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		rep, err := r.RunOnce(ctx)
		if err != nil {
			if r.log != nil {
				r.log.Warn(ctx, "reaper cron pass failed", "error", err)
			}
			return
		}
		if r.log != nil && rep.Terminated > 0 {
			r.log.Info(ctx, "reaper cron pass complete", "checked", rep.Checked, "terminated", rep.Terminated)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
