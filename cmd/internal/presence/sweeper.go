package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSweepCron runs the sweeper every minute.
const DefaultSweepCron = "* * * * *"

// Sweeper runs Tracker.Sweep on a cron schedule.
type Sweeper struct {
	tracker *Tracker
	cron    string
	log     *slog.Logger
	onSweep func(removed int)
}

// NewSweeper validates cronExpr (empty = every minute). onSweep may be nil.
func NewSweeper(tracker *Tracker, cronExpr string, log *slog.Logger, onSweep func(removed int)) (*Sweeper, error) {
	if tracker == nil {
		return nil, fmt.Errorf("presence: nil tracker")
	}
	cronExpr = strings.TrimSpace(cronExpr)
	if cronExpr == "" {
		cronExpr = DefaultSweepCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("presence: invalid sweep cron expression: %q", cronExpr)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{tracker: tracker, cron: cronExpr, log: log, onSweep: onSweep}, nil
}

// Next returns the first scheduled run strictly after ref.
func (s *Sweeper) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, ref, false)
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("presence.sweeper.start", "cron", s.cron)
	defer s.log.Info("presence.sweeper.stop")

	for {
		wait := 30 * time.Second
		now := time.Now().UTC()
		next, err := s.Next(now)
		if err != nil {
			s.log.Error("presence.sweeper.next_tick.fail", "cron", s.cron, "err", err)
		} else {
			wait = next.Sub(now)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err == nil {
			n, _ := s.tracker.Sweep(ctx)
			if s.onSweep != nil {
				s.onSweep(n)
			}
		}
	}
}
