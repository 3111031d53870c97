package share

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultCleanupCron = "*/10 * * * *"

// Janitor removes expired share records on a cron schedule.
type Janitor struct {
	gateway *Gateway
	expr    string
	now     func() time.Time
}

func NewJanitor(g *Gateway, expr string) (*Janitor, error) {
	if g == nil {
		return nil, errors.New("share janitor: gateway is nil")
	}
	if expr == "" {
		expr = DefaultCleanupCron
	}
	if !gronx.IsValid(expr) {
		return nil, errors.Errorf("share janitor: invalid cron expression %q", expr)
	}
	return &Janitor{gateway: g, expr: expr, now: time.Now}, nil
}

// Next returns the next scheduled run after t.
func (j *Janitor) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.expr, t, false)
}

func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	n, err := j.gateway.Cleanup(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Str("component", "share").Int("deleted", n).Msg("expired share links removed")
	}
	return n, nil
}

// Run blocks until ctx is done, cleaning up at every scheduled tick.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next, err := j.Next(j.now())
		if err != nil {
			return errors.Wrap(err, "share janitor: next tick")
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := j.RunOnce(ctx); err != nil {
			log.Warn().Err(err).Str("component", "share").Msg("share cleanup failed")
		}
	}
}
