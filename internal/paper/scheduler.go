package paper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/diffstock/coreengine/internal/errkind"
)

// schedulerLoop is the single cooperative task that fires Reconcile at
// T1, T2, and re-fires on every future rebalance instant, realizing
// invariant 8.7 via marketdata.Calendar.NextInstant: the next scheduled
// rebalance always equals the smallest future matching instant. It also
// fires the weekly optimization window (opt_time/opt_weekdays), which
// re-runs the C4 -> C5 pipeline through OptimizeFunc and feeds the
// result into the target weights the same reconcile then applies.
func (e *Engine) schedulerLoop(ctx context.Context) {
	for {
		e.mu.RLock()
		sched := e.schedule
		paused := e.state == StatePaused
		hasOptimizer := e.optimize != nil
		e.mu.RUnlock()

		now := time.Now()
		if e.calendar == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Hour):
			}
			continue
		}

		next1 := e.calendar.NextInstant(now, sched.Time1Hour, sched.Time1Min, nil)
		next2 := e.calendar.NextInstant(now, sched.Time2Hour, sched.Time2Min, nil)
		var nextOpt time.Time
		if hasOptimizer {
			nextOpt = e.calendar.NextInstant(now, sched.OptTimeHour, sched.OptTimeMin, sched.OptWeekdays)
		}
		next, fireOpt := nextScheduledFire(next1, next2, hasOptimizer, nextOpt)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if paused {
				continue
			}
			if fireOpt {
				if err := e.runOptimizationWindow(ctx); err != nil {
					e.logger.Warn("optimization window failed", zap.Error(err))
				}
			}
			if err := e.Reconcile(ctx); err != nil {
				e.logger.Warn("scheduled reconcile failed", zap.Error(err))
			}
		}
	}
}

// nextScheduledFire picks the earliest of the two daily rebalance
// instants and, when an optimizer is wired, the next optimization window,
// reporting whether the optimization window is what fires.
func nextScheduledFire(next1, next2 time.Time, hasOptimizer bool, nextOpt time.Time) (next time.Time, fireOpt bool) {
	next = next1
	if next2.Before(next) {
		next = next2
	}
	if hasOptimizer && nextOpt.Before(next) {
		next = nextOpt
	}
	fireOpt = hasOptimizer && next.Equal(nextOpt)
	return next, fireOpt
}

// runOptimizationWindow re-optimizes over the engine's current target
// universe and replaces the target weights with the result. Reconcile,
// called right after by schedulerLoop, is what turns those weights into
// holdings.
func (e *Engine) runOptimizationWindow(ctx context.Context) error {
	e.mu.RLock()
	optimize := e.optimize
	symbols := make([]string, 0, len(e.targetWeights))
	for sym := range e.targetWeights {
		symbols = append(symbols, sym)
	}
	e.mu.RUnlock()

	if optimize == nil || len(symbols) == 0 {
		return nil
	}

	weights, err := optimize(ctx, symbols)
	if err != nil {
		return errkind.Wrap(errkind.Transient, "paper.runOptimizationWindow", "optimize target universe", err)
	}

	e.mu.Lock()
	e.targetWeights = copyWeights(weights)
	e.mu.Unlock()
	return nil
}
