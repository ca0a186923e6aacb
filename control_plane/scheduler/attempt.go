package scheduler

import (
	"context"
	"time"

	"github.com/itskum47/ovhsniper/control_plane/errs"
	"github.com/itskum47/ovhsniper/control_plane/observability"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

// attempt performs one availability check and, only if the target is in
// stock and the task is still live, one order attempt. Every provider
// failure is folded into the returned Outcome.
func (s *Scheduler) attempt(ctx, taskCtx context.Context, item *store.QueueItem) store.Outcome {
	start := time.Now()
	defer func() {
		observability.AttemptDuration.Observe(time.Since(start).Seconds())
	}()

	available, err := s.inventory.CheckAvailability(ctx, item.PlanCode, item.Datacenter)
	if err != nil {
		return failureOutcome(err)
	}
	if !available {
		return store.Unavailable()
	}
	if taskCtx.Err() != nil {
		// Paused or deleted during the check; the result is discarded anyway.
		return store.Unavailable()
	}

	s.journalf(ctx, store.LevelInfo, "%s is available in %s, placing order", item.PlanCode, item.Datacenter)
	res, err := s.orders.PlaceOrder(ctx, item.PlanCode, item.Datacenter, item.Options)
	if err != nil {
		return failureOutcome(err)
	}
	return store.OrderSucceeded(res.OrderID, res.OrderURL)
}

// failureOutcome maps an error onto the failure kinds of the state machine.
// Unclassified errors are retried.
func failureOutcome(err error) store.Outcome {
	msg := errs.Message(err)
	switch errs.KindOf(err) {
	case errs.KindAuth:
		return store.OrderFailed(store.FailureAuth, msg)
	case errs.KindValidation, errs.KindNotFound, errs.KindConflict:
		return store.OrderFailed(store.FailureNonRetryable, msg)
	default:
		return store.OrderFailed(store.FailureRetryable, msg)
	}
}
