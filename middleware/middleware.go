// Package middleware provides composable interceptors for enrollment
// advancement. An interceptor wraps the advancement routine synchronously
// and can modify execution: recover from panics, restore tenant scope,
// log, trace, record metrics, enforce a deadline.
//
// Interceptors compose through workflow.Chain, first-listed outermost:
//
//	workflow.WithInterceptors(
//		middleware.Recover(logger),
//		middleware.Tracing(),
//		middleware.Metrics(),
//		middleware.Logging(logger),
//		middleware.Scope(),
//	)
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// Recover returns an interceptor that recovers from panics in the
// advancement chain. Panics are converted to errors and logged with a
// stack trace, so one broken node executor cannot take down a sweep.
func Recover(logger *slog.Logger) workflow.Interceptor {
	return func(next workflow.AdvanceFunc) workflow.AdvanceFunc {
		return func(ctx context.Context, enr *workflow.Enrollment, trigger workflow.Trigger) (retErr error) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())
					logger.Error("advancement panicked",
						slog.String("enrollment_id", enr.ID.String()),
						slog.String("trigger", string(trigger)),
						slog.Any("panic", r),
						slog.String("stack", stack),
					)
					retErr = fmt.Errorf("panic advancing enrollment %s: %v", enr.ID, r)
				}
			}()
			return next(ctx, enr, trigger)
		}
	}
}

// Logging returns an interceptor that logs advancement start and
// completion.
func Logging(logger *slog.Logger) workflow.Interceptor {
	return func(next workflow.AdvanceFunc) workflow.AdvanceFunc {
		return func(ctx context.Context, enr *workflow.Enrollment, trigger workflow.Trigger) error {
			logger.Debug("advancement started",
				slog.String("enrollment_id", enr.ID.String()),
				slog.String("workflow_id", enr.WorkflowID.String()),
				slog.String("trigger", string(trigger)),
			)

			start := time.Now()
			err := next(ctx, enr, trigger)
			elapsed := time.Since(start)

			if err != nil {
				logger.Error("advancement failed",
					slog.String("enrollment_id", enr.ID.String()),
					slog.String("trigger", string(trigger)),
					slog.Duration("elapsed", elapsed),
					slog.String("error", err.Error()),
				)
			} else {
				logger.Debug("advancement finished",
					slog.String("enrollment_id", enr.ID.String()),
					slog.String("trigger", string(trigger)),
					slog.Duration("elapsed", elapsed),
				)
			}
			return err
		}
	}
}

// Scope returns an interceptor that restores the enrollment's tenant into
// the context, so node executors and store calls see the same tenant
// scope as the original caller.
func Scope() workflow.Interceptor {
	return func(next workflow.AdvanceFunc) workflow.AdvanceFunc {
		return func(ctx context.Context, enr *workflow.Enrollment, trigger workflow.Trigger) error {
			return next(sequent.WithTenant(ctx, enr.TenantID), enr, trigger)
		}
	}
}

// Timeout returns an interceptor that bounds one advancement call. Zero
// disables the bound.
func Timeout(d time.Duration) workflow.Interceptor {
	return func(next workflow.AdvanceFunc) workflow.AdvanceFunc {
		return func(ctx context.Context, enr *workflow.Enrollment, trigger workflow.Trigger) error {
			if d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return next(ctx, enr, trigger)
		}
	}
}
