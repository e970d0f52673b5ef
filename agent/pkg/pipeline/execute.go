package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
)

var failureKinds = map[querier.FailureKind]ErrorKind{
	querier.FailureTimeout:    KindExecutionTimeout,
	querier.FailureConnection: KindExecutionConnectionError,
	querier.FailureSyntax:     KindExecutionEngineRejected,
	querier.FailurePermission: KindExecutionPermissionDenied,
}

// Execute runs validated SQL. Connection errors are retried with exponential
// backoff up to ConnectRetries attempts; every other failure surfaces at once
// as a *Error tagged with the execution kind.
func (p *Pipeline) Execute(ctx context.Context, sql string) (*querier.Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.ConnectBackoff

	attempt := 0
	result, err := backoff.Retry(ctx, func() (*querier.Result, error) {
		attempt++
		res, err := p.cfg.Querier.Query(ctx, sql)
		if err == nil {
			return res, nil
		}
		if kind, ok := querier.FailureOf(err); ok && kind == querier.FailureConnection && ctx.Err() == nil {
			p.log.Warn("pipeline: datastore unreachable, retrying", "attempt", attempt, "error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(p.cfg.ConnectRetries)))
	if err != nil {
		return nil, p.executionError(ctx, err)
	}

	p.log.Info("pipeline: query executed", "rows", result.Count, "truncated", result.Truncated, "duration", result.Duration)
	return result, nil
}

func (p *Pipeline) executionError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return newError(KindCanceled, StageExecuting, ctx.Err())
	}
	kind, ok := querier.FailureOf(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			return newError(KindCanceled, StageExecuting, err)
		}
		// Unclassified failures are treated as the engine refusing the query.
		kind = querier.FailureSyntax
	}
	pe := newError(failureKinds[kind], StageExecuting, err)
	p.log.Warn("pipeline: query failed", "kind", pe.Kind, "error", err)
	return pe
}

// EngineMessage returns the datastore's own message for an execution
// failure, suitable as generation feedback.
func EngineMessage(err error) string {
	var execErr *querier.ExecError
	if errors.As(err, &execErr) {
		return execErr.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// formatValueForLLM formats a single value for display to the LLM.
// Floats are rounded to 2 decimal places so long decimals such as
// 3.3333333333333335 are not mistaken for encoded values.
func formatValueForLLM(v any) string {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return ""
		}
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case float32:
		return formatValueForLLM(float64(val))
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format(time.DateOnly)
		}
		return val.Format(time.RFC3339)
	case nil:
		return ""
	default:
		s := fmt.Sprintf("%v", v)
		if len(s) > 100 {
			s = s[:97] + "..."
		}
		return s
	}
}
