package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ike1112/travel-agent/internal/telemetry"
)

// Executor applies one retry/timeout policy to every capability call so no
// call site carries its own ad-hoc loop. It is stateless per invocation.
type Executor struct {
	registry   *Registry
	logger     *log.Logger
	telemetry  *telemetry.Telemetry
	maxRetries int
	baseDelay  time.Duration
}

// NewExecutor builds an Executor. maxRetries counts retries after the
// first attempt; transient failures are retried, everything else is not.
func NewExecutor(registry *Registry, maxRetries int, baseDelay time.Duration, tele *telemetry.Telemetry, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXEC] ", log.LstdFlags)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Executor{registry: registry, logger: logger, telemetry: tele, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Invoke runs one capability under a hard timeout. The timeout covers the
// whole invocation including retries; exceeding it yields TimedOut. A
// transient provider failure is retried with exponential backoff up to the
// configured bound, then surfaces as Failed. An empty provider answer is a
// settled Empty result and is never retried.
func (e *Executor) Invoke(ctx context.Context, capabilityID string, input Input, timeout time.Duration) Result {
	started := time.Now()
	result := Result{Capability: capabilityID}

	capability, ok := e.registry.Capability(capabilityID)
	if !ok {
		result.Status = StatusFailed
		result.ErrorKind = KindValidation
		result.Error = fmt.Sprintf("capability not registered: %s", capabilityID)
		result.Duration = time.Since(started)
		e.telemetry.RecordInvocation(capabilityID, result.Status, result.Duration)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	var out Output
	operation := func() error {
		attempts++
		o, err := capability.Execute(ctx, input)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = o
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.baseDelay
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxRetries)), ctx))

	result.Attempts = attempts
	result.Duration = time.Since(started)

	switch {
	case err == nil && out.Empty:
		result.Status = StatusEmpty
		result.Reason = out.Reason
	case err == nil:
		result.Status = StatusSuccess
		result.Data = out.Data
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Status = StatusTimedOut
		result.ErrorKind = KindTimeout
		result.Error = fmt.Sprintf("%s timed out after %v", capabilityID, timeout)
	case IsTransient(err):
		result.Status = StatusFailed
		result.ErrorKind = KindTransient
		result.Error = err.Error()
	default:
		result.Status = StatusFailed
		result.ErrorKind = KindProvider
		result.Error = err.Error()
	}

	if result.Status != StatusSuccess {
		e.logger.Printf("%s settled %s after %d attempt(s): %s", capabilityID, result.Status, attempts, result.Error)
	}
	e.telemetry.RecordInvocation(capabilityID, result.Status, result.Duration)
	return result
}
