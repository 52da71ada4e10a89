package imagegate

import (
	"context"
	"time"
)

const (
	opGenerate = "generate"
	opEdit     = "edit"
	opCompose  = "compose"
)

// maxBackoff caps a single wait between direct-path attempts.
const maxBackoff = 10 * time.Minute

// Generate renders one image from prompt through the direct path.
//
// Transient failures are retried up to RetryCount attempts with a backoff of
// BackoffBase * 2^attempt between them. Content-filter and permanent failures
// return after the attempt that produced them.
func (c *Coordinator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	return c.direct(ctx, opGenerate, func(ctx context.Context) ([]byte, error) {
		return c.gateway.Generate(ctx, prompt)
	})
}

// Edit renders a new image from prompt and source through the direct path,
// with the same retry rules as Generate.
func (c *Coordinator) Edit(ctx context.Context, prompt string, source []byte) ([]byte, error) {
	return c.direct(ctx, opEdit, func(ctx context.Context) ([]byte, error) {
		return c.gateway.Edit(ctx, prompt, source)
	})
}

// Compose renders one image from prompt and two to four sources through the
// direct path, with the same retry rules as Generate. Sources are checked
// before the gateway is called.
func (c *Coordinator) Compose(ctx context.Context, prompt string, sources [][]byte) ([]byte, error) {
	if err := ValidateSources(sources); err != nil {
		return nil, err
	}
	return c.direct(ctx, opCompose, func(ctx context.Context) ([]byte, error) {
		return c.gateway.Compose(ctx, prompt, sources)
	})
}

func (c *Coordinator) direct(ctx context.Context, op string, call func(context.Context) ([]byte, error)) ([]byte, error) {
	attempts := max(c.cfg.RetryCount, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt - 1)
			c.logger.Warn("retrying gateway call",
				"op", op,
				"attempt", attempt+1,
				"wait", wait.String(),
				"error", lastErr,
			)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, &GatewayError{Op: op, Attempts: attempt, Err: lastErr}
			}
		}

		start := c.now()
		img, err := call(ctx)
		c.meter.OnGatewayCall(GatewayEvent{
			Op:       op,
			Attempt:  attempt + 1,
			Success:  err == nil,
			Duration: c.now().Sub(start),
			Error:    err,
		})
		if err == nil {
			return img, nil
		}
		lastErr = err

		if IsFatal(err) {
			c.logger.Warn("gateway call rejected", "op", op, "error", err)
			return nil, &GatewayError{Op: op, Attempts: attempt + 1, Err: err}
		}
		if ctx.Err() != nil {
			return nil, &GatewayError{Op: op, Attempts: attempt + 1, Err: err}
		}
	}

	c.logger.Error("gateway call failed", "op", op, "attempts", attempts, "error", lastErr)
	return nil, &GatewayError{Op: op, Attempts: attempts, Err: lastErr}
}

// backoff returns BackoffBase * 2^n, capped at maxBackoff.
func (c *Coordinator) backoff(n int) time.Duration {
	base := c.cfg.BackoffBase()
	if base <= 0 {
		return 0
	}
	if n >= 62 || base > maxBackoff>>n {
		return maxBackoff
	}
	return min(base<<n, maxBackoff)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
