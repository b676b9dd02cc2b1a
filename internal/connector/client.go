package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/skillgate/skillgate/internal/fault"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultBackoffBase = 250 * time.Millisecond
	maxResponseBytes   = 4 << 20
)

// client is the shared HTTP core behind every connector: retry with
// exponential backoff and jitter for transient failures, a hard
// per-call timeout, and cost accounting against the session meter.
type client struct {
	cfg    Config
	http   *http.Client
	meter  *Meter
	logger *zap.Logger
}

func newClient(cfg Config, meter *Meter, logger *zap.Logger) *client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	return &client{
		cfg:    cfg,
		http:   &http.Client{},
		meter:  meter,
		logger: logger,
	}
}

// do issues one logical call. The flat per-call cost is committed to
// the meter whether the call succeeds or fails; connectors with
// usage-based pricing commit the surplus themselves on success.
func (c *client) do(ctx context.Context, method, url string, headers map[string]string, body []byte, op string) ([]byte, *CallRecord, error) {
	rec := &CallRecord{Connector: c.cfg.ID, Operation: op}

	if err := c.meter.Reserve(c.cfg.CostMicros); err != nil {
		rec.Outcome = "cost_limit"
		return nil, rec, err
	}

	start := time.Now()
	defer func() {
		rec.Latency = time.Since(start)
		rec.CostMicros += c.cfg.CostMicros
		c.meter.Commit(c.cfg.CostMicros)
		c.logger.Debug("connector call",
			zap.String("connector", c.cfg.ID),
			zap.String("operation", op),
			zap.Int("attempts", rec.Attempts),
			zap.Duration("latency", rec.Latency),
			zap.String("outcome", rec.Outcome))
	}()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		rec.Attempts = attempt

		data, retryable, err := c.attempt(ctx, method, url, headers, body)
		if err == nil {
			rec.Outcome = "ok"
			return data, rec, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			rec.Outcome = "cancelled"
			return nil, rec, fmt.Errorf("%s call cancelled: %w", c.cfg.ID, ctx.Err())
		}
		if !retryable {
			rec.Outcome = "error"
			return nil, rec, err
		}
		if attempt < c.cfg.MaxAttempts {
			if err := c.sleep(ctx, attempt); err != nil {
				rec.Outcome = "cancelled"
				return nil, rec, err
			}
		}
	}

	if fault.IsKind(lastErr, fault.ConnectorTimeout) {
		rec.Outcome = "timeout"
	} else {
		rec.Outcome = "error"
	}
	return nil, rec, fmt.Errorf("%s: retries exhausted after %d attempts: %w",
		c.cfg.ID, c.cfg.MaxAttempts, lastErr)
}

// attempt performs a single HTTP exchange under the per-call timeout.
// The bool return reports whether the failure is transient.
func (c *client) attempt(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, true, fault.New(fault.ConnectorTimeout,
				"%s call exceeded %s", c.cfg.ID, c.cfg.Timeout)
		}
		// Transport-level failures are transient.
		return nil, true, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode < 400:
		return data, false, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%s API error %d: %s", c.cfg.ID, resp.StatusCode, truncate(data, 300))
	default:
		// Auth errors, malformed requests: no retry.
		return nil, false, fmt.Errorf("%s API error %d: %s", c.cfg.ID, resp.StatusCode, truncate(data, 300))
	}
}

// sleep waits out the backoff for the given attempt: base*2^(n-1) plus
// up to one base interval of jitter.
func (c *client) sleep(ctx context.Context, attempt int) error {
	backoff := c.cfg.BackoffBase << (attempt - 1)
	backoff += time.Duration(rand.Int63n(int64(c.cfg.BackoffBase)))
	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s backoff interrupted: %w", c.cfg.ID, ctx.Err())
	case <-t.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
