package agent

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/altum-labs/probanza/pkg/verdict"
)

// HTTPEvaluator calls a remote evaluator service with resilience patterns:
// exponential backoff with jitter, circuit breaking and client-side rate
// limiting. Responses are schema-validated before they become verdicts.
type HTTPEvaluator struct {
	client     *http.Client
	endpoint   string
	maxRetries int
	breaker    *CircuitBreaker
	limiter    *rate.Limiter
}

// HTTPEvaluatorConfig configures an HTTPEvaluator.
type HTTPEvaluatorConfig struct {
	Endpoint   string
	Timeout    time.Duration // per-attempt HTTP timeout
	MaxRetries int
	RPS        float64 // client-side rate limit, 0 = unlimited
	Burst      int
}

// NewHTTPEvaluator creates an evaluator client for the given endpoint.
func NewHTTPEvaluator(cfg HTTPEvaluatorConfig) *HTTPEvaluator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &HTTPEvaluator{
		client:     &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		maxRetries: retries,
		breaker:    NewCircuitBreaker(cfg.Endpoint, 5, 10*time.Second),
		limiter:    limiter,
	}
}

// Evaluate posts the request and validates the returned verdict.
func (e *HTTPEvaluator) Evaluate(ctx context.Context, req Request) (*verdict.AgentVerdict, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, e.classify(err)
		}
	}
	if !e.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit breaker open for %s", ErrCallFailed, e.endpoint)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrCallFailed, err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, e.classify(ctx.Err())
			case <-time.After(backoffWithJitter(attempt)):
			}
		}

		v, err := e.doOnce(ctx, body)
		if err == nil {
			e.breaker.Success()
			return v, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}

	e.breaker.Failure()
	return nil, e.classify(lastErr)
}

func (e *HTTPEvaluator) doOnce(ctx context.Context, body []byte) (*verdict.AgentVerdict, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("evaluator returned status %d", resp.StatusCode)
	}

	return ParseVerdict(raw)
}

// classify maps low-level errors to the package taxonomy.
func (e *HTTPEvaluator) classify(err error) error {
	if err == nil {
		return ErrCallFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, ErrCallFailed) || errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCallFailed, err)
}

// backoffWithJitter computes base * 2^attempt plus up to 50ms of jitter.
func backoffWithJitter(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 100 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		backoff += time.Duration(n.Int64()) * time.Millisecond
	}
	return backoff
}
