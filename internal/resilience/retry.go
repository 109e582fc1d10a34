/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/vietstack/vpsd/internal/errdefs"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts int           // Maximum number of retry attempts
	BaseDelay   time.Duration // Base delay between retries
	MaxDelay    time.Duration // Maximum delay between retries
	Multiplier  float64       // Backoff multiplier
	Jitter      bool          // Whether to add jitter to delays
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// RetryFunc represents a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// Retry executes a function with exponential backoff retry logic. Only
// errors categorized as retryable (upstream transport failures) are retried.
func Retry(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		lastErr = err

		if !errdefs.IsRetryable(err) {
			return err
		}

		// Don't delay after the last attempt
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := calculateDelay(config, attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// calculateDelay calculates the delay for the given attempt
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	if time.Duration(delay) > config.MaxDelay {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		// Up to 10% of the delay
		jitter := delay * 0.1 * rand.Float64()
		delay += jitter
	}

	return time.Duration(delay)
}

// Policy combines retry and circuit breaker protection for upstream calls.
type Policy struct {
	retryConfig    *RetryConfig
	circuitBreaker *CircuitBreaker
	name           string
}

// NewPolicy creates a new resilience policy
func NewPolicy(name string, retryConfig *RetryConfig, circuitBreaker *CircuitBreaker) *Policy {
	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
	}
	return &Policy{
		retryConfig:    retryConfig,
		circuitBreaker: circuitBreaker,
		name:           name,
	}
}

// Execute executes a function with the full resilience policy
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, p.retryConfig, func(ctx context.Context, attempt int) error {
		if p.circuitBreaker != nil {
			return p.circuitBreaker.Call(ctx, fn)
		}
		return fn(ctx)
	})
}

// NoRetryConfig returns a configuration with no retries
func NoRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   0,
		MaxDelay:    0,
		Multiplier:  1.0,
		Jitter:      false,
	}
}
