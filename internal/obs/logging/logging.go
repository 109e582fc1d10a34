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

// Package logging wires zap into logr with structured JSON output,
// correlation fields carried in the request context, and redaction of
// sensitive values before they reach gateway or hypervisor logs.
package logging

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey represents the type for context keys
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs
	CorrelationIDKey ContextKey = "correlationID"
	// UserKey is the context key for the authenticated user ID
	UserKey ContextKey = "user"
	// OrderKey is the context key for order numbers
	OrderKey ContextKey = "order"
	// VPSKey is the context key for VPS instance IDs
	VPSKey ContextKey = "vps"
	// TxnKey is the context key for payment transaction IDs
	TxnKey ContextKey = "txn"
	// TaskRefKey is the context key for hypervisor task handles
	TaskRefKey ContextKey = "taskRef"
)

// Config holds logging configuration
type Config struct {
	Level       string
	Format      string // json or console
	Sampling    bool
	Development bool
}

var (
	rootMu sync.RWMutex
	root   = logr.Discard()
)

// Setup builds the global logger from config. It is called once from main;
// every other package obtains loggers through FromContext or Root.
func Setup(config *Config) error {
	zapConfig := zap.NewProductionConfig()
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if config.Format == "console" {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig.Encoding = "json"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	level := zap.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zap.DebugLevel
	case "info":
		level = zap.InfoLevel
	case "warn", "warning":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if config.Sampling {
		zapConfig.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	}

	zapLogger, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	rootMu.Lock()
	root = zapr.NewLogger(zapLogger)
	rootMu.Unlock()
	return nil
}

// Root returns the process-wide logger.
func Root() logr.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// FromContext returns the root logger enriched with correlation fields
// carried in ctx.
func FromContext(ctx context.Context) logr.Logger {
	return enrichLogger(ctx, Root())
}

// WithCorrelationID adds a correlation ID to context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// CorrelationID returns the correlation ID from ctx, if any.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUser adds the authenticated user ID to context.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserKey, userID)
}

// WithOrder adds an order number to context.
func WithOrder(ctx context.Context, number string) context.Context {
	return context.WithValue(ctx, OrderKey, number)
}

// WithVPS adds a VPS instance ID to context.
func WithVPS(ctx context.Context, vpsID string) context.Context {
	return context.WithValue(ctx, VPSKey, vpsID)
}

// WithTxn adds a payment transaction ID to context.
func WithTxn(ctx context.Context, txnID string) context.Context {
	return context.WithValue(ctx, TxnKey, txnID)
}

// WithTaskRef adds a hypervisor task handle to context.
func WithTaskRef(ctx context.Context, taskRef string) context.Context {
	return context.WithValue(ctx, TaskRefKey, taskRef)
}

func enrichLogger(ctx context.Context, logger logr.Logger) logr.Logger {
	fields := make([]interface{}, 0, 12)

	for _, key := range []ContextKey{CorrelationIDKey, UserKey, OrderKey, VPSKey, TxnKey, TaskRefKey} {
		if val := ctx.Value(key); val != nil {
			fields = append(fields, string(key), val)
		}
	}

	if len(fields) > 0 {
		return logger.WithValues(fields...)
	}
	return logger
}

// Redactor provides secure logging by redacting sensitive information.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with common sensitive patterns.
func NewRedactor() *Redactor {
	patterns := []*regexp.Regexp{
		// Passwords in URLs
		regexp.MustCompile(`://[^:]*:([^@]*?)@`),
		// API keys, tokens, gateway secrets
		regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|pwd|signature)\s*[:=]\s*["']?([^"'\s&]+)["']?`),
		// SSH keys
		regexp.MustCompile(`ssh-[a-z0-9]+ [A-Za-z0-9+/=]+ `),
	}
	return &Redactor{patterns: patterns}
}

// Redact removes sensitive information from strings.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, pattern := range r.patterns {
		if pattern.NumSubexp() > 0 {
			result = pattern.ReplaceAllStringFunc(result, func(match string) string {
				submatches := pattern.FindStringSubmatch(match)
				if len(submatches) > 1 {
					return strings.Replace(match, submatches[1], "[REDACTED]", 1)
				}
				return match
			})
		} else {
			result = pattern.ReplaceAllString(result, "[REDACTED]")
		}
	}
	return result
}

// RedactMap redacts values in a map keyed by parameter name.
func (r *Redactor) RedactMap(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	result := make(map[string]string, len(input))
	for k, v := range input {
		if isSensitiveKey(k) {
			result[k] = "[REDACTED]"
		} else {
			result[k] = r.Redact(v)
		}
	}
	return result
}

var globalRedactor = NewRedactor()

// RedactString is a convenience function for global redaction.
func RedactString(input string) string {
	return globalRedactor.Redact(input)
}

// RedactMap is a convenience function for global map redaction.
func RedactMap(input map[string]string) map[string]string {
	return globalRedactor.RedactMap(input)
}

func isSensitiveKey(key string) bool {
	sensitiveKeys := []string{
		"password", "passwd", "pwd", "secret", "token", "key", "auth",
		"credential", "cred", "signature", "securehash", "vnc",
	}
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}
