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

// Package config loads the control-plane configuration. Defaults come from
// environment variables, an optional YAML file overlays them, and a fsnotify
// watcher hot-reloads the file. The configuration is loaded once at startup
// and passed down by explicit dependency; no package reads it at import time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "gopkg.in/yaml.v2"
)

// Config holds all configuration for the vpsd process.
type Config struct {
	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Database connection (consumed by the external persistence engine)
	DatabaseURL string `yaml:"databaseURL"`

	// Auth token issuance
	Auth AuthConfig `yaml:"auth"`

	// Hypervisor cluster connection defaults
	Hypervisor HypervisorConfig `yaml:"hypervisor"`

	// Payment gateways
	MoMo  MoMoConfig  `yaml:"momo"`
	VNPay VNPayConfig `yaml:"vnpay"`

	// SMTP mail transport
	SMTP SMTPConfig `yaml:"smtp"`

	// Expiration sweep
	Sweep SweepConfig `yaml:"sweep"`

	// Retry configuration for hypervisor calls
	Retry RetryConfig `yaml:"retry"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Sampling    bool   `yaml:"sampling"`
	Development bool   `yaml:"development"`
}

// AuthConfig holds token issuance configuration.
type AuthConfig struct {
	SecretKey         string        `yaml:"secretKey"`
	Algorithm         string        `yaml:"algorithm"`
	AccessTokenTTL    time.Duration `yaml:"accessTokenTTL"`
	RefreshTokenTTL   time.Duration `yaml:"refreshTokenTTL"`
	RefreshCookieName string        `yaml:"refreshCookieName"`
}

// HypervisorConfig holds the default cluster connection parameters. Per-cluster
// records in the store override these; TLS verification in particular is
// driven by the Cluster entity, never hardcoded.
type HypervisorConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	TokenID          string        `yaml:"tokenID"`
	TokenSecret      string        `yaml:"tokenSecret"`
	VerifyTLS        bool          `yaml:"verifyTLS"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	ReadTimeout      time.Duration `yaml:"readTimeout"`
	TaskPollInterval time.Duration `yaml:"taskPollInterval"`
	TaskTimeout      time.Duration `yaml:"taskTimeout"`
	// Stop-verify loop used before delete and during suspension.
	StopPollAttempts int           `yaml:"stopPollAttempts"`
	StopPollInterval time.Duration `yaml:"stopPollInterval"`
	// Guest IP discovery window after first boot.
	IPWaitTimeout  time.Duration `yaml:"ipWaitTimeout"`
	IPPollInterval time.Duration `yaml:"ipPollInterval"`
}

// Endpoint returns the cluster API base URL.
func (h *HypervisorConfig) Endpoint() string {
	return fmt.Sprintf("https://%s:%d", h.Host, h.Port)
}

// MoMoConfig holds gateway M credentials.
type MoMoConfig struct {
	PartnerCode string `yaml:"partnerCode"`
	AccessKey   string `yaml:"accessKey"`
	SecretKey   string `yaml:"secretKey"`
	Endpoint    string `yaml:"endpoint"`
	RedirectURL string `yaml:"redirectURL"`
	IPNURL      string `yaml:"ipnURL"`
}

// VNPayConfig holds gateway V credentials.
type VNPayConfig struct {
	TmnCode    string `yaml:"tmnCode"`
	HashSecret string `yaml:"hashSecret"`
	PayURL     string `yaml:"payURL"`
	ReturnURL  string `yaml:"returnURL"`
}

// SMTPConfig holds mail transport configuration.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SweepConfig holds expiration scheduler configuration.
type SweepConfig struct {
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"gracePeriod"`
}

// RetryConfig holds retry configuration for upstream calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter"`
}

// Default returns the configuration built from environment variables.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            getEnvWithDefault("LISTEN_ADDR", ":8080"),
			ReadTimeout:     getEnvDurationWithDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDurationWithDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDurationWithDefault("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Log: LogConfig{
			Level:       getEnvWithDefault("LOG_LEVEL", "info"),
			Format:      getEnvWithDefault("LOG_FORMAT", "json"),
			Sampling:    getEnvBoolWithDefault("LOG_SAMPLING", true),
			Development: getEnvBoolWithDefault("LOG_DEVELOPMENT", false),
		},
		DatabaseURL: getEnvWithDefault("DATABASE_URL", ""),
		Auth: AuthConfig{
			SecretKey:         getEnvWithDefault("SECRET_KEY", ""),
			Algorithm:         getEnvWithDefault("ALGORITHM", "HS256"),
			AccessTokenTTL:    getEnvDurationWithDefault("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:   getEnvDurationWithDefault("REFRESH_TOKEN_TTL", 14*24*time.Hour),
			RefreshCookieName: getEnvWithDefault("REFRESH_COOKIE_NAME", "vpsd_refresh_token"),
		},
		Hypervisor: HypervisorConfig{
			Host:             getEnvWithDefault("PVE_HOST", ""),
			Port:             getEnvIntWithDefault("PVE_PORT", 8006),
			User:             getEnvWithDefault("PVE_USER", ""),
			Password:         getEnvWithDefault("PVE_PASSWORD", ""),
			TokenID:          getEnvWithDefault("PVE_TOKEN_ID", ""),
			TokenSecret:      getEnvWithDefault("PVE_TOKEN_SECRET", ""),
			VerifyTLS:        getEnvBoolWithDefault("PVE_VERIFY_TLS", false),
			RequestTimeout:   getEnvDurationWithDefault("PVE_REQUEST_TIMEOUT", 30*time.Second),
			ReadTimeout:      getEnvDurationWithDefault("PVE_READ_TIMEOUT", 10*time.Second),
			TaskPollInterval: getEnvDurationWithDefault("PVE_TASK_POLL_INTERVAL", 2*time.Second),
			TaskTimeout:      getEnvDurationWithDefault("PVE_TASK_TIMEOUT", 5*time.Minute),
			StopPollAttempts: getEnvIntWithDefault("PVE_STOP_POLL_ATTEMPTS", 10),
			StopPollInterval: getEnvDurationWithDefault("PVE_STOP_POLL_INTERVAL", 30*time.Second),
			IPWaitTimeout:    getEnvDurationWithDefault("PVE_IP_WAIT_TIMEOUT", 5*time.Minute),
			IPPollInterval:   getEnvDurationWithDefault("PVE_IP_POLL_INTERVAL", 10*time.Second),
		},
		MoMo: MoMoConfig{
			PartnerCode: getEnvWithDefault("MOMO_PARTNER_CODE", ""),
			AccessKey:   getEnvWithDefault("MOMO_ACCESS_KEY", ""),
			SecretKey:   getEnvWithDefault("MOMO_SECRET_KEY", ""),
			Endpoint:    getEnvWithDefault("MOMO_ENDPOINT", "https://test-payment.momo.vn/v2/gateway/api/create"),
			RedirectURL: getEnvWithDefault("MOMO_REDIRECT_URL", ""),
			IPNURL:      getEnvWithDefault("MOMO_IPN_URL", ""),
		},
		VNPay: VNPayConfig{
			TmnCode:    getEnvWithDefault("VNPAY_TMN_CODE", ""),
			HashSecret: getEnvWithDefault("VNPAY_HASH_SECRET", ""),
			PayURL:     getEnvWithDefault("VNPAY_PAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
			ReturnURL:  getEnvWithDefault("VNPAY_RETURN_URL", ""),
		},
		SMTP: SMTPConfig{
			Host:     getEnvWithDefault("SMTP_HOST", ""),
			Port:     getEnvIntWithDefault("SMTP_PORT", 587),
			Username: getEnvWithDefault("SMTP_USERNAME", ""),
			Password: getEnvWithDefault("SMTP_PASSWORD", ""),
			From:     getEnvWithDefault("SMTP_FROM", ""),
		},
		Sweep: SweepConfig{
			Interval:    getEnvDurationWithDefault("SWEEP_INTERVAL", 5*time.Minute),
			GracePeriod: getEnvDurationWithDefault("SWEEP_GRACE_PERIOD", 24*time.Hour),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvIntWithDefault("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:   getEnvDurationWithDefault("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    getEnvDurationWithDefault("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:  getEnvFloatWithDefault("RETRY_MULTIPLIER", 2.0),
			Jitter:      getEnvBoolWithDefault("RETRY_JITTER", true),
		},
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	if !strings.EqualFold(c.Auth.Algorithm, "HS256") {
		return fmt.Errorf("unsupported signing algorithm %q", c.Auth.Algorithm)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// Manager manages configuration with hot-reload capability.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	watchers []chan *Config
	watcher  *fsnotify.Watcher
	file     string
}

// NewManager creates a configuration manager, overlaying the optional YAML
// file over environment defaults.
func NewManager(configFile string) (*Manager, error) {
	config := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	manager := &Manager{
		config:   config,
		watchers: make([]chan *Config, 0),
		file:     configFile,
	}

	if configFile != "" {
		if err := manager.setupFileWatcher(); err != nil {
			// Configuration is still usable without hot reload.
			fmt.Printf("Warning: failed to setup config file watcher: %v\n", err)
		}
	}

	return manager, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch returns a channel that receives configuration updates.
func (m *Manager) Watch() <-chan *Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Config, 1)
	m.watchers = append(m.watchers, ch)
	ch <- m.config
	return ch
}

// Update replaces the configuration and notifies watchers.
func (m *Manager) Update(config *Config) {
	m.mu.Lock()
	m.config = config
	watchers := make([]chan *Config, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, watcher := range watchers {
		select {
		case watcher <- config:
		default:
			// Channel is full, skip this update
		}
	}
}

// Close shuts down the manager and its file watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, watcher := range m.watchers {
		close(watcher)
	}
	m.watchers = nil

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) setupFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					m.reloadConfig()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Printf("Config file watcher error: %v\n", err)
			}
		}
	}()

	return watcher.Add(m.file)
}

func (m *Manager) reloadConfig() {
	config := Default()
	if err := loadFromFile(m.file, config); err != nil {
		fmt.Printf("Error reloading config: %v\n", err)
		return
	}
	m.Update(config)
}

func loadFromFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

// Helper functions for environment variable parsing

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
