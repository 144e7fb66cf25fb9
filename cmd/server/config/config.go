package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// SagaConfig holds orchestrator and guard settings.
type SagaConfig struct {
	Timeout            time.Duration
	CriticalRetries    int
	CriticalBaseDelay  time.Duration
	OptimisticAttempts int
	OptimisticDelay    time.Duration
	LockWait           time.Duration
	LockLease          time.Duration
}

// OutboxConfig holds outbox relay settings.
type OutboxConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
	StaleAfter time.Duration
}

// CouponConfig holds coupon issuance worker settings.
type CouponConfig struct {
	Group        string
	Consumer     string
	PollInterval time.Duration
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	Addr string
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = optionalInt64("REDIS_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadSaga reads orchestrator and guard settings from env. Zero values
// fall back to component defaults.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{}
	var err error

	if cfg.Timeout, err = optionalDurationValue("SAGA_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.CriticalRetries, err = optionalIntValue("SAGA_CRITICAL_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.CriticalBaseDelay, err = optionalDurationValue("SAGA_CRITICAL_BASE_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.OptimisticAttempts, err = optionalIntValue("SAGA_OPTIMISTIC_ATTEMPTS"); err != nil {
		return cfg, err
	}
	if cfg.OptimisticDelay, err = optionalDurationValue("SAGA_OPTIMISTIC_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.LockWait, err = optionalDurationValue("SAGA_LOCK_WAIT"); err != nil {
		return cfg, err
	}
	if cfg.LockLease, err = optionalDurationValue("SAGA_LOCK_LEASE"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadOutbox reads outbox relay settings from env.
func LoadOutbox() (OutboxConfig, error) {
	cfg := OutboxConfig{}
	var err error

	if cfg.Interval, err = optionalDurationValue("OUTBOX_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = optionalIntValue("OUTBOX_BATCH_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalIntValue("OUTBOX_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.StaleAfter, err = optionalDurationValue("OUTBOX_STALE_AFTER"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadCoupon reads coupon worker settings from env.
func LoadCoupon() (CouponConfig, error) {
	cfg := CouponConfig{
		Group:    strings.TrimSpace(os.Getenv("COUPON_GROUP")),
		Consumer: strings.TrimSpace(os.Getenv("COUPON_CONSUMER")),
	}
	if cfg.Group == "" {
		cfg.Group = "coupon-issuers"
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = "issuer-" + host
	}

	var err error
	if cfg.PollInterval, err = optionalDurationValue("COUPON_POLL_INTERVAL"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadServer reads the order API listen address from env.
func LoadServer() (ServerConfig, error) {
	addr, err := requiredString("SERVER_ADDR")
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{Addr: addr}, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalDurationValue(name string) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	return *val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalIntValue(name string) (int, error) {
	val, err := optionalInt(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	return *val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
