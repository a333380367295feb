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

	"orderflow/internal/reliability"
)

// LedgerConfig holds the ledger endpoint and OAuth2 client credentials.
type LedgerConfig struct {
	BaseURL      string
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
}

// SagaConfig holds saga execution settings.
type SagaConfig struct {
	Reliability          reliability.Config
	DefaultDeadline      time.Duration
	MaxLineItems         int
	IdempotencyLease     time.Duration
	IdempotencyRetention time.Duration
	JournalPath          string
}

// RedisConfig holds Redis connection settings. An empty URL disables Redis.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the admin HTTP address and telemetry export settings.
type ObservabilityConfig struct {
	Addr         string
	OTLPEndpoint string
	ServiceName  string
}

// LoadLedger reads ledger connection settings from env.
func LoadLedger() (LedgerConfig, error) {
	var (
		cfg LedgerConfig
		err error
	)
	if cfg.BaseURL, err = requiredString("LEDGER_BASE_URL"); err != nil {
		return cfg, err
	}
	if cfg.TenantID, err = requiredString("LEDGER_TENANT_ID"); err != nil {
		return cfg, err
	}
	if cfg.ClientID, err = requiredString("LEDGER_CLIENT_ID"); err != nil {
		return cfg, err
	}
	if cfg.ClientSecret, err = requiredString("LEDGER_CLIENT_SECRET"); err != nil {
		return cfg, err
	}
	if cfg.TokenURL, err = requiredString("LEDGER_TOKEN_URL"); err != nil {
		return cfg, err
	}
	cfg.Scopes = optionalList("LEDGER_SCOPES")
	timeout, err := optionalDuration("LEDGER_REQUEST_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	if timeout != nil {
		cfg.Timeout = *timeout
	}
	return cfg, nil
}

// LoadSaga reads retry, breaker and saga settings from env. Unset values keep the
// reliability defaults.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{
		Reliability:          reliability.DefaultConfig(),
		DefaultDeadline:      2 * time.Minute,
		MaxLineItems:         100,
		IdempotencyLease:     2 * time.Minute,
		IdempotencyRetention: 7 * 24 * time.Hour,
		JournalPath:          strings.TrimSpace(os.Getenv("SAGA_JOURNAL_PATH")),
	}
	rel := &cfg.Reliability

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"SAGA_RETRY_BASE_DELAY", &rel.RetryBaseDelay},
		{"SAGA_RETRY_MAX_DELAY", &rel.RetryMaxDelay},
		{"SAGA_BREAKER_WINDOW", &rel.BreakerWindow},
		{"SAGA_BREAKER_RESET_TIMEOUT", &rel.BreakerResetTimeout},
		{"SAGA_BREAKER_MAX_RESET_TIMEOUT", &rel.BreakerMaxReset},
		{"LEDGER_RATE_LIMIT_INTERVAL", &rel.RateLimitInterval},
		{"SAGA_DEFAULT_DEADLINE", &cfg.DefaultDeadline},
		{"SAGA_IDEMPOTENCY_LEASE", &cfg.IdempotencyLease},
		{"SAGA_IDEMPOTENCY_RETENTION", &cfg.IdempotencyRetention},
	}
	for _, d := range durations {
		val, err := optionalDuration(d.name)
		if err != nil {
			return cfg, err
		}
		if val != nil {
			*d.dst = *val
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"SAGA_RETRY_MAX_ATTEMPTS", &rel.RetryMaxAttempts},
		{"SAGA_BREAKER_MAX_FAILURES", &rel.BreakerMaxFailures},
		{"LEDGER_RATE_LIMIT_BURST", &rel.RateLimitBurst},
		{"SAGA_MAX_LINE_ITEMS", &cfg.MaxLineItems},
	}
	for _, i := range ints {
		val, err := optionalInt(i.name)
		if err != nil {
			return cfg, err
		}
		if val != nil {
			*i.dst = *val
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SAGA_RETRY_FACTOR")); raw != "" {
		factor, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cfg, fmt.Errorf("SAGA_RETRY_FACTOR: %w", err)
		}
		rel.RetryFactor = factor
	}

	if err := rel.Validate(); err != nil {
		return cfg, fmt.Errorf("saga reliability settings: %w", err)
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env. REDIS_URL is optional.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:                strings.TrimSpace(os.Getenv("REDIS_URL")),
		HealthcheckTimeout: 2 * time.Second,
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
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

	healthcheck, err := optionalDuration("REDIS_HEALTHCHECK_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	if healthcheck != nil {
		cfg.HealthcheckTimeout = *healthcheck
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadGRPC reads the gRPC listen address and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		Addr:              stringOr("GRPC_ADDR", ":50051"),
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadObservability reads the admin HTTP address and OTLP exporter settings from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{
		Addr:         addr,
		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:  stringOr("OTEL_SERVICE_NAME", "orderflow"),
	}, nil
}

// DatabaseURL returns the optional Postgres DSN.
func DatabaseURL() string {
	return strings.TrimSpace(os.Getenv("DATABASE_URL"))
}

// Production reports whether APP_ENV names a production deployment.
func Production() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("APP_ENV")), "production")
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

func requiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
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

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func optionalList(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
