package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultLogLevel             = "info"
	defaultEnvironment          = "local"
	defaultUpstreamBaseURL      = "https://api.esimaccess.com/api/v1/open"
	defaultUpstreamTimeout      = 15 * time.Second
	defaultUpstreamRatePerSec   = 8.0
	defaultUpstreamBurst        = 8
	defaultMarket               = "SA"
	defaultDisplayCurrency      = "USD"
	defaultMargin               = 1.0
	defaultCatalogTTL           = 300 * time.Second
	defaultCatalogFetchTimeout  = 20 * time.Second
	defaultRedisKeyPrefix       = "esim:catalog:"
	defaultPollAttempts         = 20
	defaultPollInterval         = 15 * time.Second
	defaultRequestTopic         = "esim-provisioning-requests"
	defaultResultTopic          = "esim-provisioning-results"
	defaultSubscription         = "esim-provisioner"
	defaultPublicPerMinute      = 120
	defaultOrderPerMinute       = 20
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer           = "https://accounts.google.com"
	defaultIAPIssuer            = "https://cloud.google.com/iap"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config captures all runtime configuration organised by concern. It is read once at
// process start; nothing mutates it afterwards.
type Config struct {
	Environment  string
	LogLevel     string
	Server       ServerConfig
	Upstream     UpstreamConfig
	Catalog      CatalogConfig
	Redis        RedisConfig
	Provisioning ProvisioningConfig
	PubSub       PubSubConfig
	Firestore    FirestoreConfig
	Secrets      SecretsConfig
	RateLimits   RateLimitConfig
	Security     SecurityConfig
	Idempotency  IdempotencyConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// UpstreamConfig configures the wholesale eSIM Access client.
type UpstreamConfig struct {
	BaseURL      string
	AccessCode   string
	Timeout      time.Duration
	RatePerSec   float64
	Burst        int
	PendingCodes []string
}

// CatalogConfig controls normalisation, pricing and caching of the package catalog.
type CatalogConfig struct {
	DefaultMarket       string
	DisplayCurrency     string
	Margin              float64
	TTL                 time.Duration
	FetchTimeout        time.Duration
	WarmMarkets         []string
	RequireKnownPackage bool
}

// RedisConfig enables the shared snapshot tier when Addr is set.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// ProvisioningConfig bounds the caller-side profile polling loop.
type ProvisioningConfig struct {
	PollAttempts int
	PollInterval time.Duration
}

// PubSubConfig enables provisioning job dispatch when ProjectID is set.
type PubSubConfig struct {
	ProjectID    string
	RequestTopic string
	ResultTopic  string
	Subscription string
}

// FirestoreConfig enables the durable idempotency store when ProjectID is set.
type FirestoreConfig struct {
	ProjectID string
}

type SecretsConfig struct {
	ProjectID string
}

type RateLimitConfig struct {
	PublicPerMinute int
	OrderPerMinute  int
}

// SecurityConfig guards the internal operations routes.
type SecurityConfig struct {
	OIDC OIDCConfig
}

type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves secret references such as secret://projects/p/secrets/s/versions/latest.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists configuration fields that are missing or invalid. It is fatal:
// the process must not serve catalog requests with an invalid configuration.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes a failure resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path. An empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		if resolver != nil {
			o.secret = resolver
		}
	}
}

// Lookup returns a single raw value using the same precedence as Load
// (explicit map, then process env, then dotenv). Callers use it to bootstrap
// components, such as the secret fetcher, before Load runs.
func Lookup(key string, opts ...Option) (string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	lookup, err := options.lookupFunc()
	if err != nil {
		return "", err
	}
	value, _ := lookup(key)
	return strings.TrimSpace(value), nil
}

func defaultOptions() loaderOptions {
	return loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
}

func (o loaderOptions) lookupFunc() (func(string) (string, bool), error) {
	dotEnv, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := o.envMap[key]; ok {
			return value, true
		}
		if o.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}, nil
}

// Load reads configuration from the environment (and optional .env file), resolves
// secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	lookup, err := options.lookupFunc()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
		LogLevel:    stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel),
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Upstream: UpstreamConfig{
			BaseURL:      stringWithDefault(lookup, "ESIM_BASE_URL", defaultUpstreamBaseURL),
			AccessCode:   stringWithDefault(lookup, "ESIM_ACCESS_CODE", ""),
			Timeout:      durationWithDefault(lookup, "ESIM_REQUEST_TIMEOUT", defaultUpstreamTimeout),
			RatePerSec:   floatWithDefault(lookup, "ESIM_RATE_LIMIT_PER_SEC", defaultUpstreamRatePerSec),
			Burst:        intWithDefault(lookup, "ESIM_RATE_LIMIT_BURST", defaultUpstreamBurst),
			PendingCodes: csvWithDefault(lookup, "ESIM_PENDING_ERROR_CODES"),
		},
		Catalog: CatalogConfig{
			DefaultMarket:       strings.ToUpper(stringWithDefault(lookup, "ESIM_DEFAULT_MARKET", defaultMarket)),
			DisplayCurrency:     strings.ToUpper(stringWithDefault(lookup, "ESIM_DISPLAY_CURRENCY", defaultDisplayCurrency)),
			Margin:              floatWithDefault(lookup, "ESIM_MARGIN", defaultMargin),
			TTL:                 durationWithDefault(lookup, "ESIM_CATALOG_TTL", defaultCatalogTTL),
			FetchTimeout:        durationWithDefault(lookup, "ESIM_CATALOG_FETCH_TIMEOUT", defaultCatalogFetchTimeout),
			WarmMarkets:         upperAll(csvWithDefault(lookup, "ESIM_CATALOG_WARM_MARKETS")),
			RequireKnownPackage: boolWithDefault(lookup, "ESIM_ORDER_REQUIRE_KNOWN_PACKAGE", true),
		},
		Redis: RedisConfig{
			Addr:      stringWithDefault(lookup, "ESIM_REDIS_ADDR", ""),
			Password:  stringWithDefault(lookup, "ESIM_REDIS_PASSWORD", ""),
			DB:        intWithDefault(lookup, "ESIM_REDIS_DB", 0),
			KeyPrefix: stringWithDefault(lookup, "ESIM_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		Provisioning: ProvisioningConfig{
			PollAttempts: intWithDefault(lookup, "ESIM_PROVISIONING_POLL_ATTEMPTS", defaultPollAttempts),
			PollInterval: durationWithDefault(lookup, "ESIM_PROVISIONING_POLL_INTERVAL", defaultPollInterval),
		},
		PubSub: PubSubConfig{
			ProjectID:    stringWithDefault(lookup, "ESIM_PUBSUB_PROJECT_ID", ""),
			RequestTopic: stringWithDefault(lookup, "ESIM_PUBSUB_REQUEST_TOPIC", defaultRequestTopic),
			ResultTopic:  stringWithDefault(lookup, "ESIM_PUBSUB_RESULT_TOPIC", defaultResultTopic),
			Subscription: stringWithDefault(lookup, "ESIM_PUBSUB_SUBSCRIPTION", defaultSubscription),
		},
		Firestore: FirestoreConfig{
			ProjectID: stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
		},
		Secrets: SecretsConfig{
			ProjectID: stringWithDefault(lookup, "API_SECRETS_PROJECT_ID", ""),
		},
		RateLimits: RateLimitConfig{
			PublicPerMinute: intWithDefault(lookup, "API_RATELIMIT_PUBLIC_PER_MIN", defaultPublicPerMinute),
			OrderPerMinute:  intWithDefault(lookup, "API_RATELIMIT_ORDER_PER_MIN", defaultOrderPerMinute),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer, defaultIAPIssuer}
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.PubSub.ProjectID
	}

	secretFields := []*string{&cfg.Upstream.AccessCode, &cfg.Redis.Password}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Upstream.AccessCode == "" {
		invalid = append(invalid, "Upstream.AccessCode")
	}
	if cfg.Upstream.BaseURL == "" {
		invalid = append(invalid, "Upstream.BaseURL")
	}
	if cfg.Upstream.Timeout <= 0 {
		invalid = append(invalid, "Upstream.Timeout")
	}
	if len(cfg.Catalog.DefaultMarket) != 2 {
		invalid = append(invalid, "Catalog.DefaultMarket")
	}
	if len(cfg.Catalog.DisplayCurrency) != 3 {
		invalid = append(invalid, "Catalog.DisplayCurrency")
	}
	if m := cfg.Catalog.Margin; math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
		invalid = append(invalid, "Catalog.Margin")
	}
	if cfg.Catalog.TTL <= 0 {
		invalid = append(invalid, "Catalog.TTL")
	}
	if cfg.Catalog.FetchTimeout <= 0 {
		invalid = append(invalid, "Catalog.FetchTimeout")
	}
	if cfg.Provisioning.PollAttempts <= 0 {
		invalid = append(invalid, "Provisioning.PollAttempts")
	}
	if cfg.Provisioning.PollInterval <= 0 {
		invalid = append(invalid, "Provisioning.PollInterval")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare integers are seconds.
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

// floatWithDefault returns NaN for unparseable input so validation rejects it
// instead of silently falling back.
func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return math.NaN()
	}
	return parsed
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func upperAll(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToUpper(v)
	}
	return values
}
