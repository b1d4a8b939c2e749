package engine

import (
	"errors"
	"time"
)

// Config holds all engine configuration, injected from main.
type Config struct {
	DefaultLanguage string        // used when the caller gives no preference
	FetchTimeout    time.Duration // per upstream HTTP call
	RequestTimeout  time.Duration // per inbound request, quota waits included; 0 = none

	CacheTTL        time.Duration
	CacheMaxEntries int    // 0 = unbounded
	RedisURL        string // empty = L2 disabled

	ProxyURLs              []string
	ProxyFailureThreshold  int
	ProxyBaseCooldown      time.Duration
	ProxyMaxCooldown       time.Duration
	ProxyBlockedPenalty    int // failures charged for one UpstreamBlocked
	ProxyDisableAfter      int // consecutive failures before permanent disable, 0 = never
	MaxProxyAttempts       int // endpoints tried per upstream step
	MaxMalformedRetries    int // fresh fetches after a MalformedPayload
	GlobalRate             float64
	GlobalBurst            int
	GlobalConcurrency      int
	ProxyRate              float64
	ProxyBurst             int
	ProxyConcurrency       int
	QuotaRetry             RetryConfig // QuotaRetry.MaxRetries = 0 surfaces RateLimited at once
}

// DefaultConfig returns the values used when the environment sets nothing.
func DefaultConfig() Config {
	return Config{
		DefaultLanguage:       "en",
		FetchTimeout:          15 * time.Second,
		RequestTimeout:        30 * time.Second,
		CacheTTL:              6 * time.Hour,
		CacheMaxEntries:       5000,
		ProxyFailureThreshold: 3,
		ProxyBaseCooldown:     30 * time.Second,
		ProxyMaxCooldown:      30 * time.Minute,
		ProxyBlockedPenalty:   2,
		MaxProxyAttempts:      3,
		MaxMalformedRetries:   1,
		GlobalRate:            10,
		GlobalBurst:           20,
		GlobalConcurrency:     16,
		ProxyRate:             1,
		ProxyBurst:            3,
		ProxyConcurrency:      2,
		QuotaRetry:            DefaultRetryConfig,
	}
}

// Validate reports a ConfigurationError for values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request timeout must not be negative"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache TTL must be positive"))
	}
	if c.CacheMaxEntries < 0 {
		errs = append(errs, errors.New("cache max entries must not be negative"))
	}
	if c.ProxyFailureThreshold < 1 {
		errs = append(errs, errors.New("proxy failure threshold must be at least 1"))
	}
	if c.ProxyBaseCooldown <= 0 || c.ProxyMaxCooldown < c.ProxyBaseCooldown {
		errs = append(errs, errors.New("proxy cooldown must satisfy 0 < base <= max"))
	}
	if c.MaxProxyAttempts < 1 {
		errs = append(errs, errors.New("max proxy attempts must be at least 1"))
	}
	if c.MaxMalformedRetries < 0 || c.QuotaRetry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry counts must not be negative"))
	}
	if c.GlobalRate < 0 || c.ProxyRate < 0 || c.GlobalBurst < 0 || c.ProxyBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.QuotaRetry.MaxRetries > 0 && (c.QuotaRetry.InitialWait <= 0 || c.QuotaRetry.Multiplier < 1) {
		errs = append(errs, errors.New("quota retry needs a positive wait and multiplier >= 1"))
	}
	if _, err := CanonicalLanguage(c.DefaultLanguage); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return NewError(KindConfiguration, "config", errors.Join(errs...))
	}
	return nil
}
