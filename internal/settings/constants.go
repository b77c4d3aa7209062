package settings

// DB config keys and defaults for settings.
const (
	// CurrencyCodeKey is the DB config key for the display currency code.
	CurrencyCodeKey = "CURRENCY_CODE"
	// DefaultCurrencyCode is the fallback display currency.
	DefaultCurrencyCode = "USD"
	// TimezoneKey is the DB config key for the display timezone.
	TimezoneKey = "TIMEZONE"
	// DefaultTimezone is the fallback display timezone.
	DefaultTimezone = "UTC"
	// BreakerOnNetworkErrorsKey toggles breaker trips on network errors.
	BreakerOnNetworkErrorsKey = "BREAKER_ON_NETWORK_ERRORS"
	// DefaultBreakerOnNetworkErrors enables breaker trips on network errors.
	DefaultBreakerOnNetworkErrors = true
	// RedisAddrKey defines the Redis address for pub/sub and session state.
	RedisAddrKey = "REDIS_ADDR"
	// RedisPasswordKey defines the Redis password.
	RedisPasswordKey = "REDIS_PASSWORD"
	// RedisDBKey defines the Redis DB index.
	RedisDBKey = "REDIS_DB"
	// RedisPrefixKey defines the Redis key prefix.
	RedisPrefixKey = "REDIS_PREFIX"
	// DefaultRedisPrefix is the fallback Redis key prefix.
	DefaultRedisPrefix = "rg"
	// LoginMaxAttemptsPerIPKey bounds login failures per IP per window.
	LoginMaxAttemptsPerIPKey = "LOGIN_MAX_ATTEMPTS_PER_IP"
	// LoginMaxAttemptsPerKeyKey bounds login failures per credential per window.
	LoginMaxAttemptsPerKeyKey = "LOGIN_MAX_ATTEMPTS_PER_KEY"
	// LoginWindowSecondsKey is the login failure-counting window in seconds.
	LoginWindowSecondsKey = "LOGIN_WINDOW_SECONDS"
	// LoginLockoutSecondsKey is the login lockout duration in seconds.
	LoginLockoutSecondsKey = "LOGIN_LOCKOUT_SECONDS"
	// DefaultLoginMaxAttemptsPerIP is the fallback per-IP threshold.
	DefaultLoginMaxAttemptsPerIP = 10
	// DefaultLoginMaxAttemptsPerKey is the fallback per-credential threshold.
	DefaultLoginMaxAttemptsPerKey = 5
	// DefaultLoginWindowSeconds is the fallback window length.
	DefaultLoginWindowSeconds = 300
	// DefaultLoginLockoutSeconds is the fallback lockout duration.
	DefaultLoginLockoutSeconds = 900
	// RateLimitKey is the DB config key for the default request rate limit.
	RateLimitKey = "RATE_LIMIT"
	// DefaultRateLimit is the fallback requests-per-second limit, 0 disables.
	DefaultRateLimit = 0
)
