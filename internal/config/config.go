package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// 失効リストのバックエンド
const (
	RevocationBackendPostgres = "postgres"
	RevocationBackendRedis    = "redis"
)

// minSigningKeyLength は署名鍵の最小バイト長。
const minSigningKeyLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Server
	ServerPort        string `env:"SERVER_PORT"         envDefault:"8080"`
	BaseURL           string `env:"BASE_URL"            envDefault:"http://localhost:8080"`
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// Token
	JWTSigningKey           string        `env:"JWT_SIGNING_KEY"`
	JWTSigningKeyID         string        `env:"JWT_SIGNING_KEY_ID"          envDefault:"primary"`
	JWTPreviousSigningKey   string        `env:"JWT_PREVIOUS_SIGNING_KEY"`
	JWTPreviousSigningKeyID string        `env:"JWT_PREVIOUS_SIGNING_KEY_ID" envDefault:"previous"`
	JWTIssuer               string        `env:"JWT_ISSUER"                  envDefault:"authfacade"`
	AccessTokenTTL          time.Duration `env:"ACCESS_TOKEN_TTL"            envDefault:"1h"`
	RefreshTokenTTL         time.Duration `env:"REFRESH_TOKEN_TTL"           envDefault:"720h"`
	LoginStateTTL           time.Duration `env:"LOGIN_STATE_TTL"             envDefault:"10m"`

	// OIDC
	OIDCProviderName        string        `env:"OIDC_PROVIDER_NAME"         envDefault:"cognito"`
	OIDCClientID            string        `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret        string        `env:"OIDC_CLIENT_SECRET"`
	OIDCDomain              string        `env:"OIDC_DOMAIN"`
	OIDCAuthURL             string        `env:"OIDC_AUTH_URL"`
	OIDCTokenURL            string        `env:"OIDC_TOKEN_URL"`
	OIDCIssuer              string        `env:"OIDC_ISSUER"`
	OIDCScopes              []string      `env:"OIDC_SCOPES"                envDefault:"openid,email,profile" envSeparator:","`
	OIDCDefaultRedirectURL  string        `env:"OIDC_DEFAULT_REDIRECT_URL"`
	OIDCAllowedRedirectURLs []string      `env:"OIDC_ALLOWED_REDIRECT_URLS" envSeparator:","`
	OIDCExchangeTimeout     time.Duration `env:"OIDC_EXCHANGE_TIMEOUT"      envDefault:"10s"`
	OIDCStateRequired       bool          `env:"OIDC_STATE_REQUIRED"        envDefault:"true"`
	OIDCSSRFProtection      bool          `env:"OIDC_SSRF_PROTECTION"       envDefault:"true"`

	// Revocation
	RevocationBackend         string        `env:"REVOCATION_BACKEND"          envDefault:"postgres"`
	RedisURL                  string        `env:"REDIS_URL"`
	RevocationCleanupInterval time.Duration `env:"REVOCATION_CLEANUP_INTERVAL" envDefault:"1h"`

	// Worker
	WorkerMetricsPort string `env:"WORKER_METRICS_PORT"`

	// Password
	PasswordMinLength int `env:"PASSWORD_MIN_LENGTH" envDefault:"8"`

	// Rate Limit
	RateLimitLogin   int `env:"RATE_LIMIT_LOGIN"   envDefault:"10"`
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`

	// Logging
	LogLevel      string `env:"LOG_LEVEL"        envDefault:"info"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB"  envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS"  envDefault:"5"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"14"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Required fields
	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.JWTSigningKey == "" {
		missing = append(missing, "JWT_SIGNING_KEY")
	}
	if cfg.RevocationBackend == RevocationBackendRedis && cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// OIDC_DOMAINからエンドポイントを補完する
	if cfg.OIDCDomain != "" {
		base := strings.TrimRight(cfg.OIDCDomain, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		if cfg.OIDCAuthURL == "" {
			cfg.OIDCAuthURL = base + "/oauth2/authorize"
		}
		if cfg.OIDCTokenURL == "" {
			cfg.OIDCTokenURL = base + "/oauth2/token"
		}
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.JWTSigningKey) < minSigningKeyLength {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least %d bytes", minSigningKeyLength)
	}
	if c.JWTPreviousSigningKey != "" && len(c.JWTPreviousSigningKey) < minSigningKeyLength {
		return fmt.Errorf("JWT_PREVIOUS_SIGNING_KEY must be at least %d bytes", minSigningKeyLength)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.LoginStateTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.OIDCExchangeTimeout <= 0 {
		return fmt.Errorf("OIDC_EXCHANGE_TIMEOUT must be positive")
	}
	switch c.RevocationBackend {
	case RevocationBackendPostgres, RevocationBackendRedis:
	default:
		return fmt.Errorf("unknown REVOCATION_BACKEND: %q", c.RevocationBackend)
	}
	return nil
}

// FederationEnabled はフェデレーションログインが設定済みかどうかを返す。
func (c *Config) FederationEnabled() bool {
	return c.OIDCClientID != "" && c.OIDCAuthURL != "" && c.OIDCTokenURL != ""
}

// AllowedRedirectURLs はリダイレクト先として許可するURLの一覧を返す。
// 未設定の場合はデフォルトのリダイレクト先のみを許可する。
func (c *Config) AllowedRedirectURLs() []string {
	var urls []string
	for _, u := range c.OIDCAllowedRedirectURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 && c.OIDCDefaultRedirectURL != "" {
		urls = append(urls, c.OIDCDefaultRedirectURL)
	}
	return urls
}
