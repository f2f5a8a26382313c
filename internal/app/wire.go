package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/hashicorp/go-multierror"

	"github.com/hitoshi/authfacade/internal/auth"
	"github.com/hitoshi/authfacade/internal/config"
	"github.com/hitoshi/authfacade/internal/metrics"
	"github.com/hitoshi/authfacade/internal/repository"
	"github.com/hitoshi/authfacade/internal/security"
	"github.com/hitoshi/authfacade/internal/token"
	"github.com/hitoshi/authfacade/internal/user"
)

// Redisコネクションプールの設定値
const (
	redisMaxIdle     = 5
	redisMaxActive   = 50
	redisIdleTimeout = 5 * time.Minute
)

// resources はプロセス終了時に解放する外部リソースを保持する。
type resources struct {
	db        *sql.DB
	redisPool *redis.Pool
	logCloser io.Closer
}

// Close は保持しているリソースをすべて解放する。途中で失敗しても残りの解放を続ける。
func (r *resources) Close() error {
	var result *multierror.Error
	if r.redisPool != nil {
		if err := r.redisPool.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close redis pool: %w", err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close database: %w", err))
		}
	}
	if r.logCloser != nil {
		if err := r.logCloser.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close log file: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// newRedisPool はREDIS_URLに接続するredigoのコネクションプールを生成する。
func newRedisPool(redisURL string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     redisMaxIdle,
		MaxActive:   redisMaxActive,
		IdleTimeout: redisIdleTimeout,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(redisURL,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(3*time.Second),
				redis.DialWriteTimeout(3*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// newRevocationStore はREVOCATION_BACKENDに応じた失効リストを生成する。
func newRevocationStore(cfg *config.Config, db *sql.DB, res *resources) (repository.RevocationStore, error) {
	if cfg.RevocationBackend != config.RevocationBackendRedis {
		return repository.NewPostgresRevocationRepo(db), nil
	}

	pool := newRedisPool(cfg.RedisURL)
	res.redisPool = pool

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	slog.Info("redis connection established")
	return repository.NewRedisRevocationStore(pool), nil
}

// newTokenCodec は設定された署名鍵からトークンコーデックを生成する。
func newTokenCodec(cfg *config.Config) (*token.Codec, error) {
	keys := token.KeySet{
		Current: token.Key{ID: cfg.JWTSigningKeyID, Secret: []byte(cfg.JWTSigningKey)},
	}
	if cfg.JWTPreviousSigningKey != "" {
		keys.Previous = &token.Key{ID: cfg.JWTPreviousSigningKeyID, Secret: []byte(cfg.JWTPreviousSigningKey)}
	}

	codec, err := token.NewCodec(keys, token.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}
	return codec, nil
}

// newAuthService はユーザーディレクトリ・IdPアダプタ・失効リストを組み合わせて認証サービスを生成する。
func newAuthService(
	cfg *config.Config,
	db *sql.DB,
	store repository.RevocationStore,
	codec *token.Codec,
	collector metrics.MetricsCollector,
) (*auth.Service, error) {
	directory := user.NewDirectory(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresCredentialRepo(db),
		security.NewProfileSanitizer(),
	)
	local := auth.NewLocalProvider(directory, auth.NewArgon2Hasher())

	opts := []auth.Option{auth.WithMetrics(collector)}
	if cfg.FederationEnabled() {
		provider, err := newOIDCProvider(cfg, security.NewSSRFGuard())
		if err != nil {
			return nil, err
		}
		redirects := security.NewRedirectGuard(cfg.OIDCDefaultRedirectURL, cfg.AllowedRedirectURLs())
		opts = append(opts, auth.WithFederated(provider, redirects))
	} else {
		slog.Info("federated login disabled: OIDC settings are incomplete")
	}

	return auth.NewService(local, directory, store, codec, auth.ServiceConfig{
		AccessTokenTTL:    cfg.AccessTokenTTL,
		RefreshTokenTTL:   cfg.RefreshTokenTTL,
		LoginStateTTL:     cfg.LoginStateTTL,
		StateRequired:     cfg.OIDCStateRequired,
		PasswordMinLength: cfg.PasswordMinLength,
	}, opts...), nil
}

// newOIDCProvider はIdPアダプタを生成する。
// SSRF防止が有効な場合はトークンエンドポイントを事前検証し、safeurlのクライアントで通信する。
func newOIDCProvider(cfg *config.Config, guard security.SSRFGuardService) (*auth.OIDCProvider, error) {
	client := &http.Client{Timeout: cfg.OIDCExchangeTimeout}
	if cfg.OIDCSSRFProtection {
		if err := guard.ValidateURL(cfg.OIDCTokenURL); err != nil {
			return nil, fmt.Errorf("invalid OIDC token URL: %w", err)
		}
		client = guard.NewSafeClient(cfg.OIDCExchangeTimeout)
	}

	return auth.NewOIDCProvider(auth.OIDCConfig{
		ProviderName:    cfg.OIDCProviderName,
		ClientID:        cfg.OIDCClientID,
		ClientSecret:    cfg.OIDCClientSecret,
		AuthURL:         cfg.OIDCAuthURL,
		TokenURL:        cfg.OIDCTokenURL,
		Issuer:          cfg.OIDCIssuer,
		Scopes:          cfg.OIDCScopes,
		ExchangeTimeout: cfg.OIDCExchangeTimeout,
		HTTPClient:      client,
	}), nil
}
