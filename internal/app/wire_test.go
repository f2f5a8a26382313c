package app

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authfacade/internal/config"
	"github.com/hitoshi/authfacade/internal/database"
	"github.com/hitoshi/authfacade/internal/metrics"
	"github.com/hitoshi/authfacade/internal/repository"
	"github.com/hitoshi/authfacade/internal/security"
	"github.com/hitoshi/authfacade/internal/token"
)

// --- モック定義 ---

type failingCloser struct {
	closed bool
}

func (c *failingCloser) Close() error {
	c.closed = true
	return errors.New("close failed")
}

func testConfig() *config.Config {
	return &config.Config{
		DatabaseURL:             testDatabaseURL,
		JWTSigningKey:           "test-signing-key-at-least-32-bytes!!",
		JWTSigningKeyID:         "primary",
		JWTPreviousSigningKeyID: "previous",
		JWTIssuer:               "authfacade",
		AccessTokenTTL:          time.Hour,
		RefreshTokenTTL:         720 * time.Hour,
		LoginStateTTL:           10 * time.Minute,
		OIDCProviderName:        "cognito",
		OIDCExchangeTimeout:     10 * time.Second,
		OIDCStateRequired:       true,
		OIDCSSRFProtection:      true,
		RevocationBackend:       config.RevocationBackendPostgres,
		PasswordMinLength:       8,
	}
}

func TestResources_Close_CollectsErrors(t *testing.T) {
	closer := &failingCloser{}
	db, err := database.Open(testDatabaseURL)
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}

	res := &resources{db: db, logCloser: closer}
	err = res.Close()
	if err == nil {
		t.Fatal("Close() should return the log closer error")
	}
	if !closer.closed {
		t.Error("log closer should be closed even after other resources")
	}
	if !strings.Contains(err.Error(), "failed to close log file") {
		t.Errorf("error = %v, want log file close error", err)
	}
}

func TestResources_Close_Empty(t *testing.T) {
	res := &resources{}
	if err := res.Close(); err != nil {
		t.Errorf("Close() on empty resources = %v, want nil", err)
	}
}

func TestNewTokenCodec(t *testing.T) {
	cfg := testConfig()
	codec, err := newTokenCodec(cfg)
	if err != nil {
		t.Fatalf("newTokenCodec() error = %v", err)
	}

	tok, err := codec.Issue("user-1", token.TypeAccess, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := codec.Verify(tok.Value, token.TypeAccess)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", claims.UserID)
	}
}

func TestNewTokenCodec_AcceptsPreviousKey(t *testing.T) {
	oldCfg := testConfig()
	oldCfg.JWTSigningKey = "previous-signing-key-at-least-32-bytes"
	oldCfg.JWTSigningKeyID = "previous"
	oldCodec, err := newTokenCodec(oldCfg)
	if err != nil {
		t.Fatalf("newTokenCodec(old) error = %v", err)
	}
	tok, err := oldCodec.Issue("user-1", token.TypeRefresh, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	cfg := testConfig()
	cfg.JWTPreviousSigningKey = "previous-signing-key-at-least-32-bytes"
	codec, err := newTokenCodec(cfg)
	if err != nil {
		t.Fatalf("newTokenCodec() error = %v", err)
	}
	if _, err := codec.Verify(tok.Value, token.TypeRefresh); err != nil {
		t.Errorf("token signed with the previous key should verify, got %v", err)
	}
}

func TestNewTokenCodec_SameKeyIDIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.JWTPreviousSigningKey = "previous-signing-key-at-least-32-bytes"
	cfg.JWTPreviousSigningKeyID = cfg.JWTSigningKeyID

	if _, err := newTokenCodec(cfg); err == nil {
		t.Fatal("expected error when previous key id equals current key id")
	}
}

func TestNewOIDCProvider_SSRFProtection(t *testing.T) {
	tests := []struct {
		name       string
		tokenURL   string
		protection bool
		wantErr    bool
	}{
		{"https public endpoint", "https://idp.example.com/oauth2/token", true, false},
		{"http rejected", "http://idp.example.com/oauth2/token", true, true},
		{"loopback rejected", "https://127.0.0.1/oauth2/token", true, true},
		{"metadata rejected", "https://169.254.169.254/latest", true, true},
		{"protection disabled allows loopback", "http://127.0.0.1:9000/token", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.OIDCClientID = "client"
			cfg.OIDCAuthURL = "https://idp.example.com/oauth2/authorize"
			cfg.OIDCTokenURL = tt.tokenURL
			cfg.OIDCSSRFProtection = tt.protection

			provider, err := newOIDCProvider(cfg, security.NewSSRFGuard())
			if (err != nil) != tt.wantErr {
				t.Fatalf("newOIDCProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && provider == nil {
				t.Fatal("expected provider")
			}
		})
	}
}

func TestNewRevocationStore_Postgres(t *testing.T) {
	db, err := database.Open(testDatabaseURL)
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer db.Close()

	res := &resources{}
	store, err := newRevocationStore(testConfig(), db, res)
	if err != nil {
		t.Fatalf("newRevocationStore() error = %v", err)
	}
	if _, ok := store.(*repository.PostgresRevocationRepo); !ok {
		t.Errorf("store = %T, want *repository.PostgresRevocationRepo", store)
	}
	if res.redisPool != nil {
		t.Error("redis pool should not be created for postgres backend")
	}
}

func TestNewRevocationStore_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.RevocationBackend = config.RevocationBackendRedis
	cfg.RedisURL = "redis://127.0.0.1:1/0"

	res := &resources{}
	defer res.Close()

	if _, err := newRevocationStore(cfg, nil, res); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
	if res.redisPool == nil {
		t.Error("redis pool should be registered for cleanup")
	}
}

func TestNewAuthService_FederationToggle(t *testing.T) {
	db, err := database.Open(testDatabaseURL)
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer db.Close()

	cfg := testConfig()
	codec, err := newTokenCodec(cfg)
	if err != nil {
		t.Fatalf("newTokenCodec() error = %v", err)
	}
	store := repository.NewPostgresRevocationRepo(db)

	svc, err := newAuthService(cfg, db, store, codec, metrics.Nop{})
	if err != nil {
		t.Fatalf("newAuthService() error = %v", err)
	}
	if svc.FederationEnabled() {
		t.Error("federation should be disabled without OIDC settings")
	}

	cfg.OIDCClientID = "client"
	cfg.OIDCAuthURL = "https://idp.example.com/oauth2/authorize"
	cfg.OIDCTokenURL = "https://idp.example.com/oauth2/token"
	cfg.OIDCDefaultRedirectURL = "https://app.example.com/callback"

	svc, err = newAuthService(cfg, db, store, codec, metrics.Nop{})
	if err != nil {
		t.Fatalf("newAuthService() error = %v", err)
	}
	if !svc.FederationEnabled() {
		t.Error("federation should be enabled with OIDC settings")
	}

	cfg.OIDCTokenURL = "http://10.0.0.1/token"
	if _, err := newAuthService(cfg, db, store, codec, metrics.Nop{}); err == nil {
		t.Error("expected error for token URL blocked by SSRF protection")
	}
}
