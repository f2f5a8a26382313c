package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/hitoshi/authfacade/internal/model"
)

const (
	defaultExchangeTimeout = 10 * time.Second
	// idTokenLeeway はIDトークンのexp検証で許容する時刻ずれ。
	idTokenLeeway = time.Minute
)

// OIDCConfig は外部IdP（OIDC準拠）の設定。
type OIDCConfig struct {
	ProviderName string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	// Issuer が設定されている場合、IDトークンのissと一致することを検証する。
	Issuer          string
	Scopes          []string
	ExchangeTimeout time.Duration

	// HTTPClient はトークンエンドポイントへの通信に使用する。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
	// Now はテスト用に差し替え可能な現在時刻の取得関数。
	Now func() time.Time
}

// OIDCProvider はOAuth2認可コードフローによるFederatedAuthenticator実装。
type OIDCProvider struct {
	config OIDCConfig
	oauth  oauth2.Config
}

// NewOIDCProvider はOIDCProviderを生成する。
func NewOIDCProvider(config OIDCConfig) *OIDCProvider {
	if config.ExchangeTimeout <= 0 {
		config.ExchangeTimeout = defaultExchangeTimeout
	}
	if len(config.Scopes) == 0 {
		config.Scopes = []string{"openid", "email", "profile"}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	// 公開クライアントはシークレットを持たないためパラメータで送信する
	authStyle := oauth2.AuthStyleInHeader
	if config.ClientSecret == "" {
		authStyle = oauth2.AuthStyleInParams
	}

	return &OIDCProvider{
		config: config,
		oauth: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: authStyle,
			},
			Scopes: config.Scopes,
		},
	}
}

// Method はmodel.AuthMethodFederatedを返す。
func (p *OIDCProvider) Method() model.AuthMethod {
	return model.AuthMethodFederated
}

// Name はIdPの名前を返す。
func (p *OIDCProvider) Name() string {
	return p.config.ProviderName
}

// BuildLoginURL は認可エンドポイントURLを生成する。
// client_id, response_type=code, scope, redirect_uri, stateを含む。
func (p *OIDCProvider) BuildLoginURL(redirectURI, state string) string {
	c := p.oauth
	c.RedirectURL = redirectURI
	return c.AuthCodeURL(state)
}

// ExchangeCode は認可コードをトークン一式に交換する。
// IdPが4xxで拒否した場合はmodel.ErrExchangeFailed、
// 5xx・タイムアウト・通信エラーの場合はmodel.ErrProviderUnavailableを返す。
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*model.ProviderTokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ExchangeTimeout)
	defer cancel()
	if p.config.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.config.HTTPClient)
	}

	c := p.oauth
	c.RedirectURL = redirectURI

	tok, err := c.Exchange(ctx, code)
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, model.Wrap(model.ErrExchangeFailed, errors.New("token response has no id_token"))
	}

	return &model.ProviderTokenSet{
		AccessToken:  tok.AccessToken,
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}, nil
}

// classifyExchangeError は交換エラーをクライアント起因とIdP起因に分類する。
func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return model.Wrap(model.ErrProviderUnavailable, err)
		}
		return model.Wrap(model.ErrExchangeFailed, err)
	}
	return model.Wrap(model.ErrProviderUnavailable, err)
}

// idTokenClaims はIDトークンから読み取るクレーム。
type idTokenClaims struct {
	jwt.RegisteredClaims
	Email             string `json:"email"`
	EmailVerified     any    `json:"email_verified"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	PreferredUsername string `json:"preferred_username"`
	CognitoUsername   string `json:"cognito:username"`
}

// ResolveIdentity はIDトークンのクレームから本人情報を取り出す。
// IDトークンはTLS経由でトークンエンドポイントから直接受け取ったものに限り、
// 署名ではなくaud・iss・expを検証する。
func (p *OIDCProvider) ResolveIdentity(tokens *model.ProviderTokenSet) (*model.ExternalIdentity, error) {
	if tokens == nil || tokens.IDToken == "" {
		return nil, model.Wrap(model.ErrExchangeFailed, errors.New("id_token is empty"))
	}

	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokens.IDToken, claims); err != nil {
		return nil, model.Wrap(model.ErrExchangeFailed, fmt.Errorf("failed to decode id_token: %w", err))
	}

	if !slices.Contains(claims.Audience, p.config.ClientID) {
		return nil, model.Wrap(model.ErrExchangeFailed, fmt.Errorf("id_token audience %v does not include client", []string(claims.Audience)))
	}
	if p.config.Issuer != "" && strings.TrimRight(claims.Issuer, "/") != strings.TrimRight(p.config.Issuer, "/") {
		return nil, model.Wrap(model.ErrExchangeFailed, fmt.Errorf("unexpected id_token issuer %q", claims.Issuer))
	}
	if claims.ExpiresAt != nil && p.config.Now().After(claims.ExpiresAt.Add(idTokenLeeway)) {
		return nil, model.Wrap(model.ErrExchangeFailed, errors.New("id_token is expired"))
	}
	if claims.Subject == "" {
		return nil, model.Wrap(model.ErrExchangeFailed, errors.New("id_token has no sub"))
	}
	if claims.Email == "" {
		return nil, model.Wrap(model.ErrExchangeFailed, errors.New("id_token has no email"))
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.CognitoUsername
	}

	return &model.ExternalIdentity{
		Provider:      p.config.ProviderName,
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: parseEmailVerified(claims.EmailVerified),
		FirstName:     claims.GivenName,
		LastName:      claims.FamilyName,
		Username:      username,
	}, nil
}

// parseEmailVerified はemail_verifiedクレームを解釈する。
// IdPによってはbooleanではなく文字列"true"で返す。
func parseEmailVerified(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true")
	default:
		return false
	}
}

// compile-time interface check
var _ FederatedAuthenticator = (*OIDCProvider)(nil)
