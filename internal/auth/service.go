// Package auth は認証フローとトークンセッションの管理を提供する。
//
// ローカル認証とフェデレーション認証はそれぞれLocalAuthenticatorと
// FederatedAuthenticatorとして抽象化され、Serviceはインターフェース経由でのみ利用する。
// アクセストークンはステートレスで失効できず、リフレッシュトークンのみ失効リストで管理する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/authfacade/internal/metrics"
	"github.com/hitoshi/authfacade/internal/model"
	"github.com/hitoshi/authfacade/internal/repository"
	"github.com/hitoshi/authfacade/internal/token"
	"github.com/hitoshi/authfacade/internal/user"
)

// TokenTypeBearer はレスポンスのtokenTypeに設定する値。
const TokenTypeBearer = "bearer"

const defaultPasswordMinLength = 8

// Directory はServiceが利用するユーザーディレクトリのインターフェース。
type Directory interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	UpsertFromExternalIdentity(ctx context.Context, identity model.ExternalIdentity) (*model.User, error)
	CreateLocal(ctx context.Context, email, passwordHash string, profile user.Profile) (*model.User, error)
	ReplaceCredential(ctx context.Context, userID, passwordHash string) error
}

// TokenCodec はトークンの発行と検証のインターフェース。
type TokenCodec interface {
	Issue(userID string, typ token.Type, ttl time.Duration, opts ...token.IssueOption) (*token.Token, error)
	Verify(raw string, expected token.Type) (*token.Claims, error)
}

// RedirectResolver はリダイレクト先URIを許可リストで解決する。
type RedirectResolver interface {
	Resolve(redirectURI string) (string, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	LoginStateTTL     time.Duration
	StateRequired     bool
	PasswordMinLength int
}

// AuthResult はログイン成功時に返すトークンとユーザー。
type AuthResult struct {
	Tokens *model.TokenPair
	User   *model.User
}

// LoginRedirect はフェデレーションログインの開始結果。
type LoginRedirect struct {
	LoginURL    string
	RedirectURI string
}

// FederatedCallback はIdPからのコールバックパラメータ。
type FederatedCallback struct {
	Code        string
	State       string
	RedirectURI string
}

// RegisterInput はローカルユーザー登録の入力。
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Option はServiceの生成オプション。
type Option func(*Service)

// WithMetrics はメトリクスの記録先を指定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithFederated はフェデレーション認証のアダプタとリダイレクト先の解決器を設定する。
// 設定しない場合、フェデレーションログインはmodel.ErrFederationDisabledを返す。
func WithFederated(provider FederatedAuthenticator, redirects RedirectResolver) Option {
	return func(s *Service) {
		s.federated = provider
		s.redirects = redirects
	}
}

// Service はセッションのライフサイクルを管理する。
// 未認証 → 交換/検証中 → 認証済み → (リフレッシュ) → 失効/期限切れ の遷移を担う。
type Service struct {
	local       LocalAuthenticator
	federated   FederatedAuthenticator
	redirects   RedirectResolver
	directory   Directory
	revocations repository.RevocationStore
	codec       TokenCodec
	config      ServiceConfig
	metrics     metrics.MetricsCollector
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	local LocalAuthenticator,
	directory Directory,
	revocations repository.RevocationStore,
	codec TokenCodec,
	config ServiceConfig,
	opts ...Option,
) *Service {
	if config.PasswordMinLength <= 0 {
		config.PasswordMinLength = defaultPasswordMinLength
	}
	s := &Service{
		local:       local,
		directory:   directory,
		revocations: revocations,
		codec:       codec,
		config:      config,
		metrics:     metrics.Nop{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FederationEnabled はフェデレーションログインが利用可能かを返す。
func (s *Service) FederationEnabled() bool {
	return s.federated != nil
}

// Login はメールアドレスとパスワードで認証し、トークンペアを発行する。
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = user.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, model.NewValidationError("Email and password are required")
	}

	userID, err := s.local.Authenticate(ctx, email, password)
	if err != nil {
		s.metrics.RecordLogin(string(model.AuthMethodLocal), metrics.OutcomeFailure)
		return nil, err
	}

	result, err := s.authenticated(ctx, userID)
	if err != nil {
		s.metrics.RecordLogin(string(model.AuthMethodLocal), metrics.OutcomeFailure)
		return nil, err
	}

	s.metrics.RecordLogin(string(model.AuthMethodLocal), metrics.OutcomeSuccess)
	slog.Info("user logged in",
		slog.String("user_id", userID),
		slog.String("method", string(model.AuthMethodLocal)),
	)
	return result, nil
}

// Register はローカルユーザーを登録する。入力検証はI/Oの前に行う。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	email := user.NormalizeEmail(in.Email)
	if err := user.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := s.validatePassword(in.Password); err != nil {
		return nil, err
	}

	hash, err := s.local.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	u, err := s.directory.CreateLocal(ctx, email, hash, user.Profile{
		FirstName: in.FirstName,
		LastName:  in.LastName,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("local user registered", slog.String("user_id", u.ID))
	return u, nil
}

// ChangePassword は現在のパスワードを検証して新しいパスワードに置き換え、
// ユーザーの全リフレッシュトークンを失効させる。
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if currentPassword == "" {
		return model.NewValidationError("Current password is required")
	}
	if err := s.validatePassword(newPassword); err != nil {
		return err
	}

	if err := s.local.VerifyUserPassword(ctx, userID, currentPassword); err != nil {
		return err
	}

	hash, err := s.local.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.directory.ReplaceCredential(ctx, userID, hash); err != nil {
		return err
	}
	if err := s.revokeAll(ctx, userID); err != nil {
		return err
	}

	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// BeginFederatedLogin はIdPの認可URLを返す。セッションはまだ作成しない。
// stateにはリダイレクト先に紐づく署名済みのlogin_stateトークンを使う。
func (s *Service) BeginFederatedLogin(ctx context.Context, redirectURI string) (*LoginRedirect, error) {
	if s.federated == nil {
		return nil, model.ErrFederationDisabled
	}

	resolved, err := s.redirects.Resolve(redirectURI)
	if err != nil {
		return nil, model.Wrap(model.ErrRedirectNotAllowed, err)
	}

	state, err := s.codec.Issue(resolved, token.TypeLoginState, s.config.LoginStateTTL)
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, fmt.Errorf("failed to issue login state: %w", err))
	}

	return &LoginRedirect{
		LoginURL:    s.federated.BuildLoginURL(resolved, state.Value),
		RedirectURI: resolved,
	}, nil
}

// CompleteFederatedLogin は認可コードを交換し、ユーザーを作成または更新してトークンペアを発行する。
// codeが空の場合はネットワーク呼び出しの前にmodel.ErrMissingCodeを返す。
func (s *Service) CompleteFederatedLogin(ctx context.Context, cb FederatedCallback) (*AuthResult, error) {
	if s.federated == nil {
		return nil, model.ErrFederationDisabled
	}
	if cb.Code == "" {
		return nil, model.ErrMissingCode
	}

	redirectURI, err := s.redirects.Resolve(cb.RedirectURI)
	if err != nil {
		return nil, model.Wrap(model.ErrRedirectNotAllowed, err)
	}

	// stateが送られてきた場合は必須設定に関わらず検証する
	if cb.State != "" || s.config.StateRequired {
		if err := s.verifyLoginState(cb.State, redirectURI); err != nil {
			return nil, err
		}
	}

	method := string(model.AuthMethodFederated)

	start := s.now()
	tokens, err := s.federated.ExchangeCode(ctx, cb.Code, redirectURI)
	s.metrics.RecordExchangeLatency(s.now().Sub(start))
	if err != nil {
		s.metrics.RecordLogin(method, metrics.OutcomeFailure)
		return nil, err
	}

	identity, err := s.federated.ResolveIdentity(tokens)
	if err != nil {
		s.metrics.RecordLogin(method, metrics.OutcomeFailure)
		return nil, err
	}
	if identity.Provider == "" {
		identity.Provider = s.federated.Name()
	}

	u, err := s.directory.UpsertFromExternalIdentity(ctx, *identity)
	if err != nil {
		s.metrics.RecordLogin(method, metrics.OutcomeFailure)
		return nil, err
	}

	pair, err := s.issuePair(u.ID, "")
	if err != nil {
		s.metrics.RecordLogin(method, metrics.OutcomeFailure)
		return nil, err
	}

	s.metrics.RecordLogin(method, metrics.OutcomeSuccess)
	slog.Info("user logged in",
		slog.String("user_id", u.ID),
		slog.String("method", method),
		slog.String("provider", identity.Provider),
	)
	return &AuthResult{Tokens: pair, User: u}, nil
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークンペアを発行する。
// 新しいペアはセッションIDを引き継ぐ。
// 旧トークンIDの失効記録を挿入できた呼び出しだけが新しいペアを受け取る。
// ペアの発行に失敗した場合、旧トークンは失効させない。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	if refreshToken == "" {
		return nil, model.ErrMissingRefreshToken
	}

	claims, err := s.codec.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		s.reject(err)
		s.metrics.RecordRefresh(metrics.OutcomeFailure)
		return nil, model.Wrap(model.ErrInvalidOrExpired, err)
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.UserID, claims.IssuedAt, claims.ID, claims.SessionID)
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	if revoked {
		s.metrics.RecordTokenRejected(reasonRevoked)
		s.metrics.RecordRefresh(metrics.OutcomeFailure)
		return nil, model.Wrap(model.ErrInvalidOrExpired, errors.New("refresh token is revoked"))
	}

	pair, err := s.issuePair(claims.UserID, claims.SessionID)
	if err != nil {
		s.metrics.RecordRefresh(metrics.OutcomeFailure)
		return nil, err
	}

	won, err := s.revocations.Revoke(ctx, model.RevocationEntry{
		TokenID:   claims.ID,
		UserID:    claims.UserID,
		RevokedAt: s.now(),
		ExpiresAt: claims.ExpiresAt,
	})
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	if !won {
		slog.Warn("refresh token reused concurrently",
			slog.String("user_id", claims.UserID),
			slog.String("token_id", claims.ID),
		)
		s.metrics.RecordTokenRejected(reasonRevoked)
		s.metrics.RecordRefresh(metrics.OutcomeFailure)
		return nil, model.Wrap(model.ErrInvalidOrExpired, errors.New("refresh token already rotated"))
	}

	s.metrics.RecordRefresh(metrics.OutcomeSuccess)
	return pair, nil
}

// Logout はトークンのセッションIDを失効させ、そのログインから続くリフレッシュトークンをすべて無効にする。
// アクセストークンとリフレッシュトークンのどちらも受け付ける。
// sidを持たない古いリフレッシュトークンはjtiのみを失効させる。
// allがtrueの場合はユーザーの全リフレッシュトークンを失効させる。
// 発行済みのアクセストークンは有効期限まで有効なままとなる。
func (s *Service) Logout(ctx context.Context, rawToken string, all bool) error {
	if rawToken == "" {
		return model.ErrNotAuthenticated
	}

	now := s.now()
	var entry model.RevocationEntry
	claims, err := s.codec.Verify(rawToken, token.TypeAccess)
	switch {
	case err == nil:
		entry = model.RevocationEntry{
			TokenID:   claims.SessionID,
			UserID:    claims.UserID,
			RevokedAt: now,
			ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		}
	case errors.Is(err, token.ErrWrongType):
		claims, err = s.codec.Verify(rawToken, token.TypeRefresh)
		if err != nil {
			s.reject(err)
			return model.Wrap(model.ErrNotAuthenticated, err)
		}
		entry = model.RevocationEntry{
			TokenID:   claims.SessionID,
			UserID:    claims.UserID,
			RevokedAt: now,
			ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		}
		if entry.TokenID == "" {
			entry.TokenID = claims.ID
			entry.ExpiresAt = claims.ExpiresAt
		}
	default:
		s.reject(err)
		return model.Wrap(model.ErrNotAuthenticated, err)
	}

	if entry.TokenID != "" {
		if _, err := s.revocations.Revoke(ctx, entry); err != nil {
			return model.Wrap(model.ErrStorage, err)
		}
	}
	if all {
		if err := s.revokeAll(ctx, entry.UserID); err != nil {
			return err
		}
	}

	s.metrics.RecordLogout(all)
	slog.Info("user logged out",
		slog.String("user_id", entry.UserID),
		slog.Bool("all", all),
	)
	return nil
}

// CurrentUser はアクセストークンを検証してユーザーを返す。
// トークンが無効な場合、またはユーザーが存在しない場合はmodel.ErrNotAuthenticatedを返す。
func (s *Service) CurrentUser(ctx context.Context, accessToken string) (*model.User, error) {
	if accessToken == "" {
		return nil, model.ErrNotAuthenticated
	}
	claims, err := s.codec.Verify(accessToken, token.TypeAccess)
	if err != nil {
		s.reject(err)
		return nil, model.Wrap(model.ErrNotAuthenticated, err)
	}
	return s.userByID(ctx, claims.UserID)
}

// AuthStatus は認証状態を返す。トークンが無い・無効な場合も含めてエラーにはしない。
func (s *Service) AuthStatus(ctx context.Context, accessToken string) *model.AuthStatus {
	if accessToken == "" {
		return &model.AuthStatus{}
	}
	u, err := s.CurrentUser(ctx, accessToken)
	if err != nil {
		if model.KindOf(err) == model.KindStorage {
			slog.Warn("auth status lookup failed", slog.String("error", err.Error()))
		}
		return &model.AuthStatus{}
	}
	return &model.AuthStatus{IsAuthenticated: true, User: u}
}

func (s *Service) userByID(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.directory.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.Wrap(model.ErrNotAuthenticated, err)
		}
		return nil, err
	}
	return u, nil
}

// authenticated はユーザーを読み込みトークンペアを発行する。
func (s *Service) authenticated(ctx context.Context, userID string) (*AuthResult, error) {
	u, err := s.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	pair, err := s.issuePair(userID, "")
	if err != nil {
		return nil, err
	}
	return &AuthResult{Tokens: pair, User: u}, nil
}

// issuePair はリフレッシュトークンとアクセストークンを発行する。
// 両方のsidにsessionIDを設定する。空の場合は新しいセッションIDを採番する。
func (s *Service) issuePair(userID, sessionID string) (*model.TokenPair, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	refresh, err := s.codec.Issue(userID, token.TypeRefresh, s.config.RefreshTokenTTL,
		token.WithSessionID(sessionID),
	)
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, fmt.Errorf("failed to issue refresh token: %w", err))
	}
	access, err := s.codec.Issue(userID, token.TypeAccess, s.config.AccessTokenTTL,
		token.WithSessionID(sessionID),
	)
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, fmt.Errorf("failed to issue access token: %w", err))
	}

	return &model.TokenPair{
		AccessToken:      access.Value,
		RefreshToken:     refresh.Value,
		TokenType:        TokenTypeBearer,
		ExpiresIn:        int(s.config.AccessTokenTTL / time.Second),
		AccessExpiresAt:  access.Claims.ExpiresAt,
		RefreshExpiresAt: refresh.Claims.ExpiresAt,
	}, nil
}

// revokeAll はユーザー単位の失効を記録する。
// 失効時刻はトークンのiatと同じマイクロ秒精度で保存する。
func (s *Service) revokeAll(ctx context.Context, userID string) error {
	now := s.now().Truncate(time.Microsecond)
	err := s.revocations.RevokeAllForUser(ctx, model.RevocationEntry{
		UserID:    userID,
		RevokedAt: now,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
	})
	if err != nil {
		return model.Wrap(model.ErrStorage, err)
	}
	return nil
}

// verifyLoginState はstateトークンを検証し、リダイレクト先との一致を確認する。
func (s *Service) verifyLoginState(state, redirectURI string) error {
	if state == "" {
		return model.Wrap(model.ErrInvalidState, errors.New("state is missing"))
	}
	claims, err := s.codec.Verify(state, token.TypeLoginState)
	if err != nil {
		s.reject(err)
		return model.Wrap(model.ErrInvalidState, err)
	}
	if claims.UserID != redirectURI {
		return model.Wrap(model.ErrInvalidState, errors.New("state was issued for another redirect URI"))
	}
	return nil
}

func (s *Service) validatePassword(password string) error {
	if utf8.RuneCountInString(password) < s.config.PasswordMinLength {
		return model.NewValidationError(fmt.Sprintf("Password must be at least %d characters", s.config.PasswordMinLength))
	}
	return nil
}

// reject はトークン拒否の理由をメトリクスに記録する。
func (s *Service) reject(err error) {
	s.metrics.RecordTokenRejected(RejectReason(err))
}

const reasonRevoked = "revoked"

// RejectReason はトークン検証エラーをログ・メトリクス用の理由ラベルに変換する。
func RejectReason(err error) string {
	switch {
	case errors.Is(err, token.ErrMalformed):
		return "malformed"
	case errors.Is(err, token.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrWrongType):
		return "wrong_type"
	default:
		return "unknown"
	}
}
