package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/authfacade/internal/model"
)

// CredentialLookup はローカル認証で使う資格情報の参照インターフェース。
type CredentialLookup interface {
	CredentialByEmail(ctx context.Context, email string) (*model.User, *model.Credential, error)
	CredentialByUserID(ctx context.Context, userID string) (*model.Credential, error)
}

// LocalProvider はパスワード認証のLocalAuthenticator実装。
type LocalProvider struct {
	credentials CredentialLookup
	hasher      PasswordHasher

	dummyOnce sync.Once
	dummyHash string
}

// NewLocalProvider はLocalProviderを生成する。
func NewLocalProvider(credentials CredentialLookup, hasher PasswordHasher) *LocalProvider {
	return &LocalProvider{
		credentials: credentials,
		hasher:      hasher,
	}
}

// Method はmodel.AuthMethodLocalを返す。
func (p *LocalProvider) Method() model.AuthMethod {
	return model.AuthMethodLocal
}

// Authenticate はメールアドレスとパスワードを検証しユーザーIDを返す。
// 存在しないメールアドレスでもダミーハッシュの検証を行い、応答時間を揃える。
func (p *LocalProvider) Authenticate(ctx context.Context, email, password string) (string, error) {
	u, cred, err := p.credentials.CredentialByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			p.verifyDummy(password)
			return "", model.ErrInvalidCredentials
		}
		return "", err
	}

	if err := p.verify(password, cred); err != nil {
		return "", err
	}
	return u.ID, nil
}

// VerifyUserPassword はユーザーIDで特定したユーザーのパスワードを検証する。
func (p *LocalProvider) VerifyUserPassword(ctx context.Context, userID, password string) error {
	cred, err := p.credentials.CredentialByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			p.verifyDummy(password)
			return model.ErrInvalidCredentials
		}
		return err
	}
	return p.verify(password, cred)
}

// HashPassword はパスワードをハッシュ化する。
func (p *LocalProvider) HashPassword(password string) (string, error) {
	hash, err := p.hasher.Hash(password)
	if err != nil {
		return "", model.Wrap(model.ErrStorage, err)
	}
	return hash, nil
}

func (p *LocalProvider) verify(password string, cred *model.Credential) error {
	ok, err := p.hasher.Verify(password, cred.PasswordHash)
	if err != nil {
		slog.Error("stored password hash is unreadable",
			slog.String("user_id", cred.UserID),
			slog.String("error", err.Error()),
		)
		return model.Wrap(model.ErrStorage, err)
	}
	if !ok {
		return model.ErrInvalidCredentials
	}
	return nil
}

func (p *LocalProvider) verifyDummy(password string) {
	p.dummyOnce.Do(func() {
		hash, err := p.hasher.Hash("dummy-password-for-timing")
		if err != nil {
			slog.Warn("failed to prepare dummy password hash", slog.String("error", err.Error()))
			return
		}
		p.dummyHash = hash
	})
	if p.dummyHash != "" {
		_, _ = p.hasher.Verify(password, p.dummyHash)
	}
}

// compile-time interface check
var _ LocalAuthenticator = (*LocalProvider)(nil)
