package auth

import (
	"context"

	"github.com/hitoshi/authfacade/internal/model"
)

// IdentityProvider は認証方式ごとのアダプタに共通するインターフェース。
// Serviceは具体的な実装ではなく、このインターフェース経由でのみアダプタを利用する。
type IdentityProvider interface {
	// Method はアダプタが担う認証方式を返す。
	Method() model.AuthMethod
}

// LocalAuthenticator はメールアドレスとパスワードによる認証アダプタ。
type LocalAuthenticator interface {
	IdentityProvider
	// Authenticate は資格情報を検証しユーザーIDを返す。
	// パスワード不一致とユーザー不在はどちらもmodel.ErrInvalidCredentialsを返す。
	Authenticate(ctx context.Context, email, password string) (string, error)
	// VerifyUserPassword はユーザーIDで特定したユーザーのパスワードを検証する。
	VerifyUserPassword(ctx context.Context, userID, password string) error
	// HashPassword は保存用のハッシュを生成する。
	HashPassword(password string) (string, error)
}

// FederatedAuthenticator は外部IdPによるOAuth2認可コードフローのアダプタ。
type FederatedAuthenticator interface {
	IdentityProvider
	// Name はIdPの名前を返す。
	Name() string
	// BuildLoginURL はIdPの認可エンドポイントURLを組み立てる。
	BuildLoginURL(redirectURI, state string) string
	// ExchangeCode は認可コードをトークン一式に交換する。
	ExchangeCode(ctx context.Context, code, redirectURI string) (*model.ProviderTokenSet, error)
	// ResolveIdentity はIDトークンから本人情報を取り出す。ディレクトリには触れない。
	ResolveIdentity(tokens *model.ProviderTokenSet) (*model.ExternalIdentity, error)
}
