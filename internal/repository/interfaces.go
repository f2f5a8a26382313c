// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/authfacade/internal/model"
)

// ErrDuplicateEmail はメールアドレスの一意制約違反を表す。
var ErrDuplicateEmail = errors.New("email already exists")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByExternalSubject は外部IdPのsubjectでユーザーを取得する。見つからない場合はnilを返す。
	FindByExternalSubject(ctx context.Context, subject string) (*model.User, error)

	// UpsertFederated はexternal_subjectの一意制約を使った単一のUPSERT文で
	// フェデレーションユーザーを作成または更新し、保存後の行を返す。
	// メールアドレスが別ユーザーと重複する場合はErrDuplicateEmailを返す。
	UpsertFederated(ctx context.Context, user *model.User) (*model.User, error)

	// CreateWithCredential はユーザーと資格情報を同一トランザクションで作成する。
	// メールアドレスが重複する場合はErrDuplicateEmailを返す。
	CreateWithCredential(ctx context.Context, user *model.User, credential *model.Credential) error
}

// CredentialRepository はパスワード資格情報の永続化インターフェース。
type CredentialRepository interface {
	// FindByUserID はユーザーの資格情報を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Credential, error)

	// Replace は資格情報を丸ごと置き換える。
	Replace(ctx context.Context, credential *model.Credential) error
}

// RevocationStore はリフレッシュトークン失効リストの永続化インターフェース。
type RevocationStore interface {
	// Revoke はトークンIDの失効記録を挿入する。
	// 既に記録が存在する場合は何もせずfalseを返す（insert-if-absent）。
	// リフレッシュトークンのローテーションはこの戻り値で勝者を1つに決める。
	Revoke(ctx context.Context, entry model.RevocationEntry) (bool, error)

	// RevokeAllForUser はユーザーのRevokedAt以前に発行された全トークンを失効させる。
	RevokeAllForUser(ctx context.Context, entry model.RevocationEntry) error

	// IsRevoked はtokenIDsのいずれかが失効済みか、またはissuedAt以降にユーザー単位の失効があるかを返す。
	// tokenIDsにはjtiとセッションIDを渡す。空文字列は無視する。
	IsRevoked(ctx context.Context, userID string, issuedAt time.Time, tokenIDs ...string) (bool, error)

	// DeleteExpired は失効対象トークンの有効期限を過ぎた記録を削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
