// Package user はユーザーディレクトリのドメインロジックを提供する。
//
// リポジトリ層の「見つからない場合はnil」の規約をmodel.ErrNotFoundに、
// 一意制約違反をmodel.ErrConflictに変換し、上位層にはmodel.AuthErrorのみを返す。
package user

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authfacade/internal/model"
	"github.com/hitoshi/authfacade/internal/repository"
	"github.com/hitoshi/authfacade/internal/security"
)

// Profile はユーザー作成時に受け取るプロフィール項目。
type Profile struct {
	FirstName string
	LastName  string
}

// Option はDirectoryの生成オプション。
type Option func(*Directory)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// Directory はユーザーと資格情報の読み書きを担うサービス。
type Directory struct {
	users       repository.UserRepository
	credentials repository.CredentialRepository
	sanitizer   security.ProfileSanitizerService
	now         func() time.Time
}

// NewDirectory はDirectoryの新しいインスタンスを生成する。
func NewDirectory(
	users repository.UserRepository,
	credentials repository.CredentialRepository,
	sanitizer security.ProfileSanitizerService,
	opts ...Option,
) *Directory {
	d := &Directory{
		users:       users,
		credentials: credentials,
		sanitizer:   sanitizer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NormalizeEmail はメールアドレスの前後空白を除去し小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail は正規化済みメールアドレスの形式を検証する。
func ValidateEmail(email string) error {
	if email == "" {
		return model.NewValidationError("Email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return model.NewValidationError("Invalid email address")
	}
	return nil
}

// FindByID は指定IDのユーザーを返す。
func (d *Directory) FindByID(ctx context.Context, id string) (*model.User, error) {
	u, err := d.users.FindByID(ctx, id)
	return found(u, err)
}

// FindByEmail はメールアドレスでユーザーを返す。
func (d *Directory) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := d.users.FindByEmail(ctx, NormalizeEmail(email))
	return found(u, err)
}

// FindByExternalSubject は外部IdPのsubjectでユーザーを返す。
func (d *Directory) FindByExternalSubject(ctx context.Context, subject string) (*model.User, error) {
	u, err := d.users.FindByExternalSubject(ctx, subject)
	return found(u, err)
}

// UpsertFromExternalIdentity は外部IdPの本人情報からユーザーを作成または更新する。
// 同一subjectでの同時呼び出しでも行は1つに収束する。
// メールアドレスが別アカウントで使用済みの場合はmodel.ErrConflictを返す。
func (d *Directory) UpsertFromExternalIdentity(ctx context.Context, identity model.ExternalIdentity) (*model.User, error) {
	if identity.Subject == "" {
		return nil, model.NewValidationError("External identity has no subject")
	}
	email := NormalizeEmail(identity.Email)
	if email == "" {
		return nil, model.NewValidationError("External identity has no email")
	}

	now := d.now()
	candidate := &model.User{
		ID:              uuid.New().String(),
		Email:           email,
		FirstName:       d.sanitizer.Sanitize(identity.FirstName),
		LastName:        d.sanitizer.Sanitize(identity.LastName),
		IsVerified:      identity.EmailVerified,
		AuthMethod:      model.AuthMethodFederated,
		ExternalSubject: identity.Subject,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	saved, err := d.users.UpsertFederated(ctx, candidate)
	if errors.Is(err, repository.ErrDuplicateEmail) {
		saved, err = d.retryFederatedUpsert(ctx, candidate)
	}
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			slog.Warn("federated email already belongs to another account",
				slog.String("provider", identity.Provider),
				slog.String("subject", identity.Subject),
			)
			return nil, model.ErrConflict
		}
		return nil, model.Wrap(model.ErrStorage, err)
	}
	return saved, nil
}

// retryFederatedUpsert はメールアドレスの一意制約違反後に一度だけUPSERTをやり直す。
// 同一subjectの同時作成では、先に確定した行がある場合に限り更新パスで合流できる。
// subjectの行が無ければメールアドレスは別アカウントのものなのでErrDuplicateEmailを返す。
func (d *Directory) retryFederatedUpsert(ctx context.Context, candidate *model.User) (*model.User, error) {
	existing, err := d.users.FindByExternalSubject(ctx, candidate.ExternalSubject)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, repository.ErrDuplicateEmail
	}
	slog.Debug("retrying federated upsert after concurrent insert",
		slog.String("subject", candidate.ExternalSubject),
	)
	return d.users.UpsertFederated(ctx, candidate)
}

// CreateLocal はパスワード認証のユーザーと資格情報を作成する。
// メールアドレスが使用済みの場合はmodel.ErrConflictを返す。
func (d *Directory) CreateLocal(ctx context.Context, email, passwordHash string, profile Profile) (*model.User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, model.NewValidationError("Password hash is required")
	}

	now := d.now()
	u := &model.User{
		ID:         uuid.New().String(),
		Email:      email,
		FirstName:  d.sanitizer.Sanitize(profile.FirstName),
		LastName:   d.sanitizer.Sanitize(profile.LastName),
		AuthMethod: model.AuthMethodLocal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	cred := &model.Credential{
		UserID:       u.ID,
		PasswordHash: passwordHash,
		Algorithm:    algorithmOf(passwordHash),
		UpdatedAt:    now,
	}

	if err := d.users.CreateWithCredential(ctx, u, cred); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.ErrConflict
		}
		return nil, model.Wrap(model.ErrStorage, err)
	}
	return u, nil
}

// CredentialByEmail はメールアドレスに対応するユーザーと資格情報を返す。
// ユーザーが存在しない場合、または資格情報を持たない（フェデレーション）場合はmodel.ErrNotFoundを返す。
func (d *Directory) CredentialByEmail(ctx context.Context, email string) (*model.User, *model.Credential, error) {
	u, err := d.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	cred, err := d.CredentialByUserID(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	return u, cred, nil
}

// CredentialByUserID はユーザーの資格情報を返す。
func (d *Directory) CredentialByUserID(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := d.credentials.FindByUserID(ctx, userID)
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	if cred == nil {
		return nil, model.ErrNotFound
	}
	return cred, nil
}

// ReplaceCredential はユーザーのパスワードハッシュを置き換える。
func (d *Directory) ReplaceCredential(ctx context.Context, userID, passwordHash string) error {
	err := d.credentials.Replace(ctx, &model.Credential{
		UserID:       userID,
		PasswordHash: passwordHash,
		Algorithm:    algorithmOf(passwordHash),
		UpdatedAt:    d.now(),
	})
	if err != nil {
		return model.Wrap(model.ErrStorage, err)
	}
	return nil
}

func found(u *model.User, err error) (*model.User, error) {
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	if u == nil {
		return nil, model.ErrNotFound
	}
	return u, nil
}

// algorithmOf はPHC形式のハッシュ文字列からアルゴリズム名を取り出す。
func algorithmOf(hash string) string {
	parts := strings.SplitN(hash, "$", 3)
	if len(parts) < 3 || parts[0] != "" {
		return "unknown"
	}
	return parts[1]
}
