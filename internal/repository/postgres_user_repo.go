package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/authfacade/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// userColumns はusersテーブルのSELECT列。scanUserの順序と一致させる。
const userColumns = `id, email, first_name, last_name, is_verified, auth_method, external_subject, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// FindByExternalSubject は外部IdPのsubjectでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByExternalSubject(ctx context.Context, subject string) (*model.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE external_subject = $1`, subject)
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, arg string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// UpsertFederated はフェデレーションユーザーを単一のUPSERT文で作成または更新する。
// 同一subjectの同時実行は一意制約により後続側が更新パスに合流するため、行は1つに保たれる。
func (r *PostgresUserRepo) UpsertFederated(ctx context.Context, user *model.User) (*model.User, error) {
	saved, err := scanUser(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name, is_verified, auth_method, external_subject, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (external_subject) DO UPDATE SET
		   email       = EXCLUDED.email,
		   first_name  = EXCLUDED.first_name,
		   last_name   = EXCLUDED.last_name,
		   is_verified = EXCLUDED.is_verified,
		   updated_at  = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		user.ID, user.Email, user.FirstName, user.LastName, user.IsVerified,
		string(model.AuthMethodFederated), user.ExternalSubject, user.UpdatedAt,
	))
	if isUniqueViolation(err) {
		return nil, ErrDuplicateEmail
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert federated user: %w", err)
	}
	return saved, nil
}

// CreateWithCredential はユーザーと資格情報を同一トランザクションで作成する。
func (r *PostgresUserRepo) CreateWithCredential(ctx context.Context, user *model.User, credential *model.Credential) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// ユーザーを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name, is_verified, auth_method, external_subject, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8)`,
		user.ID, user.Email, user.FirstName, user.LastName, user.IsVerified,
		string(model.AuthMethodLocal), user.CreatedAt, user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	// 資格情報を作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credentials (user_id, password_hash, algorithm, updated_at)
		 VALUES ($1, $2, $3, $4)`,
		credential.UserID, credential.PasswordHash, credential.Algorithm, credential.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		user       model.User
		authMethod string
		subject    sql.NullString
	)
	err := row.Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.IsVerified,
		&authMethod, &subject, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.AuthMethod = model.AuthMethod(authMethod)
	user.ExternalSubject = subject.String
	return &user, nil
}

// isUniqueViolation はエラーがPostgreSQLの一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
