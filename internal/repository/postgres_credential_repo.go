package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/authfacade/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した資格情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// FindByUserID はユーザーの資格情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByUserID(ctx context.Context, userID string) (*model.Credential, error) {
	cred := &model.Credential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, password_hash, algorithm, updated_at
		 FROM credentials
		 WHERE user_id = $1`,
		userID,
	).Scan(&cred.UserID, &cred.PasswordHash, &cred.Algorithm, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	return cred, nil
}

// Replace は資格情報を丸ごと置き換える。行が存在しない場合は作成する。
func (r *PostgresCredentialRepo) Replace(ctx context.Context, credential *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, password_hash, algorithm, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
		   password_hash = EXCLUDED.password_hash,
		   algorithm     = EXCLUDED.algorithm,
		   updated_at    = EXCLUDED.updated_at`,
		credential.UserID, credential.PasswordHash, credential.Algorithm, credential.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to replace credential: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
