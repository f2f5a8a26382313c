package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/authfacade/internal/model"
)

// PostgresRevocationRepo はPostgreSQLを使用した失効リスト。
type PostgresRevocationRepo struct {
	db *sql.DB
}

// NewPostgresRevocationRepo はPostgresRevocationRepoを生成する。
func NewPostgresRevocationRepo(db *sql.DB) *PostgresRevocationRepo {
	return &PostgresRevocationRepo{db: db}
}

// Revoke はトークンIDの失効記録を挿入する。既に存在する場合はfalseを返す。
func (r *PostgresRevocationRepo) Revoke(ctx context.Context, entry model.RevocationEntry) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_id, user_id, revoked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token_id) DO NOTHING`,
		entry.TokenID, entry.UserID, entry.RevokedAt, entry.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// RevokeAllForUser はユーザー単位の失効記録を作成する。
// 既存の記録がある場合は新しい方の時刻に更新する。
func (r *PostgresRevocationRepo) RevokeAllForUser(ctx context.Context, entry model.RevocationEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_revocations (user_id, revoked_at, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
		   revoked_at = GREATEST(user_revocations.revoked_at, EXCLUDED.revoked_at),
		   expires_at = GREATEST(user_revocations.expires_at, EXCLUDED.expires_at)`,
		entry.UserID, entry.RevokedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke user tokens: %w", err)
	}
	return nil
}

// IsRevoked はトークンが失効済みかどうかを返す。
// issuedAt以降にユーザー単位の失効がある場合も失効済みとして扱う。
// timestamptzはマイクロ秒精度のため、issuedAtもマイクロ秒に切り捨てて比較する。
func (r *PostgresRevocationRepo) IsRevoked(ctx context.Context, userID string, issuedAt time.Time, tokenIDs ...string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = ANY($1))
		     OR EXISTS (SELECT 1 FROM user_revocations WHERE user_id = $2 AND revoked_at >= $3)`,
		pq.Array(nonEmpty(tokenIDs)), userID, issuedAt.Truncate(time.Microsecond),
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return revoked, nil
}

// DeleteExpired は有効期限を過ぎた失効記録を削除する。
func (r *PostgresRevocationRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, query := range []string{
		`DELETE FROM revoked_tokens WHERE expires_at < $1`,
		`DELETE FROM user_revocations WHERE expires_at < $1`,
	} {
		result, err := r.db.ExecContext(ctx, query, now)
		if err != nil {
			return total, fmt.Errorf("failed to delete expired revocations: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// nonEmpty は空文字列を除いたIDを返す。
func nonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// compile-time interface check
var _ RevocationStore = (*PostgresRevocationRepo)(nil)
