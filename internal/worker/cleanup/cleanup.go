// Package cleanup は失効リストの自動削除ジョブを提供する。
// 失効対象トークンの本来の有効期限（expires_at）を過ぎた記録は
// 判定に不要となるため、定期バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authfacade/internal/metrics"
)

// ExpiredRevocationPurger は期限切れの失効記録の削除を抽象化するインターフェース。
// repository.RevocationStoreが実装する。
type ExpiredRevocationPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は期限切れの失効記録の自動削除ジョブ。
// 冪等な削除処理のため、複数のワーカーから同時に実行されても結果は変わらない。
type CleanupJob struct {
	store   ExpiredRevocationPurger
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store ExpiredRevocationPurger, logger *slog.Logger, collector metrics.MetricsCollector) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &CleanupJob{
		store:   store,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
	}
}

// Run は有効期限を過ぎた失効記録を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.store.DeleteExpired(ctx, j.now())
	if err != nil {
		j.logger.Error("revocation cleanup failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to purge expired revocations: %w", err)
	}

	j.metrics.RecordRevocationsPurged(deletedCount)

	duration := time.Since(start)
	j.logger.Info("revocation cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降はintervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。実行エラーはログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	// Run内でログ済みのためエラーは破棄する
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
