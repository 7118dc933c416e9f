// Package ledger はダイジェストパスの配信済みマーカーを提供する。
// 中断したパスを同一期間内に再実行しても二重配信しないための冪等化レイヤー。
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// マーカーの保持期間。パス期間（日単位）より十分長ければよい。
const deliveredTTL = 48 * time.Hour

// RedisLedger はRedisを使用した配信台帳。
type RedisLedger struct {
	rdb *redis.Client
}

// NewRedisLedger はRedisLedgerを生成する。
func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

func deliveredKey(period, userID string) string {
	return fmt.Sprintf("digest:delivered:%s:%s", period, userID)
}

// IsDelivered は指定期間に指定ユーザーへ配信済みかを返す。
func (l *RedisLedger) IsDelivered(ctx context.Context, period, userID string) (bool, error) {
	_, err := l.rdb.Get(ctx, deliveredKey(period, userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("配信台帳の読み取りに失敗しました: %w", err)
	}
	return true, nil
}

// MarkDelivered は指定期間の配信済みマーカーを記録する。
func (l *RedisLedger) MarkDelivered(ctx context.Context, period, userID string) error {
	if err := l.rdb.Set(ctx, deliveredKey(period, userID), "1", deliveredTTL).Err(); err != nil {
		return fmt.Errorf("配信台帳の記録に失敗しました: %w", err)
	}
	return nil
}
