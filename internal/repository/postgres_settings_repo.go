package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// site_settingsで使用するキー。
const (
	// SettingDigestMinIntervalDays はダイジェスト送信間隔の最小日数。
	SettingDigestMinIntervalDays = "periodic_email_digest_min"
	// SettingDigestMaxIntervalDays はダイジェスト送信間隔の最大日数。
	SettingDigestMaxIntervalDays = "periodic_email_digest_max"
)

// PostgresSettingsRepo はPostgreSQLを使用したサイト設定リポジトリ。
// 間隔の上下限を再デプロイなしに変更するために、パスごとに読み直される。
type PostgresSettingsRepo struct {
	db *sql.DB
}

// NewPostgresSettingsRepo はPostgresSettingsRepoを生成する。
func NewPostgresSettingsRepo(db *sql.DB) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db}
}

// GetInt は指定キーの整数値を返す。キーが存在しない場合は2番目の戻り値がfalseになる。
func (r *PostgresSettingsRepo) GetInt(ctx context.Context, key string) (int, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM site_settings WHERE key = $1`,
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("サイト設定の取得に失敗しました: %w", err)
	}

	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("サイト設定 %s が整数ではありません: %w", key, err)
	}

	return i, true, nil
}

// compile-time interface check
var _ SettingsRepository = (*PostgresSettingsRepo)(nil)
