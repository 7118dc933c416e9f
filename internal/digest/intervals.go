package digest

import (
	"context"

	"github.com/kenta/digestman/internal/repository"
)

// SettingsIntervalSource はsite_settingsテーブルから送信間隔の上下限を解決する。
// 設定行が存在しない場合は環境変数由来のフォールバック値を使う。
// パスごとに読み直されるため、DB上の値の変更は次のパスから反映される。
type SettingsIntervalSource struct {
	settings repository.SettingsRepository
	fallback Config
}

// NewSettingsIntervalSource はSettingsIntervalSourceを生成する。
func NewSettingsIntervalSource(settings repository.SettingsRepository, fallback Config) *SettingsIntervalSource {
	return &SettingsIntervalSource{
		settings: settings,
		fallback: fallback,
	}
}

// IntervalBounds は間隔の上下限を解決する。
func (s *SettingsIntervalSource) IntervalBounds(ctx context.Context) (Config, error) {
	cfg := s.fallback

	if v, ok, err := s.settings.GetInt(ctx, repository.SettingDigestMinIntervalDays); err != nil {
		return Config{}, err
	} else if ok {
		cfg.MinIntervalDays = v
	}

	if v, ok, err := s.settings.GetInt(ctx, repository.SettingDigestMaxIntervalDays); err != nil {
		return Config{}, err
	} else if ok {
		cfg.MaxIntervalDays = v
	}

	return cfg, nil
}

// compile-time interface check
var _ IntervalSource = (*SettingsIntervalSource)(nil)
