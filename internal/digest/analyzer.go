// Package digest はダイジェストメールの送信可否判定と候補記事選定を提供する。
// エンゲージメント分析、適応的送信間隔の計算、バッチオーケストレーションを含む。
package digest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kenta/digestman/internal/model"
	"github.com/kenta/digestman/internal/repository"
)

const (
	// openRateSampleSize は開封率推定に使う直近送信記録の件数。
	// これより古い履歴は判定に影響しない。
	openRateSampleSize = 10

	// neutralOpenRate はサンプル不足時の中立開封率。
	// 「不明なので平均的と仮定する」というフォールバック。
	neutralOpenRate = 0.5

	// freshnessWindowDays は候補記事の鮮度ウィンドウ（日数）。
	// これより古い記事は直近送信がなくても候補にしない。
	freshnessWindowDays = 4

	// maxArticles は1通のダイジェストに含める候補記事の最大件数。
	maxArticles = 8

	// minArticles はコンテンツ充足ゲートの最小件数。
	// 候補がこれ未満の場合、時間的に送信可能でも送信を見送る。
	minArticles = 3

	// followedMinScore はパーソナライズ選定のスコア閾値（この値より大きいこと）。
	followedMinScore = 12

	// featuredMinScore はフィーチャー記事フォールバックのスコア閾値。
	featuredMinScore = 25

	// experienceBand は経験レベル帯域の片側幅。
	// ユーザーの経験レベル ± この値の範囲内（両端は含まない）の記事のみを候補にする。
	experienceBand = 3.6
)

// Config はダイジェスト送信間隔の上下限を保持する値オブジェクト。
// アナライザにはグローバル状態ではなく、この値を明示的に渡す。
type Config struct {
	MinIntervalDays int
	MaxIntervalDays int
}

// Validate は間隔設定の整合性を検証する。
func (c Config) Validate() error {
	if c.MinIntervalDays < 1 {
		return fmt.Errorf("最小送信間隔は1日以上である必要があります: %d", c.MinIntervalDays)
	}
	if c.MaxIntervalDays < c.MinIntervalDays {
		return fmt.Errorf("最大送信間隔は最小送信間隔以上である必要があります: max=%d min=%d",
			c.MaxIntervalDays, c.MinIntervalDays)
	}
	return nil
}

// Analyzer はユーザーごとのダイジェスト送信可否と候補記事を分析する。
// 呼び出し間で状態を持たず、送信履歴と記事リポジトリの現在の内容のみから判定する。
type Analyzer struct {
	sendLogRepo repository.SendLogRepository
	articleRepo repository.ArticleRepository
	now         func() time.Time
}

// NewAnalyzer はAnalyzerの新しいインスタンスを生成する。
func NewAnalyzer(sendLogRepo repository.SendLogRepository, articleRepo repository.ArticleRepository) *Analyzer {
	return &Analyzer{
		sendLogRepo: sendLogRepo,
		articleRepo: articleRepo,
		now:         time.Now,
	}
}

// Analyze は1ユーザーのダイジェスト判定を行い、DigestDecisionを返す。
// 各ステップの出力が次のステップの入力になる固定パイプライン:
// 最終送信日時 → 開封率 → 適応間隔 → 時間ゲート → 鮮度カットオフ → 候補選定 → 充足ゲート。
// リポジトリ障害はそのまま呼び出し元へ伝播する（ユーザー単位の隔離はオーケストレータの責務）。
func (a *Analyzer) Analyze(ctx context.Context, user *model.User, cfg Config) (*model.DigestDecision, error) {
	now := a.now().UTC()

	// 1. 最終送信日時
	last, err := a.sendLogRepo.LastEntry(ctx, user.ID, model.MailerDigest)
	if err != nil {
		return nil, fmt.Errorf("最終送信日時の取得に失敗しました: %w", err)
	}
	var lastSentAt *time.Time
	if last != nil {
		t := last.SentAt
		lastSentAt = &t
	}

	// 2. 開封率推定
	entries, err := a.sendLogRepo.RecentEntries(ctx, user.ID, model.MailerDigest, openRateSampleSize)
	if err != nil {
		return nil, fmt.Errorf("送信履歴の取得に失敗しました: %w", err)
	}
	openRate := OpenRate(entries)

	// 3. 適応間隔
	intervalDays := IntervalDays(openRate, cfg)

	decision := &model.DigestDecision{
		LastSentAt:   lastSentAt,
		OpenRate:     openRate,
		IntervalDays: intervalDays,
	}

	// 4. 時間ゲート。送信履歴がないユーザーは常に通過する。
	if lastSentAt != nil && now.Sub(*lastSentAt) < time.Duration(intervalDays)*24*time.Hour {
		return decision, nil
	}

	// 5-6. 鮮度カットオフと候補選定。時間ゲートを通過した場合のみクエリする。
	articles, err := a.selectArticles(ctx, user, FreshnessCutoff(now, lastSentAt))
	if err != nil {
		return nil, err
	}
	decision.Articles = articles

	// 7-8. コンテンツ充足ゲート
	decision.Ready = len(articles) >= minArticles

	return decision, nil
}

// selectArticles はユーザーのソーシャルグラフの有無に応じて候補記事を選定する。
func (a *Analyzer) selectArticles(ctx context.Context, user *model.User, cutoff time.Time) ([]*model.Article, error) {
	if user.HasFollowings() {
		level := user.EffectiveExperienceLevel()
		articles, err := a.articleRepo.ListFollowedCandidates(ctx, repository.FollowedCandidateQuery{
			UserID:         user.ID,
			AuthorIDs:      user.FollowedAuthorIDs,
			Tags:           user.FollowedTags,
			PublishedAfter: cutoff,
			MinScore:       followedMinScore,
			ExperienceMin:  level - experienceBand,
			ExperienceMax:  level + experienceBand,
			Limit:          maxArticles,
		})
		if err != nil {
			return nil, fmt.Errorf("フォロー候補記事の選定に失敗しました: %w", err)
		}
		return articles, nil
	}

	articles, err := a.articleRepo.ListFeaturedCandidates(ctx, repository.FeaturedCandidateQuery{
		UserID:         user.ID,
		PublishedAfter: cutoff,
		MinScore:       featuredMinScore,
		Limit:          maxArticles,
	})
	if err != nil {
		return nil, fmt.Errorf("フィーチャー候補記事の選定に失敗しました: %w", err)
	}
	return articles, nil
}

// OpenRate は送信記録から開封率を推定する。
// サンプルが規定件数（10件）未満の場合は中立値0.5を返す。
// それ以外は開封済み件数の真の分数（整数除算ではない）を返す。
func OpenRate(entries []*model.SendLogEntry) float64 {
	if len(entries) < openRateSampleSize {
		return neutralOpenRate
	}

	opened := 0
	for _, e := range entries {
		if e.Opened() {
			opened++
		}
	}
	return float64(opened) / float64(len(entries))
}

// IntervalDays は開封率から次の送信までに必要な日数を計算する。
// 飽和曲線 round(max * (1 - tanh(2 * openRate))) を最小日数で下方クランプする。
// openRateに対して単調非増加で、開封率が高いユーザーほど間隔が短くなる。
func IntervalDays(openRate float64, cfg Config) int {
	days := int(math.Round(float64(cfg.MaxIntervalDays) * (1 - math.Tanh(2*openRate))))
	if days < cfg.MinIntervalDays {
		return cfg.MinIntervalDays
	}
	return days
}

// FreshnessCutoff は候補記事の鮮度カットオフを返す。
// 4日より過去は遡らず、直近送信がそれより新しい場合は送信日時を下限にする
// （前回送信時に候補だった記事を再度送らないため）。
func FreshnessCutoff(now time.Time, lastSentAt *time.Time) time.Time {
	fewDaysAgo := now.AddDate(0, 0, -freshnessWindowDays)
	if lastSentAt == nil || fewDaysAgo.After(*lastSentAt) {
		return fewDaysAgo
	}
	return *lastSentAt
}
