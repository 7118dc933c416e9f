// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/kenta/digestman/internal/model"
)

// UserRepository はユーザーデータの読み取りインターフェース。
// ユーザーの作成・更新は外部システムの責務のため、本コアは読み取りとオプトアウトのみを扱う。
type UserRepository interface {
	// FindByID は指定IDのユーザーをソーシャルグラフ付きで取得する。見つからない場合はnilを返す。
	// バッチ取得後にオプトアウトしたユーザーを弾くため、配信直前の再確認にも使われる。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// ListDigestOptIn はダイジェストにオプトインしている（digest_opt_in = true かつ
	// email が空でない）ユーザーをID昇順のキーセットページネーションで取得する。
	// afterIDより大きいIDのユーザーをlimit件まで返す。先頭から取得する場合は空文字を渡す。
	ListDigestOptIn(ctx context.Context, afterID string, limit int) ([]*model.User, error)
}

// SendLogRepository は送信履歴の永続化インターフェース。
// エントリは作成後不変で、sent_at降順に読み取られる。
type SendLogRepository interface {
	// LastEntry は指定ユーザー・メーラー識別子の最新の送信記録を返す。
	// 履歴がない場合はnilを返す。
	LastEntry(ctx context.Context, userID, mailer string) (*model.SendLogEntry, error)

	// RecentEntries は指定ユーザー・メーラー識別子の送信記録をsent_at降順でlimit件まで返す。
	RecentEntries(ctx context.Context, userID, mailer string, limit int) ([]*model.SendLogEntry, error)

	// Create は送信記録を作成する。配信のブッキーピングとして配信側が呼び出す。
	Create(ctx context.Context, entry *model.SendLogEntry) error
}

// FollowedCandidateQuery はソーシャルグラフを持つユーザー向けの候補記事クエリ。
type FollowedCandidateQuery struct {
	UserID         string // この著者の記事は除外する（自著を送らない）
	AuthorIDs      []string
	Tags           []string
	PublishedAfter time.Time
	MinScore       int
	ExperienceMin  float64
	ExperienceMax  float64
	Limit          int
}

// FeaturedCandidateQuery はソーシャルグラフを持たないユーザー向けの
// フィーチャー記事フォールバッククエリ。
type FeaturedCandidateQuery struct {
	UserID         string // この著者の記事は除外する
	PublishedAfter time.Time
	MinScore       int
	Limit          int
}

// ArticleRepository はダイジェスト候補記事の読み取りインターフェース。
type ArticleRepository interface {
	// ListFollowedCandidates はフォロー中の著者またはタグに該当する候補記事を
	// スコア降順で返す。公開済み・ダイジェスト適格・経験レベル帯域内のみ。
	ListFollowedCandidates(ctx context.Context, q FollowedCandidateQuery) ([]*model.Article, error)

	// ListFeaturedCandidates はグローバルにフィーチャーされた候補記事をスコア降順で返す。
	ListFeaturedCandidates(ctx context.Context, q FeaturedCandidateQuery) ([]*model.Article, error)
}

// SettingsRepository はsite_settingsテーブルの読み取りインターフェース。
// ダイジェスト間隔の上下限を再デプロイなしに変更するために使う。
type SettingsRepository interface {
	// GetInt は指定キーの整数値を返す。キーが存在しない場合は2番目の戻り値がfalseになる。
	GetInt(ctx context.Context, key string) (int, bool, error)
}
