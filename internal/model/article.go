// Package model はドメインモデルを定義する。
package model

import "time"

// Article はダイジェスト候補となる記事を表す。
// 記事の作成・公開ワークフローは外部システムの責務で、本コアからは読み取り専用。
type Article struct {
	ID               string
	AuthorID         string
	Title            string
	URL              string
	Summary          string // 未サニタイズのHTML。メール描画時にサニタイズする
	Published        bool
	PublishedAt      time.Time
	Score            int
	ExperienceRating float64
	DigestEligible   bool
	Featured         bool
	Tags             []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
