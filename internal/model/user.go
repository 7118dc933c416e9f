// Package model はドメインモデルを定義する。
package model

import "time"

// User はダイジェスト配信対象のユーザーを表す。
// 本コアからは読み取り専用で、ユーザー管理自体は外部システムの責務。
type User struct {
	ID              string
	Email           string
	Name            string
	DigestOptIn     bool
	ExperienceLevel *float64 // 未設定の場合はnil（選定時はデフォルト5として扱う）

	// ソーシャルグラフ。パーソナライズ選定とフォールバック選定の分岐に使う。
	FollowedAuthorIDs []string
	FollowedTags      []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasFollowings はユーザーがフォロー中の著者またはタグを1つ以上持つかを返す。
// trueの場合はパーソナライズ選定、falseの場合はフィーチャー記事フォールバックになる。
func (u *User) HasFollowings() bool {
	return len(u.FollowedAuthorIDs) > 0 || len(u.FollowedTags) > 0
}

// EffectiveExperienceLevel は経験レベルを返す。未設定の場合はデフォルト値5を返す。
func (u *User) EffectiveExperienceLevel() float64 {
	if u.ExperienceLevel == nil {
		return 5
	}
	return *u.ExperienceLevel
}
