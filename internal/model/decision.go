// Package model はドメインモデルを定義する。
package model

import "time"

// DigestDecision はアナライザの分析結果を表す。
// 1ユーザー・1パスごとに生成される一時的な値で、永続化されない。
type DigestDecision struct {
	// LastSentAt は直近のダイジェスト送信日時。送信履歴がない場合はnil。
	LastSentAt *time.Time

	// OpenRate は直近送信分の推定開封率 [0.0, 1.0]。
	// サンプル不足（10件未満）の場合は中立値0.5になる。
	OpenRate float64

	// IntervalDays は次の送信までに必要な日数。常に設定の最小日数以上。
	IntervalDays int

	// Ready は時間ゲートとコンテンツ充足ゲートの両方を通過したかを示す。
	Ready bool

	// Articles は送信候補の記事（スコア降順、最大8件）。
	// Readyがtrueの場合のみ意味を持つ。
	Articles []*Article
}
