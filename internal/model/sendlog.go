// Package model はドメインモデルを定義する。
package model

import "time"

// MailerDigest はダイジェストメールを他のメール種別と区別するメーラー識別子。
const MailerDigest = "digest_mailer.digest_email"

// SendLogEntry は過去のメール送信記録を表す。作成後は不変で、SentAt順に並ぶ。
// OpenedAtがnilの場合は一度も開封されていないことを示す。
type SendLogEntry struct {
	ID       string
	UserID   string
	Mailer   string
	SentAt   time.Time
	OpenedAt *time.Time
}

// Opened はこの送信が開封済みかを返す。
func (e *SendLogEntry) Opened() bool {
	return e.OpenedAt != nil
}
