package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kenta/digestman/internal/model"
)

// PostgresSendLogRepo はPostgreSQLを使用した送信履歴リポジトリ。
type PostgresSendLogRepo struct {
	db *sql.DB
}

// NewPostgresSendLogRepo はPostgresSendLogRepoを生成する。
func NewPostgresSendLogRepo(db *sql.DB) *PostgresSendLogRepo {
	return &PostgresSendLogRepo{db: db}
}

// LastEntry は指定ユーザー・メーラー識別子の最新の送信記録を返す。履歴がない場合はnilを返す。
func (r *PostgresSendLogRepo) LastEntry(ctx context.Context, userID, mailer string) (*model.SendLogEntry, error) {
	entry := &model.SendLogEntry{}
	var openedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, mailer, sent_at, opened_at
		 FROM send_log
		 WHERE user_id = $1 AND mailer = $2
		 ORDER BY sent_at DESC
		 LIMIT 1`,
		userID, mailer,
	).Scan(&entry.ID, &entry.UserID, &entry.Mailer, &entry.SentAt, &openedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新送信記録の取得に失敗しました: %w", err)
	}

	if openedAt.Valid {
		entry.OpenedAt = &openedAt.Time
	}

	return entry, nil
}

// RecentEntries は指定ユーザー・メーラー識別子の送信記録をsent_at降順でlimit件まで返す。
func (r *PostgresSendLogRepo) RecentEntries(ctx context.Context, userID, mailer string, limit int) ([]*model.SendLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, mailer, sent_at, opened_at
		 FROM send_log
		 WHERE user_id = $1 AND mailer = $2
		 ORDER BY sent_at DESC
		 LIMIT $3`,
		userID, mailer, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("送信記録一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.SendLogEntry
	for rows.Next() {
		entry := &model.SendLogEntry{}
		var openedAt sql.NullTime

		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Mailer, &entry.SentAt, &openedAt); err != nil {
			return nil, fmt.Errorf("送信記録行の読み取りに失敗しました: %w", err)
		}

		if openedAt.Valid {
			entry.OpenedAt = &openedAt.Time
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("送信記録一覧の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// Create は送信記録を作成する。
func (r *PostgresSendLogRepo) Create(ctx context.Context, entry *model.SendLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO send_log (id, user_id, mailer, sent_at, opened_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.UserID, entry.Mailer, entry.SentAt, entry.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("送信記録の作成に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SendLogRepository = (*PostgresSendLogRepo)(nil)
