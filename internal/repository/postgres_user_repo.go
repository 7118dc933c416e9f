package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/kenta/digestman/internal/model"
)

// ユーザー1行分のSELECT句。author_follows/tag_followsを集約してソーシャルグラフを同時に取得する。
const userSelectColumns = `
	u.id, u.email, u.name, u.digest_opt_in, u.experience_level, u.created_at, u.updated_at,
	COALESCE(af.author_ids, '{}') AS author_ids,
	COALESCE(tf.tag_names, '{}') AS tag_names`

const userFollowJoins = `
	LEFT JOIN (
		SELECT user_id, array_agg(author_id ORDER BY author_id) AS author_ids
		FROM author_follows GROUP BY user_id
	) af ON af.user_id = u.id
	LEFT JOIN (
		SELECT user_id, array_agg(tag_name ORDER BY tag_name) AS tag_names
		FROM tag_follows GROUP BY user_id
	) tf ON tf.user_id = u.id`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーをソーシャルグラフ付きで取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+userSelectColumns+`
		 FROM users u`+userFollowJoins+`
		 WHERE u.id = $1`,
		id,
	)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}

	return user, nil
}

// ListDigestOptIn はオプトイン済みユーザーをID昇順のキーセットページネーションで取得する。
// afterIDより大きいIDのユーザーをlimit件まで返す。
func (r *PostgresUserRepo) ListDigestOptIn(ctx context.Context, afterID string, limit int) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT`+userSelectColumns+`
		 FROM users u`+userFollowJoins+`
		 WHERE u.digest_opt_in = TRUE AND u.email <> '' AND u.id > $1
		 ORDER BY u.id
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("オプトインユーザー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ユーザー行の読み取りに失敗しました: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("オプトインユーザー一覧の走査に失敗しました: %w", err)
	}

	return users, nil
}

// rowScanner はsql.Rowとsql.Rowsの共通Scanインターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUser はユーザー1行をスキャンする。
func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	var experienceLevel sql.NullFloat64
	var authorIDs, tagNames pq.StringArray

	if err := row.Scan(
		&user.ID, &user.Email, &user.Name, &user.DigestOptIn, &experienceLevel,
		&user.CreatedAt, &user.UpdatedAt,
		&authorIDs, &tagNames,
	); err != nil {
		return nil, err
	}

	if experienceLevel.Valid {
		v := experienceLevel.Float64
		user.ExperienceLevel = &v
	}
	user.FollowedAuthorIDs = []string(authorIDs)
	user.FollowedTags = []string(tagNames)

	return user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
