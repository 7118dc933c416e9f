package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/kenta/digestman/internal/model"
)

const articleSelectColumns = `
	id, author_id, title, url, summary, published, published_at, score,
	experience_rating, digest_eligible, featured, tags, created_at, updated_at`

// PostgresArticleRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresArticleRepo struct {
	db *sql.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

// ListFollowedCandidates はフォロー中の著者またはタグに該当する候補記事をスコア降順で返す。
// 公開済み・ダイジェスト適格・鮮度カットオフ以降・自著以外・スコア閾値超・
// 経験レベル帯域内（両端は含まない）の条件をすべて満たす記事のみ。
func (r *PostgresArticleRepo) ListFollowedCandidates(ctx context.Context, q FollowedCandidateQuery) ([]*model.Article, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT`+articleSelectColumns+`
		 FROM articles
		 WHERE published = TRUE
		   AND digest_eligible = TRUE
		   AND published_at > $1
		   AND author_id <> $2
		   AND score > $3
		   AND experience_rating > $4 AND experience_rating < $5
		   AND (author_id = ANY($6) OR tags && $7)
		 ORDER BY score DESC
		 LIMIT $8`,
		q.PublishedAfter, q.UserID, q.MinScore,
		q.ExperienceMin, q.ExperienceMax,
		pq.Array(q.AuthorIDs), pq.Array(q.Tags), q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("フォロー候補記事の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanArticles(rows)
}

// ListFeaturedCandidates はグローバルにフィーチャーされた候補記事をスコア降順で返す。
// ソーシャルグラフを持たないユーザー向けのフォールバック。
func (r *PostgresArticleRepo) ListFeaturedCandidates(ctx context.Context, q FeaturedCandidateQuery) ([]*model.Article, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT`+articleSelectColumns+`
		 FROM articles
		 WHERE published = TRUE
		   AND digest_eligible = TRUE
		   AND featured = TRUE
		   AND published_at > $1
		   AND author_id <> $2
		   AND score > $3
		 ORDER BY score DESC
		 LIMIT $4`,
		q.PublishedAfter, q.UserID, q.MinScore, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("フィーチャー候補記事の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanArticles(rows)
}

// scanArticles は記事行を走査してスライスに読み取る。
func scanArticles(rows *sql.Rows) ([]*model.Article, error) {
	var articles []*model.Article
	for rows.Next() {
		article := &model.Article{}
		var publishedAt sql.NullTime
		var tags pq.StringArray

		if err := rows.Scan(
			&article.ID, &article.AuthorID, &article.Title, &article.URL, &article.Summary,
			&article.Published, &publishedAt, &article.Score,
			&article.ExperienceRating, &article.DigestEligible, &article.Featured,
			&tags, &article.CreatedAt, &article.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}

		if publishedAt.Valid {
			article.PublishedAt = publishedAt.Time
		}
		article.Tags = []string(tags)

		articles = append(articles, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}

	return articles, nil
}

// compile-time interface check
var _ ArticleRepository = (*PostgresArticleRepo)(nil)
