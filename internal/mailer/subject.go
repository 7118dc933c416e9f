package mailer

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/kenta/digestman/internal/model"
)

// 件名の締め句のプール。先頭が定番で、残りは試験的なバリエーション。
var endPhrases = []string{
	"more trending posts",
	"more must-reads",
	"more top picks from your network",
	"more posts picked for you",
}

// 件名に添える絵文字のプール。
var subjectEmojis = []string{
	"🤓", "🎉", "🙈", "🔥", "💬", "👋", "👏", "🐶", "🦁", "🐙", "🦄", "❤️", "😇",
}

// Subject はダイジェストメールの件名を生成する。
// 先頭記事のタイトルを引用符で囲み、残り件数・締め句・絵文字3つを後続させる。
// 記事が1件のみの場合も残り件数0として同じ形式を使う。
func Subject(articles []*model.Article) string {
	return subjectWithRand(articles, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// subjectWithRand は乱数源を差し替え可能にした件名生成の実体。
func subjectWithRand(articles []*model.Article, rng *rand.Rand) string {
	if len(articles) == 0 {
		return ""
	}

	return fmt.Sprintf("%s + %d %s %s",
		quotedTitle(articles[0].Title), len(articles)-1, weightedPhrase(rng), pickEmojis(rng))
}

// quotedTitle はタイトルを引用符で囲む。既に引用符で始まる場合はそのまま返す。
func quotedTitle(title string) string {
	title = strings.TrimSpace(title)
	if strings.HasPrefix(title, `"`) {
		return title
	}
	return `"` + title + `"`
}

// weightedPhrase は締め句を選ぶ。定番の先頭句が1/2、残りは均等。
func weightedPhrase(rng *rand.Rand) string {
	if rng.Intn(2) == 0 {
		return endPhrases[0]
	}
	return endPhrases[1+rng.Intn(len(endPhrases)-1)]
}

// pickEmojis はプールから重複なしで絵文字を3つ選んで連結する。
func pickEmojis(rng *rand.Rand) string {
	idx := rng.Perm(len(subjectEmojis))[:3]
	picked := make([]string, 0, 3)
	for _, i := range idx {
		picked = append(picked, subjectEmojis[i])
	}
	return strings.Join(picked, "")
}
