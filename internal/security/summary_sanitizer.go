// Package security はアプリケーションのセキュリティ機能を提供する。
//
// SummarySanitizer は記事の要約HTMLをメール本文へ埋め込む前にサニタイズし、
// 著者入力由来のスクリプトや不正なマークアップを除去する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// メールクライアントで安全に表示できるタグのみを通過させる。
package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// SummarySanitizerService はHTML要約のサニタイズ機能のインターフェースを定義する。
type SummarySanitizerService interface {
	// Sanitize は要約HTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, blockquote, pre, code, strong, em）のみを通過させ、
	// script, iframe, styleタグおよびon*イベント属性を除去する。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// summarySanitizer はSummarySanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type summarySanitizer struct {
	policy *bluemonday.Policy
}

// NewSummarySanitizer はSummarySanitizerServiceの新しいインスタンスを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em
//   - 禁止タグ: script, iframe, style, img および全てのon*イベント属性
//     （メールクライアントでのリモート画像読み込みを避けるためimgも通さない）
//   - aタグ: href属性のみ許可、httpsスキーム限定、相対URLは不許可
func NewSummarySanitizer() *summarySanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.RequireNoReferrerOnLinks(true)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &summarySanitizer{
		policy: p,
	}
}

// Sanitize は要約HTMLをサニタイズして安全なHTMLを返す。
func (s *summarySanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
