// Package mailer はダイジェストメールの組み立てと配信を提供する。
// 件名の生成、購読解除トークンの発行、HTML本文の描画、送信記録の作成、
// SMTPによる送信までを担う。
package mailer

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kenta/digestman/internal/model"
	"github.com/kenta/digestman/internal/repository"
	"github.com/kenta/digestman/internal/security"
)

// maxRenderedArticles は1通のメール本文に描画する記事の最大件数。
// 候補リストがこれより長い場合、スコア上位のみを描画する。
const maxRenderedArticles = 6

//go:embed digest_email.tmpl
var templateFS embed.FS

var digestTemplate = template.Must(template.ParseFS(templateFS, "digest_email.tmpl"))

// SendFunc はSMTP送信の差し替え可能なシーム。
// 本番ではsmtp.SendMailを使い、テストでは記録用のフェイクを注入する。
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Config はSMTPMailerの設定。
type Config struct {
	// Addr はSMTPサーバーのアドレス（host:port形式）。
	Addr string
	// Username とPasswordはSMTP認証の資格情報。Usernameが空の場合は認証なしで送信する。
	Username string
	Password string
	// From は送信元アドレス。
	From string
	// BaseURL は購読解除リンクの生成に使うサイトのベースURL。
	BaseURL string
	// UnsubscribeSecret は購読解除トークンの署名鍵。
	UnsubscribeSecret string
	// Rate とBurstは送信レート制限（通/秒）。
	Rate  float64
	Burst int
}

// SMTPMailer はSMTP経由でダイジェストメールを配信する。
// 送信記録はSMTP送信の「前」に作成される。これにより送信自体が失敗しても
// 記録が残り、再実行時に時間ゲートで弾かれるため、最悪でも欠配側に倒れる
// （二重配信側には倒れない）。
type SMTPMailer struct {
	cfg         Config
	sendLogRepo repository.SendLogRepository
	sanitizer   security.SummarySanitizerService
	limiter     *rate.Limiter
	send        SendFunc
	logger      *slog.Logger
	now         func() time.Time
}

// NewSMTPMailer はSMTPMailerの新しいインスタンスを生成する。
func NewSMTPMailer(cfg Config, sendLogRepo repository.SendLogRepository, sanitizer security.SummarySanitizerService, logger *slog.Logger) *SMTPMailer {
	return &SMTPMailer{
		cfg:         cfg,
		sendLogRepo: sendLogRepo,
		sanitizer:   sanitizer,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		send:        smtp.SendMail,
		logger:      logger,
		now:         time.Now,
	}
}

// emailData はメール本文テンプレートへ渡すデータ。
type emailData struct {
	Name           string
	Articles       []emailArticle
	UnsubscribeURL string
}

type emailArticle struct {
	Title   string
	URL     string
	Summary template.HTML
}

// Deliver は1ユーザーへダイジェストメールを配信する。
// レート制限の待機、本文の描画、送信記録の作成、SMTP送信の順に行う。
// コンテキストのキャンセルはレート制限の待機中にのみ反映される。
func (m *SMTPMailer) Deliver(ctx context.Context, user *model.User, articles []*model.Article) error {
	if len(articles) == 0 {
		return fmt.Errorf("配信対象の記事がありません: user_id=%s", user.ID)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("送信レート制限の待機に失敗しました: %w", err)
	}

	subject := Subject(articles)

	body, err := m.renderBody(user, articles)
	if err != nil {
		return err
	}

	// SMTPへ渡す前に送信記録を作成する。記録の作成に失敗した場合は送信しない。
	entry := &model.SendLogEntry{
		ID:     uuid.NewString(),
		UserID: user.ID,
		Mailer: model.MailerDigest,
		SentAt: m.now().UTC(),
	}
	if err := m.sendLogRepo.Create(ctx, entry); err != nil {
		return fmt.Errorf("送信記録の作成に失敗しました: %w", err)
	}

	msg := m.buildMessage(user.Email, subject, body)
	if err := m.send(m.cfg.Addr, m.auth(), m.cfg.From, []string{user.Email}, msg); err != nil {
		return fmt.Errorf("メールの送信に失敗しました: %w", err)
	}

	m.logger.Debug("ダイジェストメールを送信しました",
		slog.String("user_id", user.ID),
		slog.String("send_log_id", entry.ID),
		slog.Int("article_count", len(articles)),
	)

	return nil
}

// renderBody はHTML本文を描画する。要約はサニタイズした上で
// template.HTMLとして埋め込む（再エスケープさせない）。
func (m *SMTPMailer) renderBody(user *model.User, articles []*model.Article) ([]byte, error) {
	rendered := articles
	if len(rendered) > maxRenderedArticles {
		rendered = rendered[:maxRenderedArticles]
	}

	data := emailData{
		Name:           user.Name,
		UnsubscribeURL: m.unsubscribeURL(user.ID),
	}
	for _, a := range rendered {
		data.Articles = append(data.Articles, emailArticle{
			Title:   a.Title,
			URL:     a.URL,
			Summary: template.HTML(m.sanitizer.Sanitize(a.Summary)),
		})
	}

	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("メール本文の描画に失敗しました: %w", err)
	}
	return buf.Bytes(), nil
}

// unsubscribeURL は署名付きトークンを含む購読解除URLを生成する。
func (m *SMTPMailer) unsubscribeURL(userID string) string {
	token, err := NewUnsubscribeToken(m.cfg.UnsubscribeSecret, userID, m.now())
	if err != nil {
		// HMAC署名は鍵があれば失敗しない。念のためトークンなしのURLは返さない。
		m.logger.Error("購読解除トークンの生成に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return m.cfg.BaseURL + "/settings/notifications"
	}
	return m.cfg.BaseURL + "/unsubscribe?token=" + url.QueryEscape(token)
}

// buildMessage はRFC 5322形式のメッセージを組み立てる。
// 件名は絵文字を含むためBエンコーディングでエンコードする。
func (m *SMTPMailer) buildMessage(to, subject string, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// auth はSMTP認証情報を返す。Usernameが未設定の場合はnil（認証なし）。
func (m *SMTPMailer) auth() smtp.Auth {
	if m.cfg.Username == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(m.cfg.Addr)
	if err != nil {
		host = m.cfg.Addr
	}
	return smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
}
