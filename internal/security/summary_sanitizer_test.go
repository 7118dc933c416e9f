package security

import (
	"strings"
	"testing"
)

func TestSanitize_RemovesScriptTags(t *testing.T) {
	s := NewSummarySanitizer()

	input := `<p>hello</p><script>alert("xss")</script>`
	got := s.Sanitize(input)

	if strings.Contains(got, "<script") {
		t.Errorf("scriptタグが除去されていない: %q", got)
	}
	if !strings.Contains(got, "<p>hello</p>") {
		t.Errorf("許可タグが保持されていない: %q", got)
	}
}

func TestSanitize_RemovesEventAttributes(t *testing.T) {
	s := NewSummarySanitizer()

	input := `<p onclick="alert(1)">click</p>`
	got := s.Sanitize(input)

	if strings.Contains(got, "onclick") {
		t.Errorf("on*イベント属性が除去されていない: %q", got)
	}
}

func TestSanitize_RemovesImages(t *testing.T) {
	s := NewSummarySanitizer()

	// メール本文ではリモート画像を読み込ませない
	input := `<p>text</p><img src="https://example.com/track.png">`
	got := s.Sanitize(input)

	if strings.Contains(got, "<img") {
		t.Errorf("imgタグが除去されていない: %q", got)
	}
}

func TestSanitize_AllowsHTTPSLinks(t *testing.T) {
	s := NewSummarySanitizer()

	input := `<a href="https://example.com/post">post</a>`
	got := s.Sanitize(input)

	if !strings.Contains(got, `href="https://example.com/post"`) {
		t.Errorf("httpsリンクは保持されるべき: %q", got)
	}
}

func TestSanitize_RejectsJavascriptScheme(t *testing.T) {
	s := NewSummarySanitizer()

	input := `<a href="javascript:alert(1)">bad</a>`
	got := s.Sanitize(input)

	if strings.Contains(got, "javascript:") {
		t.Errorf("javascriptスキームが除去されていない: %q", got)
	}
}

func TestSanitize_EmptyInput(t *testing.T) {
	s := NewSummarySanitizer()

	if got := s.Sanitize(""); got != "" {
		t.Errorf("空入力には空文字列を返すべき: %q", got)
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	s := NewSummarySanitizer()

	input := `<p>text <strong>bold</strong></p><script>x</script>`
	once := s.Sanitize(input)
	twice := s.Sanitize(once)

	if once != twice {
		t.Errorf("サニタイズが冪等ではない: once=%q twice=%q", once, twice)
	}
}
