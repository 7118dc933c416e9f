package mailer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// unsubscribeScope は購読解除トークンの用途識別子。
// 他用途のトークンを購読解除エンドポイントへ流用されないための固定値。
const unsubscribeScope = "email_digest"

// unsubscribeTokenTTL は購読解除トークンの有効期間。
// 受信箱に残った古いメールのリンクもしばらくは機能させる。
const unsubscribeTokenTTL = 30 * 24 * time.Hour

// unsubscribeClaims は購読解除トークンのクレーム。
type unsubscribeClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// NewUnsubscribeToken は指定ユーザーの署名付き購読解除トークンを生成する。
// HS256で署名し、発行から30日で失効する。
func NewUnsubscribeToken(secret, userID string, now time.Time) (string, error) {
	claims := unsubscribeClaims{
		Scope: unsubscribeScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(unsubscribeTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("購読解除トークンの署名に失敗しました: %w", err)
	}
	return signed, nil
}

// ParseUnsubscribeToken は購読解除トークンを検証し、対象ユーザーIDを返す。
// 署名不正・期限切れ・用途識別子の不一致はエラーになる。
// 購読解除エンドポイント自体はユーザー設定を管理する外部システムの責務のため、
// 本リポジトリでは発行（NewUnsubscribeToken）の検証用カウンターパートとして提供する。
func ParseUnsubscribeToken(secret, tokenString string) (string, error) {
	var claims unsubscribeClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("想定外の署名方式です: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("購読解除トークンの検証に失敗しました: %w", err)
	}

	if claims.Scope != unsubscribeScope {
		return "", fmt.Errorf("購読解除トークンの用途が一致しません: %s", claims.Scope)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("購読解除トークンにユーザーIDが含まれていません")
	}
	return claims.Subject, nil
}
