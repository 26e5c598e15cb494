package model

import (
	"strings"
	"time"
)

// User はOnboardHubを利用する社員アカウント。
// カレンダーイベントはすべてUserに所有される。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeEmail はメールアドレスを照合用に前後の空白を除いて小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DisplayName は表示名を決める。nameが空ならメールアドレスのローカル部を使う。
func DisplayName(name, email string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	local, _, _ := strings.Cut(NormalizeEmail(email), "@")
	return local
}

// Identity はGoogleアカウントなど外部IdPとUserの紐付け。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はCookieで識別されるログインセッション。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired はnow時点でセッションが期限切れかを返す。expires_at ちょうどは期限切れとみなす。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
