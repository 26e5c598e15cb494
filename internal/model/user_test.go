package model

import (
	"testing"
	"time"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		email    string
		expected string
	}{
		{name: "名前があればそのまま", input: "Hanako", email: "hanako@example.com", expected: "Hanako"},
		{name: "前後の空白は除く", input: "  Hanako ", email: "hanako@example.com", expected: "Hanako"},
		{name: "名前が空ならローカル部", input: "", email: "Taro@Example.com", expected: "taro"},
		{name: "空白のみもローカル部", input: "   ", email: "jiro@example.com", expected: "jiro"},
		{name: "@がなければ全体", input: "", email: "nobody", expected: "nobody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayName(tt.input, tt.email); got != tt.expected {
				t.Errorf("DisplayName(%q, %q) = %q, want %q", tt.input, tt.email, got, tt.expected)
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Hanako@Example.COM "); got != "hanako@example.com" {
		t.Errorf("NormalizeEmail() = %q, want %q", got, "hanako@example.com")
	}
}

func TestSession_Expired(t *testing.T) {
	expiresAt := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	s := &Session{ID: "s1", UserID: "u1", ExpiresAt: expiresAt}

	tests := []struct {
		name     string
		now      time.Time
		expected bool
	}{
		{name: "期限前", now: expiresAt.Add(-time.Second), expected: false},
		{name: "期限ちょうど", now: expiresAt, expected: true},
		{name: "期限後", now: expiresAt.Add(time.Hour), expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Expired(tt.now); got != tt.expected {
				t.Errorf("Expired(%v) = %v, want %v", tt.now, got, tt.expected)
			}
		})
	}
}
