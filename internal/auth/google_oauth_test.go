package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestGoogleOAuthProvider_GetLoginURL(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/google/callback",
	})

	raw := provider.GetLoginURL("test-state")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL %q: %v", raw, err)
	}
	if u.Host != "accounts.google.com" {
		t.Errorf("host = %q", u.Host)
	}

	q := u.Query()
	want := map[string]string{
		"client_id":     "test-client-id",
		"redirect_uri":  "http://localhost:8080/auth/google/callback",
		"response_type": "code",
		"state":         "test-state",
		"scope":         "openid email profile",
		"access_type":   "online",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

// newGoogleStub はトークンエンドポイントとユーザー情報エンドポイントを模したサーバーを返す。
func newGoogleStub(t *testing.T, userInfo map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("code") != "valid-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		if r.PostForm.Get("client_secret") != "secret" {
			t.Errorf("client_secret should be sent in params, got %q", r.PostForm.Get("client_secret"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(userInfo)
	})
	return httptest.NewServer(mux)
}

func newStubProvider(srv *httptest.Server) *GoogleOAuthProvider {
	return NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		AuthURL:      srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/userinfo",
		HTTPClient:   srv.Client(),
	})
}

func TestGoogleOAuthProvider_ExchangeCode_Success(t *testing.T) {
	srv := newGoogleStub(t, map[string]any{
		"sub":            "google-sub-12345",
		"email":          "taro@example.com",
		"email_verified": true,
		"name":           "山田 太郎",
	})
	defer srv.Close()

	info, err := newStubProvider(srv).ExchangeCode(context.Background(), "valid-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	want := OAuthUserInfo{
		ProviderUserID: "google-sub-12345",
		Email:          "taro@example.com",
		Name:           "山田 太郎",
		Provider:       "google",
	}
	if *info != want {
		t.Errorf("info = %+v, want %+v", *info, want)
	}
}

func TestGoogleOAuthProvider_ExchangeCode_Errors(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		userInfo map[string]any
	}{
		{"空の認可コード", "", map[string]any{"sub": "x"}},
		{"不正な認可コード", "bad-code", map[string]any{"sub": "x"}},
		{"subなし", "valid-code", map[string]any{"email": "a@example.com", "email_verified": true}},
		{"未検証メール", "valid-code", map[string]any{"sub": "x", "email": "a@example.com", "email_verified": false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newGoogleStub(t, tt.userInfo)
			defer srv.Close()

			if _, err := newStubProvider(srv).ExchangeCode(context.Background(), tt.code); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
