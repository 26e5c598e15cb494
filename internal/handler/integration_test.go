package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/onboardhub/internal/auth"
	"github.com/hitoshi/onboardhub/internal/calendar"
	"github.com/hitoshi/onboardhub/internal/middleware"
	"github.com/hitoshi/onboardhub/internal/model"
	"github.com/hitoshi/onboardhub/internal/security"
	"github.com/hitoshi/onboardhub/internal/user"
)

// --- 統合テスト用のインメモリストア ---

// integrationState は統合テスト用の共有状態を保持する。
type integrationState struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	users    map[string]*model.User
	events   map[string]*model.Event
}

func newIntegrationState() *integrationState {
	return &integrationState{
		sessions: make(map[string]*model.Session),
		users:    make(map[string]*model.User),
		events:   make(map[string]*model.Event),
	}
}

func (s *integrationState) login(sessionID, userID string) {
	s.sessions[sessionID] = &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	s.users[userID] = &model.User{ID: userID, Email: userID + "@example.com", Name: userID}
}

// memEventRepo はrepository.EventRepositoryのインメモリ実装。
type memEventRepo struct{ s *integrationState }

func (r memEventRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Event
	for _, ev := range r.s.events {
		if ev.UserID == userID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r memEventRepo) ListByUserIDInRange(ctx context.Context, userID string, start, end time.Time) ([]*model.Event, error) {
	all, _ := r.ListByUserID(ctx, userID)
	var out []*model.Event
	for _, ev := range all {
		if !ev.StartTime.After(end) && !ev.EndTime.Before(start) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r memEventRepo) FindByID(ctx context.Context, userID, id string) (*model.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[id]
	if !ok || ev.UserID != userID {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (r memEventRepo) Create(ctx context.Context, event *model.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *event
	r.s.events[event.ID] = &cp
	return nil
}

func (r memEventRepo) Update(ctx context.Context, event *model.Event) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.events[event.ID]
	if !ok || cur.UserID != event.UserID {
		return false, nil
	}
	cp := *event
	r.s.events[event.ID] = &cp
	return true, nil
}

func (r memEventRepo) ImportByICalUID(ctx context.Context, events []*model.Event) (created, updated int, err error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, event := range events {
		if r.upsertLocked(event) {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}

func (r memEventRepo) upsertLocked(event *model.Event) bool {
	for id, cur := range r.s.events {
		if cur.UserID == event.UserID && cur.ICalUID != "" && cur.ICalUID == event.ICalUID {
			cp := *event
			cp.ID, cp.CreatedAt = id, cur.CreatedAt
			r.s.events[id] = &cp
			event.ID = id
			return false
		}
	}
	cp := *event
	r.s.events[event.ID] = &cp
	return true
}

func (r memEventRepo) Delete(ctx context.Context, userID, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[id]
	if !ok || ev.UserID != userID {
		return false, nil
	}
	delete(r.s.events, id)
	return true, nil
}

func (r memEventRepo) DeleteByUserID(ctx context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, ev := range r.s.events {
		if ev.UserID == userID {
			delete(r.s.events, id)
		}
	}
	return nil
}

// memUserRepo はrepository.UserRepositoryのインメモリ実装。
type memUserRepo struct{ s *integrationState }

func (r memUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.users[id], nil
}

func (r memUserRepo) CreateWithIdentity(ctx context.Context, u *model.User, identity *model.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.users[u.ID] = u
	return nil
}

func (r memUserRepo) DeleteByID(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.users, id)
	return nil
}

// memSessionRepo はrepository.SessionRepositoryのインメモリ実装。
type memSessionRepo struct{ s *integrationState }

func (r memSessionRepo) Create(ctx context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[session.ID] = session
	return nil
}

func (r memSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return nil, nil
	}
	return sess, nil
}

func (r memSessionRepo) DeleteByID(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	return nil
}

func (r memSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, sess := range r.s.sessions {
		if sess.UserID == userID {
			delete(r.s.sessions, id)
		}
	}
	return nil
}

func (r memSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// --- 統合テスト用ルーター構築ヘルパー ---

func createIntegrationRouter(state *integrationState) http.Handler {
	events := memEventRepo{s: state}
	users := memUserRepo{s: state}
	sessions := memSessionRepo{s: state}

	calendarService := calendar.NewService(
		events,
		security.NewDescriptionSanitizer(),
		security.NewSSRFGuard(),
		nil,
		calendar.Options{MaxRangeDays: 366, ImportTimeout: time.Second, ImportMaxSize: 1 << 20},
	)

	oauth := &stubOAuthProvider{}
	authService := auth.NewService(oauth, users, stubIdentityRepo{}, sessions, auth.ServiceConfig{SessionMaxAge: 3600})

	deps := &RouterDeps{
		SessionFinder:     sessions,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig()),
		AuthService:       authService,
		AuthConfig:        AuthHandlerConfig{BaseURL: "http://localhost:3000", SessionMaxAge: 3600},
		CalendarService:   calendarService,
		ImportMaxSize:     1 << 20,
		UserService:       user.NewService(users, sessions, events),
	}
	return NewRouter(deps)
}

type stubOAuthProvider struct{}

func (stubOAuthProvider) GetLoginURL(state string) string {
	return "https://accounts.google.com/o/oauth2/v2/auth?state=" + state
}

func (stubOAuthProvider) ExchangeCode(ctx context.Context, code string) (*auth.OAuthUserInfo, error) {
	return &auth.OAuthUserInfo{
		ProviderUserID: "google-" + code,
		Email:          "integration@example.com",
		Name:           "Integration User",
		Provider:       "google",
	}, nil
}

type stubIdentityRepo struct{}

func (stubIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	return nil, nil
}

// apiClient はセッションとCSRFトークンを付与してリクエストするテスト用クライアント。
type apiClient struct {
	t         *testing.T
	router    http.Handler
	sessionID string
}

func (c apiClient) do(method, path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if c.sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: c.sessionID})
	}
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "integration-token"})
	req.Header.Set("X-CSRF-Token", "integration-token")
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

type listResponse struct {
	Events []struct {
		ID                  string    `json:"id"`
		Title               string    `json:"title"`
		StartTime           time.Time `json:"startTime"`
		EndTime             time.Time `json:"endTime"`
		OriginalID          string    `json:"originalId"`
		IsRecurringInstance bool      `json:"isRecurringInstance"`
	} `json:"events"`
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) listResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, body=%s", w.Code, w.Body.String())
	}
	var body listResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	return body
}

// --- テスト ---

// TestIntegration_AuthFlow_LoginCallbackMeLogout はOAuth認証フロー全体を検証する。
// ログイン → コールバック → セッション発行 → /auth/me で認証確認 → ログアウト → セッション破棄
func TestIntegration_AuthFlow_LoginCallbackMeLogout(t *testing.T) {
	state := newIntegrationState()
	router := createIntegrationRouter(state)

	// 1. ログイン
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))
	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("step1: status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	var oauthStateCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "oauth_state" {
			oauthStateCookie = c
		}
	}
	if oauthStateCookie == nil {
		t.Fatal("step1: expected oauth_state cookie")
	}

	// 2. コールバック
	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=abc&state="+oauthStateCookie.Value, nil)
	req.AddCookie(oauthStateCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	resp = w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("step2: status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			sessionCookie = c
		}
	}
	if sessionCookie == nil || sessionCookie.Value == "" {
		t.Fatal("step2: expected session_id cookie")
	}

	// 3. /auth/me
	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(sessionCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("step3: status = %d, want 200", w.Code)
	}
	var me map[string]any
	_ = json.NewDecoder(w.Body).Decode(&me)
	if me["email"] != "integration@example.com" {
		t.Errorf("step3: email = %v", me["email"])
	}

	// 4. ログアウト
	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(sessionCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("step4: status = %d", w.Code)
	}

	// 5. ログアウト後は401
	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(sessionCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("step5: status = %d, want 401", w.Code)
	}
}

// TestIntegration_RecurringEventFlow は繰り返しイベントの作成から展開取得までを検証する。
func TestIntegration_RecurringEventFlow(t *testing.T) {
	state := newIntegrationState()
	state.login("session-test", "user-test")
	client := apiClient{t: t, router: createIntegrationRouter(state), sessionID: "session-test"}

	// 1. 毎週月曜のイベントを5回分作成
	w := client.do(http.MethodPost, "/api/calendar/events",
		`{"title":"週次1on1","startTime":"2024-01-01T09:00:00Z","endTime":"2024-01-01T10:00:00Z","recurrenceRule":"FREQ=WEEKLY;COUNT=5;BYDAY=MO"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("step1: status = %d, body=%s", w.Code, w.Body.String())
	}
	var created map[string]any
	_ = json.NewDecoder(w.Body).Decode(&created)
	eventID, _ := created["id"].(string)

	// 2. 1〜2月を展開すると1月の月曜5回が返る
	list := decodeList(t, client.do(http.MethodGet, "/api/calendar/events?start=2024-01-01T00:00:00Z&end=2024-02-29T23:59:59Z", ""))
	if len(list.Events) != 5 {
		t.Fatalf("step2: len = %d, want 5", len(list.Events))
	}
	for i, ev := range list.Events {
		want := time.Date(2024, 1, 1+7*i, 9, 0, 0, 0, time.UTC)
		if !ev.StartTime.Equal(want) {
			t.Errorf("step2: occurrence[%d] start = %v, want %v", i, ev.StartTime, want)
		}
		if ev.EndTime.Sub(ev.StartTime) != time.Hour {
			t.Errorf("step2: occurrence[%d] duration = %v", i, ev.EndTime.Sub(ev.StartTime))
		}
		if ev.OriginalID != eventID || !ev.IsRecurringInstance {
			t.Errorf("step2: occurrence[%d] = %+v", i, ev)
		}
	}

	// 3. 2月だけを見ると回数を使い切っているため0件
	list = decodeList(t, client.do(http.MethodGet, "/api/calendar/events?start=2024-02-01&end=2024-02-29", ""))
	if len(list.Events) != 0 {
		t.Errorf("step3: len = %d, want 0", len(list.Events))
	}

	// 4. expand=falseでは保存済みの行がそのまま返る
	list = decodeList(t, client.do(http.MethodGet, "/api/calendar/events?start=2024-01-01&end=2024-01-31&expand=false", ""))
	if len(list.Events) != 1 || list.Events[0].ID != eventID || list.Events[0].IsRecurringInstance {
		t.Errorf("step4: events = %+v", list.Events)
	}

	// 5. 削除後は空
	if w := client.do(http.MethodDelete, "/api/calendar/events/"+eventID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("step5: status = %d", w.Code)
	}
	list = decodeList(t, client.do(http.MethodGet, "/api/calendar/events?start=2024-01-01&end=2024-01-31", ""))
	if len(list.Events) != 0 {
		t.Errorf("step5: len = %d, want 0", len(list.Events))
	}
}

// TestIntegration_OwnerIsolation は他ユーザーのイベントにアクセスできないことを検証する。
func TestIntegration_OwnerIsolation(t *testing.T) {
	state := newIntegrationState()
	state.login("session-a", "user-a")
	state.login("session-b", "user-b")
	router := createIntegrationRouter(state)
	alice := apiClient{t: t, router: router, sessionID: "session-a"}
	bob := apiClient{t: t, router: router, sessionID: "session-b"}

	w := alice.do(http.MethodPost, "/api/calendar/events",
		`{"title":"入社手続き","startTime":"2024-04-01T01:00:00Z","endTime":"2024-04-01T02:00:00Z"}`)
	var created map[string]any
	_ = json.NewDecoder(w.Body).Decode(&created)
	eventID, _ := created["id"].(string)

	if w := bob.do(http.MethodGet, "/api/calendar/events/"+eventID, ""); w.Code != http.StatusNotFound {
		t.Errorf("GET foreign event status = %d, want 404", w.Code)
	}
	if w := bob.do(http.MethodDelete, "/api/calendar/events/"+eventID, ""); w.Code != http.StatusNotFound {
		t.Errorf("DELETE foreign event status = %d, want 404", w.Code)
	}
	list := decodeList(t, bob.do(http.MethodGet, "/api/calendar/events?start=2024-04-01&end=2024-04-30", ""))
	if len(list.Events) != 0 {
		t.Errorf("bob should see no events, got %d", len(list.Events))
	}
	if w := alice.do(http.MethodGet, "/api/calendar/events/"+eventID, ""); w.Code != http.StatusOK {
		t.Errorf("owner GET status = %d, want 200", w.Code)
	}
}

// TestIntegration_ImportExportAndWithdraw は取り込み・書き出し・退会の流れを検証する。
func TestIntegration_ImportExportAndWithdraw(t *testing.T) {
	state := newIntegrationState()
	state.login("session-test", "user-test")
	client := apiClient{t: t, router: createIntegrationRouter(state), sessionID: "session-test"}

	ics := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Example//EN",
		"BEGIN:VEVENT",
		"UID:standup@example.com",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240102T010000Z",
		"DTEND:20240102T011500Z",
		"SUMMARY:朝会",
		"RRULE:FREQ=DAILY;COUNT=3",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	// 1. 取り込み
	w := client.do(http.MethodPost, "/api/calendar/import", ics)
	if w.Code != http.StatusOK {
		t.Fatalf("step1: status = %d, body=%s", w.Code, w.Body.String())
	}
	var result calendar.ImportResult
	_ = json.NewDecoder(w.Body).Decode(&result)
	if result.Created != 1 || result.Updated != 0 {
		t.Errorf("step1: result = %+v", result)
	}

	// 2. 同じデータの再取り込みは更新扱い
	w = client.do(http.MethodPost, "/api/calendar/import", ics)
	_ = json.NewDecoder(w.Body).Decode(&result)
	if result.Created != 0 || result.Updated != 1 {
		t.Errorf("step2: result = %+v", result)
	}

	// 3. 展開すると3日分
	list := decodeList(t, client.do(http.MethodGet, "/api/calendar/events?start=2024-01-01&end=2024-01-31", ""))
	if len(list.Events) != 3 {
		t.Errorf("step3: len = %d, want 3", len(list.Events))
	}

	// 4. 書き出しにUIDとRRULEが含まれる
	w = client.do(http.MethodGet, "/api/calendar/export.ics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("step4: status = %d", w.Code)
	}
	out := w.Body.String()
	for _, want := range []string{"UID:standup@example.com", "RRULE:FREQ=DAILY;COUNT=3", "SUMMARY:朝会"} {
		if !strings.Contains(out, want) {
			t.Errorf("step4: export should contain %q", want)
		}
	}

	// 5. 退会でイベント・セッション・ユーザーが消える
	if w := client.do(http.MethodDelete, "/api/users/me", ""); w.Code != http.StatusNoContent {
		t.Fatalf("step5: status = %d", w.Code)
	}
	if len(state.events) != 0 || len(state.sessions) != 0 || len(state.users) != 0 {
		t.Errorf("step5: remaining events=%d sessions=%d users=%d", len(state.events), len(state.sessions), len(state.users))
	}
}

// TestIntegration_ProtectedEndpoints_RequireAuth は全保護エンドポイントが認証を要求することを検証する。
func TestIntegration_ProtectedEndpoints_RequireAuth(t *testing.T) {
	client := apiClient{t: t, router: createIntegrationRouter(newIntegrationState())}

	endpoints := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/api/calendar/events?start=2024-01-01&end=2024-01-31", ""},
		{http.MethodPost, "/api/calendar/events", `{"title":"x"}`},
		{http.MethodGet, "/api/calendar/events/evt-1", ""},
		{http.MethodPut, "/api/calendar/events/evt-1", `{"title":"x"}`},
		{http.MethodDelete, "/api/calendar/events/evt-1", ""},
		{http.MethodGet, "/api/calendar/export.ics", ""},
		{http.MethodPost, "/api/calendar/import", "BEGIN:VCALENDAR"},
		{http.MethodPost, "/api/calendar/import/url", `{"url":"https://example.com/a.ics"}`},
		{http.MethodGet, "/api/users/me", ""},
		{http.MethodDelete, "/api/users/me", ""},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			if w := client.do(ep.method, ep.path, ep.body); w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}
