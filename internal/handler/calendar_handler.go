package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/onboardhub/internal/calendar"
	"github.com/hitoshi/onboardhub/internal/middleware"
	"github.com/hitoshi/onboardhub/internal/model"
)

const (
	// defaultImportMaxSize はアップロード取り込みの既定サイズ上限（5MB）。
	defaultImportMaxSize = 5 << 20
	exportCalendarName   = "OnboardHub"
	exportFileName       = "onboardhub.ics"
)

// CalendarServiceInterface はカレンダーハンドラーが必要とするサービスインターフェース。
type CalendarServiceInterface interface {
	ListEvents(ctx context.Context, userID string, q calendar.ListQuery) ([]model.Occurrence, error)
	GetEvent(ctx context.Context, userID, eventID string) (*model.Event, error)
	CreateEvent(ctx context.Context, userID string, in model.EventInput) (*model.Event, error)
	UpdateEvent(ctx context.Context, userID, eventID string, in model.EventInput) (*model.Event, error)
	DeleteEvent(ctx context.Context, userID, eventID string) error
	ExportICS(ctx context.Context, userID, calName string) (string, error)
	ImportICS(ctx context.Context, userID string, r io.Reader, source string) (*calendar.ImportResult, error)
	ImportICSFromURL(ctx context.Context, userID, rawURL string) (*calendar.ImportResult, error)
}

// CalendarHandler はカレンダーイベントのHTTPハンドラー。
type CalendarHandler struct {
	service       CalendarServiceInterface
	importMaxSize int64
}

// NewCalendarHandler はCalendarHandlerを生成する。
// importMaxSizeが0以下の場合は既定値を使う。
func NewCalendarHandler(service CalendarServiceInterface, importMaxSize int64) *CalendarHandler {
	if importMaxSize <= 0 {
		importMaxSize = defaultImportMaxSize
	}
	return &CalendarHandler{
		service:       service,
		importMaxSize: importMaxSize,
	}
}

// eventRequest はイベント作成・更新リクエストのボディ。
type eventRequest struct {
	Title          string    `json:"title"`
	Description    *string   `json:"description"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	AllDay         bool      `json:"allDay"`
	Color          string    `json:"color"`
	RecurrenceRule *string   `json:"recurrenceRule"`
}

func (req eventRequest) toInput() model.EventInput {
	return model.EventInput{
		Title:          req.Title,
		Description:    req.Description,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		AllDay:         req.AllDay,
		Color:          req.Color,
		RecurrenceRule: req.RecurrenceRule,
	}
}

// importURLRequest はURL取り込みリクエストのボディ。
type importURLRequest struct {
	URL string `json:"url"`
}

// eventListResponse はイベント一覧のAPIレスポンス。
type eventListResponse struct {
	Events []model.Occurrence `json:"events"`
}

// ListEvents は期間内のイベントを返す。
// GET /api/calendar/events?start=...&end=...&expand=true
func (h *CalendarHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	q, err := parseListQuery(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRangeError(err.Error()))
		return
	}

	occurrences, err := h.service.ListEvents(r.Context(), userID, q)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if occurrences == nil {
		occurrences = []model.Occurrence{}
	}

	writeJSON(w, http.StatusOK, eventListResponse{Events: occurrences})
}

// GetEvent はイベントを1件返す。
// GET /api/calendar/events/{id}
func (h *CalendarHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	ev, err := h.service.GetEvent(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// CreateEvent はイベントを作成する。
// POST /api/calendar/events
func (h *CalendarHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	ev, err := h.service.CreateEvent(r.Context(), userID, req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ev)
}

// UpdateEvent はイベントを上書き更新する。
// PUT /api/calendar/events/{id}
func (h *CalendarHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	ev, err := h.service.UpdateEvent(r.Context(), userID, chi.URLParam(r, "id"), req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// DeleteEvent はイベントを削除する。
// DELETE /api/calendar/events/{id}
func (h *CalendarHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteEvent(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ExportICS はユーザーの全イベントをiCalendar形式で返す。
// GET /api/calendar/export.ics
func (h *CalendarHandler) ExportICS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	body, err := h.service.ExportICS(r.Context(), userID, exportCalendarName)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exportFileName))
	if _, err := io.WriteString(w, body); err != nil {
		slog.Warn("failed to write ics response", slog.String("error", err.Error()))
	}
}

// ImportICS はリクエストボディのiCalendarデータを取り込む。
// POST /api/calendar/import
func (h *CalendarHandler) ImportICS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.importMaxSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge,
				model.NewImportFailedError("ファイルサイズが上限を超えています"))
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	result, err := h.service.ImportICS(r.Context(), userID, bytes.NewReader(data), calendar.SourceUpload)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ImportICSFromURL は指定URLのiCalendarデータを取り込む。
// POST /api/calendar/import/url
func (h *CalendarHandler) ImportICSFromURL(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req importURLRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("URLが空です"))
		return
	}

	result, err := h.service.ImportICSFromURL(r.Context(), userID, req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// --- ヘルパー関数 ---

// parseListQuery は一覧取得のクエリパラメータを解析する。
// start/endは必須で、RFC3339またはYYYY-MM-DD形式。expandは省略時true。
func parseListQuery(r *http.Request) (calendar.ListQuery, error) {
	values := r.URL.Query()

	start, err := parseRangeTime(values.Get("start"))
	if err != nil {
		return calendar.ListQuery{}, fmt.Errorf("startが不正です: %w", err)
	}
	end, err := parseRangeTime(values.Get("end"))
	if err != nil {
		return calendar.ListQuery{}, fmt.Errorf("endが不正です: %w", err)
	}

	expand := true
	if raw := values.Get("expand"); raw != "" {
		expand, err = strconv.ParseBool(raw)
		if err != nil {
			return calendar.ListQuery{}, fmt.Errorf("expandが不正です: %w", err)
		}
	}

	return calendar.ListQuery{Start: start, End: end, Expand: expand}, nil
}

// parseRangeTime はRFC3339または日付のみ（UTC 0時）の文字列を解析する。
func parseRangeTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("値が指定されていません")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

// requireUserID はコンテキストからユーザーIDを取り出す。取得できなければ401を書き込む。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return "", false
	}
	return userID, true
}

// decodeJSONBody はJSONボディを解析する。失敗時は400を書き込みfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

// SetupCalendarRoutes はカレンダー関連のルーティングを設定したchi.Routerを返す。
// importMiddlewareがnilでない場合、取り込みエンドポイントに取り込み専用レート制限を適用する。
func SetupCalendarRoutes(service CalendarServiceInterface, importMaxSize int64, importMiddleware func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	mountCalendarRoutes(r, NewCalendarHandler(service, importMaxSize), importMiddleware)
	return r
}

func mountCalendarRoutes(r chi.Router, h *CalendarHandler, importMiddleware func(http.Handler) http.Handler) {
	r.Route("/api/calendar", func(r chi.Router) {
		r.Get("/events", h.ListEvents)
		r.Post("/events", h.CreateEvent)
		r.Route("/events/{id}", func(r chi.Router) {
			r.Get("/", h.GetEvent)
			r.Put("/", h.UpdateEvent)
			r.Delete("/", h.DeleteEvent)
		})

		r.Get("/export.ics", h.ExportICS)

		r.Group(func(r chi.Router) {
			if importMiddleware != nil {
				r.Use(importMiddleware)
			}
			r.Post("/import", h.ImportICS)
			r.Post("/import/url", h.ImportICSFromURL)
		})
	})
}
