// Package calendar はカレンダーイベントの管理・展開・iCalendar入出力を提供する。
package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/onboardhub/internal/metrics"
	"github.com/hitoshi/onboardhub/internal/model"
	"github.com/hitoshi/onboardhub/internal/recurrence"
	"github.com/hitoshi/onboardhub/internal/repository"
	"github.com/hitoshi/onboardhub/internal/security"
)

// 取り込み元の種別。メトリクスのラベルに使う。
const (
	SourceUpload = "upload"
	SourceURL    = "url"
)

const (
	maxTitleLength     = 255
	untitledEventTitle = "(無題)"
)

// Options はServiceの動作設定。
type Options struct {
	// MaxRangeDays は一覧取得で指定できる期間の上限日数。0以下なら制限しない。
	MaxRangeDays int
	// ImportTimeout はURL取り込み時のHTTPタイムアウト。
	ImportTimeout time.Duration
	// ImportMaxSize はURL取り込み時のレスポンスサイズ上限（バイト）。
	ImportMaxSize int64
}

// ListQuery はイベント一覧取得の条件。
type ListQuery struct {
	Start  time.Time
	End    time.Time
	Expand bool
}

// ImportResult はiCalendar取り込みの結果件数。
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Service はカレンダーイベントのサービス層。
type Service struct {
	repo      repository.EventRepository
	sanitizer security.DescriptionSanitizer
	ssrfGuard security.SSRFGuard
	recorder  metrics.Recorder
	opts      Options
	now       func() time.Time

	// retryDelay はURL取得を再試行するまでの初回待ち時間。
	retryDelay time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
// recorderがnilの場合はメトリクスを記録しない。
func NewService(
	repo repository.EventRepository,
	sanitizer security.DescriptionSanitizer,
	ssrfGuard security.SSRFGuard,
	recorder metrics.Recorder,
	opts Options,
) *Service {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Service{
		repo:       repo,
		sanitizer:  sanitizer,
		ssrfGuard:  ssrfGuard,
		recorder:   recorder,
		opts:       opts,
		now:        time.Now,
		retryDelay: initialRetryDelay,
	}
}

// ListEvents は期間内のイベントを返す。
//
// Expandがtrueの場合はユーザーの全イベントを取得して繰り返しを展開する。
// 単発イベントは期間外でもそのまま含まれる。
// Expandがfalseの場合は期間と重なる保存済みイベントをそのまま返す。
func (s *Service) ListEvents(ctx context.Context, userID string, q ListQuery) ([]model.Occurrence, error) {
	if s.opts.MaxRangeDays > 0 {
		limit := time.Duration(s.opts.MaxRangeDays) * 24 * time.Hour
		if q.End.Sub(q.Start) > limit {
			return nil, model.NewInvalidRangeError(fmt.Sprintf("期間は%d日以内で指定してください", s.opts.MaxRangeDays))
		}
	}

	if !q.Expand {
		events, err := s.repo.ListByUserIDInRange(ctx, userID, q.Start, q.End)
		if err != nil {
			return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
		}
		out := make([]model.Occurrence, 0, len(events))
		for _, ev := range events {
			out = append(out, model.Occurrence{Event: *ev})
		}
		return out, nil
	}

	events, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}

	values := make([]model.Event, 0, len(events))
	for _, ev := range events {
		values = append(values, *ev)
	}

	began := time.Now()
	occurrences := recurrence.Expand(values, q.Start, q.End)
	s.recorder.RecordExpansion(len(values), len(occurrences), time.Since(began))

	return occurrences, nil
}

// GetEvent は指定IDのイベントを返す。
func (s *Service) GetEvent(ctx context.Context, userID, eventID string) (*model.Event, error) {
	if _, err := uuid.Parse(eventID); err != nil {
		return nil, model.NewEventNotFoundError(eventID)
	}

	ev, err := s.repo.FindByID(ctx, userID, eventID)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	if ev == nil {
		return nil, model.NewEventNotFoundError(eventID)
	}
	return ev, nil
}

// CreateEvent はイベントを作成する。
// 繰り返しルールは検証せず、そのまま保存する。
func (s *Service) CreateEvent(ctx context.Context, userID string, in model.EventInput) (*model.Event, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	now := s.now()
	ev := &model.Event{
		ID:        uuid.New().String(),
		UserID:    userID,
		ICalUID:   in.ICalUID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.applyInput(ev, in)

	if err := s.repo.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("イベントの作成に失敗しました: %w", err)
	}

	slog.Info("イベント作成",
		slog.String("user_id", userID),
		slog.String("event_id", ev.ID),
		slog.Bool("recurring", ev.IsRecurring()),
	)
	return ev, nil
}

// UpdateEvent はイベントを上書き更新する。
func (s *Service) UpdateEvent(ctx context.Context, userID, eventID string, in model.EventInput) (*model.Event, error) {
	ev, err := s.GetEvent(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	s.applyInput(ev, in)
	ev.UpdatedAt = s.now()

	updated, err := s.repo.Update(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("イベントの更新に失敗しました: %w", err)
	}
	if !updated {
		return nil, model.NewEventNotFoundError(eventID)
	}
	return ev, nil
}

// DeleteEvent はイベントを削除する。
func (s *Service) DeleteEvent(ctx context.Context, userID, eventID string) error {
	if _, err := uuid.Parse(eventID); err != nil {
		return model.NewEventNotFoundError(eventID)
	}

	deleted, err := s.repo.Delete(ctx, userID, eventID)
	if err != nil {
		return fmt.Errorf("イベントの削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.NewEventNotFoundError(eventID)
	}

	slog.Info("イベント削除",
		slog.String("user_id", userID),
		slog.String("event_id", eventID),
	)
	return nil
}

// ExportICS はユーザーの全イベントをiCalendar形式で返す。
func (s *Service) ExportICS(ctx context.Context, userID, calName string) (string, error) {
	events, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	return encodeICS(calName, events, s.plainDescription, s.now()), nil
}

// ImportICS はiCalendarデータを取り込む。
// 同じUIDのイベントが既にあれば上書きし、なければ作成する。
// 保存は全件まとめて行い、失敗した場合は1件も反映しない。
func (s *Service) ImportICS(ctx context.Context, userID string, r io.Reader, source string) (*ImportResult, error) {
	parsed, skipped, err := decodeICS(r)
	if err != nil {
		s.recorder.RecordImportFailure(source, "parse")
		return nil, model.NewImportFailedError(err.Error())
	}

	result := &ImportResult{Skipped: skipped}
	now := s.now()

	events := make([]*model.Event, 0, len(parsed))
	for _, pe := range parsed {
		if pe.End.Before(pe.Start) {
			result.Skipped++
			continue
		}
		events = append(events, s.eventFromParsed(userID, pe, now))
	}

	if len(events) > 0 {
		created, updated, err := s.repo.ImportByICalUID(ctx, events)
		if err != nil {
			s.recorder.RecordImportFailure(source, "storage")
			return nil, fmt.Errorf("イベントの取り込みに失敗しました: %w", err)
		}
		result.Created = created
		result.Updated = updated
	}

	s.recorder.RecordImport(source, result.Created, result.Updated)
	slog.Info("iCalendar取り込み完了",
		slog.String("user_id", userID),
		slog.String("source", source),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// ImportICSFromURL は外部URLのiCalendarを取得して取り込む。
// webcal:// はhttps:// として取得する。
func (s *Service) ImportICSFromURL(ctx context.Context, userID, rawURL string) (*ImportResult, error) {
	u, err := s.ssrfGuard.ValidateURL(rawURL)
	if err != nil {
		s.recorder.RecordImportFailure(SourceURL, "invalid_url")
		if errors.Is(err, security.ErrBlockedDestination) {
			return nil, model.NewSSRFBlockedError()
		}
		return nil, model.NewInvalidURLError(err.Error())
	}

	body, err := s.fetch(ctx, u.String())
	if err != nil {
		s.recorder.RecordImportFailure(SourceURL, "fetch")
		return nil, err
	}

	return s.ImportICS(ctx, userID, strings.NewReader(body), SourceURL)
}

// eventFromParsed は取り込み候補を保存用のイベントに変換する。
func (s *Service) eventFromParsed(userID string, pe parsedEvent, now time.Time) *model.Event {
	title := truncateRunes(pe.Title, maxTitleLength)
	if title == "" {
		title = untitledEventTitle
	}

	ev := &model.Event{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		StartTime: pe.Start,
		EndTime:   pe.End,
		AllDay:    pe.AllDay,
		Color:     pe.Color,
		ICalUID:   pe.UID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ev.Color == "" {
		ev.Color = model.DefaultEventColor
	}
	if pe.Description != "" {
		if clean := s.sanitizer.Sanitize(pe.Description); clean != "" {
			ev.Description = &clean
		}
	}
	if pe.RawRRule != "" {
		if rule, ok := NormalizeRRule(pe.RawRRule, pe.Start); ok {
			ev.RecurrenceRule = &rule
		} else {
			slog.Debug("RRULEを限定書式に変換できないため単発として取り込み",
				slog.String("uid", pe.UID),
				slog.String("rrule", pe.RawRRule),
			)
		}
	}
	return ev
}

// applyInput は検証済みの入力値をイベントに反映する。
func (s *Service) applyInput(ev *model.Event, in model.EventInput) {
	ev.Title = in.Title
	ev.StartTime = in.StartTime
	ev.EndTime = in.EndTime
	ev.AllDay = in.AllDay
	ev.Color = in.Color
	if ev.Color == "" {
		ev.Color = model.DefaultEventColor
	}

	ev.Description = nil
	if in.Description != nil {
		if clean := s.sanitizer.Sanitize(*in.Description); clean != "" {
			ev.Description = &clean
		}
	}

	ev.RecurrenceRule = nil
	if in.RecurrenceRule != nil && strings.TrimSpace(*in.RecurrenceRule) != "" {
		rule := *in.RecurrenceRule
		ev.RecurrenceRule = &rule
	}
}

func (s *Service) plainDescription(ev *model.Event) string {
	if ev.Description == nil {
		return ""
	}
	return s.sanitizer.PlainText(*ev.Description)
}

// validateInput は入力値を検証し、タイトルの前後空白を取り除く。
func validateInput(in *model.EventInput) error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return model.NewInvalidEventError("titleは必須です")
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLength {
		return model.NewInvalidEventError(fmt.Sprintf("titleは%d文字以内で指定してください", maxTitleLength))
	}
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		return model.NewInvalidEventError("startTimeとendTimeは必須です")
	}
	if in.EndTime.Before(in.StartTime) {
		return model.NewInvalidEventError("endTimeはstartTime以降を指定してください")
	}
	if in.Color != "" && !colorPattern.MatchString(in.Color) {
		return model.NewInvalidEventError("colorは#RRGGBB形式で指定してください")
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
