package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/onboardhub/internal/model"
)

const eventColumns = `id, user_id, title, description, start_time, end_time,
		        all_day, color, recurrence_rule, ical_uid, created_at, updated_at`

// PostgresEventRepo はPostgreSQLを使用したカレンダーイベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(s rowScanner) (*model.Event, error) {
	ev := &model.Event{}
	var description, rule, icalUID sql.NullString

	err := s.Scan(
		&ev.ID, &ev.UserID, &ev.Title, &description, &ev.StartTime, &ev.EndTime,
		&ev.AllDay, &ev.Color, &rule, &icalUID, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Description = nullStringPtr(description)
	ev.RecurrenceRule = nullStringPtr(rule)
	ev.ICalUID = nullStringValue(icalUID)
	return ev, nil
}

// ListByUserID はユーザーの全イベントをstart_time昇順で返す。
func (r *PostgresEventRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM calendar_events
		 WHERE user_id = $1
		 ORDER BY start_time ASC, created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListByUserIDInRange は期間と重なるイベントを返す。
func (r *PostgresEventRepo) ListByUserIDInRange(ctx context.Context, userID string, start, end time.Time) ([]*model.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM calendar_events
		 WHERE user_id = $1 AND start_time <= $3 AND end_time >= $2
		 ORDER BY start_time ASC, created_at ASC`,
		userID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("期間指定のイベント取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*model.Event, error) {
	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗しました: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベント一覧の走査に失敗しました: %w", err)
	}
	return events, nil
}

// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByID(ctx context.Context, userID, id string) (*model.Event, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+`
		 FROM calendar_events
		 WHERE id = $1 AND user_id = $2`,
		id, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	return ev, nil
}

// Create はイベントを作成する。
func (r *PostgresEventRepo) Create(ctx context.Context, ev *model.Event) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calendar_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.ID, ev.UserID, ev.Title, ev.Description, ev.StartTime, ev.EndTime,
		ev.AllDay, ev.Color, ev.RecurrenceRule, nullString(ev.ICalUID),
		ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("イベントの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はイベントを上書き更新する。対象が存在しない場合はfalseを返す。
func (r *PostgresEventRepo) Update(ctx context.Context, ev *model.Event) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE calendar_events SET
		    title = $3, description = $4, start_time = $5, end_time = $6,
		    all_day = $7, color = $8, recurrence_rule = $9, updated_at = $10
		 WHERE id = $1 AND user_id = $2`,
		ev.ID, ev.UserID, ev.Title, ev.Description, ev.StartTime, ev.EndTime,
		ev.AllDay, ev.Color, ev.RecurrenceRule, ev.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("イベントの更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ImportByICalUID はical_uidが一致するイベントを更新し、なければ作成する。
// 全件を同一トランザクションで処理し、途中で失敗した場合は何も反映しない。
// 更新時はid、created_atを維持する。
func (r *PostgresEventRepo) ImportByICalUID(ctx context.Context, events []*model.Event) (created, updated int, err error) {
	for _, ev := range events {
		if ev.ICalUID == "" {
			return 0, 0, fmt.Errorf("ical_uid is required for upsert")
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		inserted, err := upsertEvent(ctx, tx, ev)
		if err != nil {
			return 0, 0, err
		}
		if inserted {
			created++
		} else {
			updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, updated, nil
}

// upsertEvent は1件のイベントをical_uidで作成または更新する。作成した場合はtrueを返す。
func upsertEvent(ctx context.Context, tx *sql.Tx, ev *model.Event) (bool, error) {
	var inserted bool
	err := tx.QueryRowContext(ctx,
		`INSERT INTO calendar_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (user_id, ical_uid) WHERE ical_uid IS NOT NULL DO UPDATE SET
		    title = EXCLUDED.title,
		    description = EXCLUDED.description,
		    start_time = EXCLUDED.start_time,
		    end_time = EXCLUDED.end_time,
		    all_day = EXCLUDED.all_day,
		    color = EXCLUDED.color,
		    recurrence_rule = EXCLUDED.recurrence_rule,
		    updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, (xmax = 0)`,
		ev.ID, ev.UserID, ev.Title, ev.Description, ev.StartTime, ev.EndTime,
		ev.AllDay, ev.Color, ev.RecurrenceRule, ev.ICalUID,
		ev.CreatedAt, ev.UpdatedAt,
	).Scan(&ev.ID, &ev.CreatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("イベントの取り込みに失敗しました (uid=%s): %w", ev.ICalUID, err)
	}
	return inserted, nil
}

// Delete は指定IDのイベントを削除する。対象が存在しない場合はfalseを返す。
func (r *PostgresEventRepo) Delete(ctx context.Context, userID, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM calendar_events WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("イベントの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteByUserID はユーザーの全イベントを削除する。
func (r *PostgresEventRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM calendar_events WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("ユーザーのイベント削除に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullStringPtr はNULLをnilとして扱う。空文字列はそのまま保持する。
func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
