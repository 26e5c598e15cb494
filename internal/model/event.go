package model

import "time"

// Event はカレンダーに保存されたイベントを表す。
// RecurrenceRuleがnilまたは空文字列の場合は単発イベントとして扱う。
type Event struct {
	ID             string    `json:"id"`
	UserID         string    `json:"-"`
	Title          string    `json:"title"`
	Description    *string   `json:"description"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	AllDay         bool      `json:"allDay"`
	Color          string    `json:"color"`
	RecurrenceRule *string   `json:"recurrenceRule"`
	ICalUID        string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IsRecurring は繰り返しルールを持つイベントかどうかを返す。
func (e *Event) IsRecurring() bool {
	return e.RecurrenceRule != nil && *e.RecurrenceRule != ""
}

// Occurrence はイベントを展開した具体的な1回分の発生を表す。
// 単発イベントはEventをそのまま保持し、OriginalIDとIsRecurringInstanceはゼロ値のまま
// JSONに出力されない。
type Occurrence struct {
	Event
	OriginalID          string `json:"originalId,omitempty"`
	IsRecurringInstance bool   `json:"isRecurringInstance,omitempty"`
}

// EventInput はイベント作成・更新時の入力値を表す。
type EventInput struct {
	Title          string
	Description    *string
	StartTime      time.Time
	EndTime        time.Time
	AllDay         bool
	Color          string
	RecurrenceRule *string
	ICalUID        string
}

// DefaultEventColor はColor未指定時に使用する表示色。
const DefaultEventColor = "#3b82f6"
