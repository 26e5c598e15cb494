package calendar

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/hitoshi/onboardhub/internal/model"
)

const (
	icsProductID = "-//OnboardHub//Calendar//JA"
	icsUIDDomain = "onboardhub"
	// maxImportEvents は1回の取り込みで処理するVEVENTの上限。
	maxImportEvents = 2000
)

var (
	errEmptyCalendar = errors.New("calendar has no events")
	colorPattern     = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
)

// parsedEvent はVEVENTから取り出した取り込み候補。
type parsedEvent struct {
	UID         string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Color       string
	RawRRule    string
}

// encodeICS はイベント一覧をVCALENDAR文字列へ変換する。
// 繰り返しルールは保存された文字列をそのままRRULEとして出力する。
// descriptionは呼び出し側でプレーンテキスト化しておくこと。
func encodeICS(calName string, events []*model.Event, describe func(*model.Event) string, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId(icsProductID)
	cal.SetMethod(ical.MethodPublish)
	if calName != "" {
		cal.SetXWRCalName(calName)
	}

	for _, ev := range events {
		ve := cal.AddEvent(eventUID(ev))
		ve.SetDtStampTime(stamp)
		ve.SetCreatedTime(ev.CreatedAt)
		ve.SetModifiedAt(ev.UpdatedAt)
		if ev.AllDay {
			ve.SetAllDayStartAt(ev.StartTime)
			ve.SetAllDayEndAt(ev.EndTime)
		} else {
			ve.SetStartAt(ev.StartTime)
			ve.SetEndAt(ev.EndTime)
		}
		ve.SetSummary(ev.Title)
		if text := describe(ev); text != "" {
			ve.SetDescription(text)
		}
		if ev.Color != "" {
			ve.SetProperty(ical.ComponentPropertyColor, ev.Color)
		}
		if ev.IsRecurring() {
			ve.SetProperty(ical.ComponentPropertyRrule, *ev.RecurrenceRule)
		}
	}

	return cal.Serialize()
}

// eventUID は書き出し時のUIDを返す。取り込み元のUIDがあればそれを維持する。
func eventUID(ev *model.Event) string {
	if ev.ICalUID != "" {
		return ev.ICalUID
	}
	return ev.ID + "@" + icsUIDDomain
}

// decodeICS はiCalendarデータを解析する。
// UIDやDTSTARTを欠くVEVENTは読み飛ばし、その件数をskippedとして返す。
func decodeICS(r io.Reader) (events []parsedEvent, skipped int, err error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse calendar: %w", err)
	}

	vevents := cal.Events()
	if len(vevents) == 0 {
		return nil, 0, errEmptyCalendar
	}

	for i, ve := range vevents {
		if i >= maxImportEvents {
			skipped += len(vevents) - maxImportEvents
			break
		}
		pe, ok := parseVEvent(ve)
		if !ok {
			skipped++
			continue
		}
		events = append(events, pe)
	}

	return events, skipped, nil
}

func parseVEvent(ve *ical.VEvent) (parsedEvent, bool) {
	var pe parsedEvent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return pe, false
	}
	pe.UID = strings.TrimSpace(uid.Value)

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return pe, false
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return pe, false
	}
	pe.Start = start
	pe.AllDay = isDateValue(dtStart)

	if end, err := ve.GetEndAt(); err == nil && !end.IsZero() {
		pe.End = end
	} else if pe.AllDay {
		pe.End = start.AddDate(0, 0, 1)
	} else {
		pe.End = start
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		pe.Title = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		pe.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyColor); p != nil && colorPattern.MatchString(p.Value) {
		pe.Color = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		pe.RawRRule = p.Value
	}

	return pe, true
}

// isDateValue はDTSTARTが日付のみ（終日）かを判定する。
func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}
