// Package recurrence はカレンダーイベントの繰り返しルールを解析し、
// 指定期間内の具体的な発生日時へ展開する。
//
// 扱うルールはiCalendarのRRULEに似た限定的な書式（FREQ、COUNT、BYDAY）のみで、
// 解釈できない部分はエラーにせず読み飛ばす。
package recurrence

import (
	"strconv"
	"strings"
	"time"
)

// DefaultCount はCOUNTが未指定または解析できない場合の発生回数上限。
const DefaultCount = 52

// Freq は繰り返しの頻度を表す。
type Freq int

const (
	// FreqUnknown はFREQが未指定または未知の値の場合のフォールバック。7日刻みで進む。
	FreqUnknown Freq = iota
	// FreqDaily は毎日。
	FreqDaily
	// FreqWeekly は毎週。
	FreqWeekly
	// FreqMonthly は毎月。
	FreqMonthly
	// FreqYearly は毎年。
	FreqYearly
)

// String はFREQの値として表記した文字列を返す。
func (f Freq) String() string {
	switch f {
	case FreqDaily:
		return "DAILY"
	case FreqWeekly:
		return "WEEKLY"
	case FreqMonthly:
		return "MONTHLY"
	case FreqYearly:
		return "YEARLY"
	default:
		return "UNKNOWN"
	}
}

var freqByName = map[string]Freq{
	"DAILY":   FreqDaily,
	"WEEKLY":  FreqWeekly,
	"MONTHLY": FreqMonthly,
	"YEARLY":  FreqYearly,
}

var weekdayByCode = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

// WeekdayCode は曜日を2文字のBYDAYコードに変換する。
func WeekdayCode(d time.Weekday) string {
	return [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}[d]
}

// Rule は解析済みの繰り返しルール。
type Rule struct {
	Freq  Freq
	Count int
	// HasByDay はBYDAYに空でない値が指定されていたかを示す。
	// falseなら曜日による絞り込みを行わない。
	HasByDay bool
	// ByDay は認識できた曜日コード。HasByDayがtrueで空の場合、どの曜日にも一致しない。
	ByDay []time.Weekday
}

// ParseRule は "FREQ=WEEKLY;COUNT=10;BYDAY=MO,WE,FR" 形式の文字列を解析する。
// "="を含まない要素、キーまたは値が空の要素は無視する。
// COUNTが未指定または整数として解析できない場合はDefaultCountを使う。
func ParseRule(raw string) Rule {
	rule := Rule{
		Freq:  FreqUnknown,
		Count: DefaultCount,
	}

	for _, part := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" || value == "" {
			continue
		}

		switch key {
		case "FREQ":
			rule.Freq = freqByName[value]
		case "COUNT":
			if n, err := strconv.Atoi(value); err == nil {
				rule.Count = n
			}
		case "BYDAY":
			rule.HasByDay = true
			rule.ByDay = parseByDay(value)
		}
	}

	return rule
}

// parseByDay はカンマ区切りの曜日コードを解析する。未知のコードは捨てる。
func parseByDay(value string) []time.Weekday {
	var days []time.Weekday
	for _, code := range strings.Split(value, ",") {
		if d, ok := weekdayByCode[strings.TrimSpace(code)]; ok {
			days = append(days, d)
		}
	}
	return days
}

// matchesDay はtの曜日がByDayに含まれるかを返す。BYDAY未指定なら常にtrue。
func (r Rule) matchesDay(t time.Time) bool {
	if !r.HasByDay {
		return true
	}
	wd := t.Weekday()
	for _, d := range r.ByDay {
		if d == wd {
			return true
		}
	}
	return false
}

// next はFREQに従って次の候補日時を返す。
// WEEKLYでBYDAYが指定されている場合は1日ずつ進め、曜日の絞り込みで週次を実現する。
// MONTHLY/YEARLYの月末・うるう日はtime.AddDateの正規化に従う（1/31の翌月は3/2等）。
func (r Rule) next(cursor time.Time) time.Time {
	switch r.Freq {
	case FreqDaily:
		return cursor.AddDate(0, 0, 1)
	case FreqWeekly:
		if r.HasByDay {
			return cursor.AddDate(0, 0, 1)
		}
		return cursor.AddDate(0, 0, 7)
	case FreqMonthly:
		return cursor.AddDate(0, 1, 0)
	case FreqYearly:
		return cursor.AddDate(1, 0, 0)
	default:
		return cursor.AddDate(0, 0, 7)
	}
}
