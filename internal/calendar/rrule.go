package calendar

import (
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/hitoshi/onboardhub/internal/recurrence"
)

// maxUntilExpansion はUNTILからCOUNTへ換算する際の上限。
const maxUntilExpansion = 1000

// rruleWeekdays はrrule-goの曜日番号（0=月曜）をtime.Weekdayへ対応付ける。
var rruleWeekdays = [7]time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// NormalizeRRule はRFC 5545のRRULEを、保存用の限定書式（FREQ、COUNT、BYDAY）に変換する。
//
// INTERVALやBYMONTHDAYなど限定書式にない要素は捨てる。
// UNTILのみ指定されている場合はdtstartから数えた発生回数をCOUNTに換算する。
// 日次より細かい頻度、MONTHLY/YEARLYで序数付きBYDAY（1MOなど）を使うルール、
// 解析できないルールの場合はfalseを返し、呼び出し側は単発イベントとして扱う。
func NormalizeRRule(raw string, dtstart time.Time) (string, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "RRULE:")
	if raw == "" {
		return "", false
	}

	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return "", false
	}

	freq, ok := convertFreq(opt.Freq)
	if !ok {
		return "", false
	}
	// 限定書式のMONTHLY+BYDAYは日単位の探索になり「第N曜日」を表せない
	if (freq == recurrence.FreqMonthly || freq == recurrence.FreqYearly) && hasOrdinal(opt.Byweekday) {
		return "", false
	}

	parts := []string{"FREQ=" + freq.String()}

	count := opt.Count
	if count <= 0 && !opt.Until.IsZero() {
		count = countUntil(*opt, dtstart)
	}
	if count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(count))
	}

	if days := byDayCodes(opt.Byweekday); days != "" {
		parts = append(parts, "BYDAY="+days)
	}

	return strings.Join(parts, ";"), true
}

func convertFreq(f rrule.Frequency) (recurrence.Freq, bool) {
	switch f {
	case rrule.DAILY:
		return recurrence.FreqDaily, true
	case rrule.WEEKLY:
		return recurrence.FreqWeekly, true
	case rrule.MONTHLY:
		return recurrence.FreqMonthly, true
	case rrule.YEARLY:
		return recurrence.FreqYearly, true
	default:
		return recurrence.FreqUnknown, false
	}
}

// hasOrdinal は序数付きの曜日（1MO、-1FRなど）が含まれるかを返す。
func hasOrdinal(days []rrule.Weekday) bool {
	for _, d := range days {
		if d.N() != 0 {
			return true
		}
	}
	return false
}

// byDayCodes は序数（1MOなど）を落とした曜日コードをカンマ区切りで返す。重複は除く。
func byDayCodes(days []rrule.Weekday) string {
	seen := make(map[time.Weekday]bool, len(days))
	codes := make([]string, 0, len(days))
	for _, d := range days {
		idx := d.Day()
		if idx < 0 || idx >= len(rruleWeekdays) {
			continue
		}
		wd := rruleWeekdays[idx]
		if seen[wd] {
			continue
		}
		seen[wd] = true
		codes = append(codes, recurrence.WeekdayCode(wd))
	}
	return strings.Join(codes, ",")
}

// countUntil はdtstartからUNTILまでの発生回数を数える。
// DTSTART自体は常に1回目として扱うため、最小値は1。
func countUntil(opt rrule.ROption, dtstart time.Time) int {
	opt.Dtstart = dtstart
	opt.Count = maxUntilExpansion
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return 1
	}
	return max(len(r.All()), 1)
}
