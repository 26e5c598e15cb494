package recurrence

import (
	"strconv"
	"time"

	"github.com/hitoshi/onboardhub/internal/model"
)

// Expand はイベント一覧を[rangeStart, rangeEnd]の期間で展開する。
// 単発イベントは期間に関係なくそのまま1件として返す。
// 結果は入力順のイベントごとに、各系列の時系列順で連結される。全体の再ソートは行わない。
// 副作用はなく、複数のgoroutineから同時に呼び出してよい。
func Expand(events []model.Event, rangeStart, rangeEnd time.Time) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(events))
	for _, ev := range events {
		out = append(out, ExpandEvent(ev, rangeStart, rangeEnd)...)
	}
	return out
}

// ExpandEvent は1件のイベントを展開する。
//
// COUNTは系列の本来の開始日時から数えるため、期間より前の候補も上限を消費する。
// 古い系列では期間内に1件も出力されないことがある。
// BYDAYが指定されている場合、期間内で曜日が一致しない候補はFREQに関係なく1日ずつ進める。
func ExpandEvent(ev model.Event, rangeStart, rangeEnd time.Time) []model.Occurrence {
	if !ev.IsRecurring() {
		return []model.Occurrence{{Event: ev}}
	}

	rule := ParseRule(*ev.RecurrenceRule)
	duration := ev.EndTime.Sub(ev.StartTime)

	var out []model.Occurrence
	cursor := ev.StartTime
	generated := 0

	for generated < rule.Count && !cursor.After(rangeEnd) {
		if !cursor.Before(rangeStart) {
			if !rule.matchesDay(cursor) {
				cursor = cursor.AddDate(0, 0, 1)
				continue
			}
			out = append(out, newInstance(ev, generated, cursor, duration))
		}
		generated++
		cursor = rule.next(cursor)
	}

	return out
}

// newInstance は系列中のindex番目の発生を生成する。
func newInstance(ev model.Event, index int, start time.Time, duration time.Duration) model.Occurrence {
	inst := ev
	inst.ID = ev.ID + "_" + strconv.Itoa(index)
	inst.StartTime = start
	inst.EndTime = start.Add(duration)

	return model.Occurrence{
		Event:               inst,
		OriginalID:          ev.ID,
		IsRecurringInstance: true,
	}
}
