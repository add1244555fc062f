package relance

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// ComputeDueAt derives the due date of a rule instance.
//
// Anchored rules are deterministic: the anchor date at midnight UTC plus the
// offset, so every evaluation of the same snapshot agrees. Other rules fall
// due DelayDays after now, shortened to a quarter of the remaining days when
// the event is at most eventWindowDays away, and never less than one day.
// Events happening today or already past therefore fall due the next day.
// The second result reports whether the anchor was used.
func ComputeDueAt(rule *Rule, snapshot map[string]any, now time.Time) (time.Time, bool) {
	now = now.UTC()
	if rule.DueAnchor != "" {
		if anchor, err := toTime(snapshot[rule.DueAnchor]); err == nil {
			return startOfDay(anchor).AddDate(0, 0, rule.DueOffsetDays), true
		}
	}

	delay := rule.DelayDays
	if delay <= 0 {
		delay = defaultDelayDays
	}
	if eventDate, err := toTime(snapshot[eventDateAttribute]); err == nil {
		days := int(math.Floor(eventDate.Sub(now).Hours() / 24))
		if days <= eventWindowDays {
			delay = min(delay, days/4)
		}
	}
	delay = max(delay, 1)
	return now.Add(time.Duration(delay) * day), false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
