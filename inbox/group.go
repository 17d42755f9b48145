package inbox

import (
	"iter"
	"time"
)

// DateGroup is a run of consecutive messages sharing one date label.
type DateGroup struct {
	Label    string
	Messages []Message
}

// dateLabel renders a timestamp the way the inbox displays date separators:
// "Today", "Yesterday", the weekday name within the last seven days, and a
// numeric date beyond that. now is passed in so the cutoffs are computed
// against the caller's wall clock.
func dateLabel(ts, now time.Time) string {
	y1, m1, d1 := ts.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return "Today"
	}

	yesterday := now.AddDate(0, 0, -1)
	y2, m2, d2 = yesterday.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return "Yesterday"
	}

	if now.Sub(ts) < 7*24*time.Hour {
		return ts.Weekday().String()
	}
	return ts.Format("01/02/2006")
}

// groupByDate lazily buckets an ordered message slice by date label.
// The sequence is finite and restartable; labels are computed relative to
// wall-clock now each time the sequence is ranged.
func groupByDate(msgs []Message) iter.Seq[DateGroup] {
	return func(yield func(DateGroup) bool) {
		now := time.Now()
		var label string
		var group []Message
		for _, m := range msgs {
			l := dateLabel(m.CreatedAt, now)
			if l != label && len(group) > 0 {
				if !yield(DateGroup{Label: label, Messages: group}) {
					return
				}
				group = nil
			}
			label = l
			group = append(group, m)
		}
		if len(group) > 0 {
			yield(DateGroup{Label: label, Messages: group})
		}
	}
}
