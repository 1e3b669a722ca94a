package engine

import "time"

// A DateGroup is a derived, non-persistent block of messages sharing a
// calendar day. Groups are recomputed whenever the underlying message set
// changes; only labels are refreshed in place as real time passes ("Today"
// turning into "Yesterday").
type DateGroup struct {
	Date     time.Time
	Label    string
	Messages []Message
}

// GroupByDate splits msgs, which must already be ordered ascending, into one
// group per calendar day.
func GroupByDate(msgs []Message, now time.Time) []DateGroup {
	var groups []DateGroup
	for _, m := range msgs {
		day := startOfDay(m.CreatedAt)
		if n := len(groups); n > 0 && groups[n-1].Date.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DateGroup{
			Date:     day,
			Label:    dateLabel(day, now),
			Messages: []Message{m},
		})
	}
	return groups
}

// RefreshLabels re-derives the label of each group against the current time
// without touching the message sequences.
func RefreshLabels(groups []DateGroup, now time.Time) {
	for i := range groups {
		groups[i].Label = dateLabel(groups[i].Date, now)
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dateLabel(day, now time.Time) string {
	today := startOfDay(now)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return day.Format("Monday, January 2")
	}
}
