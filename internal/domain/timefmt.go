package domain

import (
	"fmt"
	"time"
)

// FormatDate 以 "January 2, 2006 - 3:04 PM" 格式展示时间
func FormatDate(t time.Time) string {
	return t.Format("January 2, 2006 - 3:04 PM")
}

// TimeElapsedSince 返回相对 now 的人类可读时间差
func TimeElapsedSince(t, now time.Time) string {
	seconds := int(now.Sub(t) / time.Second)

	if seconds < 60 {
		if seconds < 10 {
			return "A few seconds ago"
		}
		return fmt.Sprintf("%d seconds ago", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return plural(minutes, "A minute ago", "minutes")
	}

	hours := minutes / 60
	if hours < 24 {
		return plural(hours, "An hour ago", "hours")
	}

	days := hours / 24
	if days < 30 {
		return plural(days, "A day ago", "days")
	}

	months := days / 30
	if months < 12 {
		return plural(months, "A month ago", "months")
	}

	return plural(months/12, "A year ago", "years")
}

func plural(n int, one, unit string) string {
	if n == 1 {
		return one
	}
	return fmt.Sprintf("%d %s ago", n, unit)
}
