// Package scoreboard defines the store key layout and the daily/weekly bucket
// identifiers shared by the write and read paths.
package scoreboard

import (
	"fmt"
	"strings"
	"time"
)

const (
	// GameModesKey holds the seeded game mode definitions, read-only here.
	GameModesKey = "game_modes"

	// DailyTTL and WeeklyTTL bound how long time-scoped buckets outlive
	// their last write.
	DailyTTL  = 7 * 24 * time.Hour
	WeeklyTTL = 28 * 24 * time.Hour
)

func PlayerKey(playerID string) string {
	return "player:" + playerID
}

func GlobalKey(gameMode int) string {
	return fmt.Sprintf("leaderboard:%d:global", gameMode)
}

func DailyKey(gameMode int, now time.Time) string {
	return fmt.Sprintf("leaderboard:%d:daily:%s", gameMode, DayID(now))
}

func WeeklyKey(gameMode int, now time.Time) string {
	return fmt.Sprintf("leaderboard:%d:weekly:%s", gameMode, WeekID(now))
}

// DayID is the UTC calendar date of the processing moment.
func DayID(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// WeekID is a YYYY-Www identifier using a Sunday-seeded week count:
// week = ceil((daysSinceJan1 + weekdayOfJan1 + 1) / 7). This is not strict
// ISO-8601 numbering at year boundaries; it is kept because writers and
// readers must agree, and both use this function.
func WeekID(now time.Time) string {
	now = now.UTC()
	startOfYear := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	days := now.YearDay() - 1
	week := (days + int(startOfYear.Weekday()) + 1 + 6) / 7
	if week < 1 {
		week = 1
	}
	return fmt.Sprintf("%d-W%02d", now.Year(), week)
}

// IsPlayerStatsKey reports whether a scanned key is a player stats hash.
// Ancillary keys such as player:{id}:last_submission written by the intake
// rate limiter carry extra segments and are filtered out.
func IsPlayerStatsKey(key string) bool {
	if !strings.HasPrefix(key, "player:") {
		return false
	}
	rest := key[len("player:"):]
	return rest != "" && !strings.Contains(rest, ":")
}
