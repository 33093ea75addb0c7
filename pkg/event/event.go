// Package event defines the wire types consumed from the score-submitted log
// and produced to the leaderboard-updated log.
package event

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedEvent marks payloads that failed decoding or validation.
// Malformed events are logged and skipped, they never fail a batch.
var ErrMalformedEvent = errors.New("malformed event")

// ScoreEvent is one accepted score submission.
type ScoreEvent struct {
	PlayerID            string
	Username            string
	GameMode            int
	Score               int64
	GameDurationSeconds int64
	Timestamp           string
}

// RankChange is emitted whenever applying an event moved a player's global
// rank. OldRank is nil when the player had no prior entry.
type RankChange struct {
	GameMode  int       `json:"gameMode"`
	PlayerID  string    `json:"playerId"`
	OldRank   *int64    `json:"oldRank"`
	NewRank   int64     `json:"newRank"`
	Score     int64     `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// scoreEventJSON keeps score raw so that missing, null, empty and non-numeric
// values can be told apart after decoding.
type scoreEventJSON struct {
	PlayerID            string          `json:"playerId"`
	Username            string          `json:"username"`
	GameMode            int             `json:"gameMode"`
	Score               json.RawMessage `json:"score"`
	GameDurationSeconds int64           `json:"gameDurationSeconds"`
	Timestamp           string          `json:"timestamp"`
}

// DecodeScoreEvent parses and validates a raw log record value. Validation
// rejects a missing playerId and a missing, null, empty or non-numeric score.
// Numeric strings are accepted, matching the intake's loose typing.
func DecodeScoreEvent(value []byte) (ScoreEvent, error) {
	var raw scoreEventJSON
	if err := json.Unmarshal(value, &raw); err != nil {
		return ScoreEvent{}, errors.Wrapf(ErrMalformedEvent, "decoding score event: %v", err)
	}

	if raw.PlayerID == "" {
		return ScoreEvent{}, errors.Wrap(ErrMalformedEvent, "missing playerId")
	}

	score, err := parseScore(raw.Score)
	if err != nil {
		return ScoreEvent{}, err
	}

	return ScoreEvent{
		PlayerID:            raw.PlayerID,
		Username:            raw.Username,
		GameMode:            raw.GameMode,
		Score:               score,
		GameDurationSeconds: raw.GameDurationSeconds,
		Timestamp:           raw.Timestamp,
	}, nil
}

func parseScore(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.Wrap(ErrMalformedEvent, "missing score")
	}

	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return 0, errors.Wrap(ErrMalformedEvent, "empty score")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedEvent, "non-numeric score %q", s)
	}
	return int64(f), nil
}
