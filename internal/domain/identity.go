package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	identityTimeBucket     = 5 * time.Minute
	identityDurationBucket = 30 * time.Second
)

// WorkoutID derives the deterministic canonical identity for a workout from
// its athlete, time bucket, sport category, and duration bucket. Two sources
// reporting the same real-world session hash to the same identity even when
// their timestamps disagree by a few seconds.
func WorkoutID(athleteID string, start time.Time, sport Sport, duration time.Duration) string {
	timeBucket := start.UTC().Truncate(identityTimeBucket).Unix()
	durationBucket := int64(duration / identityDurationBucket)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%d", athleteID, timeBucket, sport, durationBucket)))
	return hex.EncodeToString(sum[:16])
}
