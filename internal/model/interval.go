package model

import "time"

// SyncInterval names a recurring schedule.
type SyncInterval string

const (
	IntervalEvery5Minutes  SyncInterval = "every_5_minutes"
	IntervalEvery15Minutes SyncInterval = "every_15_minutes"
	IntervalEvery30Minutes SyncInterval = "every_30_minutes"
	IntervalHourly         SyncInterval = "hourly"
	IntervalTwiceDaily     SyncInterval = "twicedaily"
	IntervalDaily          SyncInterval = "daily"
)

var intervalDurations = map[SyncInterval]time.Duration{
	IntervalEvery5Minutes:  5 * time.Minute,
	IntervalEvery15Minutes: 15 * time.Minute,
	IntervalEvery30Minutes: 30 * time.Minute,
	IntervalHourly:         time.Hour,
	IntervalTwiceDaily:     12 * time.Hour,
	IntervalDaily:          24 * time.Hour,
}

// SyncIntervals lists the supported intervals, shortest first.
func SyncIntervals() []SyncInterval {
	return []SyncInterval{
		IntervalEvery5Minutes,
		IntervalEvery15Minutes,
		IntervalEvery30Minutes,
		IntervalHourly,
		IntervalTwiceDaily,
		IntervalDaily,
	}
}

// ParseSyncInterval returns the named interval, falling back to hourly for
// anything unrecognised.
func ParseSyncInterval(name string) SyncInterval {
	i := SyncInterval(name)
	if i.Valid() {
		return i
	}
	return IntervalHourly
}

// Valid reports whether the interval is one of the supported names.
func (i SyncInterval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the period of the interval; unknown names behave as hourly.
func (i SyncInterval) Duration() time.Duration {
	if d, ok := intervalDurations[i]; ok {
		return d
	}
	return time.Hour
}

func (i SyncInterval) String() string { return string(i) }
