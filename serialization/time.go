package serialization

import "time"

// ticks are 100ns intervals since 0001-01-01 00:00:00 UTC
const (
	ticksPerSecond     = 10000000
	secondsToUnixEpoch = 62135596800
	nanosecondsPerTick = 100
)

func Ticks(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	t = t.UTC()
	return (t.Unix()+secondsToUnixEpoch)*ticksPerSecond + int64(t.Nanosecond()/nanosecondsPerTick)
}

func FromTicks(ticks int64) time.Time {
	if ticks == 0 {
		return time.Time{}
	}

	sec := ticks/ticksPerSecond - secondsToUnixEpoch
	nsec := (ticks % ticksPerSecond) * nanosecondsPerTick
	return time.Unix(sec, nsec).UTC()
}
