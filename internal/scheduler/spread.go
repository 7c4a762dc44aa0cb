package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first fire of an interval schedule, then
// follows the base schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread returns an @every schedule whose first run
// lands at every plus a random delay of up to min(every, 30s). The delay is
// seeded by tag so bots registered together fan out.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(now.UnixNano())))
	jitter := time.Duration(rng.Int64N(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
