package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone}
	loc := s.loc
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  d.timeout,
			Runs:     d.runs,
			LastTook: d.lastTook,
			Prev:     d.lastRun,
		}
		if d.lastErr != "" {
			it.LastError = d.lastErr
		}
		if s.c != nil && d.entryID != 0 {
			it.Next = s.c.Entry(d.entryID).Next
		}
		out.Schedules = append(out.Schedules, it)
	}
	s.mu.Unlock()

	if out.Timezone == "" {
		if loc == nil {
			loc = time.Local
		}
		out.Timezone = loc.String()
	}

	s.hmu.Lock()
	out.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}
