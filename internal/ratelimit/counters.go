// Package ratelimit implements the send admission gate: an allowed-hours
// window, connectivity, and minute/hour/day/contact-day counters.
package ratelimit

import (
	"strings"
	"time"
)

const (
	minuteLayout = "2006-01-02T15:04"
	hourLayout   = "2006-01-02T15"
	dayLayout    = "2006-01-02"
)

// Counters holds send counts per calendar bucket. Bucket keys are formatted
// in the business location so "day" means the business day.
type Counters struct {
	ByMinute     map[string]int `json:"by_minute"`
	ByHour       map[string]int `json:"by_hour"`
	ByDay        map[string]int `json:"by_day"`
	ByContactDay map[string]int `json:"by_contact_day"` // "<day>|<handle>"
	TotalSent    int64          `json:"total_sent"`
}

func NewCounters() Counters {
	return Counters{
		ByMinute:     map[string]int{},
		ByHour:       map[string]int{},
		ByDay:        map[string]int{},
		ByContactDay: map[string]int{},
	}
}

type bucketKeys struct {
	minute, hour, day, contactDay string
}

func keysFor(handle string, now time.Time, loc *time.Location) bucketKeys {
	t := now.In(loc)
	day := t.Format(dayLayout)
	return bucketKeys{
		minute:     t.Format(minuteLayout),
		hour:       t.Format(hourLayout),
		day:        day,
		contactDay: day + "|" + handle,
	}
}

func (c *Counters) ensure() {
	if c.ByMinute == nil {
		c.ByMinute = map[string]int{}
	}
	if c.ByHour == nil {
		c.ByHour = map[string]int{}
	}
	if c.ByDay == nil {
		c.ByDay = map[string]int{}
	}
	if c.ByContactDay == nil {
		c.ByContactDay = map[string]int{}
	}
}

func (c *Counters) add(k bucketKeys) {
	c.ensure()
	c.ByMinute[k.minute]++
	c.ByHour[k.hour]++
	c.ByDay[k.day]++
	c.ByContactDay[k.contactDay]++
	c.TotalSent++
}

// prune drops buckets that can no longer match a current key. The previous
// bucket of each scope is kept for reporting.
func (c *Counters) prune(now time.Time, loc *time.Location) int {
	c.ensure()
	t := now.In(loc)
	keepMin := map[string]bool{
		t.Format(minuteLayout):                       true,
		t.Add(-time.Minute).Format(minuteLayout):     true,
		t.Add(-2 * time.Minute).Format(minuteLayout): true,
	}
	keepHour := map[string]bool{
		t.Format(hourLayout):                 true,
		t.Add(-time.Hour).Format(hourLayout): true,
	}
	keepDay := map[string]bool{
		t.Format(dayLayout):                   true,
		t.AddDate(0, 0, -1).Format(dayLayout): true,
	}

	n := 0
	for k := range c.ByMinute {
		if !keepMin[k] {
			delete(c.ByMinute, k)
			n++
		}
	}
	for k := range c.ByHour {
		if !keepHour[k] {
			delete(c.ByHour, k)
			n++
		}
	}
	for k := range c.ByDay {
		if !keepDay[k] {
			delete(c.ByDay, k)
			n++
		}
	}
	for k := range c.ByContactDay {
		day, _, _ := strings.Cut(k, "|")
		if !keepDay[day] {
			delete(c.ByContactDay, k)
			n++
		}
	}
	return n
}

func (c Counters) clone() Counters {
	out := NewCounters()
	for k, v := range c.ByMinute {
		out.ByMinute[k] = v
	}
	for k, v := range c.ByHour {
		out.ByHour[k] = v
	}
	for k, v := range c.ByDay {
		out.ByDay[k] = v
	}
	for k, v := range c.ByContactDay {
		out.ByContactDay[k] = v
	}
	out.TotalSent = c.TotalSent
	return out
}
