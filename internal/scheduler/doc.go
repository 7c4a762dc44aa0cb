// Package scheduler triggers periodic jobs (cron, interval, daily) on top
// of robfig/cron. Each schedule runs at most once at a time; a trigger that
// fires while the previous run is still going is skipped.
package scheduler
