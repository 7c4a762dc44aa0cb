package config

import (
	"reflect"
	"strings"

	logx "funnelbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections, safe structured
// attrs for logging (tokens and the redis url are never included), and the
// ids of bots whose own section changed (added, removed or modified).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	bots := changedBots(oldCfg.Bots, newCfg.Bots)
	if len(bots) > 0 {
		changed = append(changed, "bots")
		attrs = append(attrs,
			logx.Int("bots.count", len(newCfg.Bots)),
			logx.Strings("bots.changed", bots),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engagement, newCfg.Engagement) {
		changed = append(changed, "engagement")
		e := newCfg.Engagement
		attrs = append(attrs,
			logx.String("engagement.timezone", strings.TrimSpace(e.Timezone)),
			logx.Int("engagement.window_start", e.Window.StartHour),
			logx.Int("engagement.window_end", e.Window.EndHour),
			logx.Int("engagement.per_day", e.Limits.PerDay),
			logx.Int("engagement.messages", len(e.Messages)),
			logx.Int("engagement.quotes", len(e.Quotes)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.poll_interval", strings.TrimSpace(newCfg.Queue.PollInterval)),
			logx.String("queue.jitter_min", strings.TrimSpace(newCfg.Queue.JitterMin)),
			logx.String("queue.jitter_max", strings.TrimSpace(newCfg.Queue.JitterMax)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.maintenance", strings.TrimSpace(newCfg.Scheduler.Maintenance)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.Bool("storage.url_set", strings.TrimSpace(newCfg.Storage.URL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	return changed, attrs, bots
}

func changedBots(oldBots, newBots []BotConfig) []string {
	prev := make(map[string]BotConfig, len(oldBots))
	for _, b := range oldBots {
		prev[b.ID] = b
	}
	out := make([]string, 0)
	seen := make(map[string]bool, len(newBots))
	for _, b := range newBots {
		seen[b.ID] = true
		o, ok := prev[b.ID]
		if !ok || !reflect.DeepEqual(o, b) {
			out = append(out, b.ID)
		}
	}
	for _, b := range oldBots {
		if !seen[b.ID] {
			out = append(out, b.ID)
		}
	}
	return out
}
