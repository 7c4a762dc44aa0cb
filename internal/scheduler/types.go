package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	logx "funnelbot/pkg/logx"
)

// Config controls trigger timing. Jobs run on cron's own goroutines, one
// at a time per schedule.
type Config struct {
	Timezone       string // IANA TZ, e.g. "America/Sao_Paulo"
	DefaultTimeout time.Duration
	HistorySize    int
	// NoSpread disables the random first-run delay of interval schedules.
	NoSpread bool
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration

	runs     uint64
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef
	ctx    context.Context
	cancel context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type ScheduleInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Timeout   time.Duration `json:"timeout"`
	Next      time.Time     `json:"next,omitzero"`
	Prev      time.Time     `json:"prev,omitzero"`
	Runs      uint64        `json:"runs"`
	LastTook  time.Duration `json:"last_took"`
	LastError string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}
