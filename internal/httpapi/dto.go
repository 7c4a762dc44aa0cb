package httpapi

import (
	"time"

	"funnelbot/internal/contact"
	"funnelbot/internal/engage"
)

type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// DurationRequest is the body of pause and off. A zero duration means the
// configured default.
type DurationRequest struct {
	Duration engage.Duration `json:"duration"`
}

type BlockRequest struct {
	Reason string `json:"reason"`
}

type SendRequest struct {
	Text string `json:"text" binding:"required"`
}

type ConfirmRequest struct {
	Data map[string]string `json:"data"`
}

type AgendaRequest struct {
	At   time.Time         `json:"at"`
	Data map[string]string `json:"data"`
}

type DeferredRequest struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// InboundRequest injects a channel message, for channels that deliver
// through webhooks or for seller commands typed elsewhere.
type InboundRequest struct {
	Handle   string    `json:"handle" binding:"required"`
	Name     string    `json:"name"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
	FromSelf bool      `json:"from_self"`
}

type BotSummary struct {
	engage.Status
	Location string `json:"location"`
}

type ContactsResponse struct {
	Contacts []*contact.Record `json:"contacts"`
	Total    int               `json:"total"`
}

type SendResponse struct {
	ID     string    `json:"id"`
	Handle string    `json:"handle"`
	SentAt time.Time `json:"sent_at"`
}
