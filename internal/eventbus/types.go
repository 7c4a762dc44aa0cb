package eventbus

// Event types published by the engagement runtime.
const (
	SendSent    = "send.sent"
	SendFailed  = "send.failed"
	SendDropped = "send.dropped"

	InboundMessage = "inbound.message"

	ContactPaused    = "contact.paused"
	ContactBlocked   = "contact.blocked"
	ContactManualOff = "contact.manual_off"
	ContactClient    = "contact.client"
	ContactRemoved   = "contact.removed"
	ContactUpdated   = "contact.updated"

	AgendaScheduled   = "agenda.scheduled"
	AgendaCancelled   = "agenda.cancelled"
	DeferredScheduled = "deferred.scheduled"
	DeferredCancelled = "deferred.cancelled"

	BotEnabled         = "bot.enabled"
	BotSettingsUpdated = "bot.settings_updated"
)
