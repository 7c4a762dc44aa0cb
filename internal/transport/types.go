// Package transport defines the messaging channel a bot instance talks
// through. The engagement core only needs Send and Connected; adapters also
// feed inbound contact messages and operator commands back to the runtime.
package transport

import (
	"context"
	"time"
)

// Inbound is a message seen on the channel for a contact. FromSelf marks
// messages the seller wrote from the bot's own account.
type Inbound struct {
	Handle   string
	Name     string
	Text     string
	At       time.Time
	FromSelf bool
}

// Command is an operator command ("/status", "/pause 5511...") from an
// owner chat.
type Command struct {
	ChatID   int64
	FromID   int64
	Username string
	Text     string
}

// Sender is the outbound half of a channel.
type Sender interface {
	Send(ctx context.Context, handle, text string) error
	Connected() bool
}

// Replier answers an operator in the chat a Command came from.
type Replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

type Channel interface {
	Sender
	Replier

	// Start begins receiving. Contact messages go to in, owner commands to
	// ops. Sends on both channels never block the receiver for long; a slow
	// consumer loses messages.
	Start(ctx context.Context, in chan<- Inbound, ops chan<- Command) error
	Stop(ctx context.Context) error
}

// BotCommand is one entry of a platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu (Telegram's "/" list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
