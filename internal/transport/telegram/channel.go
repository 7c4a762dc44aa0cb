// Package telegram implements transport.Channel on a Telegram bot account.
// A contact is a private chat; its handle is the chat id. Owners talk to the
// same bot to run operator commands and to relay seller keywords.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "funnelbot/internal/runtime/supervisor"
	"funnelbot/internal/transport"
	logx "funnelbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Owners may run operator commands and relay seller keywords.
	Owners []int64
	// Offline skips the getMe call (tests, dry runs).
	Offline bool
}

var ErrBadHandle = errors.New("telegram: handle is not a chat id")

type Channel struct {
	cfg Config
	log logx.Logger

	ownMu  sync.RWMutex
	owners map[int64]struct{}

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	in  atomic.Pointer[chan<- transport.Inbound]
	ops atomic.Pointer[chan<- transport.Command]

	connected atomic.Bool
	dropped   atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

var (
	_ transport.Channel            = (*Channel)(nil)
	_ transport.CommandMenuUpdater = (*Channel)(nil)
)

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Channel{cfg: cfg, log: log}
	c.SetOwners(cfg.Owners)
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	c.bot = b
	b.Handle(tele.OnText, func(tc tele.Context) error {
		c.route(tc.Message())
		return nil
	})
	return c, nil
}

// SetOwners replaces the owner list (config reload).
func (c *Channel) SetOwners(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.ownMu.Lock()
	c.owners = set
	c.ownMu.Unlock()
}

func (c *Channel) isOwner(id int64) bool {
	c.ownMu.RLock()
	defer c.ownMu.RUnlock()
	_, ok := c.owners[id]
	return ok
}

// route turns a Telegram message into an operator command, a relayed
// seller keyword or a contact message.
func (c *Channel) route(m *tele.Message) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	if c.isOwner(m.Sender.ID) {
		if strings.HasPrefix(text, "/") {
			c.pushCommand(transport.Command{ChatID: m.Chat.ID, FromID: m.Sender.ID, Username: m.Sender.Username, Text: text})
			return
		}
		if h, word, ok := parseRelay(text); ok {
			c.pushInbound(transport.Inbound{Handle: h, Text: word, At: m.Time(), FromSelf: true})
			return
		}
	}
	if !m.Private() {
		return
	}
	c.pushInbound(transport.Inbound{
		Handle: strconv.FormatInt(m.Chat.ID, 10),
		Name:   strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
		Text:   text,
		At:     m.Time(),
	})
}

// parseRelay reads "#<handle> <text>", which an owner sends to act as the
// seller in the contact's conversation.
func parseRelay(text string) (handle, rest string, ok bool) {
	if !strings.HasPrefix(text, "#") {
		return "", "", false
	}
	handle, rest, _ = strings.Cut(text[1:], " ")
	handle = strings.TrimSpace(handle)
	rest = strings.TrimSpace(rest)
	if handle == "" || rest == "" {
		return "", "", false
	}
	return handle, rest, true
}

func (c *Channel) pushInbound(in transport.Inbound) {
	p := c.in.Load()
	if p == nil {
		return
	}
	select {
	case *p <- in:
	default:
		c.dropped.Add(1)
	}
}

func (c *Channel) pushCommand(cmd transport.Command) {
	p := c.ops.Load()
	if p == nil {
		return
	}
	select {
	case *p <- cmd:
	default:
		c.dropped.Add(1)
	}
}

func (c *Channel) Start(ctx context.Context, in chan<- transport.Inbound, ops chan<- transport.Command) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	c.in.Store(&in)
	c.ops.Store(&ops)
	c.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(c.log.With(logx.Comp("telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup
	c.runMu.Unlock()

	sup.Go0("updates.drop_report", func(ctx context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				c.reportDropped()
				return
			case <-t.C:
				c.reportDropped()
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		c.connected.Store(false)
		c.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		c.connected.Store(true)
		c.log.Info("polling started")
		c.bot.Start()
		c.connected.Store(false)
		c.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (c *Channel) reportDropped() {
	if n := c.dropped.Swap(0); n > 0 {
		c.log.Warn("incoming messages dropped (consumer busy)", logx.Uint64("count", n))
	}
}

func (c *Channel) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	wasRunning := c.running
	c.running = false
	c.in.Store(nil)
	c.ops.Store(nil)
	c.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("telegram stop", logx.Err(err))
	}
	return nil
}

func (c *Channel) Connected() bool { return c.connected.Load() }

// Send delivers text to the contact chat named by handle.
func (c *Channel) Send(ctx context.Context, handle, text string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(handle), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadHandle, handle)
	}
	return c.sendChunks(ctx, id, text)
}

func (c *Channel) Reply(ctx context.Context, chatID int64, text string) error {
	return c.sendChunks(ctx, chatID, text)
}

// SendAlert forwards operator alerts from the log pipeline.
func (c *Channel) SendAlert(ctx context.Context, chatID int64, text string) error {
	return c.sendChunks(ctx, chatID, text)
}

func (c *Channel) sendChunks(ctx context.Context, chatID int64, text string) error {
	to := tele.ChatID(chatID)
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.bot.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMenuCommands publishes the "/" command list. It only calls the API
// when the list changed.
func (c *Channel) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	c.menuMu.Lock()
	defer c.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd.Command == "" {
			continue
		}
		d := cmd.Description
		if d == "" {
			d = cmd.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(cmd.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		list = append(list, tele.Command{Text: cmd.Command, Description: d})
		if len(list) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == c.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	c.menuHash = sum
	c.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
