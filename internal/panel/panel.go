// Package panel serves operator commands typed in an owner chat
// ("/pause 5511999990001 2d") against one bot.
package panel

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"funnelbot/internal/engage"
	rtsup "funnelbot/internal/runtime/supervisor"
	"funnelbot/internal/transport"
	logx "funnelbot/pkg/logx"
)

const (
	defaultTimeout = 15 * time.Second
	workers        = 2
)

type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	// MinArgs is the number of positional arguments required.
	MinArgs int
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Cmd    transport.Command
	Name   string
	Args   []string
	ReqID  string
	Logger logx.Logger
	Bot    *engage.Bot

	reply transport.Replier
}

// Reply answers in the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.reply.Reply(ctx, r.Cmd.ChatID, text)
}

// usageError asks the dispatcher to answer with the command usage.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func badUsage(msg string) error { return usageError{msg: msg} }

type Panel struct {
	bot   *engage.Bot
	reply transport.Replier
	log   logx.Logger

	cmds  []Command
	index map[string]*Command

	jobs chan func()
}

func New(bot *engage.Bot, reply transport.Replier, log logx.Logger) *Panel {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Panel{
		bot:   bot,
		reply: reply,
		log:   log,
		index: map[string]*Command{},
		jobs:  make(chan func(), 64),
	}
	p.register(p.builtins())
	return p
}

func (p *Panel) register(cmds []Command) {
	p.cmds = cmds
	for i := range p.cmds {
		c := &p.cmds[i]
		p.index[c.Name] = c
		for _, a := range c.Aliases {
			p.index[a] = c
		}
	}
}

// Menu lists the commands for the platform "/" menu.
func (p *Panel) Menu() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(p.cmds))
	for _, c := range p.cmds {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run dispatches commands from ops on a small worker pool until ctx ends
// or ops is closed.
func (p *Panel) Run(ctx context.Context, ops <-chan transport.Command) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log.With(logx.Comp("panel"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("panel.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-p.jobs:
					func() {
						defer func() {
							if r := recover(); r != nil {
								p.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	p.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		p.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-ops:
			if !ok {
				return nil
			}
			select {
			case p.jobs <- func() { _ = p.Handle(ctx, cmd) }:
			default:
				_ = p.reply.Reply(ctx, cmd.ChatID, "ocupado, tente de novo")
			}
		}
	}
}

// Handle runs one command synchronously and answers the operator. The
// returned error is the handler's, after it has been reported in chat.
func (p *Panel) Handle(ctx context.Context, in transport.Command) error {
	toks := tokenize(in.Text)
	if len(toks) == 0 || !strings.HasPrefix(toks[0], "/") {
		return nil
	}
	name := commandName(toks[0])
	cmd, ok := p.index[name]
	if !ok {
		return p.reply.Reply(ctx, in.ChatID, "comando desconhecido. use /help")
	}
	args := toks[1:]
	if len(args) < cmd.MinArgs {
		return p.reply.Reply(ctx, in.ChatID, "uso: "+cmd.Usage)
	}

	rid := ulid.Make().String()
	req := &Request{
		Cmd:   in,
		Name:  cmd.Name,
		Args:  args,
		ReqID: rid,
		Logger: p.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", in.ChatID),
			logx.String("cmd", cmd.Name),
		),
		Bot:   p.bot,
		reply: p.reply,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	final := Chain(cmd.Handle,
		recoverPanic(p.log),
		logCommand(p.log),
		withTimeout(timeout),
	)
	err := final(ctx, req)
	if err == nil {
		return nil
	}
	var ue usageError
	if errors.As(err, &ue) {
		_ = req.Reply(ctx, ue.msg+"\nuso: "+cmd.Usage)
		return err
	}
	_ = req.Reply(ctx, "erro: "+err.Error())
	return err
}

// helpText lists every command with its usage.
func (p *Panel) helpText() string {
	var b strings.Builder
	b.WriteString("Comandos:\n")
	for _, c := range p.cmds {
		b.WriteString(c.Usage)
		if c.Description != "" {
			b.WriteString("  ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
