package engage

import (
	"context"
	"strings"

	"funnelbot/internal/contact"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/transport"
	logx "funnelbot/pkg/logx"
)

// SellerCommand is a keyword action recognized on the seller's own messages.
type SellerCommand string

const (
	CmdNone   SellerCommand = ""
	CmdStop   SellerCommand = "stop"
	CmdPause  SellerCommand = "pause"
	CmdClient SellerCommand = "client"
	CmdRemove SellerCommand = "remove"
	CmdBotOff SellerCommand = "bot_off"
)

// Match compares text, trimmed and case-insensitively, against each word.
func (w CommandWords) Match(text string) SellerCommand {
	t := strings.ToUpper(strings.TrimSpace(text))
	if t == "" {
		return CmdNone
	}
	for _, c := range []struct {
		word string
		cmd  SellerCommand
	}{
		{w.Stop, CmdStop},
		{w.Pause, CmdPause},
		{w.Client, CmdClient},
		{w.Remove, CmdRemove},
		{w.BotOff, CmdBotOff},
	} {
		if c.word != "" && t == strings.ToUpper(strings.TrimSpace(c.word)) {
			return c.cmd
		}
	}
	return CmdNone
}

// HandleInbound records a message seen on the channel. Contact messages
// refresh the record and, while the contact has not been messaged yet,
// make it due now. Seller messages are checked for command words.
func (b *Bot) HandleInbound(ctx context.Context, in transport.Inbound) error {
	h, err := b.Handle(in.Handle)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil
	}
	if in.FromSelf {
		return b.handleSeller(h, text)
	}

	now := b.now()
	at := in.At
	if at.IsZero() {
		at = now
	}
	car := contact.DetectCar(text)
	r, err := b.book.Update(h, now, func(r *contact.Record) error {
		r.LastInboundAt = at
		if n := strings.TrimSpace(in.Name); n != "" && r.Name == "" {
			r.Name = n
		}
		r.ObserveCar(car)
		if r.StepIndex == 0 {
			r.NextEligibleAt = now
		}
		return nil
	})
	if err != nil {
		return err
	}

	preview := text
	if rs := []rune(preview); len(rs) > 180 {
		preview = string(rs[:180])
	}
	data := map[string]any{"text": preview}
	if r.DetectedModel != "" {
		data["model"] = r.DetectedModel
	}
	if r.DetectedYear > 0 {
		data["year"] = r.DetectedYear
	}
	b.publish(eventbus.InboundMessage, h, data)
	b.log.Debug("inbound message", logx.Handle(h), logx.Int("year", r.DetectedYear))
	return nil
}

func (b *Bot) handleSeller(handle, text string) error {
	cmd := b.Settings().Commands.Match(text)
	var err error
	switch cmd {
	case CmdStop:
		_, err = b.Block(handle, "cmd_stop")
	case CmdPause:
		_, err = b.Pause(handle, 0)
	case CmdClient:
		_, err = b.MarkAsClient(handle)
	case CmdRemove:
		_, err = b.RemoveFromFunnel(handle)
	case CmdBotOff:
		_, err = b.ManualOff(handle, 0)
	default:
		return nil
	}
	if err == nil {
		b.log.Info("seller command applied", logx.Handle(handle), logx.String("cmd", string(cmd)))
	}
	return err
}
