package panel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"funnelbot/internal/contact"
	"funnelbot/internal/engage"
)

const stamp = "02/01 15:04"

func (p *Panel) builtins() []Command {
	return []Command{
		{Name: "status", Usage: "/status", Description: "estado do bot", Handle: cmdStatus},
		{Name: "stats", Usage: "/stats", Description: "contadores e fila", Handle: cmdStats},
		{Name: "on", Usage: "/on", Description: "liga o funil", Handle: cmdEnabled(true)},
		{Name: "off", Usage: "/off", Description: "desliga o funil", Handle: cmdEnabled(false)},
		{Name: "contact", Aliases: []string{"c"}, Usage: "/contact <numero>", Description: "ficha do contato", MinArgs: 1, Handle: cmdContact},
		{Name: "pause", Usage: "/pause <numero> [duracao]", Description: "pausa o contato", MinArgs: 1, Handle: cmdPause},
		{Name: "mute", Usage: "/mute <numero> [duracao]", Description: "bot off para o contato", MinArgs: 1, Handle: cmdMute},
		{Name: "block", Usage: "/block <numero> [motivo]", Description: "bloqueia o contato", MinArgs: 1, Handle: cmdBlock},
		{Name: "unblock", Usage: "/unblock <numero>", Description: "desbloqueia", MinArgs: 1, Handle: cmdUnblock},
		{Name: "client", Usage: "/client <numero>", Description: "marca como cliente", MinArgs: 1, Handle: cmdClient},
		{Name: "remove", Usage: "/remove <numero>", Description: "tira do funil", MinArgs: 1, Handle: cmdRemove},
		{Name: "agenda", Usage: "/agenda <numero> <AAAA-MM-DD> <HH:MM>", Description: "agenda lembretes", MinArgs: 3, Handle: cmdAgenda},
		{Name: "unagenda", Usage: "/unagenda <numero>", Description: "cancela lembretes", MinArgs: 1, Handle: cmdUnagenda},
		{Name: "program", Usage: "/program <numero> <AAAA-MM-DD> <HH:MM> [texto]", Description: "programa o primeiro contato", MinArgs: 3, Handle: cmdProgram},
		{Name: "unprogram", Usage: "/unprogram <numero>", Description: "cancela o primeiro contato programado", MinArgs: 1, Handle: cmdUnprogram},
		{Name: "send", Usage: "/send <numero> <texto>", Description: "envia agora", MinArgs: 2, Timeout: time.Minute, Handle: cmdSend},
		{Name: "help", Aliases: []string{"h", "start"}, Usage: "/help", Description: "esta ajuda", Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, p.helpText())
		}},
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func fmtTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format(stamp)
}

func cmdStatus(ctx context.Context, req *Request) error {
	st := req.Bot.Status()
	loc := req.Bot.Location()
	lines := []string{
		"bot: " + st.Bot,
		"conectado: " + onOff(st.Connected),
		"funil: " + onOff(st.Enabled),
		fmt.Sprintf("fila: %d", st.QueueSize),
		fmt.Sprintf("contatos: %d", st.Contacts),
		"ultimo tick: " + fmtTime(st.LastTick, loc),
	}
	if st.LastError != "" {
		lines = append(lines, "ultimo erro: "+st.LastError+" ("+fmtTime(st.LastErrorAt, loc)+")")
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func cmdStats(ctx context.Context, req *Request) error {
	s := req.Bot.Stats()
	lim := req.Bot.Settings().Limits
	var b strings.Builder
	fmt.Fprintf(&b, "envios: %d/min %d/h %d/dia (limites %d/%d/%d)\n",
		s.Usage.Minute, s.Usage.Hour, s.Usage.Day, lim.PerMinute, lim.PerHour, lim.PerDay)
	fmt.Fprintf(&b, "fila: %d (enviados %d, falhas %d, descartados %d)\n",
		s.Queue.Pending, s.Queue.Sent, s.Queue.Failed, s.Queue.Dropped)
	fmt.Fprintf(&b, "clientes: %d  bloqueados: %d  lembretes: %d  programados: %d\n",
		s.Clients, s.Blocked, s.Agendas, s.Deferred)
	stages := make([]string, 0, len(s.Stages))
	for k, v := range s.Stages {
		stages = append(stages, fmt.Sprintf("%s=%d", k, v))
	}
	sort.Strings(stages)
	b.WriteString("etapas: " + strings.Join(stages, " "))
	return req.Reply(ctx, b.String())
}

func cmdEnabled(on bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if err := req.Bot.SetEnabled(ctx, on); err != nil {
			return err
		}
		return req.Reply(ctx, "funil "+onOff(on))
	}
}

func cmdContact(ctx context.Context, req *Request) error {
	d, err := req.Bot.Contact(req.Args[0])
	if errors.Is(err, contact.ErrNotFound) {
		return req.Reply(ctx, "contato nao encontrado")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, describe(d, req.Bot.Location()))
}

func describe(d engage.ContactDetail, loc *time.Location) string {
	r := d.Record
	lines := []string{
		r.Handle + nonEmpty(" ("+r.Name+")", r.Name),
		"etapa: " + string(r.Stage) + fmt.Sprintf(" passo %d", r.StepIndex),
		"proximo: " + fmtTime(r.NextEligibleAt, loc) + nonEmpty(" "+d.NextKey, d.NextKey),
	}
	if d.Exclusion != "" {
		lines = append(lines, "fora do funil: "+d.Exclusion)
	}
	if r.DetectedModel != "" || r.DetectedYear > 0 {
		lines = append(lines, fmt.Sprintf("veiculo: %s %d", r.DetectedModel, r.DetectedYear))
	}
	for _, e := range d.Agenda {
		mark := " "
		if e.Sent {
			mark = "x"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s %s", mark, e.OffsetKey, fmtTime(e.FiresAt, loc)))
	}
	if d.Deferred != nil {
		lines = append(lines, "primeiro contato: "+fmtTime(d.Deferred.FiresAt, loc))
	}
	lines = append(lines, fmt.Sprintf("enviados hoje: %d", d.SentToday))
	return strings.Join(lines, "\n")
}

func nonEmpty(s, cond string) string {
	if cond == "" {
		return ""
	}
	return s
}

func optDur(args []string, i int) (time.Duration, error) {
	if len(args) <= i {
		return 0, nil
	}
	d, err := parseDur(args[i])
	if err != nil {
		return 0, badUsage(err.Error())
	}
	return d, nil
}

func cmdPause(ctx context.Context, req *Request) error {
	d, err := optDur(req.Args, 1)
	if err != nil {
		return err
	}
	r, err := req.Bot.Pause(req.Args[0], d)
	if err != nil {
		return err
	}
	return req.Reply(ctx, r.Handle+" pausado ate "+fmtTime(r.PausedUntil, req.Bot.Location()))
}

func cmdMute(ctx context.Context, req *Request) error {
	d, err := optDur(req.Args, 1)
	if err != nil {
		return err
	}
	r, err := req.Bot.ManualOff(req.Args[0], d)
	if err != nil {
		return err
	}
	return req.Reply(ctx, r.Handle+" com bot off ate "+fmtTime(r.ManualOffUntil, req.Bot.Location()))
}

func cmdBlock(ctx context.Context, req *Request) error {
	r, err := req.Bot.Block(req.Args[0], strings.Join(req.Args[1:], " "))
	if err != nil {
		return err
	}
	return req.Reply(ctx, r.Handle+" bloqueado ("+r.BlockReason+")")
}

func cmdUnblock(ctx context.Context, req *Request) error {
	r, err := req.Bot.Unblock(req.Args[0])
	if errors.Is(err, contact.ErrNotFound) {
		return req.Reply(ctx, "contato nao encontrado")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, r.Handle+" desbloqueado")
}

func cmdClient(ctx context.Context, req *Request) error {
	r, err := req.Bot.MarkAsClient(req.Args[0])
	if err != nil {
		return err
	}
	return req.Reply(ctx, r.Handle+" agora e cliente. proximo contato "+fmtTime(r.NextEligibleAt, req.Bot.Location()))
}

func cmdRemove(ctx context.Context, req *Request) error {
	r, err := req.Bot.RemoveFromFunnel(req.Args[0])
	if err != nil {
		return err
	}
	return req.Reply(ctx, r.Handle+" removido do funil")
}

func cmdAgenda(ctx context.Context, req *Request) error {
	loc := req.Bot.Location()
	at, err := parseWhen(req.Args[1], req.Args[2], loc)
	if err != nil {
		return badUsage(err.Error())
	}
	data := map[string]string{
		"DATA": at.Format("02/01/2006"),
		"HORA": at.Format("15:04"),
	}
	es, err := req.Bot.ScheduleAgenda(req.Args[0], at, data)
	if err != nil {
		return err
	}
	lines := []string{fmt.Sprintf("%d lembretes para %s", len(es), at.Format(stamp))}
	for _, e := range es {
		lines = append(lines, "- "+e.OffsetKey+" "+fmtTime(e.FiresAt, loc))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func cmdUnagenda(ctx context.Context, req *Request) error {
	n, err := req.Bot.CancelAgenda(req.Args[0])
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("%d lembretes cancelados", n))
}

func cmdProgram(ctx context.Context, req *Request) error {
	at, err := parseWhen(req.Args[1], req.Args[2], req.Bot.Location())
	if err != nil {
		return badUsage(err.Error())
	}
	j, err := req.Bot.ScheduleDeferredStart(req.Args[0], at, strings.Join(req.Args[3:], " "))
	if err != nil {
		return err
	}
	return req.Reply(ctx, "primeiro contato de "+j.Handle+" em "+fmtTime(j.FiresAt, req.Bot.Location()))
}

func cmdUnprogram(ctx context.Context, req *Request) error {
	ok, err := req.Bot.CancelDeferredStart(req.Args[0])
	if err != nil {
		return err
	}
	if !ok {
		return req.Reply(ctx, "nada programado")
	}
	return req.Reply(ctx, "programacao cancelada")
}

func cmdSend(ctx context.Context, req *Request) error {
	res, err := req.Bot.SendImmediate(ctx, req.Args[0], strings.Join(req.Args[1:], " "))
	if err != nil {
		return err
	}
	return req.Reply(ctx, "enviado "+fmtTime(res.SentAt, req.Bot.Location()))
}
