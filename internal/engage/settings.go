package engage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"funnelbot/internal/funnel"
	"funnelbot/internal/ratelimit"
)

const keySettings = "settings"

// Duration is a time.Duration that travels as a Go duration string ("24h").
// A bare JSON number is read as milliseconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// CommandWords are the seller keywords recognized on messages written from
// the bot's own account.
type CommandWords struct {
	Stop   string `json:"stop"`
	Pause  string `json:"pause"`
	Client string `json:"client"`
	Remove string `json:"remove"`
	BotOff string `json:"bot_off"`
}

type Quote struct {
	Title    string `json:"title"`
	Template string `json:"template"`
}

type Offset struct {
	Key    string   `json:"key"`
	Before Duration `json:"before"`
}

// Settings is the effective configuration of one bot: file defaults with
// persisted operator overrides applied on top.
type Settings struct {
	Enabled bool `json:"enabled"`

	Window  ratelimit.Window `json:"window"`
	Limits  ratelimit.Limits `json:"limits"`
	MinYear int              `json:"min_year_follow_up"`

	// StepDelays has one entry per follow-up step; its length is the number
	// of steps.
	StepDelays      []Duration `json:"step_delays"`
	FallbackDelay   Duration   `json:"fallback_delay"`
	DedupWindow     Duration   `json:"dedup_window"`
	AgendaOffsets   []Offset   `json:"agenda_offsets"`
	AgendaRetention Duration   `json:"agenda_retention"`
	JitterMin       Duration   `json:"jitter_min"`
	JitterMax       Duration   `json:"jitter_max"`

	ClientLoop     bool     `json:"client_loop"`
	ClientInterval Duration `json:"client_interval"`
	ClientKey      string   `json:"client_key"`

	PauseFor       Duration `json:"pause_for"`
	ManualOffFor   Duration `json:"manual_off_for"`
	RemovePauseFor Duration `json:"remove_pause_for"`

	CountryCode string `json:"country_code,omitempty"`

	Commands     CommandWords      `json:"commands"`
	Messages     map[string]string `json:"messages"`
	Quotes       map[string]Quote  `json:"quotes"`
	DefaultQuote string            `json:"default_quote"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:         true,
		Window:          ratelimit.DefaultWindow(),
		Limits:          ratelimit.DefaultLimits(),
		MinYear:         2022,
		StepDelays:      []Duration{0, Duration(24 * time.Hour), Duration(48 * time.Hour), Duration(72 * time.Hour)},
		FallbackDelay:   Duration(24 * time.Hour),
		DedupWindow:     Duration(10 * time.Minute),
		AgendaOffsets:   []Offset{{"agenda0", Duration(7 * 24 * time.Hour)}, {"agenda1", Duration(3 * 24 * time.Hour)}, {"agenda2", Duration(24 * time.Hour)}},
		AgendaRetention: Duration(7 * 24 * time.Hour),
		JitterMin:       Duration(1200 * time.Millisecond),
		JitterMax:       Duration(2800 * time.Millisecond),
		ClientLoop:      true,
		ClientInterval:  Duration(720 * time.Hour),
		ClientKey:       funnel.DefaultClientKey,
		PauseFor:        Duration(72 * time.Hour),
		ManualOffFor:    Duration(24 * time.Hour),
		RemovePauseFor:  Duration(8760 * time.Hour),
		Commands:        CommandWords{Stop: "STOP", Pause: "PAUSE", Client: "CLIENTE", Remove: "REMOVE", BotOff: "BOT OFF"},
		Messages:        DefaultMessages(),
		Quotes:          DefaultQuotes(),
		DefaultQuote:    "ironGlassPlus",
	}
}

func DefaultMessages() map[string]string {
	return map[string]string{
		"step0":                   "Oi! Tudo certo? Você ainda quer proteger os vidros do seu carro?",
		"step1":                   "Passando para saber se posso te ajudar com alguma dúvida sobre a blindagem dos vidros.",
		"step2":                   "Se quiser, eu posso te enviar uma cotação sem compromisso.",
		"step3":                   "Última mensagem por aqui. Se ainda tiver interesse, me chama que te atendo com prazer.",
		funnel.KeyExtra:           "",
		funnel.DefaultClientKey:   "Oi! Tudo bem? Passando só para saber como está a experiência com a gente.",
		"agenda0":                 "Olá! Faltam 7 dias para seu agendamento.",
		"agenda1":                 "Olá! Faltam 3 dias para seu agendamento.",
		"agenda2":                 "Olá! Seu agendamento é amanhã. Qualquer dúvida me chama.",
		funnel.KeyConfirmTemplate: "Agendamento confirmado\nData: {{DATA}}\nHora: {{HORA}}\nVeículo: {{VEICULO}}\nProduto: {{PRODUTO}}\nValor: {{VALOR}}\nSinal: {{SINAL}}\nPagamento: {{PAGAMENTO}}",
	}
}

func DefaultQuotes() map[string]Quote {
	tpl := func(title string) string {
		return title + "\nVeículo: {{VEICULO}} {{ANO}}\nValor: {{VALOR}}\nPagamento: {{PAGAMENTO}}"
	}
	return map[string]Quote{
		"ironGlass":     {Title: "Cotação Iron Glass", Template: tpl("Cotação Iron Glass")},
		"ironGlassPlus": {Title: "Cotação Iron Glass Plus", Template: tpl("Cotação Iron Glass Plus")},
		"defender":      {Title: "Cotação Defender", Template: tpl("Cotação Defender")},
	}
}

func (s Settings) Clone() Settings {
	s.StepDelays = slices.Clone(s.StepDelays)
	s.AgendaOffsets = slices.Clone(s.AgendaOffsets)
	s.Messages = maps.Clone(s.Messages)
	s.Quotes = maps.Clone(s.Quotes)
	return s
}

func (s Settings) Validate() error {
	var errs []error
	if err := s.Window.Validate(); err != nil {
		errs = append(errs, err)
	}
	l := s.Limits
	if l.PerMinute < 0 || l.PerHour < 0 || l.PerDay < 0 || l.PerContactPerDay < 0 {
		errs = append(errs, errors.New("limits must be >= 0"))
	}
	if s.MinYear < 0 {
		errs = append(errs, errors.New("min_year_follow_up must be >= 0"))
	}
	if len(s.StepDelays) == 0 {
		errs = append(errs, errors.New("step_delays must not be empty"))
	}
	for i, d := range s.StepDelays {
		if d < 0 {
			errs = append(errs, fmt.Errorf("step_delays[%d] must be >= 0", i))
		}
	}
	for i, o := range s.AgendaOffsets {
		if strings.TrimSpace(o.Key) == "" {
			errs = append(errs, fmt.Errorf("agenda_offsets[%d].key is required", i))
		}
		if o.Before <= 0 {
			errs = append(errs, fmt.Errorf("agenda_offsets[%d].before must be > 0", i))
		}
	}
	if s.JitterMin < 0 || s.JitterMax < s.JitterMin {
		errs = append(errs, errors.New("jitter must satisfy 0 <= min <= max"))
	}
	if s.FallbackDelay < 0 || s.DedupWindow < 0 || s.ClientInterval < 0 {
		errs = append(errs, errors.New("durations must be >= 0"))
	}
	if s.ClientLoop && s.ClientInterval <= 0 {
		errs = append(errs, errors.New("client_interval must be > 0 when client_loop is on"))
	}
	return errors.Join(errs...)
}

// Policy is the snapshot handed to the funnel engines.
func (s Settings) Policy() funnel.Policy {
	p := funnel.DefaultPolicy()
	p.Steps = len(s.StepDelays)
	p.StepDelays = make([]time.Duration, len(s.StepDelays))
	for i, d := range s.StepDelays {
		p.StepDelays[i] = d.D()
	}
	p.FallbackDelay = s.FallbackDelay.D()
	p.DedupWindow = s.DedupWindow.D()
	p.MinYear = s.MinYear
	p.ClientLoop = s.ClientLoop
	p.ClientInterval = s.ClientInterval.D()
	p.ClientKey = s.ClientKey
	p.AgendaOffsets = make([]funnel.Offset, len(s.AgendaOffsets))
	for i, o := range s.AgendaOffsets {
		p.AgendaOffsets[i] = funnel.Offset{Key: o.Key, Before: o.Before.D()}
	}
	p.AgendaRetention = s.AgendaRetention.D()
	p.Messages = maps.Clone(s.Messages)
	return p
}

type WindowPatch struct {
	StartHour *int `json:"start_hour,omitempty"`
	EndHour   *int `json:"end_hour,omitempty"`
}

type LimitsPatch struct {
	PerMinute        *int `json:"per_minute,omitempty"`
	PerHour          *int `json:"per_hour,omitempty"`
	PerDay           *int `json:"per_day,omitempty"`
	PerContactPerDay *int `json:"per_contact_per_day,omitempty"`
}

// SettingsPatch is a partial update. Nil fields are left alone; maps merge
// key by key; slices replace.
type SettingsPatch struct {
	Enabled *bool        `json:"enabled,omitempty"`
	Window  *WindowPatch `json:"window,omitempty"`
	Limits  *LimitsPatch `json:"limits,omitempty"`
	MinYear *int         `json:"min_year_follow_up,omitempty"`

	StepDelays      []Duration `json:"step_delays,omitempty"`
	FallbackDelay   *Duration  `json:"fallback_delay,omitempty"`
	DedupWindow     *Duration  `json:"dedup_window,omitempty"`
	AgendaOffsets   []Offset   `json:"agenda_offsets,omitempty"`
	AgendaRetention *Duration  `json:"agenda_retention,omitempty"`
	JitterMin       *Duration  `json:"jitter_min,omitempty"`
	JitterMax       *Duration  `json:"jitter_max,omitempty"`

	ClientLoop     *bool     `json:"client_loop,omitempty"`
	ClientInterval *Duration `json:"client_interval,omitempty"`

	PauseFor       *Duration `json:"pause_for,omitempty"`
	ManualOffFor   *Duration `json:"manual_off_for,omitempty"`
	RemovePauseFor *Duration `json:"remove_pause_for,omitempty"`

	// Commands merges non-empty words.
	Commands     *CommandWords     `json:"commands,omitempty"`
	Messages     map[string]string `json:"messages,omitempty"`
	Quotes       map[string]Quote  `json:"quotes,omitempty"`
	DefaultQuote *string           `json:"default_quote,omitempty"`
}

func (p SettingsPatch) IsZero() bool {
	b, _ := json.Marshal(p)
	return string(b) == "{}"
}

// Merge layers next over p, producing the combined override set.
func (p SettingsPatch) Merge(next SettingsPatch) SettingsPatch {
	out := p
	setPtr(&out.Enabled, next.Enabled)
	if next.Window != nil {
		w := WindowPatch{}
		if out.Window != nil {
			w = *out.Window
		}
		setPtr(&w.StartHour, next.Window.StartHour)
		setPtr(&w.EndHour, next.Window.EndHour)
		out.Window = &w
	}
	if next.Limits != nil {
		l := LimitsPatch{}
		if out.Limits != nil {
			l = *out.Limits
		}
		setPtr(&l.PerMinute, next.Limits.PerMinute)
		setPtr(&l.PerHour, next.Limits.PerHour)
		setPtr(&l.PerDay, next.Limits.PerDay)
		setPtr(&l.PerContactPerDay, next.Limits.PerContactPerDay)
		out.Limits = &l
	}
	setPtr(&out.MinYear, next.MinYear)
	if next.StepDelays != nil {
		out.StepDelays = slices.Clone(next.StepDelays)
	}
	setPtr(&out.FallbackDelay, next.FallbackDelay)
	setPtr(&out.DedupWindow, next.DedupWindow)
	if next.AgendaOffsets != nil {
		out.AgendaOffsets = slices.Clone(next.AgendaOffsets)
	}
	setPtr(&out.AgendaRetention, next.AgendaRetention)
	setPtr(&out.JitterMin, next.JitterMin)
	setPtr(&out.JitterMax, next.JitterMax)
	setPtr(&out.ClientLoop, next.ClientLoop)
	setPtr(&out.ClientInterval, next.ClientInterval)
	setPtr(&out.PauseFor, next.PauseFor)
	setPtr(&out.ManualOffFor, next.ManualOffFor)
	setPtr(&out.RemovePauseFor, next.RemovePauseFor)
	if next.Commands != nil {
		c := CommandWords{}
		if out.Commands != nil {
			c = *out.Commands
		}
		c = mergeWords(c, *next.Commands)
		out.Commands = &c
	}
	out.Messages = mergeMap(out.Messages, next.Messages)
	out.Quotes = mergeMap(out.Quotes, next.Quotes)
	setPtr(&out.DefaultQuote, next.DefaultQuote)
	return out
}

// Apply returns s with the patch applied. The result is not validated.
func (p SettingsPatch) Apply(s Settings) Settings {
	s = s.Clone()
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.Window != nil {
		applyPtr(&s.Window.StartHour, p.Window.StartHour)
		applyPtr(&s.Window.EndHour, p.Window.EndHour)
	}
	if p.Limits != nil {
		applyPtr(&s.Limits.PerMinute, p.Limits.PerMinute)
		applyPtr(&s.Limits.PerHour, p.Limits.PerHour)
		applyPtr(&s.Limits.PerDay, p.Limits.PerDay)
		applyPtr(&s.Limits.PerContactPerDay, p.Limits.PerContactPerDay)
	}
	applyPtr(&s.MinYear, p.MinYear)
	if p.StepDelays != nil {
		s.StepDelays = slices.Clone(p.StepDelays)
	}
	applyPtr(&s.FallbackDelay, p.FallbackDelay)
	applyPtr(&s.DedupWindow, p.DedupWindow)
	if p.AgendaOffsets != nil {
		s.AgendaOffsets = slices.Clone(p.AgendaOffsets)
	}
	applyPtr(&s.AgendaRetention, p.AgendaRetention)
	applyPtr(&s.JitterMin, p.JitterMin)
	applyPtr(&s.JitterMax, p.JitterMax)
	applyPtr(&s.ClientLoop, p.ClientLoop)
	applyPtr(&s.ClientInterval, p.ClientInterval)
	applyPtr(&s.PauseFor, p.PauseFor)
	applyPtr(&s.ManualOffFor, p.ManualOffFor)
	applyPtr(&s.RemovePauseFor, p.RemovePauseFor)
	if p.Commands != nil {
		s.Commands = mergeWords(s.Commands, *p.Commands)
	}
	s.Messages = mergeMap(s.Messages, p.Messages)
	s.Quotes = mergeMap(s.Quotes, p.Quotes)
	applyPtr(&s.DefaultQuote, p.DefaultQuote)
	return s
}

func setPtr[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func applyPtr[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func mergeMap[V any](base, over map[string]V) map[string]V {
	if over == nil {
		return base
	}
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]V, len(over))
	}
	maps.Copy(out, over)
	return out
}

func mergeWords(base, over CommandWords) CommandWords {
	pick := func(a, b string) string {
		if strings.TrimSpace(b) != "" {
			return strings.TrimSpace(b)
		}
		return a
	}
	base.Stop = pick(base.Stop, over.Stop)
	base.Pause = pick(base.Pause, over.Pause)
	base.Client = pick(base.Client, over.Client)
	base.Remove = pick(base.Remove, over.Remove)
	base.BotOff = pick(base.BotOff, over.BotOff)
	return base
}
