package engage

import (
	"context"
	"strconv"
	"strings"

	"funnelbot/internal/contact"
	"funnelbot/internal/funnel"
	"funnelbot/internal/sendqueue"
)

// QuoteRequest carries what the seller typed in the quote form.
type QuoteRequest struct {
	Product string `json:"product"`
	Vehicle string `json:"vehicle"`
	Year    int    `json:"year"`
	Value   string `json:"value"`
	Payment string `json:"payment"`
}

// SendImmediate sends text outside the funnel. It still goes through the
// queue, so the gate, the jitter and the counters apply. The call waits for
// the outcome or ctx.
func (b *Bot) SendImmediate(ctx context.Context, raw, text string) (sendqueue.Result, error) {
	return b.sendNow(ctx, raw, text, sendqueue.KindImmediate, "")
}

// SendConfirm renders the confirmation template with data (DATA, HORA,
// VEICULO, PRODUTO, VALOR, SINAL, PAGAMENTO) and sends it.
func (b *Bot) SendConfirm(ctx context.Context, raw string, data map[string]string) (sendqueue.Result, error) {
	s := b.Settings()
	text := funnel.Render(s.Messages[funnel.KeyConfirmTemplate], data)
	if strings.TrimSpace(text) == "" {
		return sendqueue.Result{}, funnel.ErrEmptyMessage
	}
	return b.sendNow(ctx, raw, text, sendqueue.KindConfirm, funnel.KeyConfirmTemplate)
}

// SendQuote records the quoted vehicle on the contact, moves it to stage
// quoted and sends the product's quote template. An unknown product falls
// back to the default quote.
func (b *Bot) SendQuote(ctx context.Context, raw string, req QuoteRequest) (sendqueue.Result, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return sendqueue.Result{}, err
	}
	if b.book.IsBlocked(h) {
		return sendqueue.Result{}, sendqueue.ErrBlocked
	}
	s := b.Settings()
	key := strings.TrimSpace(req.Product)
	q, ok := s.Quotes[key]
	if !ok {
		key = s.DefaultQuote
		if q, ok = s.Quotes[key]; !ok {
			return sendqueue.Result{}, ErrUnknownQuote
		}
	}

	r, err := b.book.Update(h, b.now(), func(r *contact.Record) error {
		if v := strings.TrimSpace(req.Vehicle); v != "" {
			r.DetectedModel = v
		}
		if req.Year > 0 {
			r.DetectedYear = req.Year
		}
		r.Stage = contact.StageQuoted
		return nil
	})
	if err != nil {
		return sendqueue.Result{}, err
	}

	data := map[string]string{
		"VEICULO":   r.DetectedModel,
		"ANO":       "",
		"VALOR":     req.Value,
		"PAGAMENTO": req.Payment,
	}
	if r.DetectedYear > 0 {
		data["ANO"] = strconv.Itoa(r.DetectedYear)
	}
	text := funnel.Render(q.Template, data)
	if strings.TrimSpace(text) == "" {
		return sendqueue.Result{}, funnel.ErrEmptyMessage
	}
	return b.sendNow(ctx, h, text, sendqueue.KindQuote, "quote_"+key)
}

func (b *Bot) sendNow(ctx context.Context, raw, text string, kind sendqueue.Kind, meta string) (sendqueue.Result, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return sendqueue.Result{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return sendqueue.Result{}, sendqueue.ErrEmptyText
	}
	if b.book.IsBlocked(h) {
		return sendqueue.Result{}, sendqueue.ErrBlocked
	}
	now := b.now()
	if _, err := b.book.Ensure(h, now); err != nil {
		return sendqueue.Result{}, err
	}
	if d := b.gate.Check(h, now); !d.Allowed {
		return sendqueue.Result{}, &DeniedError{Reason: d.Reason}
	}

	// Manual sends are never deduplicated against each other.
	if meta != "" {
		meta += "@"
	}
	meta += strconv.FormatInt(now.UnixNano(), 36)

	done := make(chan sendqueue.Result, 1)
	if _, err := b.queue.Enqueue(sendqueue.Intent{Handle: h, Text: text, Kind: kind, Meta: meta, Done: done}); err != nil {
		return sendqueue.Result{}, err
	}
	select {
	case <-ctx.Done():
		return sendqueue.Result{}, ctx.Err()
	case res := <-done:
		return res, res.Err
	}
}
