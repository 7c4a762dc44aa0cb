package httpapi

import (
	"context"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"funnelbot/internal/contact"
	"funnelbot/internal/engage"
	"funnelbot/internal/sendqueue"
	"funnelbot/internal/transport"
)

const sendTimeout = 90 * time.Second

func (s *Server) listBots(c *gin.Context) {
	bots := s.reg.Bots()
	out := make([]BotSummary, 0, len(bots))
	for _, b := range bots {
		out = append(out, BotSummary{Status: b.Status(), Location: b.Location().String()})
	}
	c.JSON(http.StatusOK, gin.H{"bots": out})
}

// botHandler serves the per-bot routes; the bot is resolved by withBot.
type botHandler struct{}

func botOf(c *gin.Context) *engage.Bot { return c.MustGet(ctxBot).(*engage.Bot) }

func (h *botHandler) Status(c *gin.Context) { c.JSON(http.StatusOK, botOf(c).Status()) }

func (h *botHandler) Stats(c *gin.Context) { c.JSON(http.StatusOK, botOf(c).Stats()) }

func (h *botHandler) Settings(c *gin.Context) { c.JSON(http.StatusOK, botOf(c).Settings()) }

func (h *botHandler) SetEnabled(c *gin.Context) {
	var req EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b := botOf(c)
	if err := b.SetEnabled(c.Request.Context(), *req.Enabled); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b.Status())
}

func (h *botHandler) UpdateSettings(c *gin.Context) {
	var patch engage.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	s, err := botOf(c).UpdateSettings(c.Request.Context(), patch)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *botHandler) Inbound(c *gin.Context) {
	var req InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	in := transport.Inbound{Handle: req.Handle, Name: req.Name, Text: req.Text, At: req.At, FromSelf: req.FromSelf}
	if err := botOf(c).HandleInbound(c.Request.Context(), in); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Contacts lists records ordered by handle. Filters: stage, client,
// blocked. Paging: offset, limit.
func (h *botHandler) Contacts(c *gin.Context) {
	all := botOf(c).Contacts()
	stage := strings.TrimSpace(c.Query("stage"))
	if stage != "" {
		if _, err := contact.ParseStage(stage); err != nil {
			fail(c, err)
			return
		}
	}
	keep := all[:0:0]
	for _, r := range all {
		if stage != "" && string(r.Stage) != strings.ToLower(stage) {
			continue
		}
		if v, ok := boolQuery(c, "client"); ok && r.IsClient != v {
			continue
		}
		if v, ok := boolQuery(c, "blocked"); ok && r.Blocked != v {
			continue
		}
		keep = append(keep, r)
	}
	total := len(keep)
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if offset > 0 {
		keep = keep[min(offset, len(keep)):]
	}
	if limit > 0 && limit < len(keep) {
		keep = keep[:limit]
	}
	c.JSON(http.StatusOK, ContactsResponse{Contacts: keep, Total: total})
}

func boolQuery(c *gin.Context, key string) (bool, bool) {
	raw, ok := c.GetQuery(key)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	return v, err == nil
}

func (h *botHandler) Contact(c *gin.Context) {
	d, err := botOf(c).Contact(c.Param("handle"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *botHandler) UpdateContact(c *gin.Context) {
	var patch contact.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	r, err := botOf(c).UpdateContact(c.Param("handle"), patch)
	record(c, r, err)
}

func record(c *gin.Context, r *contact.Record, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// bindOptional binds a body when there is one.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func (h *botHandler) Pause(c *gin.Context) {
	var req DurationRequest
	if !bindOptional(c, &req) {
		return
	}
	r, err := botOf(c).Pause(c.Param("handle"), req.Duration.D())
	record(c, r, err)
}

func (h *botHandler) ManualOff(c *gin.Context) {
	var req DurationRequest
	if !bindOptional(c, &req) {
		return
	}
	r, err := botOf(c).ManualOff(c.Param("handle"), req.Duration.D())
	record(c, r, err)
}

func (h *botHandler) Block(c *gin.Context) {
	var req BlockRequest
	if !bindOptional(c, &req) {
		return
	}
	r, err := botOf(c).Block(c.Param("handle"), req.Reason)
	record(c, r, err)
}

func (h *botHandler) Unblock(c *gin.Context) {
	r, err := botOf(c).Unblock(c.Param("handle"))
	record(c, r, err)
}

func (h *botHandler) Client(c *gin.Context) {
	r, err := botOf(c).MarkAsClient(c.Param("handle"))
	record(c, r, err)
}

func (h *botHandler) Remove(c *gin.Context) {
	r, err := botOf(c).RemoveFromFunnel(c.Param("handle"))
	record(c, r, err)
}

func sent(c *gin.Context, res sendqueue.Result, err error) {
	if err != nil {
		failSend(c, err)
		return
	}
	c.JSON(http.StatusOK, SendResponse{ID: res.Intent.ID, Handle: res.Intent.Handle, SentAt: res.SentAt})
}

func (h *botHandler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), sendTimeout)
	defer cancel()
	res, err := botOf(c).SendImmediate(ctx, c.Param("handle"), req.Text)
	sent(c, res, err)
}

func (h *botHandler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if !bindOptional(c, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), sendTimeout)
	defer cancel()
	res, err := botOf(c).SendConfirm(ctx, c.Param("handle"), req.Data)
	sent(c, res, err)
}

func (h *botHandler) Quote(c *gin.Context) {
	var req engage.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), sendTimeout)
	defer cancel()
	res, err := botOf(c).SendQuote(ctx, c.Param("handle"), req)
	sent(c, res, err)
}

func (h *botHandler) ScheduleAgenda(c *gin.Context) {
	var req AgendaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.At.IsZero() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "at is required"})
		return
	}
	b := botOf(c)
	local := req.At.In(b.Location())
	data := map[string]string{"DATA": local.Format("02/01/2006"), "HORA": local.Format("15:04")}
	maps.Copy(data, req.Data)
	es, err := b.ScheduleAgenda(c.Param("handle"), req.At, data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entries": es})
}

func (h *botHandler) CancelAgenda(c *gin.Context) {
	n, err := botOf(c).CancelAgenda(c.Param("handle"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (h *botHandler) ScheduleDeferred(c *gin.Context) {
	var req DeferredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.At.IsZero() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "at is required"})
		return
	}
	j, err := botOf(c).ScheduleDeferredStart(c.Param("handle"), req.At, req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (h *botHandler) CancelDeferred(c *gin.Context) {
	ok, err := botOf(c).CancelDeferredStart(c.Param("handle"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}
