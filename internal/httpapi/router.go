package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(s.log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", requireToken(s.cfg.Token))
	api.GET("/bots", s.listBots)
	if src, ok := s.reg.(SchedulerSource); ok {
		api.GET("/scheduler", func(c *gin.Context) {
			c.JSON(http.StatusOK, src.Scheduler().Snapshot())
		})
	}
	if s.cfg.Pprof {
		s.mountPprof(r)
	}

	h := &botHandler{}
	botRouter(api.Group("/bots/:bot", s.withBot), h)
	return r
}

func botRouter(g *gin.RouterGroup, h *botHandler) {
	g.GET("/status", h.Status)
	g.GET("/stats", h.Stats)
	g.POST("/enabled", h.SetEnabled)
	g.GET("/settings", h.Settings)
	g.PATCH("/settings", h.UpdateSettings)
	g.POST("/inbound", h.Inbound)

	g.GET("/contacts", h.Contacts)
	contactRouter(g.Group("/contacts/:handle"), h)
}

func contactRouter(g *gin.RouterGroup, h *botHandler) {
	g.GET("", h.Contact)
	g.PATCH("", h.UpdateContact)
	g.POST("/pause", h.Pause)
	g.POST("/off", h.ManualOff)
	g.POST("/block", h.Block)
	g.DELETE("/block", h.Unblock)
	g.POST("/client", h.Client)
	g.POST("/remove", h.Remove)
	g.POST("/send", h.Send)
	g.POST("/confirm", h.Confirm)
	g.POST("/quote", h.Quote)
	g.POST("/agenda", h.ScheduleAgenda)
	g.DELETE("/agenda", h.CancelAgenda)
	g.POST("/deferred", h.ScheduleDeferred)
	g.DELETE("/deferred", h.CancelDeferred)
}
