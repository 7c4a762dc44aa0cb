package httpapi

import (
	hpprof "net/http/pprof"
	"runtime"

	"github.com/gin-gonic/gin"

	logx "funnelbot/pkg/logx"
)

// ProfileRates are applied process-wide when profiling is mounted.
// Zero keeps the Go default.
type ProfileRates struct {
	MutexFraction int
	BlockRate     int
	MemRate       int
}

func applyProfileRates(r ProfileRates) {
	if r.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(r.MutexFraction)
	}
	if r.BlockRate > 0 {
		runtime.SetBlockProfileRate(r.BlockRate)
	}
	if r.MemRate > 0 {
		runtime.MemProfileRate = r.MemRate
	}
}

// mountPprof serves net/http/pprof under /debug/pprof behind the API token.
func (s *Server) mountPprof(r *gin.Engine) {
	applyProfileRates(s.cfg.Profile)
	g := r.Group("/debug/pprof", requireToken(s.cfg.Token))
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	// Named profiles (heap, goroutine, allocs, block, mutex, threadcreate).
	g.GET("/:name", func(c *gin.Context) {
		hpprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
	})
	s.log.Info("pprof mounted", logx.String("prefix", "/debug/pprof/"))
}
