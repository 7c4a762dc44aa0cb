package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	logx "funnelbot/pkg/logx"
)

const (
	ctxBot   = "bot"
	ctxReqID = "rid"
)

// requireToken accepts "Authorization: Bearer <token>". An empty token
// disables the check.
func requireToken(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		const p = "Bearer "
		ah := c.GetHeader("Authorization")
		got := strings.TrimSpace(strings.TrimPrefix(ah, p))
		if !strings.HasPrefix(ah, p) || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := ulid.Make().String()
		c.Set(ctxReqID, rid)
		c.Header("X-Request-ID", rid)
		c.Next()

		d := time.Since(start)
		fields := []logx.Field{
			logx.String("rid", rid),
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", d),
		}
		if b := c.Param("bot"); b != "" {
			fields = append(fields, logx.String("bot", b))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Warn("api request failed", append(fields, logx.String("error", c.Errors.String()))...)
		case d >= time.Second:
			log.Info("api request", fields...)
		default:
			log.Debug("api request", fields...)
		}
	}
}

// withBot resolves :bot or answers 404.
func (s *Server) withBot(c *gin.Context) {
	b, ok := s.reg.Bot(c.Param("bot"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		return
	}
	c.Set(ctxBot, b)
	c.Next()
}
