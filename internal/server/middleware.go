package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/auditcontext"
	"go.uber.org/zap"
)

const (
	HeaderActorID     = "X-Actor-ID"
	contextActorIDKey = "actor_id"
)

// ActorContext attaches the calling user, when the gateway in front of the API
// forwards one, to the request for audit entries.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actorID != "" {
			c.Set(contextActorIDKey, actorID)
			ctx := auditcontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeUser), actorID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

func actorIDFrom(c *gin.Context) *string {
	value := strings.TrimSpace(c.GetString(contextActorIDKey))
	if value == "" {
		return nil
	}
	return &value
}

// WebhookRateLimit sheds webhook bursts per provider through the shared Redis
// bucket. Limiter failures let the request through.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.guard.Enabled() {
			c.Next()
			return
		}
		provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
		result, err := s.guard.AllowWebhook(c.Request.Context(), provider)
		if err != nil {
			s.log.Warn("webhook rate limiter unavailable", zap.String("provider", provider), zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
			}
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
