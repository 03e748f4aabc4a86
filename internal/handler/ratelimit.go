package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mediagrab/pkg/logger"
)

// CreateLimiter throttles job creation across all clients.
type CreateLimiter struct {
	limiter *rate.Limiter
}

// NewCreateLimiter allows rpm creations per minute with the given burst.
// rpm <= 0 disables the limit.
func NewCreateLimiter(rpm, burst int) *CreateLimiter {
	limit, b := createLimit(rpm, burst)
	return &CreateLimiter{limiter: rate.NewLimiter(limit, b)}
}

// Set changes the limit in place, e.g. after a config reload.
func (l *CreateLimiter) Set(rpm, burst int) {
	limit, b := createLimit(rpm, burst)
	l.limiter.SetLimit(limit)
	l.limiter.SetBurst(b)
}

func createLimit(rpm, burst int) (rate.Limit, int) {
	if rpm <= 0 {
		return rate.Inf, 1
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.Limit(float64(rpm) / 60.0), burst
}

// Middleware rejects requests over the limit with 429.
func (l *CreateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.limiter.Allow() {
			logger.Warnf("🚦 Job creation rate limited (%s)", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests, try again later"})
			return
		}
		c.Next()
	}
}
