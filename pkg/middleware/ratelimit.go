package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/notehub/pkg/ratelimit"
	"go.uber.org/zap"
)

// レート制限の標準レスポンスヘッダー。
const (
	headerRateLimitLimit     = "RateLimit-Limit"
	headerRateLimitRemaining = "RateLimit-Remaining"
	headerRateLimitReset     = "RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// storeOutageRetryAfter はカウンターストア障害で拒否したときに返すRetry-After。
const storeOutageRetryAfter = 30 * time.Second

// RateLimit はクライアントIPをキーとしてレート制限を行うGinミドルウェアを返す。
// 上限を超えた場合は429とdeniedMessageを返す。カウンターストア障害で
// fail-closedポリシーが拒否した場合（ratelimit.ErrStoreUnavailable）は503とRetry-Afterを返す。
func RateLimit(limiter *ratelimit.Limiter, deniedMessage string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		decision, err := limiter.Allow(c.Request.Context(), clientIP)
		if err != nil {
			_ = c.Error(err)
			c.Header(headerRetryAfter, strconv.FormatInt(ceilSeconds(storeOutageRetryAfter), 10))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "Service temporarily unavailable.",
			})
			return
		}

		if !decision.Degraded {
			setRateLimitHeaders(c, decision)
		}

		if !decision.Allowed {
			logger.Warn("レート制限を超過",
				zap.String("class", limiter.Policy().Class),
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
			)
			c.Header(headerRetryAfter, strconv.FormatInt(ceilSeconds(decision.RetryAfter), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": deniedMessage,
			})
			return
		}

		c.Next()
	}
}

// setRateLimitHeaders は残りの割り当てとリセットまでの秒数をヘッダーに設定する。
func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header(headerRateLimitLimit, strconv.FormatInt(d.Limit, 10))
	c.Header(headerRateLimitRemaining, strconv.FormatInt(d.Remaining, 10))
	c.Header(headerRateLimitReset, strconv.FormatInt(ceilSeconds(d.ResetAfter), 10))
}

// ceilSeconds は期間を秒に切り上げる。負の値は0とする。
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
