package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"tokenex.com/internal/api/auth"
	"tokenex.com/pkg/common"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/xerr"
	"tokenex.com/pkg/xredis"
)

const idempotencyTTL = 24 * time.Hour

func idempotencyKey(account, requestID string) string {
	return fmt.Sprintf("idempotent:%s:%s", account, requestID)
}

// Idempotent 同一账户同一 X-Request-Id 的写请求 24h 内只执行一次。
// 没带合法 X-Request-Id 的请求不做去重。redis 出错时 strict 返回 503，否则放行。
// 5xx 说明命令没执行，删掉 key 允许重试。
func Idempotent(rdb redis.Cmdable, strict bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		account, ok := auth.Account(c)
		if rdb == nil || !common.ValidRequestID(rid) || !ok {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := idempotencyKey(account.Hex(), rid)
		first, err := xredis.ClaimOnce(ctx, rdb, key, idempotencyTTL)
		if err != nil {
			logger.Warn(ctx, "idempotency claim failed", zap.String("key", key), zap.Bool("strict", strict), zap.Error(err))
			if strict {
				common.FailErr(c, xerr.NewErrCode(xerr.ServiceUnavailable))
				c.Abort()
				return
			}
			c.Next()
			return
		}
		if !first {
			common.FailErr(c, xerr.NewErrCode(xerr.DuplicateRequest))
			c.Abort()
			return
		}
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			if err := rdb.Del(ctx, key).Err(); err != nil {
				logger.Warn(ctx, "idempotency release failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}
