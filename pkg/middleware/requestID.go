package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"tokenex.com/pkg/common"
)

// ReqId 透传客户端的 X-Request-Id，不合法或没带就新生成。
// 同一个 id 重放的写请求由引擎按幂等处理。
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if !common.ValidRequestID(rid) {
			rid = common.NewRequestID()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), common.CtxKeyRequestID, rid))
		c.Next()
	}
}
