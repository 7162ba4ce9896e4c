package common

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"tokenex.com/pkg/logger"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = logger.RequestIdKey

	// 请求 id 会当幂等键进 journal，长度要限制
	MaxRequestIDLen = 64
)

func NewRequestID() string { return uuid.NewString() }

// ValidRequestID 只接受 [A-Za-z0-9._:-]，且不超过 MaxRequestIDLen
func ValidRequestID(rid string) bool {
	if rid == "" || len(rid) > MaxRequestIDLen {
		return false
	}
	for i := 0; i < len(rid); i++ {
		switch b := rid[i]; {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case b == '-', b == '_', b == '.', b == ':':
		default:
			return false
		}
	}
	return true
}

// RequestIDFromGin 没经过 ReqId 中间件时返回空串
func RequestIDFromGin(c *gin.Context) string {
	return c.GetString(CtxKeyRequestID)
}
