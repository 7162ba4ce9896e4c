package safe

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"go.uber.org/zap"
	"tokenex.com/pkg/logger"
)

// Go 启动带 panic 兜底的协程
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx 同 Go，ctx 里的 request_id/trace_id 会带进 panic 日志
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer Recover(ctx, "goroutine")
		fn(ctx)
	}()
}

// Recover 必须直接 defer 调用
func Recover(ctx context.Context, where string) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "panic recovered",
			zap.String("where", where),
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Fprintf(os.Stderr, "panic in %s: %v\n%s\n", where, r, stack)
}
