package util

import (
	"context"
	"time"
)

// Sleep 可中断的定时等待
// 返回 true 表示等待完成，false 表示等待期间停机信号已触发
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
