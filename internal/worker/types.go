package worker

import (
	"context"
	"time"

	"github.com/frommybrain/fatebox/pkg/types"
)

// Task 代表要執行的盒子流程
type Task struct {
	ID      types.BoxID                     // 盒子 ID
	Run     func(ctx context.Context) error // 流程本體，ctx 在 Pool 停止或逾時時取消
	Timeout time.Duration                   // 執行超時時間，0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	BoxID    types.BoxID   // 盒子 ID
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
