package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 讀取、驗證與診斷功能
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭到尾掃描並驗證每個事件；檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// ReadAll 讀取 WAL 中的所有事件
func ReadAll(path string) ([]Event, error) {
	var events []Event
	err := replayFile(path, func(e Event) error {
		events = append(events, e)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return events, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 從 1 開始連續且無重複
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, func(e Event) error {
		if e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrSeqGap, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
}

// GetWALStats 取得 WAL 的統計資訊，檔案不存在時回傳空統計
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	events, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	for i, e := range events {
		if i == 0 {
			stats.FirstSeq = e.Seq
		}
		stats.LastSeq = e.Seq
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
	}
	return stats, nil
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] REGISTER box=1 at 2025-01-01T00:00:00Z {"owner":...}
func DumpWAL(path string, w io.Writer) error {
	return replayFile(path, func(e Event) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %s box=%d at %s %s\n",
			e.Seq, e.Type, e.BoxID,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
			string(e.Payload))
		return err
	})
}
