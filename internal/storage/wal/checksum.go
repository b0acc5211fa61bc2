package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Type + BoxID + Seq + Timestamp + Payload
// Payload 會影響重放結果，所以必須納入校驗
func CalculateChecksum(e Event) uint32 {
	var nums [24]byte
	binary.LittleEndian.PutUint64(nums[0:8], uint64(e.BoxID))
	binary.LittleEndian.PutUint64(nums[8:16], e.Seq)
	binary.LittleEndian.PutUint64(nums[16:24], uint64(e.Timestamp))

	h := crc32.NewIEEE()
	h.Write([]byte(e.Type))
	h.Write(nums[:])
	h.Write(e.Payload)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
