package idgen

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 离线小票号在终端本地生成，需要：
//   1. 同一终端内唯一，多终端之间靠 worker ID 区分
//   2. 趋势递增，便于按小票号排查
//
// 【雪花算法结构】64位
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 起始时间戳（2024-01-01 00:00:00 UTC）
	workerIDBits   = 10                   // 机器ID位数
	sequenceBits   = 12                   // 序列号位数
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

// NewSnowflake workerID 取值 0-1023
func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间: %d", maxWorkerID, workerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.timestamp {
		// 时钟回拨时沿用上一次的时间戳
		now = s.timestamp
	}

	if now == s.timestamp {
		// 同一毫秒内，序列号递增
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// ReceiptNo 生成离线小票号
// 格式：OFF + 年月日时分秒 + 雪花ID后8位
// 例如：OFF2026030108000012345678
func (s *Snowflake) ReceiptNo(at time.Time) string {
	id := s.Generate()
	return fmt.Sprintf("OFF%s%08d", at.Format("20060102150405"), id%100000000)
}
