package service

import (
	"context"
	"fmt"

	"posqueue/internal/model"
	"posqueue/internal/repository"

	"gorm.io/gorm"
)

type SelectionMode int

const (
	// ModeImmediate 不过滤优先级，取全局排序最靠前的记录
	ModeImmediate SelectionMode = iota
	// ModePriority 只取指定优先级，未指定时为 HIGH
	ModePriority
	// ModePeriodic 与 ModeImmediate 排序相同
	ModePeriodic
)

func (m SelectionMode) String() string {
	switch m {
	case ModeImmediate:
		return "immediate"
	case ModePriority:
		return "priority"
	case ModePeriodic:
		return "periodic"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// BatchSelector 选出下一批待同步记录
//
// 只返回 PENDING 和未达重试上限的 FAILED，按优先级升序、采集时间升序排列
type BatchSelector struct {
	txRepo *repository.TransactionRepository
}

func NewBatchSelector(db *gorm.DB) *BatchSelector {
	return &BatchSelector{txRepo: repository.NewTransactionRepository(db)}
}

func (s *BatchSelector) Select(ctx context.Context, mode SelectionMode, priority *model.Priority, batchSize int) ([]*model.TransactionRecord, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size 必须为正数: %d", batchSize)
	}

	var filter *model.Priority
	if mode == ModePriority {
		tier := model.PriorityHigh
		if priority != nil {
			if !priority.Valid() {
				return nil, fmt.Errorf("%w: priority=%q", model.ErrInvalidEnum, *priority)
			}
			tier = *priority
		}
		filter = &tier
	}

	records, err := s.txRepo.NextBatch(ctx, filter, batchSize)
	if err != nil {
		return nil, storeError(err)
	}
	return records, nil
}

// HasEligible 是否存在可同步记录
func (s *BatchSelector) HasEligible(ctx context.Context) (bool, error) {
	n, err := s.txRepo.CountEligible(ctx)
	if err != nil {
		return false, storeError(err)
	}
	return n > 0, nil
}
