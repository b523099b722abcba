package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"posqueue/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrRecordNotFound    = errors.New("交易记录不存在")
	ErrInvalidTransition = errors.New("同步状态流转不合法")
	ErrConcurrentUpdate  = errors.New("记录被并发修改")
	ErrDuplicateRecord   = errors.New("交易记录已存在")
	ErrStaleWrite        = errors.New("updated_at 未前进，拒绝覆盖")
)

// upsertColumns 覆盖写入时可修改的业务列；
// id、created_at 和同步状态相关的列只能由采集和状态机修改
var upsertColumns = []string{
	"store_id", "user_id", "shift_id", "customer_id", "device_id", "receipt_number",
	"items", "subtotal", "tax", "discount", "discount_type", "discount_id_number",
	"total", "amount_tendered", "change", "payment_method", "payment_details",
	"order_type", "delivery_platform", "delivery_order_number", "network_quality",
	"priority", "updated_at",
}

// maxTransitionRetries 比较更新失败后重新读取记录的次数
const maxTransitionRetries = 3

// 调度排序：HIGH=1, MEDIUM=2, LOW=3，同级按采集时间升序
const priorityOrder = "CASE priority WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 ELSE 3 END ASC, created_at ASC, id ASC"

// eligibleCond PENDING 或未达重试上限的 FAILED
const eligibleCond = "(sync_status = ? OR (sync_status = ? AND sync_attempts < ?))"

type SortOrder int

const (
	OrderCreatedAsc SortOrder = iota
	OrderCreatedDesc
	OrderTotalAsc
	OrderTotalDesc
	OrderPriority
)

func (o SortOrder) clause() string {
	switch o {
	case OrderCreatedDesc:
		return "created_at DESC, id DESC"
	case OrderTotalAsc:
		return "total ASC, created_at ASC"
	case OrderTotalDesc:
		return "total DESC, created_at ASC"
	case OrderPriority:
		return priorityOrder
	}
	return "created_at ASC, id ASC"
}

// ParseSortOrder created_asc | created_desc | total_asc | total_desc | priority，空字符串为 created_asc
func ParseSortOrder(v string) (SortOrder, error) {
	switch v {
	case "", "created_asc":
		return OrderCreatedAsc, nil
	case "created_desc":
		return OrderCreatedDesc, nil
	case "total_asc":
		return OrderTotalAsc, nil
	case "total_desc":
		return OrderTotalDesc, nil
	case "priority":
		return OrderPriority, nil
	}
	return OrderCreatedAsc, fmt.Errorf("未知的排序方式: %q", v)
}

// ListOptions 查询的排序与分页，Limit <= 0 表示不限制
type ListOptions struct {
	Order  SortOrder
	Limit  int
	Offset int
}

func (o ListOptions) apply(q *gorm.DB) *gorm.DB {
	q = q.Order(o.Order.clause())
	if o.Limit > 0 {
		q = q.Limit(o.Limit)
	}
	if o.Offset > 0 {
		q = q.Offset(o.Offset)
	}
	return q
}

// MutateFunc 在流转时修改记录副本上的同步字段
type MutateFunc func(rec *model.TransactionRecord)

// AfterFunc 在流转所在的数据库事务内执行，返回错误会回滚整个流转
type AfterFunc func(tx *gorm.DB, rec *model.TransactionRecord) error

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) DB() *gorm.DB {
	return r.db
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord) error {
	if tx == nil {
		tx = r.db
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	err := tx.WithContext(ctx).Create(rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: id=%s receipt=%s", ErrDuplicateRecord, rec.ID, rec.ReceiptNumber)
	}
	return err
}

// Upsert 按 id 写入记录。记录不存在时整条插入；已存在时只覆盖业务列，
// 新的 updated_at 必须晚于库中的值，version 加一
func (r *TransactionRepository) Upsert(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord) error {
	if tx == nil {
		tx = r.db
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	err := tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.TransactionRecord{}).
			Where("id = ? AND updated_at < ?", rec.ID, rec.UpdatedAt).
			Select(upsertColumns).
			Updates(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return tx.Model(&model.TransactionRecord{}).
				Where("id = ?", rec.ID).
				UpdateColumn("version", gorm.Expr("version + 1")).Error
		}

		var n int64
		if err := tx.Model(&model.TransactionRecord{}).Where("id = ?", rec.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: id=%s updated_at=%s", ErrStaleWrite, rec.ID, rec.UpdatedAt.Format(time.RFC3339Nano))
		}
		return tx.Create(rec).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: receipt=%s", ErrDuplicateRecord, rec.ReceiptNumber)
	}
	return err
}

// Delete 按 id 删除，返回是否删除了记录
func (r *TransactionRepository) Delete(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.TransactionRecord{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*model.TransactionRecord, error) {
	return r.first(ctx, r.db, "id = ?", id)
}

func (r *TransactionRepository) GetByReceiptNumber(ctx context.Context, receiptNo string) (*model.TransactionRecord, error) {
	return r.first(ctx, r.db, "receipt_number = ?", receiptNo)
}

func (r *TransactionRepository) first(ctx context.Context, db *gorm.DB, query string, args ...interface{}) (*model.TransactionRecord, error) {
	var rec model.TransactionRecord
	err := db.WithContext(ctx).Where(query, args...).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *TransactionRepository) list(ctx context.Context, opts ListOptions, query string, args ...interface{}) ([]*model.TransactionRecord, error) {
	var records []*model.TransactionRecord
	q := r.db.WithContext(ctx).Model(&model.TransactionRecord{})
	if query != "" {
		q = q.Where(query, args...)
	}
	err := opts.apply(q).Find(&records).Error
	return records, err
}

func (r *TransactionRepository) ListAll(ctx context.Context, opts ListOptions) ([]*model.TransactionRecord, error) {
	return r.list(ctx, opts, "")
}

func (r *TransactionRepository) ListByStore(ctx context.Context, storeID string, opts ListOptions) ([]*model.TransactionRecord, error) {
	return r.list(ctx, opts, "store_id = ?", storeID)
}

// ListByStatusAndPriority priority 为空时只按状态过滤
func (r *TransactionRepository) ListByStatusAndPriority(ctx context.Context, status model.SyncStatus, priority model.Priority, opts ListOptions) ([]*model.TransactionRecord, error) {
	if priority == "" {
		return r.list(ctx, opts, "sync_status = ?", status)
	}
	return r.list(ctx, opts, "sync_status = ? AND priority = ?", status, priority)
}

// ListByDateRange 采集时间落在 [from, to) 内
func (r *TransactionRepository) ListByDateRange(ctx context.Context, from, to time.Time, opts ListOptions) ([]*model.TransactionRecord, error) {
	return r.list(ctx, opts, "created_at >= ? AND created_at < ?", from.UTC(), to.UTC())
}

// ListByAmountRange total 落在 [min, max] 内
func (r *TransactionRepository) ListByAmountRange(ctx context.Context, min, max decimal.Decimal, opts ListOptions) ([]*model.TransactionRecord, error) {
	return r.list(ctx, opts, "total >= ? AND total <= ?", min, max)
}

func (r *TransactionRepository) ListByPaymentMethod(ctx context.Context, method model.PaymentMethod, opts ListOptions) ([]*model.TransactionRecord, error) {
	return r.list(ctx, opts, "payment_method = ?", method)
}

func (r *TransactionRepository) ListByCustomer(ctx context.Context, customerID string, opts ListOptions) ([]*model.TransactionRecord, error) {
	return r.list(ctx, opts, "customer_id = ?", customerID)
}

// NextBatch 按调度顺序取可同步记录，priority 为 nil 时不过滤优先级
func (r *TransactionRepository) NextBatch(ctx context.Context, priority *model.Priority, limit int) ([]*model.TransactionRecord, error) {
	var records []*model.TransactionRecord
	q := r.db.WithContext(ctx).
		Where(eligibleCond, model.SyncStatusPending, model.SyncStatusFailed, model.MaxSyncAttempts)
	if priority != nil {
		q = q.Where("priority = ?", *priority)
	}
	err := q.Order(priorityOrder).
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CountEligible 可被自动选中的记录数
func (r *TransactionRepository) CountEligible(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where(eligibleCond, model.SyncStatusPending, model.SyncStatusFailed, model.MaxSyncAttempts).
		Count(&count).Error
	return count, err
}

// CountActive 未同步成功的记录数，用于队列容量限制
func (r *TransactionRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("sync_status <> ?", model.SyncStatusSynced).
		Count(&count).Error
	return count, err
}

// ListStaleSyncing 查询 updated_at 早于 before 仍处于 SYNCING 的记录
func (r *TransactionRepository) ListStaleSyncing(ctx context.Context, before time.Time, limit int) ([]*model.TransactionRecord, error) {
	var records []*model.TransactionRecord
	err := r.db.WithContext(ctx).
		Where("sync_status = ? AND updated_at < ?", model.SyncStatusSyncing, before.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Transition 对单条记录做原子的比较并流转
//
// 1. 读取记录并校验流转是否合法
// 2. 以 (id, sync_status, version) 为条件更新同步字段
// 3. 条件未命中说明被并发修改，重新读取后再校验，此时通常会得到 ErrInvalidTransition
//
// after 与更新在同一个事务内执行
func (r *TransactionRepository) Transition(ctx context.Context, id string, target model.SyncStatus, now time.Time, mutate MutateFunc, after AfterFunc) (*model.TransactionRecord, error) {
	for i := 0; i < maxTransitionRetries; i++ {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := current.CheckTransition(target); err != nil {
			return nil, fmt.Errorf("%w: record=%s: %w", ErrInvalidTransition, id, err)
		}

		next := *current
		next.SyncStatus = target
		next.Version = current.Version + 1
		next.UpdatedAt = NextUpdatedAt(current.UpdatedAt, now)
		if mutate != nil {
			mutate(&next)
		}

		applied := false
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&model.TransactionRecord{}).
				Where("id = ? AND sync_status = ? AND version = ?", id, current.SyncStatus, current.Version).
				Updates(syncColumns(&next))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			applied = true
			if after != nil {
				return after(tx, &next)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if applied {
			return &next, nil
		}
	}
	return nil, fmt.Errorf("%w: record=%s", ErrConcurrentUpdate, id)
}

func syncColumns(rec *model.TransactionRecord) map[string]interface{} {
	return map[string]interface{}{
		"sync_status":           rec.SyncStatus,
		"sync_attempts":         rec.SyncAttempts,
		"last_sync_attempt":     rec.LastSyncAttempt,
		"sync_error":            rec.SyncError,
		"conflict_payload":      rec.ConflictPayload,
		"server_transaction_id": rec.ServerTransactionID,
		"version":               rec.Version,
		"updated_at":            rec.UpdatedAt,
	}
}

// NextUpdatedAt 保证 updated_at 严格递增（毫秒精度，兼容 MySQL datetime(3)）
func NextUpdatedAt(prev, now time.Time) time.Time {
	stamp := now.UTC().Truncate(time.Millisecond)
	if !stamp.After(prev) {
		stamp = prev.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return stamp
}

// DeleteSyncedBefore 删除采集时间早于 cutoff 的 SYNCED 记录
func (r *TransactionRepository) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("sync_status = ? AND created_at < ?", model.SyncStatusSynced, cutoff.UTC()).
		Delete(&model.TransactionRecord{})
	return result.RowsAffected, result.Error
}

// DeleteExhaustedFailedBefore 删除达到重试上限且采集时间早于 cutoff 的 FAILED 记录
func (r *TransactionRepository) DeleteExhaustedFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("sync_status = ? AND sync_attempts >= ? AND created_at < ?",
			model.SyncStatusFailed, model.MaxSyncAttempts, cutoff.UTC()).
		Delete(&model.TransactionRecord{})
	return result.RowsAffected, result.Error
}

// ============================================================================
// 统计查询
// ============================================================================

type statusCount struct {
	SyncStatus model.SyncStatus
	Count      int64
}

type priorityCount struct {
	Priority model.Priority
	Count    int64
}

// CountByStatus 各状态的记录数，没有记录的状态不出现在结果中
func (r *TransactionRepository) CountByStatus(ctx context.Context) (map[model.SyncStatus]int64, error) {
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Select("sync_status, COUNT(*) AS count").
		Group("sync_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.SyncStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.SyncStatus] = row.Count
	}
	return counts, nil
}

// CountPendingByPriority PENDING 记录按优先级计数
func (r *TransactionRepository) CountPendingByPriority(ctx context.Context) (map[model.Priority]int64, error) {
	var rows []priorityCount
	err := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Select("priority, COUNT(*) AS count").
		Where("sync_status = ?", model.SyncStatusPending).
		Group("priority").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.Priority]int64, len(rows))
	for _, row := range rows {
		counts[row.Priority] = row.Count
	}
	return counts, nil
}

// CountRetryExhausted 达到重试上限的 FAILED 记录数
func (r *TransactionRepository) CountRetryExhausted(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("sync_status = ? AND sync_attempts >= ?", model.SyncStatusFailed, model.MaxSyncAttempts).
		Count(&count).Error
	return count, err
}

// SumTotal 对满足条件的 total 求和，在 Go 侧用 decimal 累加避免浮点误差
func (r *TransactionRepository) SumTotal(ctx context.Context, query string, args ...interface{}) (decimal.Decimal, error) {
	var totals []decimal.Decimal
	err := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where(query, args...).
		Pluck("total", &totals).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, t := range totals {
		sum = sum.Add(t)
	}
	return sum, nil
}

// PendingTotal PENDING 记录金额合计
func (r *TransactionRepository) PendingTotal(ctx context.Context) (decimal.Decimal, error) {
	return r.SumTotal(ctx, "sync_status = ?", model.SyncStatusPending)
}

// SyncedTotalSince since 之后同步成功的记录金额合计（按 updated_at）
func (r *TransactionRepository) SyncedTotalSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	return r.SumTotal(ctx, "sync_status = ? AND updated_at >= ?", model.SyncStatusSynced, since.UTC())
}

// PendingTimeRange 最早和最晚的 PENDING 采集时间，没有记录时返回 nil
func (r *TransactionRepository) PendingTimeRange(ctx context.Context) (oldest, newest *time.Time, err error) {
	if oldest, err = r.pendingEdge(ctx, "created_at ASC"); err != nil {
		return nil, nil, err
	}
	if newest, err = r.pendingEdge(ctx, "created_at DESC"); err != nil {
		return nil, nil, err
	}
	return oldest, newest, nil
}

func (r *TransactionRepository) pendingEdge(ctx context.Context, order string) (*time.Time, error) {
	var stamps []time.Time
	err := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("sync_status = ?", model.SyncStatusPending).
		Order(order).
		Limit(1).
		Pluck("created_at", &stamps).Error
	if err != nil || len(stamps) == 0 {
		return nil, err
	}
	t := stamps[0].UTC()
	return &t, nil
}

// EligibleItemCount 可同步记录数和明细行总数，用于估算同步耗时
func (r *TransactionRepository) EligibleItemCount(ctx context.Context) (records, items int64, err error) {
	var rows []model.TransactionRecord
	err = r.db.WithContext(ctx).
		Select("id", "items").
		Where(eligibleCond, model.SyncStatusPending, model.SyncStatusFailed, model.MaxSyncAttempts).
		Find(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	for i := range rows {
		items += int64(len(rows[i].LineItems()))
	}
	return int64(len(rows)), items, nil
}
