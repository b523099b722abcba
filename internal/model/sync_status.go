package model

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEnum 枚举值不在允许范围内（写入和读取时都会校验）
var ErrInvalidEnum = errors.New("非法枚举值")

// MaxSyncAttempts 自动重试上限，达到后记录不再被自动选中
const MaxSyncAttempts = 5

// ============================================================================
// 同步状态
// ============================================================================

type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusSyncing  SyncStatus = "SYNCING"
	SyncStatusSynced   SyncStatus = "SYNCED"
	SyncStatusFailed   SyncStatus = "FAILED"
	SyncStatusConflict SyncStatus = "CONFLICT"
)

// ValidSyncTransitions 同步状态机
//
//	PENDING -> SYNCING -> SYNCED | FAILED | CONFLICT
//	FAILED  -> SYNCING（仅当 sync_attempts < MaxSyncAttempts）
//
// SYNCED、CONFLICT 没有出边
var ValidSyncTransitions = map[SyncStatus][]SyncStatus{
	SyncStatusPending: {SyncStatusSyncing},
	SyncStatusFailed:  {SyncStatusSyncing},
	SyncStatusSyncing: {SyncStatusSynced, SyncStatusFailed, SyncStatusConflict},
}

func CanTransitionTo(current, target SyncStatus) bool {
	for _, s := range ValidSyncTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSyncing, SyncStatusSynced, SyncStatusFailed, SyncStatusConflict:
		return true
	}
	return false
}

func (s SyncStatus) String() string {
	return string(s)
}

// ParseSyncStatus 解析外部输入，大小写不敏感
func ParseSyncStatus(v string) (SyncStatus, error) {
	s := SyncStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: sync_status=%q", ErrInvalidEnum, v)
	}
	return s, nil
}

func (s SyncStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: sync_status=%q", ErrInvalidEnum, string(s))
	}
	return string(s), nil
}

func (s *SyncStatus) Scan(src interface{}) error {
	v, err := scanEnum(src)
	if err != nil {
		return err
	}
	parsed := SyncStatus(v)
	if !parsed.Valid() {
		return fmt.Errorf("%w: sync_status=%q", ErrInvalidEnum, v)
	}
	*s = parsed
	return nil
}

// ============================================================================
// 优先级
// ============================================================================

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Priorities 按 rank 升序
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Rank HIGH=1, MEDIUM=2, LOW=3，非法值返回 0
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 0
}

func (p Priority) Valid() bool {
	return p.Rank() > 0
}

func (p Priority) String() string {
	return string(p)
}

func ParsePriority(v string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(v)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: priority=%q", ErrInvalidEnum, v)
	}
	return p, nil
}

func (p Priority) Value() (driver.Value, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: priority=%q", ErrInvalidEnum, string(p))
	}
	return string(p), nil
}

func (p *Priority) Scan(src interface{}) error {
	v, err := scanEnum(src)
	if err != nil {
		return err
	}
	parsed := Priority(v)
	if !parsed.Valid() {
		return fmt.Errorf("%w: priority=%q", ErrInvalidEnum, v)
	}
	*p = parsed
	return nil
}

// ============================================================================
// 支付方式
// ============================================================================

type PaymentMethod string

const (
	PaymentMethodCash    PaymentMethod = "CASH"
	PaymentMethodCard    PaymentMethod = "CARD"
	PaymentMethodEWallet PaymentMethod = "E_WALLET"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodEWallet:
		return true
	}
	return false
}

func (m PaymentMethod) String() string {
	return string(m)
}

// ParsePaymentMethod 兼容 "e-wallet" 写法
func ParsePaymentMethod(v string) (PaymentMethod, error) {
	norm := strings.ToUpper(strings.TrimSpace(v))
	norm = strings.ReplaceAll(norm, "-", "_")
	m := PaymentMethod(norm)
	if !m.Valid() {
		return "", fmt.Errorf("%w: payment_method=%q", ErrInvalidEnum, v)
	}
	return m, nil
}

func (m PaymentMethod) Value() (driver.Value, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: payment_method=%q", ErrInvalidEnum, string(m))
	}
	return string(m), nil
}

func (m *PaymentMethod) Scan(src interface{}) error {
	v, err := scanEnum(src)
	if err != nil {
		return err
	}
	parsed := PaymentMethod(v)
	if !parsed.Valid() {
		return fmt.Errorf("%w: payment_method=%q", ErrInvalidEnum, v)
	}
	*m = parsed
	return nil
}

func scanEnum(src interface{}) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("%w: NULL", ErrInvalidEnum)
	}
	return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidEnum, src)
}
