package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"posqueue/internal/model"
	"posqueue/internal/submitter"
)

// BatchResult 一批记录的同步结果
type BatchResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
}

// AllFailed 至少尝试了一条且全部失败
func (r BatchResult) AllFailed() bool {
	return r.Attempted > 0 && r.Synced == 0 && r.Failed == r.Attempted
}

// Progress 单条记录处理完成后的进度
type Progress struct {
	Current  int
	Total    int
	RecordID string
	Outcome  string
}

type ProgressFunc func(Progress)

// SyncEngine 逐条提交一批记录并落地结果
//
// 同一批内严格串行；单条失败不会中断整批。
// 只有存储不可用才会提前返回，已处理的记录结果保留。
type SyncEngine struct {
	machine   *StateMachine
	submitter submitter.Submitter
	timeout   time.Duration
	logger    *slog.Logger
}

func NewSyncEngine(machine *StateMachine, sub submitter.Submitter, timeout time.Duration) *SyncEngine {
	return &SyncEngine{
		machine:   machine,
		submitter: sub,
		timeout:   timeout,
		logger:    slog.Default().With("component", "SyncEngine"),
	}
}

const (
	outcomeSkipped       = "skipped"
	defaultSubmitTimeout = 30 * time.Second
)

// SyncBatch ctx 被取消时在两条记录之间停止，正在提交的记录仍会提交完成并落地结果
func (e *SyncEngine) SyncBatch(ctx context.Context, records []*model.TransactionRecord, progress ProgressFunc) (BatchResult, error) {
	var result BatchResult

	for i, candidate := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome, err := e.syncOne(ctx, candidate.ID)
		if err != nil {
			return result, err
		}

		switch outcome {
		case outcomeSkipped:
			result.Skipped++
		default:
			result.Attempted++
			switch outcome {
			case submitter.KindSuccess.String():
				result.Synced++
			case submitter.KindConflict.String():
				result.Conflicts++
			default:
				result.Failed++
			}
		}

		if progress != nil {
			progress(Progress{Current: i + 1, Total: len(records), RecordID: candidate.ID, Outcome: outcome})
		}
	}
	return result, nil
}

func skippable(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrConcurrentUpdate)
}

func (e *SyncEngine) syncOne(ctx context.Context, id string) (string, error) {
	rec, err := e.machine.BeginSync(ctx, id)
	if err != nil {
		if skippable(err) {
			e.logger.Debug("跳过记录", "record_id", id, "reason", err)
			return outcomeSkipped, nil
		}
		return "", err
	}

	outcome := e.submit(ctx, rec)

	// 结果必须落地，不受任务取消影响
	applyCtx := context.WithoutCancel(ctx)
	var applied *model.TransactionRecord
	switch outcome.Kind {
	case submitter.KindSuccess:
		applied, err = e.machine.CompleteSync(applyCtx, id, outcome.ServerTransactionID)
	case submitter.KindConflict:
		applied, err = e.machine.FlagConflict(applyCtx, id, outcome.ConflictPayload)
	case submitter.KindRejected:
		applied, err = e.machine.RejectSync(applyCtx, id, outcome.Reason)
	default:
		applied, err = e.machine.FailSync(applyCtx, id, outcome.Reason)
	}
	if err != nil {
		if skippable(err) {
			// 提交期间记录被恢复任务改写
			e.logger.Warn("同步结果未能落地", "record_id", id, "outcome", outcome.Kind.String(), "error", err)
			return outcomeSkipped, nil
		}
		return "", err
	}

	e.logger.Info("记录同步完成",
		"record_id", applied.ID,
		"receipt_no", applied.ReceiptNumber,
		"status", applied.SyncStatus,
		"attempts", applied.SyncAttempts,
		"outcome", outcome.Kind.String(),
	)
	return outcome.Kind.String(), nil
}

// submit 只受提交超时约束，任务被取消或替换时已发出的提交照常完成。
// 超时和未分类的错误都按临时失败处理
func (e *SyncEngine) submit(ctx context.Context, rec *model.TransactionRecord) submitter.Outcome {
	timeout := e.timeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	outcome, err := e.submitter.Submit(subCtx, rec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(subCtx.Err(), context.DeadlineExceeded) {
			return submitter.TransientFailure(fmt.Sprintf("submission timed out after %s", timeout))
		}
		return submitter.TransientFailure(err.Error())
	}
	switch outcome.Kind {
	case submitter.KindSuccess, submitter.KindTransientFailure, submitter.KindConflict, submitter.KindRejected:
		return outcome
	}
	return submitter.TransientFailure(fmt.Sprintf("unknown outcome %s", outcome.Kind))
}
