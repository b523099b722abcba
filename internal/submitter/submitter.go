// Package submitter sends captured transactions to the backend.
//
// A Submitter reports exactly one Outcome per record. Transport errors that
// are not an explicit outcome are returned as error and treated by the
// caller as a transient failure.
package submitter

import (
	"context"
	"fmt"

	"posqueue/internal/model"
)

type Kind int

const (
	KindSuccess Kind = iota
	KindTransientFailure
	KindConflict
	// KindRejected 后台判定记录本身有问题（格式、校验失败），重试没有意义
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransientFailure:
		return "transient_failure"
	case KindConflict:
		return "conflict"
	case KindRejected:
		return "rejected"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome 一次提交的结果
type Outcome struct {
	Kind                Kind
	Reason              string
	ConflictPayload     []byte
	ServerTransactionID string
}

func Success(serverTransactionID string) Outcome {
	return Outcome{Kind: KindSuccess, ServerTransactionID: serverTransactionID}
}

func TransientFailure(reason string) Outcome {
	return Outcome{Kind: KindTransientFailure, Reason: reason}
}

func Conflict(payload []byte) Outcome {
	return Outcome{Kind: KindConflict, ConflictPayload: payload}
}

func Rejected(reason string) Outcome {
	return Outcome{Kind: KindRejected, Reason: reason}
}

type Submitter interface {
	Submit(ctx context.Context, rec *model.TransactionRecord) (Outcome, error)
}

// Func 把普通函数适配为 Submitter
type Func func(ctx context.Context, rec *model.TransactionRecord) (Outcome, error)

func (f Func) Submit(ctx context.Context, rec *model.TransactionRecord) (Outcome, error) {
	return f(ctx, rec)
}
