package operation

import (
	"context"

	xerrors "OpenLP-Chain/internal/errors"
)

// Store 抽象了操作状态的持久化接口。
type Store interface {
	Create(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id string) (*Operation, error)
	Claim(ctx context.Context, id string) (*Operation, error)
	MarkSucceeded(ctx context.Context, id string, record ExecutionRecord) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, record *ExecutionRecord, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Operation, error)
	Stats(ctx context.Context, opts ListOptions) (OperationStats, error)
	Close() error
}
