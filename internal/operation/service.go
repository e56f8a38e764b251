package operation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/pkg/logger"
)

// Service 负责操作的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造操作服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的操作并推送到队列。携带 ID 的重复提交是幂等的，
// 直接返回已有记录。
func (s *Service) Submit(ctx context.Context, req Request) (*Operation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作服务未初始化")
	}

	operationID := strings.TrimSpace(req.ID)
	if operationID != "" {
		op, err := s.store.Get(ctx, operationID)
		if err == nil {
			return op, nil
		}
		if !stdErrors.Is(err, ErrOperationNotFound) {
			return nil, err
		}
	} else {
		operationID = uuid.NewString()
	}

	op := &Operation{
		ID:         operationID,
		Kind:       req.Kind,
		Owner:      req.Owner,
		Request:    req,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, op); err != nil {
		if stdErrors.Is(err, ErrOperationConflict) {
			existing, getErr := s.store.Get(ctx, operationID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrOperationNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, operationID); err != nil {
		logger.L().Error("操作入队失败", slog.Any("error", err), slog.String("operation_id", operationID))
		wrapped := xerrors.Wrap(CodeOperationPublish, err, "发布操作到队列失败")
		_ = s.store.MarkFailed(ctx, operationID, CodeOperationPublish, wrapped.Error(), nil, true)
		return nil, wrapped
	}
	logger.Audit().Info("操作入队成功",
		slog.String("operation_id", operationID),
		slog.String("kind", string(op.Kind)),
		slog.String("owner", op.Owner),
		slog.Int("max_retries", op.MaxRetries),
	)
	return op, nil
}

// Get 返回指定操作的状态。
func (s *Service) Get(ctx context.Context, id string) (*Operation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的操作列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Operation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的操作统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (OperationStats, error) {
	if s.store == nil {
		return OperationStats{}, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询操作状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Status == StatusSucceeded || op.Status == StatusFailed {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
