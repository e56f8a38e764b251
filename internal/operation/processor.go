package operation

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/observability/alerting"
	"OpenLP-Chain/internal/observability/metrics"
	"OpenLP-Chain/pkg/logger"
)

// Executor 定义了处理器所需的执行能力。返回的记录在失败时也可能
// 非空，用于描述已经落地的部分。
type Executor interface {
	Execute(ctx context.Context, op *Operation) (*ExecutionRecord, error)
}

// Processor 负责从队列消费操作并交给执行引擎。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动操作处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置操作消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, operationID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	op, err := p.store.Claim(ctx, operationID)
	if err != nil {
		if stdErrors.Is(err, ErrOperationNotFound) || stdErrors.Is(err, ErrOperationCompleted) || stdErrors.Is(err, ErrOperationExhausted) {
			p.logDebug("跳过操作", slog.String("operation_id", operationID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取操作失败", slog.Any("error", err), slog.String("operation_id", operationID))
		p.emitAlert(ctx, &Operation{ID: operationID}, CodeOperationProcessing, err, "claim")
		return err
	}

	started := time.Now()
	record, execErr := p.executor.Execute(ctx, op)
	if execErr != nil {
		p.observe(op, record, started)
		return p.handleExecutionFailure(ctx, op, record, execErr)
	}

	var result ExecutionRecord
	if record != nil {
		result = *record
	}
	p.observe(op, record, started)
	if err := p.store.MarkSucceeded(ctx, op.ID, result); err != nil {
		logger.L().Error("标记操作成功状态失败", slog.Any("error", err), slog.String("operation_id", op.ID))
		if storeErr := p.store.MarkFailed(ctx, op.ID, CodeOperationProcessing, err.Error(), record, false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("operation_id", op.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, op.ID); pubErr != nil {
			return xerrors.Wrap(CodeOperationPublish, pubErr, fmt.Sprintf("操作 %s 在标记成功失败后重投失败", op.ID))
		}
		logger.Audit().Warn("操作标记成功失败后重试",
			slog.String("operation_id", op.ID),
			slog.String("kind", string(op.Kind)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Audit().Info("操作执行成功",
		slog.String("operation_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("owner", op.Owner),
		slog.Int("landed_steps", result.LandedSteps),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, op *Operation, record *ExecutionRecord, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeOperationProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	// 只要有任何一步落地就不再整单重试：重复执行不可逆的账本动作
	// 比失败本身危险得多。
	fundsMoved := record != nil && record.FundsMoved
	terminal := op.Attempts >= op.MaxRetries || !retryable || fundsMoved

	if storeErr := p.store.MarkFailed(ctx, op.ID, code, execErr.Error(), record, terminal); storeErr != nil {
		logger.L().Error("标记操作失败状态出错", slog.Any("error", storeErr), slog.String("operation_id", op.ID))
		return storeErr
	}
	logger.Audit().Warn("操作执行失败",
		slog.String("operation_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.Bool("terminal", terminal),
		slog.Bool("funds_moved", fundsMoved),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", op.Attempts),
		slog.Int("max_retries", op.MaxRetries),
	)

	stage := "retry"
	switch {
	case fundsMoved:
		stage = "funds_moved"
	case terminal:
		stage = "terminal"
	case !retryable:
		stage = "non_retryable"
	}
	p.emitAlert(ctx, op, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, op.ID); pubErr != nil {
			return xerrors.Wrap(CodeOperationPublish, pubErr, fmt.Sprintf("操作 %s 重投失败", op.ID))
		}
		p.logDebug("操作已重新排队", slog.String("operation_id", op.ID), slog.Int("attempts", op.Attempts))
	}
	return nil
}

func (p *Processor) observe(op *Operation, record *ExecutionRecord, started time.Time) {
	verdict := "error"
	if record != nil {
		if record.Outcome != "" {
			verdict = record.Outcome
		} else if record.Verdict != "" {
			verdict = record.Verdict
		}
	}
	metrics.ObserveOperation(string(op.Kind), verdict, time.Since(started))
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, op *Operation, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || op == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		OperationID: op.ID,
		Owner:       op.Owner,
		Kind:        string(op.Kind),
		Attempts:    op.Attempts,
		MaxRetries:  op.MaxRetries,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("operation_id", op.ID),
			slog.String("stage", stage),
		)
	}
}
