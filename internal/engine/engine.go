package engine

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
	"OpenLP-Chain/internal/operation"
	"OpenLP-Chain/internal/plan"
	"OpenLP-Chain/internal/saga"
	"OpenLP-Chain/internal/submit"
	"OpenLP-Chain/pkg/logger"
)

// Engine 把排队的操作请求分发给计划构造、提交引擎与调仓流程。
// 它实现 operation.Executor。
type Engine struct {
	builder    saga.PlanBuilder
	submitter  saga.Submitter
	rebalancer *saga.Rebalancer
	logger     *slog.Logger
}

// Option 定义执行引擎的可选配置。
type Option func(*Engine)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New 构造执行引擎。
func New(builder saga.PlanBuilder, submitter saga.Submitter, rebalancer *saga.Rebalancer, opts ...Option) *Engine {
	e := &Engine{
		builder:    builder,
		submitter:  submitter,
		rebalancer: rebalancer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("engine")
	}
	return e
}

// Execute 实现 operation.Executor。失败时返回的记录描述已经落地的
// 部分，处理器据此决定能否整单重试。
func (e *Engine) Execute(ctx context.Context, op *operation.Operation) (*operation.ExecutionRecord, error) {
	if op == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}
	switch op.Kind {
	case operation.KindOpen, operation.KindWithdraw, operation.KindClaim:
		return e.executePlan(ctx, op)
	case operation.KindRebalance:
		return e.executeRebalance(ctx, op)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的操作类型 "+string(op.Kind))
	}
}

// BuildPlan 仅构造计划而不提交，供预估接口使用。
func (e *Engine) BuildPlan(ctx context.Context, req operation.Request) (*plan.Plan, error) {
	intent, err := intentFromRequest(req)
	if err != nil {
		return nil, err
	}
	return e.builder.Build(ctx, intent)
}

func (e *Engine) executePlan(ctx context.Context, op *operation.Operation) (*operation.ExecutionRecord, error) {
	intent, err := intentFromRequest(op.Request)
	if err != nil {
		return nil, err
	}
	p, err := e.builder.Build(ctx, intent)
	if err != nil {
		return nil, err
	}
	e.logger.Info("计划构造完成",
		slog.String("operation_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.Int("steps", len(p.Steps)),
		slog.String("mode", string(p.Mode)),
	)
	result, err := e.submitter.Submit(ctx, p)
	record := recordFromResult(result)
	return record, err
}

func (e *Engine) executeRebalance(ctx context.Context, op *operation.Operation) (*operation.ExecutionRecord, error) {
	if e.rebalancer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调仓流程未配置")
	}
	amount, err := decimal.NewFromString(op.Request.Amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "金额不是合法的十进制数")
	}
	report, err := e.rebalancer.Run(ctx, saga.Intent{
		Owner:       ledger.Address(op.Request.Owner),
		Pool:        op.Request.Pool,
		Position:    ledger.Address(op.Request.Position),
		AssetX:      ledger.Address(op.Request.AssetX),
		AssetY:      ledger.Address(op.Request.AssetY),
		SourceAsset: ledger.Address(op.Request.SourceAsset),
		Amount:      amount,
		NewRange:    op.Request.NewRange,
		ReopenMode:  plan.Mode(op.Request.Mode),
	})
	return operation.RecordFromSaga(report), err
}

func intentFromRequest(req operation.Request) (plan.Intent, error) {
	amount := decimal.Zero
	if req.Amount != "" {
		parsed, err := decimal.NewFromString(req.Amount)
		if err != nil {
			return plan.Intent{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "金额不是合法的十进制数")
		}
		amount = parsed
	}
	return plan.Intent{
		Kind:        plan.Kind(req.Kind),
		Owner:       ledger.Address(req.Owner),
		Pool:        req.Pool,
		AssetX:      ledger.Address(req.AssetX),
		AssetY:      ledger.Address(req.AssetY),
		SourceAsset: ledger.Address(req.SourceAsset),
		Amount:      amount,
		Range:       req.Range,
		Position:    ledger.Address(req.Position),
		Mode:        plan.Mode(req.Mode),
	}, nil
}

func recordFromResult(result *submit.Result) *operation.ExecutionRecord {
	if result == nil {
		return nil
	}
	return operation.RecordFromSubmit(
		string(result.Verdict),
		result.BundleID,
		result.Signatures,
		result.LandedSteps,
		result.FundsMoved,
	)
}
