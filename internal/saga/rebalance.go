package saga

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
	"OpenLP-Chain/internal/plan"
	"OpenLP-Chain/internal/resilience"
	"OpenLP-Chain/internal/submit"
	"OpenLP-Chain/pkg/logger"
)

// CodeSagaPartial 表示调仓停在两阶段之间：旧仓位已撤出，新仓位
// 未能开立，资金完好地留在钱包里。
const CodeSagaPartial xerrors.Code = "SAGA_PARTIAL"

const lockKindRebalance = "rebalance"

func init() {
	xerrors.Register(CodeSagaPartial, xerrors.Attributes{
		Message:   "rebalance stopped between phases, funds remain in wallet",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Outcome 是一次调仓的最终状态。
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// Intent 描述一次调仓：撤出现有仓位，再以新的价格区间重新开仓。
type Intent struct {
	Owner       ledger.Address  `json:"owner"`
	Pool        string          `json:"pool"`
	Position    ledger.Address  `json:"position"`
	AssetX      ledger.Address  `json:"asset_x"`
	AssetY      ledger.Address  `json:"asset_y"`
	SourceAsset ledger.Address  `json:"source_asset"`
	Amount      decimal.Decimal `json:"amount"`
	NewRange    plan.PriceRange `json:"new_range"`
	ReopenMode  plan.Mode       `json:"reopen_mode,omitempty"`
}

// Report 是调仓的执行报告。UI 层按 Outcome 与 RecoveryHint 生成
// 话术，不解析错误文案。
type Report struct {
	Outcome      Outcome        `json:"outcome"`
	Withdraw     *submit.Result `json:"withdraw,omitempty"`
	Reopen       *submit.Result `json:"reopen,omitempty"`
	RecoveryHint string         `json:"recovery_hint,omitempty"`
}

// PlanBuilder 把意图翻译为可执行计划。
type PlanBuilder interface {
	Build(ctx context.Context, intent plan.Intent) (*plan.Plan, error)
}

// Submitter 执行计划。
type Submitter interface {
	Submit(ctx context.Context, p *plan.Plan) (*submit.Result, error)
}

// Rebalancer 驱动两阶段调仓。两个阶段之间没有原子性可言：一旦
// withdraw 落地而 reopen 失败，唯一正确的动作是停下、如实上报，
// 把"仅重试阶段二"的决定留给人。
type Rebalancer struct {
	builder PlanBuilder
	engine  Submitter
	locks   resilience.Locker
	logger  *slog.Logger
}

// RebalancerOption 定义调仓器的可选配置。
type RebalancerOption func(*Rebalancer)

// WithRebalancerLogger 指定日志输出。
func WithRebalancerLogger(l *slog.Logger) RebalancerOption {
	return func(r *Rebalancer) {
		r.logger = l
	}
}

// NewRebalancer 构造调仓器。
func NewRebalancer(builder PlanBuilder, engine Submitter, locks resilience.Locker, opts ...RebalancerOption) *Rebalancer {
	r := &Rebalancer{
		builder: builder,
		engine:  engine,
		locks:   locks,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("saga")
	}
	return r
}

// Run 执行调仓。同一持有者同一时刻只允许一次调仓在途，拿不到锁
// 立即返回 CodeLockBusy。锁在任何退出路径上都会释放。
func (r *Rebalancer) Run(ctx context.Context, intent Intent) (*Report, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}
	owner := string(intent.Owner)
	if err := r.locks.TryAcquire(ctx, owner, lockKindRebalance); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.locks.Release(context.WithoutCancel(ctx), owner, lockKindRebalance); err != nil {
			r.logger.Warn("释放调仓锁失败",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		}
	}()

	report := &Report{}

	withdrawPlan, err := r.builder.Build(ctx, plan.Intent{
		Kind:     plan.KindWithdraw,
		Owner:    intent.Owner,
		Pool:     intent.Pool,
		Position: intent.Position,
	})
	if err != nil {
		report.Outcome = OutcomeFailed
		return report, err
	}
	withdrawResult, err := r.engine.Submit(ctx, withdrawPlan)
	report.Withdraw = withdrawResult
	if err != nil || withdrawResult == nil || withdrawResult.Verdict != submit.VerdictLanded {
		// 阶段一没落地就什么都没发生，仓位原样保留。结果不明时
		// 例外：必须先核实再谈重试。
		report.Outcome = OutcomeFailed
		if xerrors.CodeOf(err) == submit.CodeSubmissionAmbiguous {
			report.RecoveryHint = "撤出结果不明，核实仓位状态后再决定是否重试"
		} else {
			report.RecoveryHint = "仓位未变动，可安全重试整个调仓"
		}
		return report, err
	}

	r.logger.Info("撤出已落地，开始重新开仓",
		slog.String("owner", owner),
		slog.String("position", string(intent.Position)),
	)

	reopenPlan, err := r.builder.Build(ctx, plan.Intent{
		Kind:        plan.KindOpen,
		Owner:       intent.Owner,
		Pool:        intent.Pool,
		AssetX:      intent.AssetX,
		AssetY:      intent.AssetY,
		SourceAsset: intent.SourceAsset,
		Amount:      intent.Amount,
		Range:       intent.NewRange,
		Mode:        intent.ReopenMode,
	})
	if err != nil {
		return r.partial(report, err)
	}
	reopenResult, err := r.engine.Submit(ctx, reopenPlan)
	report.Reopen = reopenResult
	if err != nil || reopenResult == nil || reopenResult.Verdict != submit.VerdictLanded {
		return r.partial(report, err)
	}

	report.Outcome = OutcomeSucceeded
	logger.Audit().Info("调仓完成",
		slog.String("owner", owner),
		slog.String("position", string(intent.Position)),
		slog.Float64("range_lower", intent.NewRange.Lower),
		slog.Float64("range_upper", intent.NewRange.Upper),
	)
	return report, nil
}

// partial 生成阶段二失败的报告。阶段二绝不自动重试：资金在钱包里
// 是安全的停顿点，重复开仓才是真正的风险。
func (r *Rebalancer) partial(report *Report, cause error) (*Report, error) {
	report.Outcome = OutcomePartial
	report.RecoveryHint = "资金已撤回钱包，确认后仅重试开仓阶段"
	r.logger.Warn("调仓停在两阶段之间",
		slog.String("cause", causeText(cause)),
	)
	return report, xerrors.Wrap(CodeSagaPartial, cause, "")
}

func validateIntent(intent Intent) error {
	if intent.Owner == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调仓意图缺少持有者")
	}
	if intent.Position == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调仓意图缺少仓位地址")
	}
	if intent.NewRange.Lower <= 0 || intent.NewRange.Upper <= intent.NewRange.Lower {
		return xerrors.New(xerrors.CodeInvalidArgument, "新价格区间非法")
	}
	// 重开仓所需的输入在撤仓前就能校验；缺了就不允许进入阶段一，
	// 否则会把一个静态非法的请求变成不可逆的部分完成。
	if intent.AssetX == "" || intent.AssetY == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调仓意图缺少交易对资产")
	}
	if intent.SourceAsset == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调仓意图缺少出资资产")
	}
	if !intent.Amount.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidArgument, "调仓金额必须大于零")
	}
	return nil
}

func causeText(err error) string {
	if err == nil {
		return "verdict not landed"
	}
	return err.Error()
}
