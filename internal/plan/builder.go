package plan

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
	"OpenLP-Chain/pkg/logger"
)

// Builder 把高层意图翻译为有序的操作计划。它是对状态快照的纯函数：
// 只通过注入的能力读取账户与路由信息，自身绝不触碰账本。
type Builder struct {
	source    InstructionSource
	inspector ledger.AccountInspector
	routes    RouteSource
	derived   DerivedAccounts
	logger    *slog.Logger
}

// BuilderOption 定义构造器的可选配置。
type BuilderOption func(*Builder)

// WithBuilderLogger 指定日志输出。
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = l
	}
}

// NewBuilder 构造计划构造器。
func NewBuilder(source InstructionSource, inspector ledger.AccountInspector, routes RouteSource, derived DerivedAccounts, opts ...BuilderOption) *Builder {
	b := &Builder{
		source:    source,
		inspector: inspector,
		routes:    routes,
		derived:   derived,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = logger.Named("plan")
	}
	return b
}

// Build 根据意图产出操作计划。账户创建步骤保证排在使用该账户的
// 步骤之前；已存在的派生账户对应的创建步骤被完全省略，而不是保留
// 为空操作，这样步骤预估对展示层才是准确的。
func (b *Builder) Build(ctx context.Context, intent Intent) (*Plan, error) {
	if err := b.validate(intent); err != nil {
		return nil, err
	}

	switch intent.Kind {
	case KindOpen:
		return b.buildOpen(ctx, intent)
	case KindWithdraw:
		return b.buildPositionOp(ctx, intent, "withdraw-position", b.source.WithdrawPosition)
	case KindClaim:
		return b.buildPositionOp(ctx, intent, "claim-fees", b.source.ClaimFees)
	default:
		return nil, xerrors.New(CodePlanInvalidIntent, "未知操作类型 "+string(intent.Kind))
	}
}

func (b *Builder) validate(intent Intent) error {
	if intent.Owner == "" {
		return xerrors.New(CodePlanInvalidIntent, "缺少钱包地址")
	}
	switch intent.Kind {
	case KindOpen:
		if intent.AssetX == "" || intent.AssetY == "" {
			return xerrors.New(CodePlanInvalidIntent, "缺少交易对资产")
		}
		if intent.SourceAsset == "" {
			return xerrors.New(CodePlanInvalidIntent, "缺少出资资产")
		}
		if !intent.Amount.IsPositive() {
			return xerrors.New(CodePlanInvalidIntent, "出资金额必须大于零")
		}
		if intent.Range.Lower >= intent.Range.Upper {
			return xerrors.New(CodePlanInvalidIntent, "价格区间非法")
		}
	case KindWithdraw, KindClaim:
		if intent.Position == "" {
			return xerrors.New(CodePlanInvalidIntent, "缺少仓位账户")
		}
	}
	return nil
}

func (b *Builder) buildOpen(ctx context.Context, intent Intent) (*Plan, error) {
	var steps []Step

	// 出资资产按两腿平分，每一腿先确认路由，再确认代币账户。
	half := intent.Amount.Div(decimal.NewFromInt(2))
	amounts := map[ledger.Address]decimal.Decimal{}
	var swaps []Step
	for _, asset := range []ledger.Address{intent.AssetX, intent.AssetY} {
		if asset == intent.SourceAsset {
			amounts[asset] = half
			continue
		}
		route, err := b.routes.Quote(ctx, intent.SourceAsset, asset, half)
		if err != nil {
			return nil, xerrors.Wrap(CodePlanBuildFailure, err, "询价失败")
		}
		if route == nil {
			return nil, xerrors.New(CodePlanNoRoute,
				"资产 "+string(intent.SourceAsset)+" 到 "+string(asset)+" 没有可用路径",
				xerrors.WithMetadata("in", string(intent.SourceAsset)),
				xerrors.WithMetadata("out", string(asset)))
		}
		msg, err := b.source.Swap(ctx, intent.Owner, route)
		if err != nil {
			return nil, xerrors.Wrap(CodePlanBuildFailure, err, "构造兑换步骤失败")
		}
		swaps = append(swaps, Step{Label: "swap-" + route.Venue, Message: msg})
		amounts[asset] = route.AmountOut
	}

	// 派生代币账户：缺失才纳入创建步骤，并且排在一切使用之前。
	for _, asset := range []ledger.Address{intent.AssetX, intent.AssetY} {
		derived := b.derived.TokenAccount(intent.Owner, asset)
		exists, err := b.inspector.AccountExists(ctx, derived)
		if err != nil {
			return nil, xerrors.Wrap(CodePlanBuildFailure, err, "查询派生账户失败")
		}
		if exists {
			continue
		}
		msg, err := b.source.CreateTokenAccount(ctx, intent.Owner, asset)
		if err != nil {
			return nil, xerrors.Wrap(CodePlanBuildFailure, err, "构造账户创建步骤失败")
		}
		steps = append(steps, Step{
			Label:        "create-token-account",
			Message:      msg,
			Precondition: &Precondition{AccountMissing: derived},
		})
	}
	steps = append(steps, swaps...)

	raw, err := b.source.OpenPosition(ctx, intent)
	if err != nil {
		return nil, xerrors.Wrap(CodePlanBuildFailure, err, "构造开仓步骤失败")
	}
	steps = append(steps, Step{
		Label:        "open-position",
		Message:      raw.Message,
		ExtraSigners: raw.ExtraSigners,
		NeedsRepair:  raw.NeedsRepair,
	})

	mode := intent.Mode
	if mode == "" {
		mode = ModeBundle
	}
	p := &Plan{
		Kind:  KindOpen,
		Mode:  mode,
		Owner: intent.Owner,
		Steps: steps,
		Estimate: Estimate{
			AmountX:    amounts[intent.AssetX],
			AmountY:    amounts[intent.AssetY],
			RangeLower: intent.Range.Lower,
			RangeUpper: intent.Range.Upper,
			StepCount:  len(steps),
		},
	}
	b.logger.Debug("开仓计划构造完成",
		slog.String("owner", string(intent.Owner)),
		slog.String("pool", intent.Pool),
		slog.Int("steps", len(steps)),
	)
	return p, nil
}

func (b *Builder) buildPositionOp(ctx context.Context, intent Intent, label string, build func(ctx context.Context, owner, position ledger.Address) (*RawStep, error)) (*Plan, error) {
	raw, err := build(ctx, intent.Owner, intent.Position)
	if err != nil {
		return nil, xerrors.Wrap(CodePlanBuildFailure, err, "构造 "+label+" 步骤失败")
	}
	mode := intent.Mode
	if mode == "" {
		mode = ModeSequential
	}
	return &Plan{
		Kind:  intent.Kind,
		Mode:  mode,
		Owner: intent.Owner,
		Steps: []Step{{
			Label:        label,
			Message:      raw.Message,
			ExtraSigners: raw.ExtraSigners,
			NeedsRepair:  raw.NeedsRepair,
		}},
		Estimate: Estimate{StepCount: 1},
	}, nil
}
