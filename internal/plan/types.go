package plan

import (
	"context"

	"github.com/shopspring/decimal"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
)

// Kind 表示计划对应的逻辑操作类型。
type Kind string

const (
	KindOpen     Kind = "open"
	KindWithdraw Kind = "withdraw"
	KindClaim    Kind = "claim"
)

// Mode 表示计划的提交方式。
type Mode string

const (
	// ModeBundle 把全部步骤作为原子整体交给打包中继。
	ModeBundle Mode = "atomic-bundle"
	// ModeSequential 逐笔提交，每一步确认后再发送下一步。
	ModeSequential Mode = "sequential"
)

const (
	CodePlanNoRoute       xerrors.Code = "PLAN_NO_ROUTE"
	CodePlanInvalidIntent xerrors.Code = "PLAN_INVALID_INTENT"
	CodePlanBuildFailure  xerrors.Code = "PLAN_BUILD_FAILED"
)

func init() {
	xerrors.Register(CodePlanNoRoute, xerrors.Attributes{
		Message:   "no viable route between assets",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePlanInvalidIntent, xerrors.Attributes{
		Message:   "intent cannot be satisfied",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePlanBuildFailure, xerrors.Attributes{
		Message:   "failed to build operation plan",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// PriceRange 是新仓位的价格区间。
type PriceRange struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Intent 是调用方的高层意图，计划构造器把它翻译为有序步骤。
type Intent struct {
	Kind        Kind            `json:"kind"`
	Owner       ledger.Address  `json:"owner"`
	Pool        string          `json:"pool"`
	AssetX      ledger.Address  `json:"asset_x"`
	AssetY      ledger.Address  `json:"asset_y"`
	SourceAsset ledger.Address  `json:"source_asset"`
	Amount      decimal.Decimal `json:"amount"`
	Range       PriceRange      `json:"range"`
	Position    ledger.Address  `json:"position,omitempty"`
	Mode        Mode            `json:"mode,omitempty"`
}

// Precondition 记录一个步骤被纳入计划的前提。构造时已经核实，
// 保留下来供展示与审计。
type Precondition struct {
	AccountMissing ledger.Address `json:"account_missing"`
}

// Step 是一单位账本工作。构造完成后不可变，不跨操作持久化。
type Step struct {
	Label        string
	Message      *ledger.Message
	ExtraSigners []ledger.StepSigner
	NeedsRepair  bool
	Precondition *Precondition
}

// Estimate 是计划的预估结果，仅用于展示。
type Estimate struct {
	AmountX    decimal.Decimal `json:"amount_x"`
	AmountY    decimal.Decimal `json:"amount_y"`
	RangeLower float64         `json:"range_lower"`
	RangeUpper float64         `json:"range_upper"`
	StepCount  int             `json:"step_count"`
}

// Plan 是一次逻辑操作的有序步骤序列。由请求方独占，提交结束后丢弃。
type Plan struct {
	Kind     Kind
	Mode     Mode
	Owner    ledger.Address
	Steps    []Step
	Estimate Estimate
}

// Route 是询价协作方返回的一条兑换路径。
type Route struct {
	InAsset   ledger.Address
	OutAsset  ledger.Address
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
	Venue     string
}

// RouteSource 由询价协作方注入。没有可用路径时返回 (nil, nil)，
// 这是合法的终态规划失败，不是传输错误。
type RouteSource interface {
	Quote(ctx context.Context, in, out ledger.Address, amount decimal.Decimal) (*Route, error)
}

// DerivedAccounts 计算派生账户地址（如某资产的代币持有子账户）。
type DerivedAccounts interface {
	TokenAccount(owner, asset ledger.Address) ledger.Address
}

// RawStep 是第三方步骤构造器的产物。NeedsRepair 标记消息使用了
// 占位付费账户，签名前必须经过修复。
type RawStep struct {
	Message      *ledger.Message
	ExtraSigners []ledger.StepSigner
	NeedsRepair  bool
}

// InstructionSource 由 DEX 协作方注入，产出各类原始步骤消息。
type InstructionSource interface {
	CreateTokenAccount(ctx context.Context, owner, asset ledger.Address) (*ledger.Message, error)
	Swap(ctx context.Context, owner ledger.Address, route *Route) (*ledger.Message, error)
	OpenPosition(ctx context.Context, intent Intent) (*RawStep, error)
	WithdrawPosition(ctx context.Context, owner, position ledger.Address) (*RawStep, error)
	ClaimFees(ctx context.Context, owner, position ledger.Address) (*RawStep, error)
}
