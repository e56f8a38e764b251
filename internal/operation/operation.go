package operation

import (
	stdErrors "errors"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/plan"
	"OpenLP-Chain/internal/saga"
)

// Status 表示操作在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Kind 表示操作类型。
type Kind string

const (
	KindOpen      Kind = "open"
	KindWithdraw  Kind = "withdraw"
	KindClaim     Kind = "claim"
	KindRebalance Kind = "rebalance"
)

// Request 是调用方提交的操作请求，整体随操作记录持久化。
type Request struct {
	ID          string          `json:"id,omitempty"`
	Kind        Kind            `json:"kind"`
	Owner       string          `json:"owner"`
	Pool        string          `json:"pool,omitempty"`
	AssetX      string          `json:"asset_x,omitempty"`
	AssetY      string          `json:"asset_y,omitempty"`
	SourceAsset string          `json:"source_asset,omitempty"`
	Amount      string          `json:"amount,omitempty"`
	Range       plan.PriceRange `json:"range,omitempty"`
	Position    string          `json:"position,omitempty"`
	NewRange    plan.PriceRange `json:"new_range,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// ExecutionRecord 保存一次操作执行的结果，字段与提交引擎及调仓
// 报告的结构对应。
type ExecutionRecord struct {
	Outcome      string   `json:"outcome,omitempty"`
	Verdict      string   `json:"verdict,omitempty"`
	BundleID     string   `json:"bundle_id,omitempty"`
	Signatures   []string `json:"signatures,omitempty"`
	LandedSteps  int      `json:"landed_steps"`
	FundsMoved   bool     `json:"funds_moved"`
	RecoveryHint string   `json:"recovery_hint,omitempty"`
}

// Operation 描述了排队执行的账本操作。
type Operation struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Owner      string           `json:"owner"`
	Request    Request          `json:"request"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionRecord `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

var (
	// ErrOperationNotFound 表示指定的操作不存在。
	ErrOperationNotFound = xerrors.New(CodeOperationNotFound, "operation not found")
	// ErrOperationConflict 表示操作在当前状态下无法进行所请求的动作。
	ErrOperationConflict = xerrors.New(CodeOperationConflict, "operation conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrOperationCompleted 表示操作已经成功完成。
	ErrOperationCompleted = xerrors.New(CodeOperationCompleted, "operation already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrOperationExhausted 表示操作的重试次数已经耗尽。
	ErrOperationExhausted = xerrors.New(CodeOperationExhausted, "operation retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeOperationNotFound   xerrors.Code = "OPERATION_NOT_FOUND"
	CodeOperationConflict   xerrors.Code = "OPERATION_CONFLICT"
	CodeOperationCompleted  xerrors.Code = "OPERATION_COMPLETED"
	CodeOperationExhausted  xerrors.Code = "OPERATION_RETRIES_EXHAUSTED"
	CodeOperationValidation xerrors.Code = "OPERATION_VALIDATION_FAILED"
	CodeOperationPublish    xerrors.Code = "OPERATION_PUBLISH_FAILED"
	CodeOperationProcessing xerrors.Code = "OPERATION_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeOperationNotFound, xerrors.Attributes{
		Message:   "operation not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOperationConflict, xerrors.Attributes{
		Message:   "operation conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOperationCompleted, xerrors.Attributes{
		Message:   "operation already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOperationExhausted, xerrors.Attributes{
		Message:   "operation retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeOperationValidation, xerrors.Attributes{
		Message:   "operation validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOperationPublish, xerrors.Attributes{
		Message:   "failed to publish operation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeOperationProcessing, xerrors.Attributes{
		Message:   "operation execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Validate 检查请求是否可以受理。
func (r Request) Validate() error {
	if strings.TrimSpace(r.Owner) == "" {
		return xerrors.New(CodeOperationValidation, "操作请求缺少持有者")
	}
	switch r.Kind {
	case KindOpen:
		if r.Pool == "" || r.Amount == "" {
			return xerrors.New(CodeOperationValidation, "开仓请求缺少池或金额")
		}
		if err := validateAmount(r.Amount); err != nil {
			return err
		}
	case KindWithdraw, KindClaim:
		if r.Position == "" {
			return xerrors.New(CodeOperationValidation, "请求缺少仓位地址")
		}
	case KindRebalance:
		if r.Position == "" {
			return xerrors.New(CodeOperationValidation, "调仓请求缺少仓位地址")
		}
		if r.NewRange.Lower <= 0 || r.NewRange.Upper <= r.NewRange.Lower {
			return xerrors.New(CodeOperationValidation, "调仓请求的新区间非法")
		}
		// 重开仓阶段的全部输入必须在受理时就齐备：撤仓一旦落地不可
		// 回滚，不能等到阶段二才发现请求不完整。
		if r.AssetX == "" || r.AssetY == "" {
			return xerrors.New(CodeOperationValidation, "调仓请求缺少交易对资产")
		}
		if r.SourceAsset == "" {
			return xerrors.New(CodeOperationValidation, "调仓请求缺少出资资产")
		}
		if err := validateAmount(r.Amount); err != nil {
			return err
		}
	default:
		return xerrors.New(CodeOperationValidation, "不支持的操作类型 "+string(r.Kind))
	}
	return nil
}

// validateAmount 要求金额是合法且大于零的十进制文本。
func validateAmount(amount string) error {
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return xerrors.Wrap(CodeOperationValidation, err, "金额不是合法的十进制数")
	}
	if !parsed.IsPositive() {
		return xerrors.New(CodeOperationValidation, "金额必须大于零")
	}
	return nil
}

// IsOperationError 判断错误是否为统一操作错误。
func IsOperationError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrOperationNotFound) {
		return target == CodeOperationNotFound
	}
	if stdErrors.Is(err, ErrOperationConflict) {
		return target == CodeOperationConflict
	}
	if stdErrors.Is(err, ErrOperationCompleted) {
		return target == CodeOperationCompleted
	}
	if stdErrors.Is(err, ErrOperationExhausted) {
		return target == CodeOperationExhausted
	}
	return false
}

// IsValidStatus 检查给定的操作状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// RecordFromSubmit 把提交结果折叠为持久化记录。
func RecordFromSubmit(verdict string, bundleID string, signatures []string, landed int, fundsMoved bool) *ExecutionRecord {
	return &ExecutionRecord{
		Verdict:     verdict,
		BundleID:    bundleID,
		Signatures:  append([]string(nil), signatures...),
		LandedSteps: landed,
		FundsMoved:  fundsMoved,
	}
}

// RecordFromSaga 把调仓报告折叠为持久化记录。
func RecordFromSaga(report *saga.Report) *ExecutionRecord {
	if report == nil {
		return nil
	}
	record := &ExecutionRecord{
		Outcome:      string(report.Outcome),
		RecoveryHint: report.RecoveryHint,
	}
	if report.Withdraw != nil {
		record.Signatures = append(record.Signatures, report.Withdraw.Signatures...)
		record.LandedSteps += report.Withdraw.LandedSteps
		record.FundsMoved = record.FundsMoved || report.Withdraw.FundsMoved
	}
	if report.Reopen != nil {
		record.Signatures = append(record.Signatures, report.Reopen.Signatures...)
		record.LandedSteps += report.Reopen.LandedSteps
		record.FundsMoved = record.FundsMoved || report.Reopen.FundsMoved
		record.Verdict = string(report.Reopen.Verdict)
		record.BundleID = report.Reopen.BundleID
	}
	return record
}

func cloneRecord(record *ExecutionRecord) *ExecutionRecord {
	if record == nil {
		return nil
	}
	clone := *record
	clone.Signatures = append([]string(nil), record.Signatures...)
	return &clone
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneOperation(op *Operation) *Operation {
	clone := *op
	clone.Result = cloneRecord(op.Result)
	clone.Request.Metadata = cloneMetadata(op.Request.Metadata)
	return &clone
}
