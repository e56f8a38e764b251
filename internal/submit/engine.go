package submit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
	"OpenLP-Chain/internal/plan"
	"OpenLP-Chain/internal/resilience"
	"OpenLP-Chain/internal/statecache"
	"OpenLP-Chain/pkg/logger"
)

const (
	// CodeSimulationFailed 表示预检模拟发现确定性拒绝，本次提交终止。
	CodeSimulationFailed xerrors.Code = "SIMULATION_FAILED"
	// CodeSubmissionFailed 表示链上拒绝或发送失败。
	CodeSubmissionFailed xerrors.Code = "SUBMISSION_FAILED"
	// CodeSubmissionAmbiguous 表示确认超时，交易可能已落地也可能没有，
	// 绝不自动重试，必须先人工核实。
	CodeSubmissionAmbiguous xerrors.Code = "SUBMISSION_AMBIGUOUS"
)

func init() {
	xerrors.Register(CodeSimulationFailed, xerrors.Attributes{
		Message:   "pre-flight simulation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSubmissionFailed, xerrors.Attributes{
		Message:   "submission rejected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSubmissionAmbiguous, xerrors.Attributes{
		Message:   "confirmation timed out, verify before retrying",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Verdict 是一次计划提交的结论。
type Verdict string

const (
	VerdictLanded           Verdict = "landed"
	VerdictFailed           Verdict = "failed"
	VerdictSimulationFailed Verdict = "simulation-failed"
	VerdictAmbiguous        Verdict = "ambiguous"
)

// StepError 记录某一步的失败详情。
type StepError struct {
	Step  int      `json:"step"`
	Label string   `json:"label"`
	Err   string   `json:"error"`
	Logs  []string `json:"logs,omitempty"`
}

// Result 是执行一个操作计划的结果。原子模式下要么全部落地要么一步
// 未落地；顺序模式精确记录首次失败前落地了多少步。UI 层依赖这份
// 结构判断资金是否已经移动，不靠解析错误文案。
type Result struct {
	Mode        plan.Mode   `json:"mode"`
	Verdict     Verdict     `json:"verdict"`
	Signatures  []string    `json:"signatures,omitempty"`
	LandedSteps int         `json:"landed_steps"`
	FailedStep  int         `json:"failed_step"`
	StepErrors  []StepError `json:"step_errors,omitempty"`
	BundleID    string      `json:"bundle_id,omitempty"`
	FundsMoved  bool        `json:"funds_moved"`
}

// Config 是提交引擎的时序参数。顺序模式的步间缓冲时长是启发式的，
// 做成可配置而不是写死。
type Config struct {
	SettleDelay     time.Duration
	ConfirmTimeout  time.Duration
	SimulateTimeout time.Duration
	BundleTimeout   time.Duration
	BundlePoll      time.Duration
}

func (c *Config) applyDefaults() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 800 * time.Millisecond
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.SimulateTimeout <= 0 {
		c.SimulateTimeout = 10 * time.Second
	}
	if c.BundleTimeout <= 0 {
		c.BundleTimeout = 60 * time.Second
	}
	if c.BundlePoll <= 0 {
		c.BundlePoll = 500 * time.Millisecond
	}
}

// Engine 负责把构造好的计划变成账本上的既成事实。
type Engine struct {
	wallet    ledger.WalletSigner
	sim       ledger.Simulator
	relay     ledger.BundleRelay
	sender    ledger.Sender
	blockhash ledger.BlockhashSource
	cache     statecache.Invalidator
	retry     *resilience.RetryPolicy
	breaker   *resilience.Breaker
	cfg       Config
	logger    *slog.Logger
}

// EngineOption 定义提交引擎的可选配置。
type EngineOption func(*Engine)

// WithConfig 覆盖时序参数。
func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithRetryPolicy 指定传输层重试策略。
func WithRetryPolicy(policy *resilience.RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.retry = policy
	}
}

// WithBreaker 指定打包中继的熔断器。
func WithBreaker(breaker *resilience.Breaker) EngineOption {
	return func(e *Engine) {
		e.breaker = breaker
	}
}

// WithEngineLogger 指定日志输出。
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine 构造提交引擎。
func NewEngine(wallet ledger.WalletSigner, sim ledger.Simulator, relay ledger.BundleRelay, sender ledger.Sender, blockhash ledger.BlockhashSource, cache statecache.Invalidator, opts ...EngineOption) *Engine {
	e := &Engine{
		wallet:    wallet,
		sim:       sim,
		relay:     relay,
		sender:    sender,
		blockhash: blockhash,
		cache:     cache,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.cfg.applyDefaults()
	if e.retry == nil {
		e.retry = resilience.NewRetryPolicy(200*time.Millisecond, 5*time.Second, 3)
	}
	if e.breaker == nil {
		e.breaker = resilience.NewBreaker("bundle-relay", 5, 30*time.Second)
	}
	if e.logger == nil {
		e.logger = logger.Named("submit")
	}
	return e
}

// Submit 执行计划。除参数错误外总是返回非空 Result，error 携带错误
// 分类供上层决定话术与重试策略。
func (e *Engine) Submit(ctx context.Context, p *plan.Plan) (*Result, error) {
	if p == nil || len(p.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "计划为空")
	}
	var result *Result
	var err error
	switch p.Mode {
	case plan.ModeBundle:
		result, err = e.submitBundle(ctx, p)
	case plan.ModeSequential:
		result, err = e.submitSequential(ctx, p)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知提交模式 "+string(p.Mode))
	}
	if result != nil && result.FundsMoved && e.cache != nil {
		if cacheErr := e.cache.Invalidate(ctx, p.Owner); cacheErr != nil {
			e.logger.Warn("缓存失效失败",
				slog.String("owner", string(p.Owner)),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return result, err
}

// prepareStep 修复并签名一个步骤。
func (e *Engine) prepareStep(ctx context.Context, step plan.Step, blockhash string) (*ledger.SignedTx, error) {
	msg := step.Message.Clone()
	msg.Blockhash = blockhash
	if step.NeedsRepair {
		repaired, err := ledger.RepairFeePayer(msg, e.wallet.Address())
		if err != nil {
			return nil, err
		}
		msg = repaired
	}
	tx, err := e.wallet.Sign(ctx, msg)
	if err != nil {
		return nil, xerrors.Wrap(CodeSubmissionFailed, err, "钱包签名失败")
	}
	if len(step.ExtraSigners) > 0 {
		if err := ledger.CoSign(tx, msg, step.ExtraSigners); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// submitBundle 执行原子打包模式。打包提交无论成败都要支付优先费，
// 所以模拟闸门不是可选项：任何一步模拟报错都直接放弃，绝不发包。
func (e *Engine) submitBundle(ctx context.Context, p *plan.Plan) (*Result, error) {
	result := &Result{Mode: plan.ModeBundle, FailedStep: -1}

	blockhash, err := e.latestBlockhash(ctx)
	if err != nil {
		result.Verdict = VerdictFailed
		return result, err
	}

	txs := make([]*ledger.SignedTx, len(p.Steps))
	for i, step := range p.Steps {
		tx, err := e.prepareStep(ctx, step, blockhash)
		if err != nil {
			result.Verdict = VerdictFailed
			result.FailedStep = i
			return result, err
		}
		txs[i] = tx
	}

	var stepErrors []StepError
	for i, tx := range txs {
		simResult, err := e.simulateStep(ctx, tx)
		if err != nil {
			result.Verdict = VerdictFailed
			result.FailedStep = i
			return result, err
		}
		if !simResult.OK {
			stepErrors = append(stepErrors, StepError{
				Step:  i,
				Label: p.Steps[i].Label,
				Err:   simResult.Err,
				Logs:  simResult.Logs,
			})
		}
	}
	if len(stepErrors) > 0 {
		result.Verdict = VerdictSimulationFailed
		result.StepErrors = stepErrors
		result.FailedStep = stepErrors[0].Step
		e.logger.Info("模拟未通过，放弃打包提交",
			slog.String("owner", string(p.Owner)),
			slog.Int("failed_steps", len(stepErrors)),
		)
		return result, xerrors.New(CodeSimulationFailed, "",
			xerrors.WithMetadata("failed_step", p.Steps[stepErrors[0].Step].Label))
	}

	var bundleID string
	submitErr := e.retry.Do(ctx, "submit-bundle", transientOnly, func(ctx context.Context) error {
		return e.breaker.Do(ctx, func(ctx context.Context) error {
			id, err := e.relay.SubmitBundle(ctx, txs)
			if err != nil {
				return err
			}
			bundleID = id
			return nil
		})
	})
	if submitErr != nil {
		result.Verdict = VerdictFailed
		return result, submitErr
	}
	result.BundleID = bundleID

	status, err := e.awaitBundle(ctx, bundleID)
	if err != nil {
		result.Verdict = VerdictAmbiguous
		return result, err
	}
	if status.Err != "" {
		result.Verdict = VerdictFailed
		return result, xerrors.New(CodeSubmissionFailed, "打包落地失败: "+status.Err,
			xerrors.WithMetadata("bundle_id", bundleID))
	}

	result.Verdict = VerdictLanded
	result.LandedSteps = len(txs)
	result.FundsMoved = true
	for _, tx := range txs {
		result.Signatures = append(result.Signatures, tx.ID)
	}
	logger.Audit().Info("打包提交落地",
		slog.String("owner", string(p.Owner)),
		slog.String("kind", string(p.Kind)),
		slog.String("bundle_id", bundleID),
		slog.Int("steps", len(txs)),
	)
	return result, nil
}

// submitSequential 逐笔提交。第 k 步失败即停止，前 k-1 步保持落地并
// 如实上报；顺序模式没有回滚。
func (e *Engine) submitSequential(ctx context.Context, p *plan.Plan) (*Result, error) {
	result := &Result{Mode: plan.ModeSequential, FailedStep: -1}

	for i, step := range p.Steps {
		// 每一步都取当下的状态锚点签名，上一步落地后的状态才可见。
		blockhash, err := e.latestBlockhash(ctx)
		if err != nil {
			result.Verdict = VerdictFailed
			result.FailedStep = i
			return result, err
		}
		tx, err := e.prepareStep(ctx, step, blockhash)
		if err != nil {
			result.Verdict = VerdictFailed
			result.FailedStep = i
			return result, err
		}

		var signature string
		sendErr := e.retry.Do(ctx, "send-"+step.Label, transientOnly, func(ctx context.Context) error {
			sig, err := e.sender.Send(ctx, tx)
			if err != nil {
				return err
			}
			signature = sig
			return nil
		})
		if sendErr != nil {
			result.Verdict = VerdictFailed
			result.FailedStep = i
			return result, xerrors.Wrap(CodeSubmissionFailed, sendErr, "步骤 "+step.Label+" 发送失败")
		}

		confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
		confirmErr := e.sender.AwaitConfirmation(confirmCtx, signature)
		cancel()
		if confirmErr != nil {
			result.FailedStep = i
			if isTimeout(confirmErr) {
				// 交易可能已经落地，盲目重试会重复执行不可逆动作。
				result.Verdict = VerdictAmbiguous
				return result, xerrors.Wrap(CodeSubmissionAmbiguous, confirmErr,
					"步骤 "+step.Label+" 确认超时，重试前必须先核实")
			}
			result.Verdict = VerdictFailed
			return result, xerrors.Wrap(CodeSubmissionFailed, confirmErr, "步骤 "+step.Label+" 确认失败")
		}

		result.Signatures = append(result.Signatures, signature)
		result.LandedSteps++
		result.FundsMoved = true

		if i < len(p.Steps)-1 && e.cfg.SettleDelay > 0 {
			timer := time.NewTimer(e.cfg.SettleDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				result.Verdict = VerdictFailed
				result.FailedStep = i + 1
				return result, ctx.Err()
			case <-timer.C:
			}
		}
	}

	result.Verdict = VerdictLanded
	logger.Audit().Info("顺序提交落地",
		slog.String("owner", string(p.Owner)),
		slog.String("kind", string(p.Kind)),
		slog.Int("steps", result.LandedSteps),
	)
	return result, nil
}

func (e *Engine) latestBlockhash(ctx context.Context) (string, error) {
	var blockhash string
	err := e.retry.Do(ctx, "latest-blockhash", transientOnly, func(ctx context.Context) error {
		hash, err := e.blockhash.LatestBlockhash(ctx)
		if err != nil {
			return err
		}
		blockhash = hash
		return nil
	})
	return blockhash, err
}

func (e *Engine) simulateStep(ctx context.Context, tx *ledger.SignedTx) (*ledger.SimulationResult, error) {
	var simResult *ledger.SimulationResult
	err := e.retry.Do(ctx, "simulate", transientOnly, func(ctx context.Context) error {
		simCtx, cancel := context.WithTimeout(ctx, e.cfg.SimulateTimeout)
		defer cancel()
		res, err := e.sim.Simulate(simCtx, tx)
		if err != nil {
			return err
		}
		simResult = res
		return nil
	})
	return simResult, err
}

// awaitBundle 轮询打包状态直至落地、失败或超时。
func (e *Engine) awaitBundle(ctx context.Context, bundleID string) (*ledger.BundleStatus, error) {
	pollCtx, cancel := context.WithTimeout(ctx, e.cfg.BundleTimeout)
	defer cancel()
	ticker := time.NewTicker(e.cfg.BundlePoll)
	defer ticker.Stop()
	for {
		status, err := e.relay.BundleStatus(pollCtx, bundleID)
		if err == nil && status != nil && (status.Landed || status.Err != "") {
			return status, nil
		}
		select {
		case <-pollCtx.Done():
			return nil, xerrors.Wrap(CodeSubmissionAmbiguous, pollCtx.Err(),
				"打包状态查询超时，重试前必须先核实",
				xerrors.WithMetadata("bundle_id", bundleID))
		case <-ticker.C:
		}
	}
}

// transientOnly 只放行瞬时传输故障进入重试。
func transientOnly(err error) bool {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeTransportFailure, xerrors.CodeTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.CodeOf(err) == xerrors.CodeTimeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
