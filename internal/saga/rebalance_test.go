package saga

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
	"OpenLP-Chain/internal/plan"
	"OpenLP-Chain/internal/resilience"
	"OpenLP-Chain/internal/submit"
)

type fakeBuilder struct {
	intents  []plan.Intent
	buildErr map[plan.Kind]error
}

func (b *fakeBuilder) Build(_ context.Context, intent plan.Intent) (*plan.Plan, error) {
	b.intents = append(b.intents, intent)
	if err, ok := b.buildErr[intent.Kind]; ok {
		return nil, err
	}
	return &plan.Plan{
		Kind:  intent.Kind,
		Mode:  plan.ModeSequential,
		Owner: intent.Owner,
		Steps: []plan.Step{{Label: string(intent.Kind)}},
	}, nil
}

type fakeSubmitter struct {
	results map[plan.Kind]*submit.Result
	errs    map[plan.Kind]error
	calls   []plan.Kind
}

func (s *fakeSubmitter) Submit(_ context.Context, p *plan.Plan) (*submit.Result, error) {
	s.calls = append(s.calls, p.Kind)
	return s.results[p.Kind], s.errs[p.Kind]
}

func landed() *submit.Result {
	return &submit.Result{Verdict: submit.VerdictLanded, LandedSteps: 1, FundsMoved: true}
}

func testIntent() Intent {
	return Intent{
		Owner:       ledger.Address("owner-1"),
		Pool:        "pool-1",
		Position:    ledger.Address("position-1"),
		AssetX:      ledger.Address("asset-x"),
		AssetY:      ledger.Address("asset-y"),
		SourceAsset: ledger.Address("asset-x"),
		Amount:      decimal.NewFromInt(100),
		NewRange:    plan.PriceRange{Lower: 0.9, Upper: 1.1},
	}
}

func TestRebalanceSucceeds(t *testing.T) {
	builder := &fakeBuilder{}
	submitter := &fakeSubmitter{
		results: map[plan.Kind]*submit.Result{
			plan.KindWithdraw: landed(),
			plan.KindOpen:     landed(),
		},
	}
	locks := resilience.NewLockTable()
	r := NewRebalancer(builder, submitter, locks)

	report, err := r.Run(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("调仓应当成功: %v", err)
	}
	if report.Outcome != OutcomeSucceeded {
		t.Fatalf("期望结果 succeeded，实际 %s", report.Outcome)
	}
	if len(builder.intents) != 2 {
		t.Fatalf("期望构造两个阶段的计划，实际 %d", len(builder.intents))
	}
	if builder.intents[0].Kind != plan.KindWithdraw || builder.intents[1].Kind != plan.KindOpen {
		t.Fatalf("阶段顺序错误: %v", builder.intents)
	}
	if builder.intents[1].Range != (plan.PriceRange{Lower: 0.9, Upper: 1.1}) {
		t.Fatalf("重新开仓应使用新区间，实际 %+v", builder.intents[1].Range)
	}
	// 锁必须已释放。
	if err := locks.TryAcquire(context.Background(), "owner-1", "rebalance"); err != nil {
		t.Fatalf("调仓结束后锁应当已释放: %v", err)
	}
}

func TestRebalancePhaseOneFailure(t *testing.T) {
	builder := &fakeBuilder{}
	submitter := &fakeSubmitter{
		results: map[plan.Kind]*submit.Result{
			plan.KindWithdraw: {Verdict: submit.VerdictFailed, FailedStep: 0},
		},
		errs: map[plan.Kind]error{
			plan.KindWithdraw: xerrors.New(submit.CodeSubmissionFailed, "链上拒绝"),
		},
	}
	locks := resilience.NewLockTable()
	r := NewRebalancer(builder, submitter, locks)

	report, err := r.Run(context.Background(), testIntent())
	if err == nil {
		t.Fatal("阶段一失败应返回错误")
	}
	if report.Outcome != OutcomeFailed {
		t.Fatalf("期望结果 failed，实际 %s", report.Outcome)
	}
	if len(submitter.calls) != 1 {
		t.Fatalf("阶段一失败后绝不能进入阶段二，实际提交 %v", submitter.calls)
	}
	if report.RecoveryHint == "" {
		t.Fatal("失败报告应携带恢复提示")
	}
	if err := locks.TryAcquire(context.Background(), "owner-1", "rebalance"); err != nil {
		t.Fatalf("失败退出后锁应当已释放: %v", err)
	}
}

func TestRebalancePhaseOneAmbiguous(t *testing.T) {
	builder := &fakeBuilder{}
	submitter := &fakeSubmitter{
		results: map[plan.Kind]*submit.Result{
			plan.KindWithdraw: {Verdict: submit.VerdictAmbiguous},
		},
		errs: map[plan.Kind]error{
			plan.KindWithdraw: xerrors.New(submit.CodeSubmissionAmbiguous, ""),
		},
	}
	r := NewRebalancer(builder, submitter, resilience.NewLockTable())

	report, _ := r.Run(context.Background(), testIntent())
	if report.Outcome != OutcomeFailed {
		t.Fatalf("期望结果 failed，实际 %s", report.Outcome)
	}
	if len(submitter.calls) != 1 {
		t.Fatalf("结果不明时绝不能进入阶段二，实际提交 %v", submitter.calls)
	}
	if report.RecoveryHint == "" || report.RecoveryHint == "仓位未变动，可安全重试整个调仓" {
		t.Fatalf("结果不明的提示必须要求先核实，实际 %q", report.RecoveryHint)
	}
}

func TestRebalancePhaseTwoFailureIsPartial(t *testing.T) {
	builder := &fakeBuilder{}
	submitter := &fakeSubmitter{
		results: map[plan.Kind]*submit.Result{
			plan.KindWithdraw: landed(),
			plan.KindOpen:     {Verdict: submit.VerdictSimulationFailed, FailedStep: 0},
		},
		errs: map[plan.Kind]error{
			plan.KindOpen: xerrors.New(submit.CodeSimulationFailed, ""),
		},
	}
	locks := resilience.NewLockTable()
	r := NewRebalancer(builder, submitter, locks)

	report, err := r.Run(context.Background(), testIntent())
	if xerrors.CodeOf(err) != CodeSagaPartial {
		t.Fatalf("期望错误码 %s，实际 %v", CodeSagaPartial, err)
	}
	if report.Outcome != OutcomePartial {
		t.Fatalf("期望结果 partial，实际 %s", report.Outcome)
	}
	if report.Withdraw == nil || report.Withdraw.Verdict != submit.VerdictLanded {
		t.Fatal("报告必须保留阶段一的落地结果")
	}
	if len(submitter.calls) != 2 {
		t.Fatalf("阶段二失败后绝不能自动重试，实际提交 %v", submitter.calls)
	}
	if report.RecoveryHint == "" {
		t.Fatal("部分完成的报告必须携带恢复提示")
	}
	if err := locks.TryAcquire(context.Background(), "owner-1", "rebalance"); err != nil {
		t.Fatalf("部分完成退出后锁应当已释放: %v", err)
	}
}

func TestRebalancePhaseTwoBuildFailureIsPartial(t *testing.T) {
	builder := &fakeBuilder{
		buildErr: map[plan.Kind]error{
			plan.KindOpen: xerrors.New(plan.CodePlanNoRoute, ""),
		},
	}
	submitter := &fakeSubmitter{
		results: map[plan.Kind]*submit.Result{plan.KindWithdraw: landed()},
	}
	r := NewRebalancer(builder, submitter, resilience.NewLockTable())

	report, err := r.Run(context.Background(), testIntent())
	if xerrors.CodeOf(err) != CodeSagaPartial {
		t.Fatalf("期望错误码 %s，实际 %v", CodeSagaPartial, err)
	}
	if report.Outcome != OutcomePartial {
		t.Fatalf("撤出已落地后任何阶段二失败都应是 partial，实际 %s", report.Outcome)
	}
}

func TestRebalanceLockBusy(t *testing.T) {
	locks := resilience.NewLockTable()
	if err := locks.TryAcquire(context.Background(), "owner-1", "rebalance"); err != nil {
		t.Fatalf("预占锁失败: %v", err)
	}
	submitter := &fakeSubmitter{}
	r := NewRebalancer(&fakeBuilder{}, submitter, locks)

	_, err := r.Run(context.Background(), testIntent())
	if xerrors.CodeOf(err) != xerrors.CodeLockBusy {
		t.Fatalf("期望错误码 %s，实际 %v", xerrors.CodeLockBusy, err)
	}
	if len(submitter.calls) != 0 {
		t.Fatal("拿不到锁时不应提交任何计划")
	}
}

// 重开仓的输入缺失在受理时就能发现，绝不能等撤仓落地后才在阶段二
// 暴露为 partial。
func TestRebalanceRejectsIncompleteReopenInputsBeforePhaseOne(t *testing.T) {
	builder := &fakeBuilder{}
	submitter := &fakeSubmitter{
		results: map[plan.Kind]*submit.Result{
			plan.KindWithdraw: landed(),
			plan.KindOpen:     landed(),
		},
	}
	locks := resilience.NewLockTable()
	r := NewRebalancer(builder, submitter, locks)

	intent := testIntent()
	intent.AssetX = ""
	intent.AssetY = ""
	intent.SourceAsset = ""
	intent.Amount = decimal.Zero

	report, err := r.Run(context.Background(), intent)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("期望参数错误，实际 %v", err)
	}
	if report != nil {
		t.Fatalf("静态非法的意图不应产生阶段报告: %+v", report)
	}
	if len(builder.intents) != 0 {
		t.Fatalf("非法意图不应触发计划构造: %v", builder.intents)
	}
	if len(submitter.calls) != 0 {
		t.Fatalf("非法意图不应触发提交: %v", submitter.calls)
	}
	// 校验失败不应占用调仓锁。
	if err := locks.TryAcquire(context.Background(), string(testIntent().Owner), "rebalance"); err != nil {
		t.Fatalf("锁不应被占用: %v", err)
	}
}

func TestRebalanceIntentValidation(t *testing.T) {
	r := NewRebalancer(&fakeBuilder{}, &fakeSubmitter{}, resilience.NewLockTable())
	cases := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"缺少持有者", func(i *Intent) { i.Owner = "" }},
		{"缺少仓位", func(i *Intent) { i.Position = "" }},
		{"区间上界不大于下界", func(i *Intent) { i.NewRange = plan.PriceRange{Lower: 1.1, Upper: 0.9} }},
		{"缺少交易对资产", func(i *Intent) { i.AssetX = "" }},
		{"缺少出资资产", func(i *Intent) { i.SourceAsset = "" }},
		{"金额为零", func(i *Intent) { i.Amount = decimal.Zero }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := testIntent()
			tc.mutate(&intent)
			if _, err := r.Run(context.Background(), intent); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
				t.Fatalf("期望参数错误，实际 %v", err)
			}
		})
	}
}
