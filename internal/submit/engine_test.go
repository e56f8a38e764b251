package submit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
	"OpenLP-Chain/internal/plan"
	"OpenLP-Chain/internal/resilience"
)

const testWallet = ledger.Address("wallet-1111")

type fakeWallet struct {
	mu     sync.Mutex
	signed []*ledger.Message
}

func (w *fakeWallet) Address() ledger.Address { return testWallet }

func (w *fakeWallet) Sign(_ context.Context, msg *ledger.Message) (*ledger.SignedTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signed = append(w.signed, msg)
	return &ledger.SignedTx{
		ID:         fmt.Sprintf("sig-%d", len(w.signed)),
		Payload:    msg.Encode(),
		Signatures: make([][]byte, msg.RequiredSigners),
	}, nil
}

type fakeSim struct {
	failStep int // 第几次模拟返回失败，-1 表示全部通过
	calls    int
}

func (s *fakeSim) Simulate(_ context.Context, _ *ledger.SignedTx) (*ledger.SimulationResult, error) {
	call := s.calls
	s.calls++
	if s.failStep >= 0 && call == s.failStep {
		return &ledger.SimulationResult{OK: false, Err: "custom program error: 0x1", Logs: []string{"log: insufficient funds"}}, nil
	}
	return &ledger.SimulationResult{OK: true}, nil
}

type fakeRelay struct {
	submitErrs []error // 依次返回的提交错误，耗尽后成功
	submits    int
	status     *ledger.BundleStatus
	statusErr  error
}

func (r *fakeRelay) SubmitBundle(_ context.Context, _ []*ledger.SignedTx) (string, error) {
	call := r.submits
	r.submits++
	if call < len(r.submitErrs) {
		return "", r.submitErrs[call]
	}
	return "bundle-1", nil
}

func (r *fakeRelay) BundleStatus(_ context.Context, _ string) (*ledger.BundleStatus, error) {
	if r.statusErr != nil {
		return nil, r.statusErr
	}
	return r.status, nil
}

type fakeSender struct {
	sendErrs    map[int]error // 第 n 次发送返回的错误
	confirmErrs map[int]error // 第 n 次确认返回的错误
	sends       int
	confirms    int
}

func (s *fakeSender) Send(_ context.Context, tx *ledger.SignedTx) (string, error) {
	call := s.sends
	s.sends++
	if err, ok := s.sendErrs[call]; ok {
		return "", err
	}
	return tx.ID, nil
}

func (s *fakeSender) AwaitConfirmation(_ context.Context, _ string) error {
	call := s.confirms
	s.confirms++
	if err, ok := s.confirmErrs[call]; ok {
		return err
	}
	return nil
}

type fakeBlockhash struct {
	calls int
}

func (b *fakeBlockhash) LatestBlockhash(_ context.Context) (string, error) {
	b.calls++
	return fmt.Sprintf("hash-%d", b.calls), nil
}

type fakeInvalidator struct {
	owners []ledger.Address
}

func (c *fakeInvalidator) Invalidate(_ context.Context, owner ledger.Address) error {
	c.owners = append(c.owners, owner)
	return nil
}

func testMessage(t *testing.T) *ledger.Message {
	t.Helper()
	msg := &ledger.Message{
		Accounts: []ledger.AccountMeta{
			{Address: testWallet, IsSigner: true, IsWritable: true},
			{Address: "pool-2222"},
			{Address: "program-3333"},
		},
		Instructions: []ledger.Instruction{
			{ProgramIndex: 2, AccountIndexes: []int{0, 1}, Data: []byte{0x01}},
		},
		RequiredSigners: 1,
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("测试消息不合法: %v", err)
	}
	return msg
}

func testPlan(t *testing.T, mode plan.Mode, steps int) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		Kind:  plan.KindOpen,
		Mode:  mode,
		Owner: testWallet,
	}
	for i := 0; i < steps; i++ {
		p.Steps = append(p.Steps, plan.Step{
			Label:   fmt.Sprintf("step-%d", i),
			Message: testMessage(t),
		})
	}
	return p
}

func fastConfig() Config {
	return Config{
		SettleDelay:     time.Millisecond,
		ConfirmTimeout:  time.Second,
		SimulateTimeout: time.Second,
		BundleTimeout:   time.Second,
		BundlePoll:      time.Millisecond,
	}
}

func fastRetry() *resilience.RetryPolicy {
	return resilience.NewRetryPolicy(time.Millisecond, 2*time.Millisecond, 3, resilience.WithJitterSeed(1))
}

func newTestEngine(sim ledger.Simulator, relay ledger.BundleRelay, sender ledger.Sender) (*Engine, *fakeWallet, *fakeInvalidator) {
	wallet := &fakeWallet{}
	cache := &fakeInvalidator{}
	engine := NewEngine(wallet, sim, relay, sender, &fakeBlockhash{}, cache,
		WithConfig(fastConfig()),
		WithRetryPolicy(fastRetry()),
		WithBreaker(resilience.NewBreaker("test-relay", 10, time.Second)),
	)
	return engine, wallet, cache
}

func TestSubmitBundleLands(t *testing.T) {
	sim := &fakeSim{failStep: -1}
	relay := &fakeRelay{status: &ledger.BundleStatus{Landed: true, Slot: 100}}
	engine, _, cache := newTestEngine(sim, relay, &fakeSender{})

	result, err := engine.Submit(context.Background(), testPlan(t, plan.ModeBundle, 3))
	if err != nil {
		t.Fatalf("打包提交应当成功: %v", err)
	}
	if result.Verdict != VerdictLanded {
		t.Fatalf("期望结论 landed，实际 %s", result.Verdict)
	}
	if result.LandedSteps != 3 || len(result.Signatures) != 3 {
		t.Fatalf("期望 3 步全部落地，实际 landed=%d signatures=%d", result.LandedSteps, len(result.Signatures))
	}
	if result.BundleID != "bundle-1" {
		t.Fatalf("期望记录 bundle ID，实际 %q", result.BundleID)
	}
	if sim.calls != 3 {
		t.Fatalf("每一步都应当模拟，实际模拟 %d 次", sim.calls)
	}
	if len(cache.owners) != 1 || cache.owners[0] != testWallet {
		t.Fatalf("落地后应当使持有者缓存失效，实际 %v", cache.owners)
	}
}

func TestSubmitBundleSimulationGate(t *testing.T) {
	sim := &fakeSim{failStep: 1}
	relay := &fakeRelay{status: &ledger.BundleStatus{Landed: true}}
	engine, _, cache := newTestEngine(sim, relay, &fakeSender{})

	result, err := engine.Submit(context.Background(), testPlan(t, plan.ModeBundle, 3))
	if xerrors.CodeOf(err) != CodeSimulationFailed {
		t.Fatalf("期望错误码 %s，实际 %v", CodeSimulationFailed, err)
	}
	if result.Verdict != VerdictSimulationFailed {
		t.Fatalf("期望结论 simulation-failed，实际 %s", result.Verdict)
	}
	if relay.submits != 0 {
		t.Fatalf("模拟未通过绝不能触达中继，实际提交 %d 次", relay.submits)
	}
	if result.FailedStep != 1 {
		t.Fatalf("期望记录失败步骤 1，实际 %d", result.FailedStep)
	}
	if len(result.StepErrors) != 1 || len(result.StepErrors[0].Logs) == 0 {
		t.Fatalf("期望保留模拟日志供诊断，实际 %+v", result.StepErrors)
	}
	if result.FundsMoved {
		t.Fatal("模拟阶段终止时资金不应移动")
	}
	if len(cache.owners) != 0 {
		t.Fatal("没有落地不应触发缓存失效")
	}
}

func TestSubmitBundleRetriesTransient(t *testing.T) {
	transient := xerrors.New(xerrors.CodeTransportFailure, "中继瞬时抖动")
	sim := &fakeSim{failStep: -1}
	relay := &fakeRelay{
		submitErrs: []error{transient, transient},
		status:     &ledger.BundleStatus{Landed: true},
	}
	engine, _, _ := newTestEngine(sim, relay, &fakeSender{})

	result, err := engine.Submit(context.Background(), testPlan(t, plan.ModeBundle, 2))
	if err != nil {
		t.Fatalf("瞬时故障重试后应当成功: %v", err)
	}
	if result.Verdict != VerdictLanded {
		t.Fatalf("期望结论 landed，实际 %s", result.Verdict)
	}
	if relay.submits != 3 {
		t.Fatalf("期望重试至第 3 次成功，实际提交 %d 次", relay.submits)
	}
}

func TestSubmitBundleLandingFailure(t *testing.T) {
	sim := &fakeSim{failStep: -1}
	relay := &fakeRelay{status: &ledger.BundleStatus{Err: "bundle dropped"}}
	engine, _, cache := newTestEngine(sim, relay, &fakeSender{})

	result, err := engine.Submit(context.Background(), testPlan(t, plan.ModeBundle, 2))
	if xerrors.CodeOf(err) != CodeSubmissionFailed {
		t.Fatalf("期望错误码 %s，实际 %v", CodeSubmissionFailed, err)
	}
	if result.Verdict != VerdictFailed {
		t.Fatalf("期望结论 failed，实际 %s", result.Verdict)
	}
	if result.FundsMoved || result.LandedSteps != 0 {
		t.Fatal("原子打包失败时不应有任何一步落地")
	}
	if len(cache.owners) != 0 {
		t.Fatal("没有落地不应触发缓存失效")
	}
}

func TestSubmitSequentialLands(t *testing.T) {
	sender := &fakeSender{}
	blockhash := &fakeBlockhash{}
	wallet := &fakeWallet{}
	cache := &fakeInvalidator{}
	engine := NewEngine(wallet, &fakeSim{failStep: -1}, &fakeRelay{}, sender, blockhash, cache,
		WithConfig(fastConfig()),
		WithRetryPolicy(fastRetry()),
	)

	result, err := engine.Submit(context.Background(), testPlan(t, plan.ModeSequential, 3))
	if err != nil {
		t.Fatalf("顺序提交应当成功: %v", err)
	}
	if result.Verdict != VerdictLanded || result.LandedSteps != 3 {
		t.Fatalf("期望 3 步全部落地，实际 verdict=%s landed=%d", result.Verdict, result.LandedSteps)
	}
	if blockhash.calls != 3 {
		t.Fatalf("顺序模式每一步都应取最新状态锚点，实际取了 %d 次", blockhash.calls)
	}
	if len(cache.owners) != 1 {
		t.Fatalf("落地后应当使缓存失效，实际 %v", cache.owners)
	}
}

func TestSubmitSequentialStopsAtFailure(t *testing.T) {
	sender := &fakeSender{
		sendErrs: map[int]error{1: xerrors.New(xerrors.CodeInvalidArgument, "链上拒绝")},
	}
	engine, _, cache := newTestEngine(&fakeSim{failStep: -1}, &fakeRelay{}, sender)

	result, err := engine.Submit(context.Background(), testPlan(t, plan.ModeSequential, 3))
	if xerrors.CodeOf(err) != CodeSubmissionFailed {
		t.Fatalf("期望错误码 %s，实际 %v", CodeSubmissionFailed, err)
	}
	if result.Verdict != VerdictFailed {
		t.Fatalf("期望结论 failed，实际 %s", result.Verdict)
	}
	if result.LandedSteps != 1 || result.FailedStep != 1 {
		t.Fatalf("期望第 1 步落地、第 2 步失败，实际 landed=%d failed=%d", result.LandedSteps, result.FailedStep)
	}
	if !result.FundsMoved {
		t.Fatal("已有步骤落地时必须如实上报资金已移动")
	}
	if sender.sends != 2 {
		t.Fatalf("终止性错误不应重试，期望发送 2 次，实际 %d 次", sender.sends)
	}
	if len(cache.owners) != 1 {
		t.Fatal("部分落地也应使缓存失效")
	}
}

func TestSubmitSequentialConfirmTimeoutIsAmbiguous(t *testing.T) {
	sender := &fakeSender{
		confirmErrs: map[int]error{0: context.DeadlineExceeded},
	}
	engine, _, _ := newTestEngine(&fakeSim{failStep: -1}, &fakeRelay{}, sender)

	result, err := engine.Submit(context.Background(), testPlan(t, plan.ModeSequential, 2))
	if xerrors.CodeOf(err) != CodeSubmissionAmbiguous {
		t.Fatalf("确认超时应标记为 %s，实际 %v", CodeSubmissionAmbiguous, err)
	}
	if result.Verdict != VerdictAmbiguous {
		t.Fatalf("期望结论 ambiguous，实际 %s", result.Verdict)
	}
	if xerrors.RetryableError(err) {
		t.Fatal("结果不明的错误绝不能标记为可重试")
	}
	if sender.sends != 1 {
		t.Fatalf("结果不明时必须立即停止，实际发送 %d 次", sender.sends)
	}
}

func TestSubmitRepairsPlaceholderFeePayer(t *testing.T) {
	placeholder := ledger.Address("placeholder-0000")
	msg := &ledger.Message{
		Accounts: []ledger.AccountMeta{
			{Address: placeholder, IsSigner: true, IsWritable: true},
			{Address: testWallet, IsSigner: true, IsWritable: true},
			{Address: "program-3333"},
		},
		Instructions: []ledger.Instruction{
			{ProgramIndex: 2, AccountIndexes: []int{0, 1}, Data: []byte{0x02}},
		},
		RequiredSigners: 2,
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("测试消息不合法: %v", err)
	}

	p := &plan.Plan{
		Kind:  plan.KindWithdraw,
		Mode:  plan.ModeSequential,
		Owner: testWallet,
		Steps: []plan.Step{{Label: "withdraw", Message: msg, NeedsRepair: true}},
	}
	engine, wallet, _ := newTestEngine(&fakeSim{failStep: -1}, &fakeRelay{}, &fakeSender{})

	if _, err := engine.Submit(context.Background(), p); err != nil {
		t.Fatalf("修复后提交应当成功: %v", err)
	}
	if len(wallet.signed) != 1 {
		t.Fatalf("期望签名 1 条消息，实际 %d", len(wallet.signed))
	}
	signed := wallet.signed[0]
	if signed.Accounts[0].Address != testWallet {
		t.Fatalf("修复后付费账户应为执行钱包，实际 %s", signed.Accounts[0].Address)
	}
	for _, acct := range signed.Accounts {
		if acct.Address == placeholder {
			t.Fatal("占位账户不应残留在修复后的消息中")
		}
	}
	// 原始消息不能被原地修改。
	if msg.Accounts[0].Address != placeholder {
		t.Fatal("修复不得改动调用方持有的原始消息")
	}
}
