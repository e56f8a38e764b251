package ledger

import "context"

// WalletSigner 由托管/钱包协作方注入：对消息签名，返回带主钱包
// 签名的交易。签名位于签名数组 slot 0。
type WalletSigner interface {
	Address() Address
	Sign(ctx context.Context, msg *Message) (*SignedTx, error)
}

// StepSigner 表示某一步骤附带的额外签名者，通常是仅为该步骤生成的
// 临时密钥（例如新仓位账户的密钥对）。
type StepSigner interface {
	Address() Address
	SignPayload(payload []byte) ([]byte, error)
}

// SimulationResult 是一次 dry-run 模拟的结果。
type SimulationResult struct {
	OK   bool
	Err  string
	Logs []string
}

// Simulator 对已签名交易做预检模拟。
type Simulator interface {
	Simulate(ctx context.Context, tx *SignedTx) (*SimulationResult, error)
}

// Sender 逐笔发送交易并等待确认。
type Sender interface {
	Send(ctx context.Context, tx *SignedTx) (string, error)
	AwaitConfirmation(ctx context.Context, signature string) error
}

// BundleStatus 是打包中继返回的落地状态。
type BundleStatus struct {
	Landed bool
	Slot   uint64
	Err    string
}

// BundleRelay 将一组交易作为原子整体提交给打包中继。
type BundleRelay interface {
	SubmitBundle(ctx context.Context, txs []*SignedTx) (string, error)
	BundleStatus(ctx context.Context, bundleID string) (*BundleStatus, error)
}

// BlockhashSource 提供当前账本状态锚点，顺序模式逐步签名时使用。
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (string, error)
}

// AccountInspector 查询派生账户是否已经存在。
type AccountInspector interface {
	AccountExists(ctx context.Context, addr Address) (bool, error)
}
