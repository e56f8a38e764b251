package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
	"OpenLP-Chain/pkg/logger"
)

// ClientConfig carries the node endpoint and the commitment level used for
// blockhash queries and confirmation polling.
type ClientConfig struct {
	RPCURL       string
	Commitment   string
	PollInterval time.Duration
}

// Client talks to a Solana JSON-RPC node. It implements ledger.Simulator,
// ledger.Sender, ledger.BlockhashSource, and ledger.AccountInspector.
type Client struct {
	rpc          *rpc.Client
	commitment   rpc.CommitmentType
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewClient builds a client against the configured endpoint.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RPC 地址为空")
	}
	commitment := rpc.CommitmentConfirmed
	switch cfg.Commitment {
	case "", "confirmed":
	case "finalized":
		commitment = rpc.CommitmentFinalized
	case "processed":
		commitment = rpc.CommitmentProcessed
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的 commitment "+cfg.Commitment)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Client{
		rpc:          rpc.New(cfg.RPCURL),
		commitment:   commitment,
		pollInterval: poll,
		logger:       logger.Named("solana"),
	}, nil
}

// LatestBlockhash returns the current blockhash in base58 form.
func (c *Client) LatestBlockhash(ctx context.Context) (string, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return "", wrapRPCError(err, "获取最新 blockhash 失败")
	}
	if out == nil || out.Value == nil {
		return "", xerrors.New(xerrors.CodeTransportFailure, "blockhash 响应为空")
	}
	return out.Value.Blockhash.String(), nil
}

// AccountExists reports whether the account has been created on the ledger.
func (c *Client) AccountExists(ctx context.Context, addr ledger.Address) (bool, error) {
	key, err := solana.PublicKeyFromBase58(string(addr))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "账户地址非法")
	}
	out, err := c.rpc.GetAccountInfo(ctx, key)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, wrapRPCError(err, "查询账户失败")
	}
	return out != nil && out.Value != nil, nil
}

// Simulate dry-runs the signed transaction against current ledger state.
// Failed simulations are reported in the result, not as an error; errors are
// reserved for transport problems.
func (c *Client) Simulate(ctx context.Context, tx *ledger.SignedTx) (*ledger.SimulationResult, error) {
	raw, err := AssembleTransaction(tx)
	if err != nil {
		return nil, err
	}
	out, err := c.rpc.SimulateRawTransactionWithOpts(ctx, raw, &rpc.SimulateTransactionOpts{
		SigVerify:  true,
		Commitment: c.commitment,
	})
	if err != nil {
		return nil, wrapRPCError(err, "模拟交易失败")
	}
	if out == nil || out.Value == nil {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "模拟响应为空")
	}
	result := &ledger.SimulationResult{
		OK:   out.Value.Err == nil,
		Logs: out.Value.Logs,
	}
	if out.Value.Err != nil {
		result.Err = fmt.Sprintf("%v", out.Value.Err)
	}
	return result, nil
}

// Send submits the transaction without preflight; the engine decides whether
// simulation happens beforehand.
func (c *Client) Send(ctx context.Context, tx *ledger.SignedTx) (string, error) {
	raw, err := AssembleTransaction(tx)
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	sig, err := c.rpc.SendEncodedTransactionWithOpts(ctx, encoded, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return "", wrapRPCError(err, "发送交易失败")
	}
	return sig.String(), nil
}

// AwaitConfirmation polls signature status until the configured commitment is
// reached or ctx expires. The deadline error is returned as-is so callers can
// classify the outcome as ambiguous.
func (c *Client) AwaitConfirmation(ctx context.Context, signature string) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "交易签名非法")
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("查询交易状态失败，继续轮询", "signature", signature, "error", err)
		} else if out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return xerrors.New(xerrors.CodeTransportFailure, "交易在账本上执行失败",
					xerrors.WithMetadata("signature", signature),
					xerrors.WithRetryable(false))
			}
			if confirmationReached(status.ConfirmationStatus, c.commitment) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func confirmationReached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return status != ""
	default:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	}
}

// wrapRPCError folds node errors into the transport failure code so retry
// policies treat them as transient.
func wrapRPCError(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeTransportFailure, err, message)
}
