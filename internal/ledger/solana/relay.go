package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
)

// RelayConfig points at the bundle relay endpoint.
type RelayConfig struct {
	URL     string
	Timeout time.Duration
}

// Relay submits transaction bundles to a block-engine relay speaking the
// sendBundle/getBundleStatuses JSON-RPC dialect. It implements
// ledger.BundleRelay.
type Relay struct {
	url    string
	client *http.Client
}

// NewRelay builds a relay client.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "打包中继地址为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Relay{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SubmitBundle sends all transactions as one atomic bundle and returns the
// relay-assigned bundle id.
func (r *Relay) SubmitBundle(ctx context.Context, txs []*ledger.SignedTx) (string, error) {
	if len(txs) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "捆绑包为空")
	}
	encoded := make([]string, 0, len(txs))
	for _, tx := range txs {
		raw, err := AssembleTransaction(tx)
		if err != nil {
			return "", err
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(raw))
	}

	var bundleID string
	if err := r.call(ctx, "sendBundle", []any{encoded, map[string]string{"encoding": "base64"}}, &bundleID); err != nil {
		return "", err
	}
	if bundleID == "" {
		return "", xerrors.New(xerrors.CodeTransportFailure, "中继未返回 bundle id")
	}
	return bundleID, nil
}

type bundleStatusesResult struct {
	Value []struct {
		BundleID string `json:"bundle_id"`
		Slot     uint64 `json:"slot"`
		Status   string `json:"confirmation_status"`
		Err      any    `json:"err"`
	} `json:"value"`
}

// BundleStatus queries the landing status of a previously submitted bundle.
func (r *Relay) BundleStatus(ctx context.Context, bundleID string) (*ledger.BundleStatus, error) {
	var result bundleStatusesResult
	if err := r.call(ctx, "getBundleStatuses", []any{[]string{bundleID}}, &result); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 {
		return &ledger.BundleStatus{}, nil
	}
	entry := result.Value[0]
	status := &ledger.BundleStatus{
		Landed: entry.Status == "confirmed" || entry.Status == "finalized",
		Slot:   entry.Slot,
	}
	if entry.Err != nil {
		if msg := fmt.Sprintf("%v", entry.Err); msg != "null" {
			status.Err = msg
			status.Landed = false
		}
	}
	return status, nil
}

func (r *Relay) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化中继请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造中继请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return wrapRPCError(err, "调用打包中继失败")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapRPCError(err, "读取中继响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return xerrors.New(xerrors.CodeTransportFailure, "中继返回异常状态码",
			xerrors.WithMetadata("status", resp.Status),
			xerrors.WithMetadata("method", method))
	}

	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "解析中继响应失败")
	}
	if decoded.Error != nil {
		return xerrors.New(xerrors.CodeTransportFailure, "中继调用失败: "+decoded.Error.Message,
			xerrors.WithMetadata("method", method))
	}
	if result != nil {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return xerrors.Wrap(xerrors.CodeTransportFailure, err, "解析中继结果失败")
		}
	}
	return nil
}
