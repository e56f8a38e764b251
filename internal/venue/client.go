package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
	lpsolana "OpenLP-Chain/internal/ledger/solana"
	"OpenLP-Chain/internal/plan"
	"OpenLP-Chain/pkg/logger"
)

const defaultTimeout = 20 * time.Second

// Config 描述了调用做市场所指令构造服务所需的信息。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用场所方的指令构造服务，产出原始步骤消息。
// 它同时实现 plan.InstructionSource、plan.RouteSource 与
// plan.DerivedAccounts。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient 根据配置创建场所适配客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供指令构造服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("venue"),
	}, nil
}

type quoteRequest struct {
	InAsset  string `json:"in_asset"`
	OutAsset string `json:"out_asset"`
	Amount   string `json:"amount"`
}

type quoteResponse struct {
	Route *struct {
		InAsset   string `json:"in_asset"`
		OutAsset  string `json:"out_asset"`
		AmountIn  string `json:"amount_in"`
		AmountOut string `json:"amount_out"`
		Venue     string `json:"venue"`
	} `json:"route"`
}

// Quote 询价。没有可用路径时返回 (nil, nil)。
func (c *Client) Quote(ctx context.Context, in, out ledger.Address, amount decimal.Decimal) (*plan.Route, error) {
	var resp quoteResponse
	if err := c.post(ctx, "/v1/quote", quoteRequest{
		InAsset:  string(in),
		OutAsset: string(out),
		Amount:   amount.String(),
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Route == nil {
		return nil, nil
	}

	amountIn, err := decimal.NewFromString(resp.Route.AmountIn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "询价响应金额非法")
	}
	amountOut, err := decimal.NewFromString(resp.Route.AmountOut)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "询价响应金额非法")
	}
	return &plan.Route{
		InAsset:   ledger.Address(resp.Route.InAsset),
		OutAsset:  ledger.Address(resp.Route.OutAsset),
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Venue:     resp.Route.Venue,
	}, nil
}

type messageResponse struct {
	Message     *ledger.Message `json:"message"`
	NeedsRepair bool            `json:"needs_repair"`
}

// CreateTokenAccount 构造派生代币账户的创建消息。
func (c *Client) CreateTokenAccount(ctx context.Context, owner, asset ledger.Address) (*ledger.Message, error) {
	var resp messageResponse
	err := c.post(ctx, "/v1/instructions/create-token-account", map[string]string{
		"owner": string(owner),
		"asset": string(asset),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "指令构造服务未返回消息")
	}
	return resp.Message, nil
}

// Swap 构造兑换消息。
func (c *Client) Swap(ctx context.Context, owner ledger.Address, route *plan.Route) (*ledger.Message, error) {
	var resp messageResponse
	err := c.post(ctx, "/v1/instructions/swap", map[string]string{
		"owner":     string(owner),
		"in_asset":  string(route.InAsset),
		"out_asset": string(route.OutAsset),
		"amount_in": route.AmountIn.String(),
		"venue":     route.Venue,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "指令构造服务未返回消息")
	}
	return resp.Message, nil
}

type openPositionRequest struct {
	Owner           string  `json:"owner"`
	Pool            string  `json:"pool"`
	AssetX          string  `json:"asset_x"`
	AssetY          string  `json:"asset_y"`
	Amount          string  `json:"amount"`
	RangeLower      float64 `json:"range_lower"`
	RangeUpper      float64 `json:"range_upper"`
	PositionAccount string  `json:"position_account"`
}

// OpenPosition 构造开仓步骤。仓位账户密钥对在本地生成，地址交给
// 服务方放入消息，私钥留在进程内作为步骤附加签名者。
func (c *Client) OpenPosition(ctx context.Context, intent plan.Intent) (*plan.RawStep, error) {
	positionKey, err := lpsolana.NewEphemeralSigner()
	if err != nil {
		return nil, err
	}

	var resp messageResponse
	err = c.post(ctx, "/v1/instructions/open-position", openPositionRequest{
		Owner:           string(intent.Owner),
		Pool:            intent.Pool,
		AssetX:          string(intent.AssetX),
		AssetY:          string(intent.AssetY),
		Amount:          intent.Amount.String(),
		RangeLower:      intent.Range.Lower,
		RangeUpper:      intent.Range.Upper,
		PositionAccount: string(positionKey.Address()),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "指令构造服务未返回消息")
	}
	return &plan.RawStep{
		Message:      resp.Message,
		ExtraSigners: []ledger.StepSigner{positionKey},
		NeedsRepair:  resp.NeedsRepair,
	}, nil
}

// WithdrawPosition 构造撤仓步骤。
func (c *Client) WithdrawPosition(ctx context.Context, owner, position ledger.Address) (*plan.RawStep, error) {
	return c.positionOp(ctx, "/v1/instructions/withdraw-position", owner, position)
}

// ClaimFees 构造手续费领取步骤。
func (c *Client) ClaimFees(ctx context.Context, owner, position ledger.Address) (*plan.RawStep, error) {
	return c.positionOp(ctx, "/v1/instructions/claim-fees", owner, position)
}

func (c *Client) positionOp(ctx context.Context, endpoint string, owner, position ledger.Address) (*plan.RawStep, error) {
	var resp messageResponse
	err := c.post(ctx, endpoint, map[string]string{
		"owner":    string(owner),
		"position": string(position),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "指令构造服务未返回消息")
	}
	return &plan.RawStep{
		Message:     resp.Message,
		NeedsRepair: resp.NeedsRepair,
	}, nil
}

// TokenAccount 按关联代币账户规则在本地推导地址，不产生网络调用。
func (c *Client) TokenAccount(owner, asset ledger.Address) ledger.Address {
	ownerKey, err := solana.PublicKeyFromBase58(string(owner))
	if err != nil {
		c.logger.Warn("持有者地址无法解析，代币账户推导失败", "owner", owner, "error", err)
		return ""
	}
	mintKey, err := solana.PublicKeyFromBase58(string(asset))
	if err != nil {
		c.logger.Warn("资产地址无法解析，代币账户推导失败", "asset", asset, "error", err)
		return ""
	}
	derived, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		c.logger.Warn("关联代币账户推导失败", "owner", owner, "asset", asset, "error", err)
		return ""
	}
	return ledger.Address(derived.String())
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化指令构造请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建指令构造请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "请求指令构造服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := xerrors.CodeTransportFailure
		if resp.StatusCode < http.StatusInternalServerError {
			code = xerrors.CodeInvalidArgument
		}
		return xerrors.New(code, "指令构造服务返回错误状态 "+resp.Status,
			xerrors.WithMetadata("endpoint", endpoint),
			xerrors.WithMetadata("detail", strings.TrimSpace(string(detail))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "解析指令构造响应失败")
	}
	return nil
}
