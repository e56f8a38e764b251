package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"OpenLP-Chain/internal/ledger"
	"OpenLP-Chain/internal/plan"
)

func TestQuoteReturnsRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quote" {
			t.Fatalf("意外的请求路径: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"route":{"in_asset":"USDC","out_asset":"SOL","amount_in":"50","amount_out":"0.25","venue":"clmm-main"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}

	route, err := client.Quote(context.Background(), "USDC", "SOL", decimal.NewFromInt(50))
	if err != nil {
		t.Fatalf("询价失败: %v", err)
	}
	if route == nil || route.Venue != "clmm-main" {
		t.Fatalf("路由结果错误: %+v", route)
	}
	if !route.AmountOut.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("兑换金额错误: %s", route.AmountOut)
	}
}

func TestQuoteNoRouteIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"route":null}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}

	route, err := client.Quote(context.Background(), "USDC", "RARE", decimal.NewFromInt(50))
	if err != nil {
		t.Fatalf("无路径不应返回错误: %v", err)
	}
	if route != nil {
		t.Fatalf("期望空路由,实际: %+v", route)
	}
}

func TestOpenPositionAttachesEphemeralSigner(t *testing.T) {
	var received openPositionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求失败: %v", err)
		}
		resp := messageResponse{
			Message: &ledger.Message{
				Accounts: []ledger.AccountMeta{
					{Address: "FEE_PAYER_PLACEHOLDER", IsSigner: true, IsWritable: true},
					{Address: ledger.Address(received.PositionAccount), IsSigner: true, IsWritable: true},
				},
				RequiredSigners: 2,
			},
			NeedsRepair: true,
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}

	raw, err := client.OpenPosition(context.Background(), plan.Intent{
		Kind:        plan.KindOpen,
		Owner:       "owner-1",
		Pool:        "pool-1",
		AssetX:      "SOL",
		AssetY:      "USDC",
		SourceAsset: "USDC",
		Amount:      decimal.NewFromInt(100),
		Range:       plan.PriceRange{Lower: 10, Upper: 20},
	})
	if err != nil {
		t.Fatalf("构造开仓步骤失败: %v", err)
	}
	if !raw.NeedsRepair {
		t.Fatalf("开仓消息应标记为待修复")
	}
	if len(raw.ExtraSigners) != 1 {
		t.Fatalf("期望 1 个附加签名者,实际 %d", len(raw.ExtraSigners))
	}
	if string(raw.ExtraSigners[0].Address()) != received.PositionAccount {
		t.Fatalf("附加签名者与仓位账户不一致")
	}
}

func TestPostSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "pool not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}

	if _, err := client.WithdrawPosition(context.Background(), "owner-1", "position-1"); err == nil {
		t.Fatalf("期望错误,实际成功")
	}
}

func TestTokenAccountDerivation(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}

	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	derived := client.TokenAccount(ledger.Address(owner.String()), ledger.Address(mint.String()))
	if derived == "" {
		t.Fatalf("合法地址应能推导出关联代币账户")
	}
	expected, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		t.Fatalf("推导期望地址失败: %v", err)
	}
	if string(derived) != expected.String() {
		t.Fatalf("推导结果错误: got %s want %s", derived, expected)
	}

	if got := client.TokenAccount("not-base58!", ledger.Address(mint.String())); got != "" {
		t.Fatalf("非法持有者地址应返回空地址，实际 %s", got)
	}
	if got := client.TokenAccount(ledger.Address(owner.String()), "also-bad"); got != "" {
		t.Fatalf("非法资产地址应返回空地址，实际 %s", got)
	}
}
