package operation

import (
	"testing"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/plan"
)

func validRebalanceRequest() Request {
	return Request{
		Kind:        KindRebalance,
		Owner:       "owner-1",
		Pool:        "pool-1",
		Position:    "position-1",
		AssetX:      "asset-x",
		AssetY:      "asset-y",
		SourceAsset: "asset-x",
		Amount:      "100",
		NewRange:    plan.PriceRange{Lower: 0.9, Upper: 1.1},
	}
}

func TestRequestValidateRebalanceRequiresReopenInputs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Request)
		wantErr bool
	}{
		{"完整请求", func(*Request) {}, false},
		{"缺少交易对资产", func(r *Request) { r.AssetX = "" }, true},
		{"缺少出资资产", func(r *Request) { r.SourceAsset = "" }, true},
		{"金额非法", func(r *Request) { r.Amount = "not-a-number" }, true},
		{"金额为零", func(r *Request) { r.Amount = "0" }, true},
		{"缺少仓位", func(r *Request) { r.Position = "" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRebalanceRequest()
			tc.mutate(&req)
			err := req.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("期望校验失败，实际通过")
				}
				if xerrors.CodeOf(err) != CodeOperationValidation {
					t.Fatalf("期望校验错误码，实际 %s", xerrors.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("期望校验通过，实际 %v", err)
			}
		})
	}
}

func TestRequestValidateOpenAmountMustParse(t *testing.T) {
	req := Request{
		Kind:        KindOpen,
		Owner:       "owner-1",
		Pool:        "pool-1",
		AssetX:      "asset-x",
		AssetY:      "asset-y",
		SourceAsset: "asset-x",
		Amount:      "12,5",
		Range:       plan.PriceRange{Lower: 0.9, Upper: 1.1},
	}
	if err := req.Validate(); err == nil {
		t.Fatalf("非法金额应在受理时被拒绝")
	}
}
