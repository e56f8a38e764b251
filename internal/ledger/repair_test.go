package ledger

import (
	"fmt"
	"testing"

	xerrors "OpenLP-Chain/internal/errors"
)

// buildPlaceholderMessage 构造一条占位付费账户在 slot 0、真实钱包在
// 签名者前缀第 w 位的畸形消息。
func buildPlaceholderMessage(wallet Address, w, signers, extra int) *Message {
	accounts := make([]AccountMeta, 0, signers+extra)
	for i := 0; i < signers; i++ {
		addr := Address(fmt.Sprintf("signer-%d", i))
		if i == 0 {
			addr = "placeholder-payer"
		}
		if i == w {
			addr = wallet
		}
		accounts = append(accounts, AccountMeta{Address: addr, IsSigner: true, IsWritable: i == 0})
	}
	for i := 0; i < extra; i++ {
		accounts = append(accounts, AccountMeta{
			Address:    Address(fmt.Sprintf("readonly-%d", i)),
			IsWritable: i%2 == 0,
		})
	}
	return &Message{
		Accounts:        accounts,
		RequiredSigners: signers,
		Blockhash:       "hash-1",
		Instructions: []Instruction{
			{ProgramIndex: signers, AccountIndexes: []int{0, w, signers - 1, signers + 1}, Data: []byte{1, 2}},
			{ProgramIndex: signers + extra - 1, AccountIndexes: []int{w, 1}, Data: []byte{3}},
		},
	}
}

// referencedFlags 按底层地址（而非下标）收集一条指令引用的账户属性。
func referencedFlags(msg *Message, ins Instruction) map[Address][2]bool {
	out := make(map[Address][2]bool)
	for _, idx := range ins.AccountIndexes {
		acc := msg.Accounts[idx]
		out[acc.Address] = [2]bool{acc.IsSigner, acc.IsWritable}
	}
	return out
}

func TestRepairFeePayerMovesWalletToSlotZero(t *testing.T) {
	wallet := Address("wallet-main")
	for w := 1; w <= 3; w++ {
		msg := buildPlaceholderMessage(wallet, w, 4, 3)
		repaired, err := RepairFeePayer(msg, wallet)
		if err != nil {
			t.Fatalf("w=%d 修复失败: %v", w, err)
		}
		if repaired.FeePayer() != wallet {
			t.Fatalf("w=%d 修复后付费账户应为钱包，实际 %s", w, repaired.FeePayer())
		}
		if !repaired.Accounts[0].IsSigner || !repaired.Accounts[0].IsWritable {
			t.Fatalf("w=%d 付费账户必须是可写签名者", w)
		}
		if repaired.RequiredSigners != msg.RequiredSigners-1 {
			t.Fatalf("w=%d 签名者数量应减一：%d -> %d", w, msg.RequiredSigners, repaired.RequiredSigners)
		}
		if len(repaired.Accounts) != len(msg.Accounts)-1 {
			t.Fatalf("w=%d 占位账户应被移除", w)
		}
		for _, acc := range repaired.Accounts {
			if acc.Address == "placeholder-payer" {
				t.Fatalf("w=%d 占位账户仍在账户表中", w)
			}
		}
	}
}

func TestRepairFeePayerPreservesReferencedAccountsByAddress(t *testing.T) {
	wallet := Address("wallet-main")
	for w := 1; w <= 3; w++ {
		msg := buildPlaceholderMessage(wallet, w, 4, 3)
		repaired, err := RepairFeePayer(msg, wallet)
		if err != nil {
			t.Fatalf("w=%d 修复失败: %v", w, err)
		}
		for i := range msg.Instructions {
			before := referencedFlags(msg, msg.Instructions[i])
			after := referencedFlags(repaired, repaired.Instructions[i])
			// 占位账户的引用折叠到钱包上，其余引用按地址一一对应。
			for addr, flags := range before {
				if addr == "placeholder-payer" {
					addr = wallet
					flags = [2]bool{true, true}
				}
				if addr == wallet {
					flags = [2]bool{true, true}
				}
				got, ok := after[addr]
				if !ok {
					t.Fatalf("w=%d 指令 %d 修复后缺少账户 %s", w, i, addr)
				}
				if got != flags {
					t.Fatalf("w=%d 指令 %d 账户 %s 属性被改动: %v -> %v", w, i, addr, flags, got)
				}
			}
			// 程序引用也必须指向同一地址。
			beforeProg := msg.Accounts[msg.Instructions[i].ProgramIndex].Address
			afterProg := repaired.Accounts[repaired.Instructions[i].ProgramIndex].Address
			if beforeProg != afterProg {
				t.Fatalf("w=%d 指令 %d 程序引用漂移: %s -> %s", w, i, beforeProg, afterProg)
			}
		}
	}
}

func TestRepairFeePayerNoopWhenWalletAlreadyPayer(t *testing.T) {
	wallet := Address("wallet-main")
	msg := buildPlaceholderMessage(wallet, 2, 3, 2)
	// 把钱包放到 slot 0，模拟已经正确的消息。
	msg.Accounts[0], msg.Accounts[2] = msg.Accounts[2], msg.Accounts[0]
	msg.Accounts[0].IsWritable = true

	repaired, err := RepairFeePayer(msg, wallet)
	if err != nil {
		t.Fatalf("修复失败: %v", err)
	}
	if repaired.RequiredSigners != msg.RequiredSigners {
		t.Fatal("已正确的消息不应改动签名者数量")
	}
	if len(repaired.Accounts) != len(msg.Accounts) {
		t.Fatal("已正确的消息不应改动账户表")
	}
}

func TestRepairFeePayerRejectsWalletOutsidePrefix(t *testing.T) {
	msg := buildPlaceholderMessage("wallet-main", 1, 3, 2)
	_, err := RepairFeePayer(msg, "wallet-other")
	if xerrors.CodeOf(err) != CodeRepairFailed {
		t.Fatalf("钱包不在前缀内应返回修复失败，实际: %v", err)
	}
}

func TestRepairFeePayerDoesNotMutateInput(t *testing.T) {
	wallet := Address("wallet-main")
	msg := buildPlaceholderMessage(wallet, 2, 3, 2)
	beforeEncoded := string(msg.Encode())
	if _, err := RepairFeePayer(msg, wallet); err != nil {
		t.Fatalf("修复失败: %v", err)
	}
	if string(msg.Encode()) != beforeEncoded {
		t.Fatal("修复不应改动入参消息")
	}
}

type fakeStepSigner struct {
	addr Address
	sig  []byte
	err  error
}

func (f *fakeStepSigner) Address() Address { return f.addr }
func (f *fakeStepSigner) SignPayload([]byte) ([]byte, error) {
	return f.sig, f.err
}

func TestCoSignPlacesSignaturesBySignerSlot(t *testing.T) {
	wallet := Address("wallet-main")
	msg := buildPlaceholderMessage(wallet, 2, 3, 2)
	repaired, err := RepairFeePayer(msg, wallet)
	if err != nil {
		t.Fatalf("修复失败: %v", err)
	}

	tx := &SignedTx{Payload: repaired.Encode(), Signatures: [][]byte{[]byte("wallet-sig")}}
	extra := &fakeStepSigner{addr: repaired.Accounts[1].Address, sig: []byte("extra-sig")}
	if err := CoSign(tx, repaired, []StepSigner{extra}); err != nil {
		t.Fatalf("附加签名失败: %v", err)
	}
	if len(tx.Signatures) != repaired.RequiredSigners {
		t.Fatalf("签名数组长度应为 %d，实际 %d", repaired.RequiredSigners, len(tx.Signatures))
	}
	if string(tx.Signatures[0]) != "wallet-sig" {
		t.Fatal("钱包签名应保持在 slot 0")
	}
	if string(tx.Signatures[1]) != "extra-sig" {
		t.Fatal("附加签名应落在对应签名者的下标")
	}
}

func TestCoSignRejectsForeignSigner(t *testing.T) {
	wallet := Address("wallet-main")
	msg := buildPlaceholderMessage(wallet, 1, 3, 2)
	repaired, err := RepairFeePayer(msg, wallet)
	if err != nil {
		t.Fatalf("修复失败: %v", err)
	}
	tx := &SignedTx{Payload: repaired.Encode()}
	foreign := &fakeStepSigner{addr: "not-a-signer", sig: []byte("x")}
	if err := CoSign(tx, repaired, []StepSigner{foreign}); xerrors.CodeOf(err) != CodeRepairFailed {
		t.Fatalf("前缀外的签名者应被拒绝，实际: %v", err)
	}
}
