package ledger

import (
	xerrors "OpenLP-Chain/internal/errors"
)

// CodeRepairFailed 表示消息修复无法完成，属于终态错误。
const CodeRepairFailed xerrors.Code = "MESSAGE_REPAIR_FAILED"

func init() {
	xerrors.Register(CodeRepairFailed, xerrors.Attributes{
		Message:   "transaction message repair failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// RepairFeePayer 修复第三方步骤构造器产出的畸形消息：这类构造器默认
// slot 0 是一个占位付费账户，真实钱包被排在签名者前缀的其他位置。
// 合法交易要求付费账户就是 slot 0，因此需要：
//
//  1. 在签名者前缀内定位钱包下标 w；
//  2. w == 0 时无需修复；
//  3. 否则丢弃 slot 0 的占位账户，把钱包提到 slot 0，其余账户保持
//     相对顺序不变；
//  4. 旧下标 0 与 w 都折叠到新下标 0，小于 w 的不变，大于 w 的减一；
//  5. 按该映射重写所有指令的程序下标与账户下标；
//  6. 签名者数量减一（占位账户被移除）。
//
// 返回的消息是新对象，入参不被修改。
func RepairFeePayer(msg *Message, wallet Address) (*Message, error) {
	if msg == nil {
		return nil, xerrors.New(CodeRepairFailed, "消息为空")
	}
	if err := msg.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeRepairFailed, err, "消息结构非法")
	}

	w := -1
	for i := 0; i < msg.RequiredSigners; i++ {
		if msg.Accounts[i].Address == wallet {
			w = i
			break
		}
	}
	if w < 0 {
		return nil, xerrors.New(CodeRepairFailed, "钱包不在签名者前缀内",
			xerrors.WithMetadata("wallet", string(wallet)))
	}
	if w == 0 {
		return msg.Clone(), nil
	}

	repaired := &Message{
		Accounts:        make([]AccountMeta, 0, len(msg.Accounts)-1),
		Instructions:    make([]Instruction, len(msg.Instructions)),
		RequiredSigners: msg.RequiredSigners - 1,
		Blockhash:       msg.Blockhash,
	}
	// 付费账户必须是可写的签名者。
	repaired.Accounts = append(repaired.Accounts, AccountMeta{
		Address:    wallet,
		IsSigner:   true,
		IsWritable: true,
	})
	for i, acc := range msg.Accounts {
		if i == 0 || i == w {
			continue
		}
		repaired.Accounts = append(repaired.Accounts, acc)
	}

	remap := func(old int) int {
		switch {
		case old == 0 || old == w:
			return 0
		case old < w:
			return old
		default:
			return old - 1
		}
	}
	for i, ins := range msg.Instructions {
		indexes := make([]int, len(ins.AccountIndexes))
		for j, idx := range ins.AccountIndexes {
			indexes[j] = remap(idx)
		}
		data := make([]byte, len(ins.Data))
		copy(data, ins.Data)
		repaired.Instructions[i] = Instruction{
			ProgramIndex:   remap(ins.ProgramIndex),
			AccountIndexes: indexes,
			Data:           data,
		}
	}

	if err := repaired.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeRepairFailed, err, "修复后的消息仍非法")
	}
	return repaired, nil
}

// CoSign 把步骤附带的额外签名者的签名填入交易。签名位置由签名者在
// 账户表前缀中的下标决定；修复只会移动签名者的位置，不影响其密钥。
func CoSign(tx *SignedTx, msg *Message, signers []StepSigner) error {
	if tx == nil || msg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易或消息为空")
	}
	if len(tx.Signatures) < msg.RequiredSigners {
		grown := make([][]byte, msg.RequiredSigners)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	for _, signer := range signers {
		slot := -1
		for i := 0; i < msg.RequiredSigners; i++ {
			if msg.Accounts[i].Address == signer.Address() {
				slot = i
				break
			}
		}
		if slot < 0 {
			return xerrors.New(CodeRepairFailed, "附加签名者不在签名者前缀内",
				xerrors.WithMetadata("signer", string(signer.Address())))
		}
		sig, err := signer.SignPayload(tx.Payload)
		if err != nil {
			return xerrors.Wrap(CodeRepairFailed, err, "附加签名失败")
		}
		tx.Signatures[slot] = sig
	}
	return nil
}
