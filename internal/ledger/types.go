package ledger

import (
	"bytes"
	"encoding/binary"
	"strconv"

	xerrors "OpenLP-Chain/internal/errors"
)

// Address 是账本上的账户地址（base58 文本形式）。
type Address string

// AccountMeta 描述消息账户表中的一项：地址与其签名/可写属性。
type AccountMeta struct {
	Address    Address `json:"address"`
	IsSigner   bool    `json:"is_signer"`
	IsWritable bool    `json:"is_writable"`
}

// Instruction 是一条指令：程序与账户都以账户表下标引用。
type Instruction struct {
	ProgramIndex   int    `json:"program_index"`
	AccountIndexes []int  `json:"account_indexes"`
	Data           []byte `json:"data"`
}

// Message 是一笔待签名的账本交易消息。账户表有序，前 RequiredSigners
// 个账户构成签名者前缀，slot 0 是付费账户。
type Message struct {
	Accounts        []AccountMeta `json:"accounts"`
	Instructions    []Instruction `json:"instructions"`
	RequiredSigners int           `json:"required_signers"`
	Blockhash       string        `json:"blockhash"`
}

// Clone 返回消息的深拷贝。
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := &Message{
		Accounts:        make([]AccountMeta, len(m.Accounts)),
		Instructions:    make([]Instruction, len(m.Instructions)),
		RequiredSigners: m.RequiredSigners,
		Blockhash:       m.Blockhash,
	}
	copy(clone.Accounts, m.Accounts)
	for i, ins := range m.Instructions {
		idx := make([]int, len(ins.AccountIndexes))
		copy(idx, ins.AccountIndexes)
		data := make([]byte, len(ins.Data))
		copy(data, ins.Data)
		clone.Instructions[i] = Instruction{
			ProgramIndex:   ins.ProgramIndex,
			AccountIndexes: idx,
			Data:           data,
		}
	}
	return clone
}

// FeePayer 返回付费账户地址（slot 0）。
func (m *Message) FeePayer() Address {
	if m == nil || len(m.Accounts) == 0 {
		return ""
	}
	return m.Accounts[0].Address
}

// Validate 检查下标引用与签名者前缀的一致性。
func (m *Message) Validate() error {
	if m == nil || len(m.Accounts) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息账户表为空")
	}
	if m.RequiredSigners <= 0 || m.RequiredSigners > len(m.Accounts) {
		return xerrors.New(xerrors.CodeInvalidArgument, "签名者前缀长度非法")
	}
	for i, ins := range m.Instructions {
		if ins.ProgramIndex < 0 || ins.ProgramIndex >= len(m.Accounts) {
			return xerrors.New(xerrors.CodeInvalidArgument, "指令程序下标越界",
				xerrors.WithMetadata("instruction", strconv.Itoa(i)))
		}
		for _, idx := range ins.AccountIndexes {
			if idx < 0 || idx >= len(m.Accounts) {
				return xerrors.New(xerrors.CodeInvalidArgument, "指令账户下标越界",
					xerrors.WithMetadata("instruction", strconv.Itoa(i)))
			}
		}
	}
	return nil
}

// Encode 产生确定性的签名载荷。编码只在进程内使用，发往具体账本
// 前由适配层转换为对应的线上格式。
func (m *Message) Encode() []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(m.RequiredSigners))
	writeUvarint(&buf, uint64(len(m.Accounts)))
	for _, acc := range m.Accounts {
		writeBytes(&buf, []byte(acc.Address))
		var flags byte
		if acc.IsSigner {
			flags |= 1
		}
		if acc.IsWritable {
			flags |= 2
		}
		buf.WriteByte(flags)
	}
	writeBytes(&buf, []byte(m.Blockhash))
	writeUvarint(&buf, uint64(len(m.Instructions)))
	for _, ins := range m.Instructions {
		writeUvarint(&buf, uint64(ins.ProgramIndex))
		writeUvarint(&buf, uint64(len(ins.AccountIndexes)))
		for _, idx := range ins.AccountIndexes {
			writeUvarint(&buf, uint64(idx))
		}
		writeBytes(&buf, ins.Data)
	}
	return buf.Bytes()
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

// SignedTx 是已签名的交易：签名数组与签名者前缀一一对应。
type SignedTx struct {
	ID         string   `json:"id"`
	Payload    []byte   `json:"payload"`
	Signatures [][]byte `json:"signatures"`
}
