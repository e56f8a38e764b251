package solana

import (
	"bytes"
	"strconv"

	"github.com/gagliardetto/solana-go"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
)

const signatureLength = 64

// EncodeMessage converts a neutral message into the Solana wire message
// format. The account table must already be in canonical order: writable
// signers, readonly signers, writable non-signers, readonly non-signers.
func EncodeMessage(msg *ledger.Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	var readonlySigned, readonlyUnsigned int
	for i, acc := range msg.Accounts {
		if i < msg.RequiredSigners {
			if !acc.IsSigner {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "签名者前缀内存在非签名账户")
			}
			if !acc.IsWritable {
				readonlySigned++
			}
			continue
		}
		if acc.IsSigner {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "签名账户出现在前缀之外")
		}
		if !acc.IsWritable {
			readonlyUnsigned++
		}
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(msg.RequiredSigners))
	buf.WriteByte(byte(readonlySigned))
	buf.WriteByte(byte(readonlyUnsigned))

	writeShortvecLen(&buf, len(msg.Accounts))
	for _, acc := range msg.Accounts {
		key, err := solana.PublicKeyFromBase58(string(acc.Address))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "账户地址非法",
				xerrors.WithMetadata("address", string(acc.Address)))
		}
		buf.Write(key[:])
	}

	blockhash, err := solana.HashFromBase58(msg.Blockhash)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "blockhash 非法")
	}
	buf.Write(blockhash[:])

	writeShortvecLen(&buf, len(msg.Instructions))
	for _, ins := range msg.Instructions {
		buf.WriteByte(byte(ins.ProgramIndex))
		writeShortvecLen(&buf, len(ins.AccountIndexes))
		for _, idx := range ins.AccountIndexes {
			buf.WriteByte(byte(idx))
		}
		writeShortvecLen(&buf, len(ins.Data))
		buf.Write(ins.Data)
	}

	return buf.Bytes(), nil
}

// AssembleTransaction concatenates the signature table and the signed
// message payload into a full wire transaction.
func AssembleTransaction(tx *ledger.SignedTx) ([]byte, error) {
	if tx == nil || len(tx.Payload) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易载荷为空")
	}
	var buf bytes.Buffer
	writeShortvecLen(&buf, len(tx.Signatures))
	for i, sig := range tx.Signatures {
		if len(sig) != signatureLength {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "签名长度非法",
				xerrors.WithMetadata("slot", strconv.Itoa(i)))
		}
		buf.Write(sig)
	}
	buf.Write(tx.Payload)
	return buf.Bytes(), nil
}

// writeShortvecLen emits the compact-u16 length prefix used throughout the
// Solana wire format.
func writeShortvecLen(buf *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

