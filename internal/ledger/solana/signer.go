package solana

import (
	"context"

	"github.com/gagliardetto/solana-go"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
)

// CodeSigningFailed 表示本地密钥无法产出签名，属于终态错误。
const CodeSigningFailed xerrors.Code = "SIGNING_FAILED"

func init() {
	xerrors.Register(CodeSigningFailed, xerrors.Attributes{
		Message:   "local signing failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// KeypairSigner signs messages with a locally held keypair. It implements
// ledger.WalletSigner for the primary wallet.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSignerFromFile loads a keypair from a solana-keygen JSON file.
func NewKeypairSignerFromFile(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取钱包密钥文件失败",
			xerrors.WithMetadata("path", path))
	}
	return &KeypairSigner{key: key}, nil
}

// NewKeypairSigner wraps an in-memory private key.
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// Address returns the wallet's public key in base58 form.
func (s *KeypairSigner) Address() ledger.Address {
	return ledger.Address(s.key.PublicKey().String())
}

// Sign encodes the message into its wire form and places the wallet
// signature in slot 0. Remaining signature slots stay zeroed for co-signers.
func (s *KeypairSigner) Sign(_ context.Context, msg *ledger.Message) (*ledger.SignedTx, error) {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	if msg.FeePayer() != s.Address() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付费账户与钱包地址不符",
			xerrors.WithMetadata("fee_payer", string(msg.FeePayer())))
	}

	sig, err := s.key.Sign(payload)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailed, err, "钱包签名失败")
	}

	signatures := make([][]byte, msg.RequiredSigners)
	signatures[0] = sig[:]
	for i := 1; i < len(signatures); i++ {
		signatures[i] = make([]byte, signatureLength)
	}
	return &ledger.SignedTx{
		ID:         sig.String(),
		Payload:    payload,
		Signatures: signatures,
	}, nil
}

// EphemeralSigner is a throwaway keypair attached to a single step, for
// example the account keypair of a freshly derived position.
type EphemeralSigner struct {
	key solana.PrivateKey
}

// NewEphemeralSigner generates a fresh keypair.
func NewEphemeralSigner() (*EphemeralSigner, error) {
	wallet := solana.NewWallet()
	return &EphemeralSigner{key: wallet.PrivateKey}, nil
}

// Address returns the ephemeral public key in base58 form.
func (s *EphemeralSigner) Address() ledger.Address {
	return ledger.Address(s.key.PublicKey().String())
}

// SignPayload signs the already-encoded wire message.
func (s *EphemeralSigner) SignPayload(payload []byte) ([]byte, error) {
	sig, err := s.key.Sign(payload)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailed, err, "临时密钥签名失败")
	}
	return sig[:], nil
}
