package signer

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"USDC-Treasurer/internal/chain"
	xerrors "USDC-Treasurer/internal/errors"
)

// CodeSigningFailure 标记签名阶段的失败，对应的 nonce 不得复用。
const CodeSigningFailure xerrors.Code = "SIGNING_FAILURE"

func init() {
	xerrors.Register(CodeSigningFailure, xerrors.Attributes{
		Message:   "transaction signing failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Signer 持有托管账户的签名私钥，负责构造并签署代币转账交易。
// 私钥只在进程内存中存在，任何错误信息都不得包含密钥材料。
type Signer struct {
	priv    *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	token   common.Address
}

// New 从十六进制私钥构造签名器。
func New(hexKey string, chainID *big.Int, token common.Address) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名私钥失败")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的链 ID")
	}
	return &Signer{
		priv:    key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		token:   token,
	}, nil
}

// Address 返回托管账户地址。
func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// SignedTransfer 是一次签名的产物：原始字节与交易哈希。
type SignedTransfer struct {
	Raw  []byte
	Hash common.Hash
}

// SignTransfer 构造并签署一笔 ERC-20 transfer。
func (s *Signer) SignTransfer(to common.Address, amount *big.Int, nonce uint64, fees chain.FeeParams) (SignedTransfer, error) {
	if s == nil || s.priv == nil {
		return SignedTransfer{}, xerrors.New(xerrors.CodeInitializationFailure, "签名器未初始化")
	}
	if fees.GasPrice == nil || fees.GasPrice.Sign() <= 0 {
		return SignedTransfer{}, xerrors.New(xerrors.CodeInvalidArgument, "非法的 gas 价格")
	}
	if fees.GasLimit == 0 {
		return SignedTransfer{}, xerrors.New(xerrors.CodeInvalidArgument, "非法的 gas 上限")
	}

	data, err := chain.PackTransfer(to, amount)
	if err != nil {
		return SignedTransfer{}, xerrors.Wrap(CodeSigningFailure, err, "构造转账调用失败")
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &s.token,
		Value:    big.NewInt(0),
		Gas:      fees.GasLimit,
		GasPrice: fees.GasPrice,
		Data:     data,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(s.chainID), s.priv)
	if err != nil {
		return SignedTransfer{}, xerrors.Wrap(CodeSigningFailure, err, "签名交易失败")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return SignedTransfer{}, xerrors.Wrap(CodeSigningFailure, err, "序列化交易失败")
	}
	return SignedTransfer{Raw: raw, Hash: signed.Hash()}, nil
}
